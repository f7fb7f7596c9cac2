// Package cli defines the poiesis command tree. One image serves every
// engine role; the subcommand picks which workload this process is.
package cli

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/db"
	dbmongo "github.com/jaeaeich/poiesis/pkg/db/mongo"
	"github.com/jaeaeich/poiesis/pkg/k8s"
	"github.com/jaeaeich/poiesis/pkg/logging"
	"github.com/jaeaeich/poiesis/pkg/mbus"
	mbusredis "github.com/jaeaeich/poiesis/pkg/mbus/redis"
)

var rootCmd = &cobra.Command{
	Use:           "poiesis",
	Short:         "GA4GH Task Execution Service on Kubernetes",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(
		apiCmd(),
		torcCmd(),
		tifCmd(),
		texamCmd(),
		tofCmd(),
		versionCmd(),
	)
}

// Execute runs the selected subcommand.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads the process configuration and a component logger.
func setup(component string) (config.Config, *logrus.Entry, error) {
	conf, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return conf, logging.New(conf, component), nil
}

func newStore(ctx context.Context, conf config.Config) (db.Store, error) {
	store, err := dbmongo.New(ctx, conf.Mongo)
	if err != nil {
		return nil, err
	}
	return db.Retrying(store), nil
}

func newBus(conf config.Config) (mbus.Bus, error) {
	return mbusredis.New(conf.Broker)
}

func newCluster(conf config.Config) (*k8s.Cluster, error) {
	client, err := k8s.NewClient()
	if err != nil {
		return nil, err
	}
	return k8s.Attach(client, conf.K8s.Namespace), nil
}

package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaeaeich/poiesis/pkg/api"
	"github.com/jaeaeich/poiesis/pkg/auth"
	"github.com/jaeaeich/poiesis/pkg/k8s"
)

func apiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "TES API server",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Serve the TES v1.1.0 HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI()
		},
	})
	return cmd
}

func runAPI() error {
	conf, log, err := setup("api")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, conf)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	provider, err := auth.New(ctx, conf)
	if err != nil {
		return err
	}

	cluster, err := newCluster(conf)
	if err != nil {
		return err
	}
	contexts, err := k8s.LoadSecurityContexts(conf.K8s.SecurityContext)
	if err != nil {
		return err
	}
	launcher := &api.ClusterLauncher{Cluster: cluster, Conf: conf.K8s, Contexts: contexts}

	e := api.NewServer(conf, store, provider, launcher, launcher)

	go func() {
		<-ctx.Done()
		graceful, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.Shutdown(graceful); err != nil {
			log.WithField("cause", err).Error("shutdown")
		}
	}()

	log.WithField("port", conf.API.Port).Info("serving TES API")
	if err := e.Start(api.Address(conf)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

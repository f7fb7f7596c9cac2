package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jaeaeich/poiesis/pkg/core/texam"
	"github.com/jaeaeich/poiesis/pkg/k8s"
	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

func texamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "texam",
		Short: "Task executor and monitor",
	}

	var taskJSON string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the task's executors in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTexam(cmd.Context(), taskJSON)
		},
	}
	run.Flags().StringVar(&taskJSON, "task", "", "task document as JSON")
	_ = run.MarkFlagRequired("task")

	cmd.AddCommand(run)
	return cmd
}

func runTexam(ctx context.Context, taskJSON string) error {
	conf, log, err := setup("texam")
	if err != nil {
		return err
	}

	var task tes.Task
	if err := json.Unmarshal([]byte(taskJSON), &task); err != nil {
		return xe.WrapWithNote("parsing --task", err)
	}
	if task.ID == "" {
		return xe.New("task document carries no id")
	}

	store, err := newStore(ctx, conf)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	bus, err := newBus(conf)
	if err != nil {
		return err
	}
	defer bus.Close()

	cluster, err := newCluster(conf)
	if err != nil {
		return err
	}
	contexts, err := k8s.LoadSecurityContexts(conf.K8s.SecurityContext)
	if err != nil {
		return err
	}

	return texam.New(task, cluster, store, bus, conf, contexts, log).Run(ctx)
}

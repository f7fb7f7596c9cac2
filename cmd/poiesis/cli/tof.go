package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jaeaeich/poiesis/pkg/core/tof"
	"github.com/jaeaeich/poiesis/pkg/filer"
	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

func tofCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tof",
		Short: "Task output filer",
	}

	var name, outputsJSON, volumesJSON string
	run := &cobra.Command{
		Use:   "run",
		Short: "Collect the task's outputs from the shared volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTof(cmd.Context(), name, outputsJSON)
		},
	}
	run.Flags().StringVar(&name, "name", "", "task id")
	run.Flags().StringVar(&outputsJSON, "outputs", "[]", "task outputs as JSON")
	run.Flags().StringVar(&volumesJSON, "volumes", "[]", "task volumes as JSON")
	_ = run.MarkFlagRequired("name")

	cmd.AddCommand(run)
	return cmd
}

func runTof(ctx context.Context, taskID, outputsJSON string) error {
	conf, log, err := setup("tof")
	if err != nil {
		return err
	}

	var outputs []tes.Output
	if err := json.Unmarshal([]byte(outputsJSON), &outputs); err != nil {
		return xe.WrapWithNote("parsing --outputs", err)
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

	registry := filer.NewRegistry(conf.S3)
	return tof.New(taskID, outputs, registry, store, bus, log).Run(ctx)
}

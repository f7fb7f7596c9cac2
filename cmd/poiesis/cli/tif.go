package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jaeaeich/poiesis/pkg/core/tif"
	"github.com/jaeaeich/poiesis/pkg/filer"
	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

func tifCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tif",
		Short: "Task input filer",
	}

	var name, inputsJSON string
	run := &cobra.Command{
		Use:   "run",
		Short: "Stage the task's inputs into the shared volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTif(cmd.Context(), name, inputsJSON)
		},
	}
	run.Flags().StringVar(&name, "name", "", "task id")
	run.Flags().StringVar(&inputsJSON, "inputs", "[]", "task inputs as JSON")
	_ = run.MarkFlagRequired("name")

	cmd.AddCommand(run)
	return cmd
}

func runTif(ctx context.Context, taskID, inputsJSON string) error {
	conf, log, err := setup("tif")
	if err != nil {
		return err
	}

	var inputs []tes.Input
	if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
		return xe.WrapWithNote("parsing --inputs", err)
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
	return tif.New(taskID, inputs, registry, store, bus, log).Run(ctx)
}

// Package tif is the input filer: it stages every declared input into the
// shared task volume before the first executor runs.
package tif

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaeaeich/poiesis/pkg/db"
	"github.com/jaeaeich/poiesis/pkg/filer"
	"github.com/jaeaeich/poiesis/pkg/k8s"
	"github.com/jaeaeich/poiesis/pkg/mbus"
	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// Tif stages inputs and reports over the bus.
type Tif struct {
	taskID   string
	inputs   []tes.Input
	registry *filer.Registry
	store    db.Store
	bus      mbus.Bus
	log      *logrus.Entry

	// Root is where the task PVC is mounted in this process; the default is
	// the filer transfer path.
	Root string
}

func New(taskID string, inputs []tes.Input, registry *filer.Registry, store db.Store, bus mbus.Bus, log *logrus.Entry) *Tif {
	return &Tif{
		taskID:   taskID,
		inputs:   inputs,
		registry: registry,
		store:    store,
		bus:      bus,
		log:      log,
		Root:     k8s.FilerPVCPath,
	}
}

// destination rebases an absolute task path into this process's mount: the
// path minus its first component, under Root.
func (t *Tif) destination(taskPath string) (string, error) {
	_, rest, err := k8s.SplitMountPath(taskPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(t.Root, filepath.FromSlash(rest)), nil
}

// Run stages every input in order. The first failure aborts the run; either
// way a message is published so the orchestrator can move on.
func (t *Tif) Run(ctx context.Context) error {
	channel := mbus.InputFilerChannel(t.taskID)

	state, err := t.store.GetTaskState(ctx, t.taskID)
	if err == nil && state == tes.Canceling {
		_ = t.bus.Publish(ctx, channel, mbus.Error(mbus.DetailCanceled))
		return xe.New("task is canceling; inputs not staged")
	}

	for i, input := range t.inputs {
		if err := t.stage(ctx, input); err != nil {
			detail := fmt.Sprintf("staging input %d failed: %s", i, err)
			t.log.WithField("input", i).Error(detail)
			_ = t.store.AppendSystemLogs(ctx, t.taskID, detail)
			_ = t.bus.Publish(ctx, channel, mbus.Error(detail))
			return xe.Wrap(err)
		}
	}

	line := fmt.Sprintf("staged %d inputs at %s", len(t.inputs), time.Now().UTC().Format(time.RFC3339))
	_ = t.store.AppendSystemLogs(ctx, t.taskID, line)
	if err := t.bus.Publish(ctx, channel, mbus.Ok()); err != nil {
		return xe.Wrap(err)
	}
	t.log.WithField("inputs", len(t.inputs)).Info("all inputs staged")
	return nil
}

func (t *Tif) stage(ctx context.Context, input tes.Input) error {
	dest, err := t.destination(input.Path)
	if err != nil {
		return err
	}

	if input.Content != "" {
		t.log.WithField("path", input.Path).Debug("writing inline content")
		return filer.StageContent(input.Content, dest)
	}

	f, err := t.registry.ForURL(input.URL)
	if err != nil {
		return err
	}
	t.log.WithField("url", input.URL).WithField("path", input.Path).Debug("downloading input")
	return f.Download(ctx, input.URL, dest, input.Type)
}

// Package tof is the output filer: it collects declared outputs from the
// shared task volume and uploads them to their target URLs.
package tof

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/jaeaeich/poiesis/pkg/db"
	"github.com/jaeaeich/poiesis/pkg/filer"
	"github.com/jaeaeich/poiesis/pkg/k8s"
	"github.com/jaeaeich/poiesis/pkg/mbus"
	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// Tof uploads outputs and records one OutputFileLog per uploaded object.
type Tof struct {
	taskID   string
	outputs  []tes.Output
	registry *filer.Registry
	store    db.Store
	bus      mbus.Bus
	log      *logrus.Entry

	// Root is where the task PVC is mounted in this process.
	Root string
}

func New(taskID string, outputs []tes.Output, registry *filer.Registry, store db.Store, bus mbus.Bus, log *logrus.Entry) *Tof {
	return &Tof{
		taskID:   taskID,
		outputs:  outputs,
		registry: registry,
		store:    store,
		bus:      bus,
		log:      log,
		Root:     k8s.FilerPVCPath,
	}
}

func (t *Tof) localPath(taskPath string) (string, error) {
	_, rest, err := k8s.SplitMountPath(taskPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(t.Root, filepath.FromSlash(rest)), nil
}

// Run collects every output in order. Logs written before a failure remain;
// a message is published either way.
func (t *Tof) Run(ctx context.Context) error {
	channel := mbus.OutputFilerChannel(t.taskID)

	state, err := t.store.GetTaskState(ctx, t.taskID)
	if err == nil && state == tes.Canceling {
		_ = t.bus.Publish(ctx, channel, mbus.Error(mbus.DetailCanceled))
		return xe.New("task is canceling; outputs not collected")
	}

	for i, output := range t.outputs {
		if err := t.collect(ctx, output); err != nil {
			detail := fmt.Sprintf("collecting output %d failed: %s", i, err)
			t.log.WithField("output", i).Error(detail)
			_ = t.store.AppendSystemLogs(ctx, t.taskID, detail)
			_ = t.bus.Publish(ctx, channel, mbus.Error(detail))
			return xe.Wrap(err)
		}
	}

	if err := t.bus.Publish(ctx, channel, mbus.Ok()); err != nil {
		return xe.Wrap(err)
	}
	t.log.WithField("outputs", len(t.outputs)).Info("all outputs collected")
	return nil
}

func (t *Tof) collect(ctx context.Context, output tes.Output) error {
	f, err := t.registry.ForURL(output.URL)
	if err != nil {
		return err
	}

	switch {
	case tes.HasWildcard(output.Path):
		return t.collectGlob(ctx, f, output)
	case output.Type == tes.FileTypeDirectory:
		return t.collectDirectory(ctx, f, output)
	default:
		local, err := t.localPath(output.Path)
		if err != nil {
			return err
		}
		size, err := f.Upload(ctx, local, output.URL)
		if err != nil {
			return err
		}
		return t.record(ctx, output.URL, output.Path, size)
	}
}

// collectGlob expands the pattern against this process's mount and uploads
// every match to output.URL joined with the match path minus path_prefix.
func (t *Tof) collectGlob(ctx context.Context, f filer.Filer, output tes.Output) error {
	pattern, err := t.localPath(output.Path)
	if err != nil {
		return err
	}
	prefix, err := t.localPath(output.PathPrefix)
	if err != nil {
		return err
	}

	matches, err := filer.Expand(pattern, prefix)
	if err != nil {
		return err
	}
	for _, m := range matches {
		target := filer.JoinURL(output.URL, m.Rel)
		size, err := f.Upload(ctx, m.Path, target)
		if err != nil {
			return err
		}
		if err := t.record(ctx, target, path.Join(output.PathPrefix, m.Rel), size); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tof) collectDirectory(ctx context.Context, f filer.Filer, output tes.Output) error {
	local, err := t.localPath(output.Path)
	if err != nil {
		return err
	}

	return filepath.Walk(local, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		target := filer.JoinURL(output.URL, rel)
		size, err := f.Upload(ctx, p, target)
		if err != nil {
			return err
		}
		return t.record(ctx, target, path.Join(output.Path, rel), size)
	})
}

func (t *Tof) record(ctx context.Context, url, taskPath string, size int64) error {
	return t.store.AppendOutputLogs(ctx, t.taskID, []tes.OutputFileLog{{
		URL:       url,
		Path:      taskPath,
		SizeBytes: strconv.FormatInt(size, 10),
	}})
}

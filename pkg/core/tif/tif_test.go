package tif_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/core/tif"
	dbmock "github.com/jaeaeich/poiesis/pkg/db/mock"
	"github.com/jaeaeich/poiesis/pkg/filer"
	"github.com/jaeaeich/poiesis/pkg/logging"
	"github.com/jaeaeich/poiesis/pkg/mbus"
	mbusmock "github.com/jaeaeich/poiesis/pkg/mbus/mock"
	"github.com/jaeaeich/poiesis/pkg/tes"
	"github.com/jaeaeich/poiesis/pkg/utils/try"
)

func setup(t *testing.T) (*dbmock.Store, *mbusmock.Bus, string) {
	t.Helper()
	store := dbmock.NewStore()
	id := try.To(store.CreateTask(context.Background(), tes.Task{
		Executors: []tes.Executor{{Image: "busybox", Command: []string{"true"}}},
	}, "alice")).OrFatal(t)
	if err := store.AddTaskLog(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	return store, mbusmock.NewBus(), id
}

func TestTifRun(t *testing.T) {
	log := logging.New(config.Config{LogLevel: "error"}, "tif-test")
	ctx := context.Background()

	t.Run("inline content and file urls are staged, then ok is published", func(t *testing.T) {
		store, bus, id := setup(t)
		root := t.TempDir()

		src := filepath.Join(root, "remote.txt")
		if err := os.WriteFile(src, []byte("X"), 0o644); err != nil {
			t.Fatal(err)
		}

		inputs := []tes.Input{
			{Content: "hi", Path: "/data/f"},
			{URL: "file://" + src, Path: "/data/sub/g"},
		}
		service := tif.New(id, inputs, filer.NewRegistry(config.S3{}), store, bus, log)
		service.Root = root

		if err := service.Run(ctx); err != nil {
			t.Fatal(err)
		}

		if got := try.To(os.ReadFile(filepath.Join(root, "f"))).OrFatal(t); string(got) != "hi" {
			t.Errorf("content input = %q", got)
		}
		if got := try.To(os.ReadFile(filepath.Join(root, "sub", "g"))).OrFatal(t); string(got) != "X" {
			t.Errorf("file input = %q", got)
		}

		msg := try.To(bus.Subscribe(ctx, mbus.InputFilerChannel(id), time.Second)).OrFatal(t)
		if msg.Status != mbus.StatusOK {
			t.Errorf("message = %+v", msg)
		}
	})

	t.Run("a failing input publishes error and aborts", func(t *testing.T) {
		store, bus, id := setup(t)
		root := t.TempDir()

		inputs := []tes.Input{
			{URL: "file:///nope/missing", Path: "/data/f"},
			{Content: "never staged", Path: "/data/g"},
		}
		service := tif.New(id, inputs, filer.NewRegistry(config.S3{}), store, bus, log)
		service.Root = root

		if err := service.Run(ctx); err == nil {
			t.Fatal("expected error")
		}

		msg := try.To(bus.Subscribe(ctx, mbus.InputFilerChannel(id), time.Second)).OrFatal(t)
		if msg.Status != mbus.StatusError {
			t.Errorf("message = %+v", msg)
		}
		if _, err := os.Stat(filepath.Join(root, "g")); err == nil {
			t.Error("later inputs should not be staged after a failure")
		}

		task := try.To(store.GetTask(ctx, id, "alice")).OrFatal(t)
		if logs := task.CurrentLog().SystemLogs; len(logs) == 0 {
			t.Error("a system log should record the failure")
		}
	})

	t.Run("a canceling task stages nothing", func(t *testing.T) {
		store, bus, id := setup(t)
		store.SetState(id, tes.Canceling)
		root := t.TempDir()

		service := tif.New(id, []tes.Input{{Content: "hi", Path: "/data/f"}},
			filer.NewRegistry(config.S3{}), store, bus, log)
		service.Root = root

		if err := service.Run(ctx); err == nil {
			t.Fatal("expected error")
		}
		if _, err := os.Stat(filepath.Join(root, "f")); err == nil {
			t.Error("nothing should be staged")
		}
	})
}

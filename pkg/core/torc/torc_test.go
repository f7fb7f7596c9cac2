package torc_test

import (
	"context"
	"testing"
	"time"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/core/torc"
	"github.com/jaeaeich/poiesis/pkg/db"
	dbmock "github.com/jaeaeich/poiesis/pkg/db/mock"
	"github.com/jaeaeich/poiesis/pkg/k8s"
	k8smock "github.com/jaeaeich/poiesis/pkg/k8s/mock"
	"github.com/jaeaeich/poiesis/pkg/logging"
	"github.com/jaeaeich/poiesis/pkg/mbus"
	mbusmock "github.com/jaeaeich/poiesis/pkg/mbus/mock"
	"github.com/jaeaeich/poiesis/pkg/tes"
	"github.com/jaeaeich/poiesis/pkg/utils/retry"
	"github.com/jaeaeich/poiesis/pkg/utils/try"
)

type env struct {
	store   *dbmock.Store
	bus     *mbusmock.Bus
	client  *k8smock.Client
	cluster *k8s.Cluster
	conf    config.Config
	task    tes.Task
}

func newEnv(t *testing.T, task tes.Task, monitorTimeout time.Duration) *env {
	t.Helper()
	store := dbmock.NewStore()
	ctx := context.Background()

	id := try.To(store.CreateTask(ctx, task, "alice")).OrFatal(t)
	created := try.To(store.GetTask(ctx, id, "alice")).OrFatal(t)

	client := k8smock.NewClient()
	return &env{
		store:   store,
		bus:     mbusmock.NewBus(),
		client:  client,
		cluster: k8s.AttachWithPoll(client, "poiesis", retry.StaticBackoff(time.Millisecond)),
		conf: config.Config{
			K8s: config.K8s{
				Namespace:       "poiesis",
				Image:           "poiesis:test",
				RestartPolicy:   "Never",
				ImagePullPolicy: "IfNotPresent",
			},
			MonitorTimeout: monitorTimeout,
		},
		task: created,
	}
}

func (e *env) newTorc() *torc.Torc {
	log := logging.New(config.Config{LogLevel: "error"}, "torc-test")
	return torc.New(e.task, e.store, e.bus, e.cluster, e.conf, k8s.SecurityContexts{}, log).
		WithReconcileInterval(10 * time.Millisecond)
}

func (e *env) state(t *testing.T) tes.State {
	t.Helper()
	return try.To(e.store.GetTaskState(context.Background(), e.task.ID)).OrFatal(t)
}

func simpleTask() tes.Task {
	return tes.Task{
		Inputs:    []tes.Input{{Content: "hi", Path: "/data/f"}},
		Outputs:   []tes.Output{{URL: "s3://b/out/", Path: "/data/f"}},
		Executors: []tes.Executor{{Image: "ubuntu:20.04", Command: []string{"/bin/cat", "/data/f"}}},
	}
}

func TestTorcRun(t *testing.T) {
	ctx := context.Background()

	t.Run("the happy path reaches COMPLETE and releases resources", func(t *testing.T) {
		e := newEnv(t, simpleTask(), 0)
		id := e.task.ID

		// Phases answer over the bus before the orchestrator asks; the mock
		// bus buffers.
		_ = e.bus.Publish(ctx, mbus.InputFilerChannel(id), mbus.Ok())
		_ = e.bus.Publish(ctx, mbus.TexamChannel(id), mbus.Ok())
		_ = e.bus.Publish(ctx, mbus.OutputFilerChannel(id), mbus.Ok())

		if err := e.newTorc().Run(ctx); err != nil {
			t.Fatal(err)
		}

		if got := e.state(t); got != tes.Complete {
			t.Errorf("state = %s", got)
		}
		if e.client.HasPVC(k8s.PVCName(id)) {
			t.Error("the task volume must be deleted at terminal state")
		}
		for _, job := range []string{k8s.TifJobName(id), k8s.TexamJobName(id), k8s.TofJobName(id)} {
			if e.client.HasJob(job) {
				t.Errorf("%s must be deleted at terminal state", job)
			}
		}

		task := try.To(e.store.GetTask(ctx, id, "alice")).OrFatal(t)
		attempt := task.CurrentLog()
		if attempt == nil || attempt.StartTime == "" || attempt.EndTime == "" {
			t.Errorf("attempt log = %+v", attempt)
		}
	})

	t.Run("an executor failure settles in EXECUTOR_ERROR", func(t *testing.T) {
		e := newEnv(t, simpleTask(), 0)
		id := e.task.ID

		_ = e.bus.Publish(ctx, mbus.InputFilerChannel(id), mbus.Ok())
		_ = e.bus.Publish(ctx, mbus.TexamChannel(id), mbus.Error("executor 0 "+mbus.DetailExecutorNonZero+" (1)"))

		if err := e.newTorc().Run(ctx); err == nil {
			t.Fatal("expected error")
		}

		if got := e.state(t); got != tes.ExecutorError {
			t.Errorf("state = %s", got)
		}
		if e.client.HasPVC(k8s.PVCName(id)) {
			t.Error("the task volume must be deleted at terminal state")
		}
		task := try.To(e.store.GetTask(ctx, id, "alice")).OrFatal(t)
		if logs := task.CurrentLog().SystemLogs; len(logs) == 0 {
			t.Error("a system log should record the failure")
		}
	})

	t.Run("an input filer failure settles in SYSTEM_ERROR", func(t *testing.T) {
		e := newEnv(t, simpleTask(), 0)
		id := e.task.ID

		_ = e.bus.Publish(ctx, mbus.InputFilerChannel(id), mbus.Error("staging input 0 failed"))

		if err := e.newTorc().Run(ctx); err == nil {
			t.Fatal("expected error")
		}
		if got := e.state(t); got != tes.SystemError {
			t.Errorf("state = %s", got)
		}
	})

	t.Run("a preempted executor settles in PREEMPTED", func(t *testing.T) {
		e := newEnv(t, simpleTask(), 0)
		id := e.task.ID

		_ = e.bus.Publish(ctx, mbus.InputFilerChannel(id), mbus.Ok())
		_ = e.bus.Publish(ctx, mbus.TexamChannel(id), mbus.Error("executor 0: "+mbus.DetailPreempted))

		if err := e.newTorc().Run(ctx); err == nil {
			t.Fatal("expected error")
		}
		if got := e.state(t); got != tes.Preempted {
			t.Errorf("state = %s", got)
		}
	})

	t.Run("a silent phase is reconciled from the job status", func(t *testing.T) {
		e := newEnv(t, simpleTask(), 0)
		id := e.task.ID

		// No bus messages at all. Drive jobs to completion as they appear.
		go func() {
			for _, job := range []string{k8s.TifJobName(id), k8s.TexamJobName(id), k8s.TofJobName(id)} {
				deadline := time.Now().Add(5 * time.Second)
				for !e.client.HasJob(job) {
					if time.Now().After(deadline) {
						return
					}
					time.Sleep(time.Millisecond)
				}
				e.client.FinishJob(job, true)
			}
		}()

		if err := e.newTorc().Run(ctx); err != nil {
			t.Fatal(err)
		}
		if got := e.state(t); got != tes.Complete {
			t.Errorf("state = %s", got)
		}
	})

	t.Run("a silent failed phase is promoted to SYSTEM_ERROR", func(t *testing.T) {
		e := newEnv(t, simpleTask(), 0)
		id := e.task.ID

		go func() {
			deadline := time.Now().Add(5 * time.Second)
			for !e.client.HasJob(k8s.TifJobName(id)) {
				if time.Now().After(deadline) {
					return
				}
				time.Sleep(time.Millisecond)
			}
			e.client.FinishJob(k8s.TifJobName(id), false)
		}()

		if err := e.newTorc().Run(ctx); err == nil {
			t.Fatal("expected error")
		}
		if got := e.state(t); got != tes.SystemError {
			t.Errorf("state = %s", got)
		}
	})

	t.Run("the monitor timeout bounds a phase that never resolves", func(t *testing.T) {
		e := newEnv(t, simpleTask(), 60*time.Millisecond)
		id := e.task.ID

		// The input filer job exists but neither messages nor finishes.
		if err := e.newTorc().Run(ctx); err == nil {
			t.Fatal("expected error")
		}
		if got := e.state(t); got != tes.SystemError {
			t.Errorf("state = %s", got)
		}
		if e.client.HasPVC(k8s.PVCName(id)) {
			t.Error("the task volume must be deleted")
		}
	})

	t.Run("a cancel during a phase settles in CANCELED", func(t *testing.T) {
		e := newEnv(t, simpleTask(), 0)
		id := e.task.ID

		_ = e.bus.Publish(ctx, mbus.InputFilerChannel(id), mbus.Ok())

		go func() {
			// Wait until the task is RUNNING, then cancel as the API would.
			deadline := time.Now().Add(5 * time.Second)
			for {
				if time.Now().After(deadline) {
					return
				}
				state, err := e.store.GetTaskState(context.Background(), id)
				if err == nil && state == tes.Running {
					break
				}
				time.Sleep(time.Millisecond)
			}
			_ = e.store.Transition(context.Background(), id, tes.Running, tes.Canceling)
		}()

		if err := e.newTorc().Run(ctx); err != nil {
			t.Fatal(err)
		}

		if got := e.state(t); got != tes.Canceled {
			t.Errorf("state = %s", got)
		}
		if e.client.HasPVC(k8s.PVCName(id)) {
			t.Error("the task volume must be deleted")
		}
	})

	t.Run("losing the claim is a clean no-op", func(t *testing.T) {
		e := newEnv(t, simpleTask(), 0)
		e.store.SetState(e.task.ID, tes.Initializing)

		if err := e.newTorc().Run(ctx); err != nil {
			t.Fatal(err)
		}
		if got := e.state(t); got != tes.Initializing {
			t.Errorf("state = %s", got)
		}
	})

	t.Run("a task already CANCELING at claim time settles to CANCELED", func(t *testing.T) {
		e := newEnv(t, simpleTask(), 0)
		e.store.SetState(e.task.ID, tes.Canceling)

		if err := e.newTorc().Run(ctx); err != nil {
			t.Fatal(err)
		}
		if got := e.state(t); got != tes.Canceled {
			t.Errorf("state = %s", got)
		}
	})
}

func TestStateGraphObserved(t *testing.T) {
	// Every transition the orchestrator makes goes through the Store CAS;
	// an illegal edge would surface as a conflict error here.
	store := dbmock.NewStore()
	ctx := context.Background()
	id := try.To(store.CreateTask(ctx, simpleTask(), "alice")).OrFatal(t)

	legal := []tes.State{tes.Initializing, tes.Running, tes.Complete}
	from := tes.Queued
	for _, to := range legal {
		if err := store.Transition(ctx, id, from, to); err != nil {
			t.Fatalf("%s -> %s: %s", from, to, err)
		}
		from = to
	}
	if err := store.Transition(ctx, id, tes.Complete, tes.Canceling); err == nil || !db.AsConflict(err) {
		t.Errorf("leaving a terminal state must be a conflict, got %v", err)
	}
}

// Package texam runs a task's executors in order against the shared task
// volume, one pod per executor, and records their logs and exit codes.
package texam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	kubecore "k8s.io/api/core/v1"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/db"
	"github.com/jaeaeich/poiesis/pkg/k8s"
	"github.com/jaeaeich/poiesis/pkg/mbus"
	"github.com/jaeaeich/poiesis/pkg/tes"
	"github.com/jaeaeich/poiesis/pkg/utils/retry"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// LogLimit bounds how much of each stream is persisted per executor; the
// limit is advertised in service-info.
const LogLimit = 128 * 1024

// podCreateBackoffCap bounds the exponential backoff while retrying
// executor pod creation.
const podCreateBackoffCap = 60 * time.Second

// Texam drives one task's executors.
type Texam struct {
	task     tes.Task
	cluster  *k8s.Cluster
	store    db.Store
	bus      mbus.Bus
	conf     config.Config
	contexts k8s.SecurityContexts
	log      *logrus.Entry

	// createBackoff paces pod creation retries; tests shrink it.
	createBackoff retry.Backoff
	createRetries int
}

func New(task tes.Task, cluster *k8s.Cluster, store db.Store, bus mbus.Bus, conf config.Config, contexts k8s.SecurityContexts, log *logrus.Entry) *Texam {
	return &Texam{
		task:          task,
		cluster:       cluster,
		store:         store,
		bus:           bus,
		conf:          conf,
		contexts:      contexts,
		log:           log,
		createBackoff: retry.ExponentialBackoff(time.Second, 2, podCreateBackoffCap),
		createRetries: 5,
	}
}

// WithCreateBackoff overrides the pod creation retry pacing.
func (t *Texam) WithCreateBackoff(n int, b retry.Backoff) *Texam {
	t.createRetries = n
	t.createBackoff = b
	return t
}

// Run launches executors sequentially and publishes the phase outcome. The
// error return mirrors what was published.
func (t *Texam) Run(ctx context.Context) error {
	channel := mbus.TexamChannel(t.task.ID)

	for i := range t.task.Executors {
		state, err := t.store.GetTaskState(ctx, t.task.ID)
		if err == nil && state == tes.Canceling {
			_ = t.bus.Publish(ctx, channel, mbus.Error(mbus.DetailCanceled))
			return xe.New("task is canceling; executors stopped")
		}

		result, err := t.runExecutor(ctx, i)
		if err != nil {
			detail := fmt.Sprintf("executor %d: %s", i, err)
			if errors.Is(err, k8s.ErrDeadlineExceeded) {
				detail = fmt.Sprintf("executor %d: %s", i, mbus.DetailTimeout)
			}
			_ = t.store.AppendSystemLogs(ctx, t.task.ID, detail)
			_ = t.bus.Publish(ctx, channel, mbus.Error(detail))
			return xe.Wrap(err)
		}

		if result.Preempted() {
			detail := fmt.Sprintf("executor %d: %s", i, mbus.DetailPreempted)
			_ = t.store.AppendSystemLogs(ctx, t.task.ID, detail)
			_ = t.bus.Publish(ctx, channel, mbus.Error(detail))
			return xe.New(detail)
		}

		if result.ExitCode != 0 && !t.task.Executors[i].IgnoreError {
			detail := fmt.Sprintf("executor %d %s (%d)", i, mbus.DetailExecutorNonZero, result.ExitCode)
			_ = t.store.AppendSystemLogs(ctx, t.task.ID, detail)
			_ = t.bus.Publish(ctx, channel, mbus.Error(detail))
			return xe.New(detail)
		}
	}

	if err := t.bus.Publish(ctx, channel, mbus.Ok()); err != nil {
		return xe.Wrap(err)
	}
	t.log.WithField("executors", len(t.task.Executors)).Info("all executors finished")
	return nil
}

// runExecutor reserves the executor's log slot, launches its pod, waits for
// a terminal phase and persists the observed log. A pod outliving the
// monitor timeout is deleted and recorded as a synthetic failure.
func (t *Texam) runExecutor(ctx context.Context, idx int) (k8s.PodResult, error) {
	podName := k8s.ExecutorPodName(t.task.ID, idx)
	log := t.log.WithField("executor", idx).WithField("pod", podName)

	slot, err := t.store.AppendExecutorLog(ctx, t.task.ID, tes.ExecutorLog{
		StartTime: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return k8s.PodResult{}, err
	}

	pod, err := k8s.BuildExecutorPod(t.task, idx, t.conf.K8s, t.contexts)
	if err != nil {
		return k8s.PodResult{}, err
	}

	_, err = retry.Attempts(ctx, t.createRetries, t.createBackoff, func() (struct{}, error) {
		if err := t.cluster.LaunchPod(ctx, pod); err != nil {
			// A leftover of a previous attempt blocks the deterministic
			// name; clear it so the same executor index can be retried.
			log.WithField("cause", err).Warn("pod creation failed, retrying")
			_ = t.cluster.DeletePod(ctx, podName)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		t.failSlot(ctx, slot, "failed to create executor pod: "+err.Error())
		return k8s.PodResult{}, xe.Wrap(err)
	}

	result, err := t.cluster.WatchPod(ctx, podName, t.conf.MonitorTimeout)
	if errors.Is(err, k8s.ErrDeadlineExceeded) {
		log.Warn("executor outlived the monitor timeout")
		_ = t.cluster.DeletePod(ctx, podName)
		t.failSlot(ctx, slot, fmt.Sprintf("executor timed out after %s", t.conf.MonitorTimeout))
		return k8s.PodResult{}, err
	}
	if err != nil {
		t.failSlot(ctx, slot, "watching executor pod: "+err.Error())
		return k8s.PodResult{}, err
	}

	stdout, logErr := t.cluster.PodLogs(ctx, podName, LogLimit)
	stderr := ""
	if result.Phase == kubecore.PodFailed {
		stderr = fmt.Sprintf("pod reported %s", result.Phase)
		if result.Reason != "" {
			stderr = fmt.Sprintf("pod reported %s: %s", result.Phase, result.Reason)
		}
	}
	if logErr != nil {
		stderr += fmt.Sprintf(" (log retrieval failed: %s)", logErr)
	}

	executorLog := tes.ExecutorLog{
		StartTime: timestamp(result.StartTime),
		EndTime:   timestamp(result.EndTime),
		Stdout:    stdout,
		Stderr:    stderr,
		ExitCode:  &result.ExitCode,
	}
	if err := t.store.UpdateExecutorLog(ctx, t.task.ID, slot, executorLog); err != nil {
		return result, err
	}

	log.WithField("exit_code", result.ExitCode).Info("executor finished")
	return result, nil
}

// failSlot records a synthetic failure on an executor log slot when no pod
// result exists.
func (t *Texam) failSlot(ctx context.Context, slot int, cause string) {
	one := int32(1)
	_ = t.store.UpdateExecutorLog(ctx, t.task.ID, slot, tes.ExecutorLog{
		EndTime:  time.Now().UTC().Format(time.RFC3339),
		Stderr:   cause,
		ExitCode: &one,
	})
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

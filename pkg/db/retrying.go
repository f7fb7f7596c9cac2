package db

import (
	"context"

	"github.com/jaeaeich/poiesis/pkg/tes"
	"github.com/jaeaeich/poiesis/pkg/utils/retry"
)

// retrying decorates a Store with the driver-boundary policy: transient
// ErrUnavailable failures are retried a few times with capped backoff
// before the caller sees them. Conflicts and not-found pass through
// untouched; they are answers, not failures.
type retrying struct {
	inner Store
}

// Retrying wraps store with the transient-failure retry policy.
func Retrying(store Store) Store {
	return &retrying{inner: store}
}

func withRetry[T any](ctx context.Context, f func() (T, error)) (T, error) {
	backoff := retry.DriverBackoff()
	var last T
	var err error
	for i := 0; i < retry.DriverAttempts; i++ {
		last, err = f()
		if err == nil || !AsUnavailable(err) {
			return last, err
		}
		if i == retry.DriverAttempts-1 {
			break
		}
		if berr := backoff(ctx); berr != nil {
			return last, err
		}
	}
	return last, err
}

func (r *retrying) CreateTask(ctx context.Context, task tes.Task, userID string) (string, error) {
	return withRetry(ctx, func() (string, error) { return r.inner.CreateTask(ctx, task, userID) })
}

func (r *retrying) GetTask(ctx context.Context, taskID, userID string) (tes.Task, error) {
	return withRetry(ctx, func() (tes.Task, error) { return r.inner.GetTask(ctx, taskID, userID) })
}

func (r *retrying) ListTasks(ctx context.Context, query ListQuery) ([]tes.Task, string, error) {
	type page struct {
		tasks []tes.Task
		next  string
	}
	got, err := withRetry(ctx, func() (page, error) {
		tasks, next, err := r.inner.ListTasks(ctx, query)
		return page{tasks: tasks, next: next}, err
	})
	return got.tasks, got.next, err
}

func (r *retrying) Transition(ctx context.Context, taskID string, from, to tes.State) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, r.inner.Transition(ctx, taskID, from, to)
	})
	return err
}

func (r *retrying) GetTaskState(ctx context.Context, taskID string) (tes.State, error) {
	return withRetry(ctx, func() (tes.State, error) { return r.inner.GetTaskState(ctx, taskID) })
}

func (r *retrying) AddTaskLog(ctx context.Context, taskID string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, r.inner.AddTaskLog(ctx, taskID)
	})
	return err
}

func (r *retrying) AppendExecutorLog(ctx context.Context, taskID string, log tes.ExecutorLog) (int, error) {
	return withRetry(ctx, func() (int, error) { return r.inner.AppendExecutorLog(ctx, taskID, log) })
}

func (r *retrying) UpdateExecutorLog(ctx context.Context, taskID string, idx int, log tes.ExecutorLog) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, r.inner.UpdateExecutorLog(ctx, taskID, idx, log)
	})
	return err
}

func (r *retrying) AppendOutputLogs(ctx context.Context, taskID string, logs []tes.OutputFileLog) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, r.inner.AppendOutputLogs(ctx, taskID, logs)
	})
	return err
}

func (r *retrying) AppendSystemLogs(ctx context.Context, taskID string, lines ...string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, r.inner.AppendSystemLogs(ctx, taskID, lines...)
	})
	return err
}

func (r *retrying) SetTaskLogStartTime(ctx context.Context, taskID string, t string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, r.inner.SetTaskLogStartTime(ctx, taskID, t)
	})
	return err
}

func (r *retrying) SetTaskLogEndTime(ctx context.Context, taskID string, t string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, r.inner.SetTaskLogEndTime(ctx, taskID, t)
	})
	return err
}

func (r *retrying) Close(ctx context.Context) error {
	return r.inner.Close(ctx)
}

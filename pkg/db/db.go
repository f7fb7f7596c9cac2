// Package db defines the task Store: the persisted task documents, their
// logs, and the compare-and-set state transitions serializing the engine.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

type wrappingError struct {
	message  string
	causedBy error
}

func (e wrappingError) text() string {
	if e.causedBy == nil {
		return e.message
	}
	if e.message == "" {
		return fmt.Sprintf("caused by: %+v", e.causedBy)
	}
	return fmt.Sprintf("%s / caused by: %+v", e.message, e.causedBy)
}

func as[E error](err error) bool {
	if err == nil {
		return false
	}
	p := new(E)
	return errors.As(err, p)
}

// ErrNotFound: no task with that id is visible to the subject. Lookups by a
// wrong subject surface this too, so that existence never leaks.
type ErrNotFound wrappingError

var AsNotFound = as[*ErrNotFound]

func NewNotFound(taskID string) error {
	return xe.WrapAsOuter(&ErrNotFound{message: fmt.Sprintf("task %s not found", taskID)}, 1)
}

func (e *ErrNotFound) Error() string { return wrappingError(*e).text() }
func (e *ErrNotFound) Unwrap() error { return e.causedBy }

// ErrConflict: a compare-and-set transition lost the race, or the requested
// edge is not in the state graph.
type ErrConflict wrappingError

var AsConflict = as[*ErrConflict]

func NewConflict(message string) error {
	return xe.WrapAsOuter(&ErrConflict{message: message}, 1)
}

func (e *ErrConflict) Error() string { return wrappingError(*e).text() }
func (e *ErrConflict) Unwrap() error { return e.causedBy }

// ErrUnavailable: the storage driver failed; callers treat this as
// retryable at the workload boundary.
type ErrUnavailable wrappingError

var AsUnavailable = as[*ErrUnavailable]

func NewUnavailable(message string, err error) error {
	return xe.WrapAsOuter(&ErrUnavailable{message: message, causedBy: err}, 1)
}

func (e *ErrUnavailable) Error() string { return wrappingError(*e).text() }
func (e *ErrUnavailable) Unwrap() error { return e.causedBy }

// ListQuery filters a task listing. TagKeys[i] is matched against
// TagValues[i]; a missing or empty value means "key present, any value".
type ListQuery struct {
	UserID     string
	NamePrefix string
	State      *tes.State
	TagKeys    []string
	TagValues  []string
	PageSize   int
	PageToken  string
}

// Page size bounds fixed by the TES specification.
const (
	DefaultPageSize = 256
	MaxPageSize     = 2048
)

// Limit returns the effective page size: default when unset, clamped to the
// maximum otherwise.
func (q ListQuery) Limit() int {
	switch {
	case q.PageSize <= 0:
		return DefaultPageSize
	case MaxPageSize < q.PageSize:
		return MaxPageSize
	default:
		return q.PageSize
	}
}

// Store persists tasks. One document per task; log mutations are
// append-only or slot updates, never whole-document rewrites by readers.
type Store interface {
	// CreateTask persists a new task owned by userID with state QUEUED and
	// a fresh id, and returns the id.
	CreateTask(ctx context.Context, task tes.Task, userID string) (string, error)

	// GetTask returns the task, scoped to userID. Another subject's task
	// surfaces as ErrNotFound.
	GetTask(ctx context.Context, taskID, userID string) (tes.Task, error)

	// ListTasks returns one page ordered by (creation_time desc, id asc)
	// and the token for the next page, empty when exhausted.
	ListTasks(ctx context.Context, query ListQuery) ([]tes.Task, string, error)

	// Transition moves the task from → to atomically. ErrConflict when the
	// current state is not `from` or the edge is illegal.
	Transition(ctx context.Context, taskID string, from, to tes.State) error

	// GetTaskState reads the current state without subject scoping; used by
	// workloads polling for cancellation.
	GetTaskState(ctx context.Context, taskID string) (tes.State, error)

	// AddTaskLog appends the TaskLog for a new attempt.
	AddTaskLog(ctx context.Context, taskID string) error

	// AppendExecutorLog reserves the next executor log slot and returns its
	// index.
	AppendExecutorLog(ctx context.Context, taskID string, log tes.ExecutorLog) (int, error)

	// UpdateExecutorLog overwrites the executor log at index idx of the
	// current attempt.
	UpdateExecutorLog(ctx context.Context, taskID string, idx int, log tes.ExecutorLog) error

	// AppendOutputLogs records uploaded output objects on the current
	// attempt.
	AppendOutputLogs(ctx context.Context, taskID string, logs []tes.OutputFileLog) error

	// AppendSystemLogs appends free-form engine log lines to the current
	// attempt.
	AppendSystemLogs(ctx context.Context, taskID string, lines ...string) error

	// SetTaskLogStartTime / SetTaskLogEndTime stamp the current attempt.
	SetTaskLogStartTime(ctx context.Context, taskID string, t string) error
	SetTaskLogEndTime(ctx context.Context, taskID string, t string) error

	Close(ctx context.Context) error
}

// Package mock provides an in-memory Store for tests. It honors the same
// contracts as the mongo driver: compare-and-set transitions, subject
// scoping, append-only logs and (creation_time desc, id asc) pagination.
package mock

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaeaeich/poiesis/pkg/db"
	"github.com/jaeaeich/poiesis/pkg/tes"
)

type record struct {
	userID    string
	createdAt time.Time
	task      tes.Task
}

// Store is the in-memory fake.
type Store struct {
	mu    sync.Mutex
	byID  map[string]*record
	clock time.Time
}

var _ db.Store = &Store{}

func NewStore() *Store {
	return &Store{
		byID:  map[string]*record{},
		clock: time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) CreateTask(_ context.Context, task tes.Task, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock = s.clock.Add(time.Second)
	task.ID = uuid.NewString()
	task.State = tes.Queued
	task.CreationTime = s.clock.Format(time.RFC3339)
	if task.Name == "" {
		task.Name = "task"
	}
	task.Logs = nil

	s.byID[task.ID] = &record{userID: userID, createdAt: s.clock, task: task}
	return task.ID, nil
}

func (s *Store) GetTask(_ context.Context, taskID, userID string) (tes.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[taskID]
	if !ok || rec.userID != userID {
		return tes.Task{}, db.NewNotFound(taskID)
	}
	return rec.task, nil
}

func (s *Store) ListTasks(_ context.Context, q db.ListQuery) ([]tes.Task, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []*record{}
	for _, rec := range s.byID {
		if rec.userID != q.UserID {
			continue
		}
		if q.NamePrefix != "" && !strings.HasPrefix(rec.task.Name, q.NamePrefix) {
			continue
		}
		if q.State != nil && rec.task.State != *q.State {
			continue
		}
		if !tagsMatch(rec.task.Tags, q.TagKeys, q.TagValues) {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].createdAt.Equal(matched[j].createdAt) {
			return matched[i].createdAt.After(matched[j].createdAt)
		}
		return matched[i].task.ID < matched[j].task.ID
	})

	offset := 0
	if q.PageToken != "" {
		raw, err := base64.RawURLEncoding.DecodeString(q.PageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page_token")
		}
		offset, err = strconv.Atoi(string(raw))
		if err != nil {
			return nil, "", fmt.Errorf("invalid page_token")
		}
	}

	limit := q.Limit()
	tasks := []tes.Task{}
	for i := offset; i < len(matched) && len(tasks) < limit; i++ {
		tasks = append(tasks, matched[i].task)
	}

	next := ""
	if offset+len(tasks) < len(matched) {
		next = base64.RawURLEncoding.EncodeToString(
			[]byte(strconv.Itoa(offset + len(tasks))),
		)
	}
	return tasks, next, nil
}

func tagsMatch(tags map[string]string, keys, values []string) bool {
	for i, key := range keys {
		have, ok := tags[key]
		if !ok {
			return false
		}
		want := ""
		if i < len(values) {
			want = values[i]
		}
		if want != "" && have != want {
			return false
		}
	}
	return true
}

func (s *Store) Transition(_ context.Context, taskID string, from, to tes.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !tes.CanTransit(from, to) {
		return db.NewConflict(fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	rec, ok := s.byID[taskID]
	if !ok {
		return db.NewNotFound(taskID)
	}
	if rec.task.State != from {
		return db.NewConflict(fmt.Sprintf(
			"transition %s -> %s lost: task %s is %s", from, to, taskID, rec.task.State,
		))
	}
	rec.task.State = to
	return nil
}

func (s *Store) GetTaskState(_ context.Context, taskID string) (tes.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[taskID]
	if !ok {
		return tes.Unknown, db.NewNotFound(taskID)
	}
	return rec.task.State, nil
}

func (s *Store) currentLog(taskID string) (*record, *tes.TaskLog, error) {
	rec, ok := s.byID[taskID]
	if !ok {
		return nil, nil, db.NewNotFound(taskID)
	}
	if len(rec.task.Logs) == 0 {
		return nil, nil, fmt.Errorf("task %s has no attempt log yet", taskID)
	}
	return rec, &rec.task.Logs[len(rec.task.Logs)-1], nil
}

func (s *Store) AddTaskLog(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[taskID]
	if !ok {
		return db.NewNotFound(taskID)
	}
	rec.task.Logs = append(rec.task.Logs, tes.TaskLog{
		Logs:    []tes.ExecutorLog{},
		Outputs: []tes.OutputFileLog{},
	})
	return nil
}

func (s *Store) AppendExecutorLog(_ context.Context, taskID string, log tes.ExecutorLog) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, tl, err := s.currentLog(taskID)
	if err != nil {
		return 0, err
	}
	tl.Logs = append(tl.Logs, log)
	return len(tl.Logs) - 1, nil
}

func (s *Store) UpdateExecutorLog(_ context.Context, taskID string, idx int, log tes.ExecutorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, tl, err := s.currentLog(taskID)
	if err != nil {
		return err
	}
	if idx < 0 || len(tl.Logs) <= idx {
		return fmt.Errorf("executor log %d out of range", idx)
	}
	tl.Logs[idx] = log
	return nil
}

func (s *Store) AppendOutputLogs(_ context.Context, taskID string, logs []tes.OutputFileLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, tl, err := s.currentLog(taskID)
	if err != nil {
		return err
	}
	tl.Outputs = append(tl.Outputs, logs...)
	return nil
}

func (s *Store) AppendSystemLogs(_ context.Context, taskID string, lines ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, tl, err := s.currentLog(taskID)
	if err != nil {
		return err
	}
	tl.SystemLogs = append(tl.SystemLogs, lines...)
	return nil
}

func (s *Store) SetTaskLogStartTime(_ context.Context, taskID string, t string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, tl, err := s.currentLog(taskID)
	if err != nil {
		return err
	}
	tl.StartTime = t
	return nil
}

func (s *Store) SetTaskLogEndTime(_ context.Context, taskID string, t string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, tl, err := s.currentLog(taskID)
	if err != nil {
		return err
	}
	tl.EndTime = t
	return nil
}

// SetState forces a state, bypassing the transition graph. Test setup only.
func (s *Store) SetState(taskID string, state tes.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byID[taskID]; ok {
		rec.task.State = state
	}
}

// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

// Package catalog implements the leader's HTTP job-catalog surface and
// the worker-side /unit_api handlers it dispatches to, both backed by
// internal/store and, on the leader, internal/dispatch.
package catalog

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle of one delayed background task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
)

type taskRecord struct {
	status TaskStatus
	result json.RawMessage
	err    error
}

// TaskResultStore is the worker's in-memory table of outstanding delayed
// tasks — a run/stop/update request that can't complete synchronously gets
// a task_id here, and the caller polls GET /unit_api/task_results/<id>
// until it's done.
type TaskResultStore struct {
	mu    sync.Mutex
	tasks map[string]*taskRecord
}

// NewTaskResultStore creates an empty store.
func NewTaskResultStore() *TaskResultStore {
	return &TaskResultStore{tasks: make(map[string]*taskRecord)}
}

// Start runs fn in a new goroutine and returns a task_id immediately; the
// result (or error) becomes visible via Get once fn returns.
func (s *TaskResultStore) Start(fn func() (any, error)) string {
	taskID := uuid.NewString()

	s.mu.Lock()
	s.tasks[taskID] = &taskRecord{status: TaskPending}
	s.mu.Unlock()

	go func() {
		result, err := fn()
		var raw json.RawMessage
		if err == nil {
			raw, err = json.Marshal(result)
		}
		s.mu.Lock()
		s.tasks[taskID] = &taskRecord{status: TaskDone, result: raw, err: err}
		s.mu.Unlock()
	}()

	return taskID
}

// StartWithGrace runs fn like Start, but waits up to grace for it to finish
// before returning. If fn finishes within grace, done is true and result/err
// are fn's own outcome; callers should answer 200 with result. Otherwise
// done is false and callers should answer 202 with {task_id,
// result_url_path}; the caller polls Get(taskID) afterward.
func (s *TaskResultStore) StartWithGrace(fn func() (any, error), grace time.Duration) (taskID string, result json.RawMessage, err error, done bool) {
	taskID = uuid.NewString()

	s.mu.Lock()
	s.tasks[taskID] = &taskRecord{status: TaskPending}
	s.mu.Unlock()

	finished := make(chan struct{})
	var rec taskRecord
	go func() {
		r, fnErr := fn()
		var raw json.RawMessage
		if fnErr == nil {
			raw, fnErr = json.Marshal(r)
		}
		rec = taskRecord{status: TaskDone, result: raw, err: fnErr}
		s.mu.Lock()
		s.tasks[taskID] = &rec
		s.mu.Unlock()
		close(finished)
	}()

	select {
	case <-finished:
		return taskID, rec.result, rec.err, true
	case <-time.After(grace):
		return taskID, nil, nil, false
	}
}

// Get returns the current status of taskID, and its result/error once
// done. ok is false if taskID is unknown.
func (s *TaskResultStore) Get(taskID string) (status TaskStatus, result json.RawMessage, err error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.tasks[taskID]
	if !found {
		return "", nil, nil, false
	}
	return rec.status, rec.result, rec.err, true
}

// ResultURLPath returns the path a delayed response should advertise for
// taskID.
func ResultURLPath(taskID string) string {
	return "/unit_api/task_results/" + taskID
}

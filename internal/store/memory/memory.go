// Copyright 2025 The Steplite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory provides an in-memory store for unit tests. Claim
// exclusivity is modeled by marking claimed rows PROCESSING while the
// callback runs; unlike the postgres store, mutations made by a failing
// callback are not rolled back.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thesmartway/steplite/internal/store"
	"github.com/thesmartway/steplite/pkg/errors"
)

// Store is an in-memory store.Store implementation.
type Store struct {
	mu sync.Mutex

	nextID     int64
	workflows  map[int64]*store.Workflow
	versions   map[int64]*store.WorkflowVersion
	executions map[int64]*store.Execution
	steps      map[int64]*store.Step
	queue      map[int64]*store.QueueItem
	history    []store.HistoryEvent
	idemKeys   map[string]idemEntry
}

type idemEntry struct {
	resourceID string
	expiresAt  time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		workflows:  make(map[int64]*store.Workflow),
		versions:   make(map[int64]*store.WorkflowVersion),
		executions: make(map[int64]*store.Execution),
		steps:      make(map[int64]*store.Step),
		queue:      make(map[int64]*store.QueueItem),
		idemKeys:   make(map[string]idemEntry),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyExecution(e *store.Execution) *store.Execution {
	cp := *e
	cp.Input = copyMap(e.Input)
	cp.Output = copyMap(e.Output)
	return &cp
}

func copyStep(st *store.Step) *store.Step {
	cp := *st
	cp.Input = copyMap(st.Input)
	cp.Output = copyMap(st.Output)
	return &cp
}

func (s *Store) CreateWorkflow(ctx context.Context, name, description string) (*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	w := &store.Workflow{ID: s.id(), Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	s.workflows[w.ID] = w
	cp := *w
	return &cp, nil
}

func (s *Store) GetWorkflowByName(ctx context.Context, name string) (*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workflows {
		if w.Name == name {
			cp := *w
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListWorkflows(ctx context.Context) ([]store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Workflow
	for _, w := range s.workflows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateVersion(ctx context.Context, workflowID int64, version string, definitionJSON []byte) (*store.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	v := &store.WorkflowVersion{
		ID:             s.id(),
		WorkflowID:     workflowID,
		Version:        version,
		DefinitionJSON: append([]byte(nil), definitionJSON...),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.versions[v.ID] = v
	cp := *v
	return &cp, nil
}

func (s *Store) GetVersion(ctx context.Context, workflowID int64, version string) (*store.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.WorkflowID == workflowID && v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) LatestVersion(ctx context.Context, workflowID int64) (*store.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *store.WorkflowVersion
	for _, v := range s.versions {
		if v.WorkflowID != workflowID {
			continue
		}
		if latest == nil || strings.Compare(v.Version, latest.Version) > 0 {
			latest = v
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) GetVersionByID(ctx context.Context, id int64) (*store.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *Store) ListVersions(ctx context.Context, workflowID int64) ([]store.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.WorkflowVersion
	for _, v := range s.versions {
		if v.WorkflowID == workflowID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *Store) CreateExecution(ctx context.Context, params store.CreateExecutionParams) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &store.Execution{
		ID:                s.id(),
		WorkflowVersionID: params.WorkflowVersionID,
		ExecutionID:       params.ExecutionID,
		Status:            store.ExecutionRunning,
		CurrentState:      params.StartState,
		Input:             copyMap(params.Input),
		StartedAt:         params.Now,
		CreatedAt:         params.Now,
		UpdatedAt:         params.Now,
	}
	s.executions[e.ID] = e

	st := &store.Step{
		ID:                s.id(),
		ExecutionID:       e.ID,
		StepName:          params.StartState,
		StepType:          params.StartStateType,
		Status:            store.StepPending,
		Input:             copyMap(params.Input),
		MaxRetries:        store.DefaultMaxRetries,
		BackoffMultiplier: store.DefaultBackoffMultiplier,
		InitialIntervalMS: store.DefaultInitialIntervalMS,
		TimeoutSeconds:    params.TimeoutSeconds,
		CreatedAt:         params.Now,
		UpdatedAt:         params.Now,
	}
	s.steps[st.ID] = st

	q := &store.QueueItem{
		ID:          s.id(),
		ExecutionID: e.ID,
		ScheduledAt: params.Now,
		Status:      store.QueueQueued,
		CreatedAt:   params.Now,
		UpdatedAt:   params.Now,
	}
	s.queue[q.ID] = q

	s.history = append(s.history, store.HistoryEvent{
		ID:          s.id(),
		ExecutionID: e.ID,
		StepName:    params.StartState,
		EventType:   store.EventExecutionStarted,
		EventData: map[string]any{
			"workflowName": params.WorkflowName,
			"version":      params.Version,
		},
		Timestamp: params.Now,
	})

	if params.IdempotencyKeyHash != "" {
		s.idemKeys[params.IdempotencyKeyHash] = idemEntry{
			resourceID: params.ExecutionID,
			expiresAt:  params.Now.Add(params.IdempotencyTTL),
		}
	}

	return copyExecution(e), nil
}

func (s *Store) GetExecution(ctx context.Context, id int64) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyExecution(e), nil
}

func (s *Store) GetExecutionByExecutionID(ctx context.Context, executionID string) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findExecutionLocked(executionID)
	if e == nil {
		return nil, store.ErrNotFound
	}
	return copyExecution(e), nil
}

func (s *Store) findExecutionLocked(executionID string) *store.Execution {
	for _, e := range s.executions {
		if e.ExecutionID == executionID {
			return e
		}
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workflowVersionIDs := map[int64]bool{}
	if filter.WorkflowName != "" {
		var workflowID int64 = -1
		for _, w := range s.workflows {
			if w.Name == filter.WorkflowName {
				workflowID = w.ID
			}
		}
		for _, v := range s.versions {
			if v.WorkflowID == workflowID {
				workflowVersionIDs[v.ID] = true
			}
		}
	}

	var out []store.Execution
	for _, e := range s.executions {
		if filter.WorkflowName != "" && !workflowVersionIDs[e.WorkflowVersionID] {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if e.Status == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		if filter.StartedAfter != nil && e.StartedAt.Before(*filter.StartedAfter) {
			continue
		}
		if filter.StartedBefore != nil && e.StartedAt.After(*filter.StartedBefore) {
			continue
		}
		out = append(out, *copyExecution(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetStep(ctx context.Context, executionID, stepID int64) (*store.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok || st.ExecutionID != executionID {
		return nil, store.ErrNotFound
	}
	return copyStep(st), nil
}

func (s *Store) ListSteps(ctx context.Context, executionID int64) ([]store.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Step
	for _, st := range s.steps {
		if st.ExecutionID == executionID {
			out = append(out, *copyStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetHistory(ctx context.Context, executionID int64) ([]store.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.HistoryEvent
	for _, h := range s.history {
		if h.ExecutionID == executionID {
			h.EventData = copyMap(h.EventData)
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CancelExecution(ctx context.Context, executionID string, now time.Time) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findExecutionLocked(executionID)
	if e == nil {
		return nil, store.ErrNotFound
	}
	if e.Status != store.ExecutionRunning {
		return nil, &errors.InvalidStateError{ExecutionID: executionID, Status: string(e.Status), Operation: "cancel"}
	}

	e.Status = store.ExecutionCancelled
	e.CompletedAt = &now
	e.UpdatedAt = now

	// Rows claimed by an in-flight worker (PROCESSING) are left for that
	// worker to delete when it discovers the cancellation.
	for id, q := range s.queue {
		if q.ExecutionID == e.ID && q.Status == store.QueueQueued {
			delete(s.queue, id)
		}
	}

	s.history = append(s.history, store.HistoryEvent{
		ID:          s.id(),
		ExecutionID: e.ID,
		StepName:    e.CurrentState,
		EventType:   store.EventExecutionCancelled,
		EventData:   map[string]any{"cancelledAt": now.Format(time.RFC3339Nano)},
		Timestamp:   now,
	})

	return copyExecution(e), nil
}

func (s *Store) LookupIdempotency(ctx context.Context, keyHash string, now time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.idemKeys[keyHash]
	if !ok || !entry.expiresAt.After(now) {
		return "", false, nil
	}
	return entry.resourceID, true, nil
}

func (s *Store) ClaimQueue(ctx context.Context, now time.Time, limit int, fn func(ctx context.Context, tx store.Tx, items []store.QueueItem) error) error {
	s.mu.Lock()
	var eligible []*store.QueueItem
	for _, q := range s.queue {
		if q.Status != store.QueueQueued {
			continue
		}
		if q.ScheduledAt.After(now) {
			continue
		}
		if q.RunAfter != nil && q.RunAfter.After(now) {
			continue
		}
		eligible = append(eligible, q)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	var items []store.QueueItem
	var claimedIDs []int64
	for _, q := range eligible {
		q.Status = store.QueueProcessing
		claimedIDs = append(claimedIDs, q.ID)
		items = append(items, *q)
	}
	s.mu.Unlock()

	err := fn(ctx, &txn{s: s}, items)

	s.mu.Lock()
	for _, id := range claimedIDs {
		if q, ok := s.queue[id]; ok && q.Status == store.QueueProcessing {
			q.Status = store.QueueQueued
		}
	}
	s.mu.Unlock()
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return fn(ctx, &txn{s: s})
}

func (s *Store) FindStuckSteps(ctx context.Context, threshold time.Time) ([]store.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Step
	for _, st := range s.steps {
		if st.Status == store.StepRunning && st.StartedAt != nil && st.StartedAt.Before(threshold) {
			out = append(out, *copyStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindDueWaitSteps(ctx context.Context, now time.Time) ([]store.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Step
	for _, st := range s.steps {
		if st.Status == store.StepWaiting && st.RunAfter != nil && !st.RunAfter.After(now) {
			out = append(out, *copyStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// txn implements store.Tx against the shared maps. There is no rollback;
// tests that exercise rollback behavior use the postgres store.
type txn struct {
	s *Store
}

var _ store.Tx = (*txn)(nil)

func (t *txn) GetExecutionForUpdate(ctx context.Context, id int64) (*store.Execution, error) {
	return t.s.GetExecution(ctx, id)
}

func (t *txn) GetStepByName(ctx context.Context, executionID int64, stepName string) (*store.Step, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var latest *store.Step
	for _, st := range t.s.steps {
		if st.ExecutionID == executionID && st.StepName == stepName {
			if latest == nil || st.ID > latest.ID {
				latest = st
			}
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return copyStep(latest), nil
}

func (t *txn) GetStepForUpdate(ctx context.Context, stepID int64) (*store.Step, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	st, ok := t.s.steps[stepID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyStep(st), nil
}

func (t *txn) UpdateStep(ctx context.Context, step *store.Step) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.steps[step.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *copyStep(step)
	cp.UpdatedAt = time.Now().UTC()
	t.s.steps[step.ID] = &cp
	return nil
}

func (t *txn) InsertStep(ctx context.Context, step *store.Step) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	now := time.Now().UTC()
	step.ID = t.s.id()
	step.CreatedAt = now
	step.UpdatedAt = now
	t.s.steps[step.ID] = copyStep(step)
	return nil
}

func (t *txn) UpdateExecution(ctx context.Context, execution *store.Execution) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.executions[execution.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *copyExecution(execution)
	cp.UpdatedAt = time.Now().UTC()
	t.s.executions[execution.ID] = &cp
	return nil
}

func (t *txn) InsertQueueItem(ctx context.Context, item *store.QueueItem) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	now := time.Now().UTC()
	item.ID = t.s.id()
	item.CreatedAt = now
	item.UpdatedAt = now
	cp := *item
	t.s.queue[item.ID] = &cp
	return nil
}

func (t *txn) DeleteQueueItem(ctx context.Context, id int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	delete(t.s.queue, id)
	return nil
}

func (t *txn) DeleteQueueByExecution(ctx context.Context, executionID int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	// Rows claimed by an in-flight worker (PROCESSING) are left for that
	// worker, matching the postgres store's SKIP LOCKED delete.
	for id, q := range t.s.queue {
		if q.ExecutionID == executionID && q.Status != store.QueueProcessing {
			delete(t.s.queue, id)
		}
	}
	return nil
}

func (t *txn) AppendHistory(ctx context.Context, executionID int64, stepName, eventType string, eventData map[string]any) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.history = append(t.s.history, store.HistoryEvent{
		ID:          t.s.id(),
		ExecutionID: executionID,
		StepName:    stepName,
		EventType:   eventType,
		EventData:   copyMap(eventData),
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

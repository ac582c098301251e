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

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/thesmartway/steplite/internal/store"
	"github.com/thesmartway/steplite/pkg/errors"
)

// newTestStore starts a throwaway PostgreSQL container, applies the schema,
// and returns a connected store. Skipped in -short mode and when Docker is
// not available.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("steplite"),
		tcpostgres.WithUsername("steplite"),
		tcpostgres.WithPassword("steplite"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("could not start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, Migrate(ctx, url))

	s, err := New(ctx, Config{URL: url, MaxConns: 5})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func seedExecution(t *testing.T, s *Store, executionID string, now time.Time) *store.Execution {
	t.Helper()
	ctx := context.Background()

	w, err := s.CreateWorkflow(ctx, "order-processing-"+executionID, "")
	require.NoError(t, err)
	v, err := s.CreateVersion(ctx, w.ID, "1.0", []byte(`{"startAt":"validate","states":{}}`))
	require.NoError(t, err)

	e, err := s.CreateExecution(ctx, store.CreateExecutionParams{
		WorkflowVersionID: v.ID,
		ExecutionID:       executionID,
		StartState:        "validate",
		StartStateType:    "task",
		Input:             map[string]any{"orderId": "ORD-1"},
		Now:               now,
		WorkflowName:      w.Name,
		Version:           "1.0",
	})
	require.NoError(t, err)
	return e
}

func TestRegistryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, err := s.CreateWorkflow(ctx, "order-processing", "handles orders")
	require.NoError(t, err)
	require.NotZero(t, w.ID)

	_, err = s.CreateVersion(ctx, w.ID, "1.0", []byte(`{"a":1}`))
	require.NoError(t, err)
	_, err = s.CreateVersion(ctx, w.ID, "1.1", []byte(`{"a":2}`))
	require.NoError(t, err)

	latest, err := s.LatestVersion(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.1", latest.Version)

	got, err := s.GetVersion(ctx, w.ID, "1.0")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got.DefinitionJSON))

	_, err = s.GetWorkflowByName(ctx, "no-such-workflow")
	assert.ErrorIs(t, err, store.ErrNotFound)

	versions, err := s.ListVersions(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestCreateExecutionSeedsStepQueueAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	e := seedExecution(t, s, "exec-create-1", now)
	assert.Equal(t, store.ExecutionRunning, e.Status)
	assert.Equal(t, "validate", e.CurrentState)

	steps, err := s.ListSteps(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepPending, steps[0].Status)
	assert.Equal(t, store.DefaultMaxRetries, steps[0].MaxRetries)

	history, err := s.GetHistory(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.EventExecutionStarted, history[0].EventType)

	claimed := 0
	err = s.ClaimQueue(ctx, now.Add(time.Second), 10, func(ctx context.Context, tx store.Tx, items []store.QueueItem) error {
		for _, item := range items {
			if item.ExecutionID == e.ID {
				claimed++
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
}

func TestClaimQueueSkipsLockedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := seedExecution(t, s, "exec-claim-1", now)

	// While the first claim holds the row lock, a second claim must not see
	// the same row.
	firstClaimed := make(chan struct{})
	releaseFirst := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ClaimQueue(ctx, now.Add(time.Second), 10, func(ctx context.Context, tx store.Tx, items []store.QueueItem) error {
			close(firstClaimed)
			<-releaseFirst
			return nil
		})
	}()

	<-firstClaimed
	var second []store.QueueItem
	err := s.ClaimQueue(ctx, now.Add(time.Second), 10, func(ctx context.Context, tx store.Tx, items []store.QueueItem) error {
		for _, item := range items {
			if item.ExecutionID == e.ID {
				second = append(second, item)
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, second, "second claimer must skip rows locked by the first")

	close(releaseFirst)
	require.NoError(t, <-errCh)
}

func TestDeleteQueueByExecutionSkipsClaimedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := seedExecution(t, s, "exec-delete-claimed-1", now)

	claimed := make(chan struct{})
	release := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ClaimQueue(ctx, now.Add(time.Second), 10, func(ctx context.Context, tx store.Tx, items []store.QueueItem) error {
			close(claimed)
			<-release
			return nil
		})
	}()

	<-claimed
	// The delete must return without waiting for the claim to finish, and it
	// must leave the claimed row for its claimer.
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteQueueByExecution(ctx, e.ID)
	})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-errCh)

	var surviving []store.QueueItem
	err = s.ClaimQueue(ctx, now.Add(time.Minute), 10, func(ctx context.Context, tx store.Tx, items []store.QueueItem) error {
		for _, item := range items {
			if item.ExecutionID == e.ID {
				surviving = append(surviving, item)
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, surviving, 1, "claimed row must survive the delete")
}

func TestClaimQueueRollbackReleasesRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := seedExecution(t, s, "exec-rollback-1", now)

	err := s.ClaimQueue(ctx, now.Add(time.Second), 10, func(ctx context.Context, tx store.Tx, items []store.QueueItem) error {
		require.NotEmpty(t, items)
		for _, item := range items {
			require.NoError(t, tx.DeleteQueueItem(ctx, item.ID))
		}
		return assert.AnError
	})
	require.Error(t, err)

	// The rollback must restore the deleted rows.
	var restored bool
	err = s.ClaimQueue(ctx, now.Add(time.Second), 10, func(ctx context.Context, tx store.Tx, items []store.QueueItem) error {
		for _, item := range items {
			if item.ExecutionID == e.ID {
				restored = true
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, restored)
}

func TestCancelExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := seedExecution(t, s, "exec-cancel-1", now)

	cancelled, err := s.CancelExecution(ctx, "exec-cancel-1", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	// Queue rows are gone.
	err = s.ClaimQueue(ctx, now.Add(time.Minute), 10, func(ctx context.Context, tx store.Tx, items []store.QueueItem) error {
		for _, item := range items {
			assert.NotEqual(t, e.ID, item.ExecutionID)
		}
		return nil
	})
	require.NoError(t, err)

	// Cancelling a terminal execution is a conflict.
	_, err = s.CancelExecution(ctx, "exec-cancel-1", now.Add(2*time.Second))
	var invalidState *errors.InvalidStateError
	assert.ErrorAs(t, err, &invalidState)

	_, err = s.CancelExecution(ctx, "exec-cancel-missing", now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIdempotencyLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	w, err := s.CreateWorkflow(ctx, "idem-flow", "")
	require.NoError(t, err)
	v, err := s.CreateVersion(ctx, w.ID, "1.0", []byte(`{}`))
	require.NoError(t, err)

	_, err = s.CreateExecution(ctx, store.CreateExecutionParams{
		WorkflowVersionID:  v.ID,
		ExecutionID:        "exec-idem-1",
		StartState:         "start",
		StartStateType:     "task",
		Now:                now,
		WorkflowName:       w.Name,
		Version:            "1.0",
		IdempotencyKeyHash: "abc123",
		IdempotencyTTL:     24 * time.Hour,
	})
	require.NoError(t, err)

	id, ok, err := s.LookupIdempotency(ctx, "abc123", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "exec-idem-1", id)

	// Expired keys do not resolve.
	_, ok, err = s.LookupIdempotency(ctx, "abc123", now.Add(25*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LookupIdempotency(ctx, "missing", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindStuckAndDueWaitSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := seedExecution(t, s, "exec-stuck-1", now)

	staleStart := now.Add(-45 * time.Minute)
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		step, err := tx.GetStepByName(ctx, e.ID, "validate")
		if err != nil {
			return err
		}
		step.Status = store.StepRunning
		step.StartedAt = &staleStart
		return tx.UpdateStep(ctx, step)
	})
	require.NoError(t, err)

	stuck, err := s.FindStuckSteps(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "validate", stuck[0].StepName)

	runAfter := now.Add(-time.Second)
	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		step, err := tx.GetStepForUpdate(ctx, stuck[0].ID)
		if err != nil {
			return err
		}
		step.Status = store.StepWaiting
		step.RunAfter = &runAfter
		return tx.UpdateStep(ctx, step)
	})
	require.NoError(t, err)

	due, err := s.FindDueWaitSteps(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, stuck[0].ID, due[0].ID)

	// Not yet due.
	due, err = s.FindDueWaitSteps(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestListExecutionsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedExecution(t, s, "exec-list-1", now)
	seedExecution(t, s, "exec-list-2", now.Add(time.Second))
	_, err := s.CancelExecution(ctx, "exec-list-1", now.Add(2*time.Second))
	require.NoError(t, err)

	all, err := s.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "exec-list-2", all[0].ExecutionID, "newest first")

	running, err := s.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []store.ExecutionStatus{store.ExecutionRunning},
	})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "exec-list-2", running[0].ExecutionID)

	limited, err := s.ListExecutions(ctx, store.ExecutionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "exec-list-1", limited[0].ExecutionID)
}

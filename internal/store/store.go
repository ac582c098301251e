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

// Package store defines the persistence contract for the execution engine.
//
// Implementations must provide the SKIP-LOCKED claim protocol: ClaimQueue
// selects eligible queue rows under row-level locks with skip semantics and
// keeps those locks for the duration of the callback, so that a crash before
// commit releases the rows for another worker. The postgres subpackage is the
// production implementation; the memory subpackage backs unit tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface consumed by the engine and the worker.
type Store interface {
	// Workflow registry.
	CreateWorkflow(ctx context.Context, name, description string) (*Workflow, error)
	GetWorkflowByName(ctx context.Context, name string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]Workflow, error)
	CreateVersion(ctx context.Context, workflowID int64, version string, definitionJSON []byte) (*WorkflowVersion, error)
	GetVersion(ctx context.Context, workflowID int64, version string) (*WorkflowVersion, error)
	// LatestVersion resolves "no version specified" by lexicographic
	// descending order of the version string.
	LatestVersion(ctx context.Context, workflowID int64) (*WorkflowVersion, error)
	GetVersionByID(ctx context.Context, id int64) (*WorkflowVersion, error)
	ListVersions(ctx context.Context, workflowID int64) ([]WorkflowVersion, error)

	// Executions.
	CreateExecution(ctx context.Context, params CreateExecutionParams) (*Execution, error)
	GetExecution(ctx context.Context, id int64) (*Execution, error)
	GetExecutionByExecutionID(ctx context.Context, executionID string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
	GetStep(ctx context.Context, executionID, stepID int64) (*Step, error)
	ListSteps(ctx context.Context, executionID int64) ([]Step, error)
	GetHistory(ctx context.Context, executionID int64) ([]HistoryEvent, error)

	// CancelExecution, in one transaction: verify the execution is RUNNING
	// (InvalidStateError otherwise), set status CANCELLED and completed_at,
	// delete its queue rows, and append EXECUTION_CANCELLED. Steps are not
	// mutated.
	CancelExecution(ctx context.Context, executionID string, now time.Time) (*Execution, error)

	// LookupIdempotency resolves an unexpired idempotency key hash to the
	// user-visible execution id it maps to.
	LookupIdempotency(ctx context.Context, keyHash string, now time.Time) (string, bool, error)

	// ClaimQueue opens a transaction, selects up to limit eligible queue
	// rows (QUEUED, scheduled_at <= now, run_after null or <= now, ordered
	// by priority descending then scheduled_at ascending) under FOR UPDATE
	// SKIP LOCKED, and invokes fn with the claimed rows. The transaction
	// commits when fn returns nil and rolls back otherwise; either way the
	// row locks are held for the full duration of fn.
	ClaimQueue(ctx context.Context, now time.Time, limit int, fn func(ctx context.Context, tx Tx, items []QueueItem) error) error

	// WithTx runs fn inside a transaction. Used by the wake and reap loops,
	// which transition steps outside the dispatch claim path.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// FindStuckSteps returns steps with status RUNNING whose started_at is
	// before threshold.
	FindStuckSteps(ctx context.Context, threshold time.Time) ([]Step, error)

	// FindDueWaitSteps returns steps with status WAITING whose run_after is
	// at or before now.
	FindDueWaitSteps(ctx context.Context, now time.Time) ([]Step, error)

	Close()
}

// Tx is the transactional scope handed to worker callbacks. Every mutation
// of an execution's state happens through a Tx so the transition commits or
// rolls back as a unit.
type Tx interface {
	// GetExecutionForUpdate loads an execution with a row lock, serializing
	// worker transitions against CancelExecution.
	GetExecutionForUpdate(ctx context.Context, id int64) (*Execution, error)
	GetStepByName(ctx context.Context, executionID int64, stepName string) (*Step, error)
	GetStepForUpdate(ctx context.Context, stepID int64) (*Step, error)
	UpdateStep(ctx context.Context, step *Step) error
	InsertStep(ctx context.Context, step *Step) error
	UpdateExecution(ctx context.Context, execution *Execution) error
	InsertQueueItem(ctx context.Context, item *QueueItem) error
	DeleteQueueItem(ctx context.Context, id int64) error
	DeleteQueueByExecution(ctx context.Context, executionID int64) error
	AppendHistory(ctx context.Context, executionID int64, stepName, eventType string, eventData map[string]any) error
}

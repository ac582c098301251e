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

package store

import (
	"time"
)

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status is COMPLETED, FAILED, or CANCELLED.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the lifecycle status of an execution step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepWaiting   StepStatus = "WAITING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// QueueStatus is the status of a queue row.
type QueueStatus string

const (
	QueueQueued     QueueStatus = "QUEUED"
	QueueProcessing QueueStatus = "PROCESSING"
)

// History event types appended by the engine. The history log is append-only.
const (
	EventExecutionStarted   = "EXECUTION_STARTED"
	EventStepStarted        = "STEP_STARTED"
	EventStepCompleted      = "STEP_COMPLETED"
	EventStepFailed         = "STEP_FAILED"
	EventStepError          = "STEP_ERROR"
	EventNextStateQueued    = "NEXT_STATE_QUEUED"
	EventExecutionCompleted = "EXECUTION_COMPLETED"
	EventExecutionFailed    = "EXECUTION_FAILED"
	EventExecutionCancelled = "EXECUTION_CANCELLED"
	EventStepRecovered      = "STEP_RECOVERED"
	EventWaitCompleted      = "WAIT_COMPLETED"
)

// Workflow is a named workflow. Created on first registration under a name;
// never deleted by the engine.
type Workflow struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkflowVersion is one immutable version of a workflow's definition.
// DefinitionJSON is the parsed source of truth; the definition reader
// re-parses it on each interpretation.
type WorkflowVersion struct {
	ID             int64
	WorkflowID     int64
	Version        string
	DefinitionJSON []byte
	// IsActive is stored metadata only; version resolution never consults it.
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution is one live run of a workflow version against an input.
// CurrentState is an optimization pointer; the authoritative "which step to
// run next" is the queue row referencing this execution.
type Execution struct {
	ID                int64
	WorkflowVersionID int64
	// ExecutionID is the globally unique, user-visible identifier.
	ExecutionID  string
	Status       ExecutionStatus
	CurrentState string
	Input        map[string]any
	Output       map[string]any
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Step is the instantiation of one state within an execution. One row per
// state visited. Steps are append-only except for status/output/timestamps
// of the currently running one.
type Step struct {
	ID          int64
	ExecutionID int64
	StepName    string
	StepType    string
	Status      StepStatus
	Input       map[string]any
	Output      map[string]any
	ErrorType   string
	ErrorMsg    string

	// Retry metadata is persisted but not consumed by the engine; reserved
	// for a future extension.
	RetryCount        int
	MaxRetries        int
	BackoffMultiplier float64
	InitialIntervalMS int64

	TimeoutSeconds *int
	RunAfter       *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QueueItem is the unit of work claimed by a worker. Invariant: a RUNNING
// execution has at most one queue row; a terminal execution has none.
type QueueItem struct {
	ID          int64
	ExecutionID int64
	Priority    int
	ScheduledAt time.Time
	Status      QueueStatus
	RetryCount  int
	RunAfter    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HistoryEvent is one append-only audit log entry for an execution.
type HistoryEvent struct {
	ID          int64
	ExecutionID int64
	StepName    string
	EventType   string
	EventData   map[string]any
	Timestamp   time.Time
}

// ExecutionFilter narrows ListExecutions results. Zero values mean "no
// constraint"; results are ordered newest first.
type ExecutionFilter struct {
	Statuses      []ExecutionStatus
	WorkflowName  string
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

// CreateExecutionParams carries everything CreateExecution inserts in its
// single transaction: the execution, the first step, the first queue row,
// the EXECUTION_STARTED history event, and optionally an idempotency key.
type CreateExecutionParams struct {
	WorkflowVersionID int64
	ExecutionID       string
	StartState        string
	StartStateType    string
	Input             map[string]any
	TimeoutSeconds    *int
	Now               time.Time

	// WorkflowName and Version are recorded in the EXECUTION_STARTED event.
	WorkflowName string
	Version      string

	// IdempotencyKeyHash, when non-empty, is stored with the given TTL.
	IdempotencyKeyHash string
	IdempotencyTTL     time.Duration
}

// Reserved retry metadata defaults, mirroring the original schema.
const (
	DefaultMaxRetries        = 3
	DefaultBackoffMultiplier = 2.0
	DefaultInitialIntervalMS = 1000
)

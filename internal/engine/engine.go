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

// Package engine exposes the registry and execution lifecycle operations.
// Stepping through the state graph is the worker's job; the engine only
// registers workflows, starts and cancels executions, and reads state.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesmartway/steplite/internal/clock"
	"github.com/thesmartway/steplite/internal/log"
	"github.com/thesmartway/steplite/internal/metrics"
	"github.com/thesmartway/steplite/internal/store"
	"github.com/thesmartway/steplite/pkg/definition"
	"github.com/thesmartway/steplite/pkg/errors"
)

// Engine coordinates the workflow registry and execution lifecycle on top of
// a store.
type Engine struct {
	store          store.Store
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *metrics.Metrics
	idempotencyTTL time.Duration
}

// Options tunes optional Engine behavior.
type Options struct {
	// Clock overrides the time source; defaults to the real clock.
	Clock clock.Clock

	// IdempotencyTTL is how long a start-execution idempotency key maps to
	// its execution. Defaults to 24h.
	IdempotencyTTL time.Duration

	// Metrics overrides the instrumentation; defaults to unregistered
	// metrics (useful in tests).
	Metrics *metrics.Metrics
}

// New creates an Engine.
func New(s store.Store, logger *slog.Logger, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return &Engine{
		store:          s,
		clock:          opts.Clock,
		logger:         log.WithComponent(logger, "engine"),
		metrics:        opts.Metrics,
		idempotencyTTL: opts.IdempotencyTTL,
	}
}

// RegisterParams carries a workflow registration request.
type RegisterParams struct {
	Name        string
	Description string
	Version     string

	// Definition is the state graph source, JSON or YAML per Format.
	Definition []byte

	// Format is "json" or "yaml"; empty means JSON.
	Format string
}

// RegisterWorkflow validates the definition and stores it as a new immutable
// version, creating the workflow row on first use. Registering an existing
// (workflow, version) pair is a ValidationError.
func (e *Engine) RegisterWorkflow(ctx context.Context, params RegisterParams) (*store.WorkflowVersion, error) {
	if params.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if params.Version == "" {
		return nil, &errors.ValidationError{Field: "version", Message: "version is required"}
	}

	var definitionJSON []byte
	switch params.Format {
	case "", "json":
		def, err := definition.Parse(params.Definition)
		if err != nil {
			return nil, err
		}
		normalized, err := json.Marshal(def)
		if err != nil {
			return nil, &errors.DefinitionError{Message: "cannot normalize definition to JSON", Cause: err}
		}
		definitionJSON = normalized
	case "yaml":
		_, normalized, err := definition.ParseYAML(params.Definition)
		if err != nil {
			return nil, err
		}
		definitionJSON = normalized
	default:
		return nil, &errors.ValidationError{Field: "format", Message: "format must be json or yaml"}
	}

	w, err := e.store.GetWorkflowByName(ctx, params.Name)
	if stderrors.Is(err, store.ErrNotFound) {
		w, err = e.store.CreateWorkflow(ctx, params.Name, params.Description)
	}
	if err != nil {
		return nil, err
	}

	if _, err := e.store.GetVersion(ctx, w.ID, params.Version); err == nil {
		return nil, &errors.ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("version %s of workflow %s already exists", params.Version, params.Name),
		}
	} else if !stderrors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	v, err := e.store.CreateVersion(ctx, w.ID, params.Version, definitionJSON)
	if err != nil {
		return nil, err
	}

	e.logger.Info("workflow registered",
		log.String(log.WorkflowKey, params.Name),
		log.String(log.VersionKey, params.Version))
	return v, nil
}

// GetWorkflow loads a workflow by name.
func (e *Engine) GetWorkflow(ctx context.Context, name string) (*store.Workflow, error) {
	w, err := e.store.GetWorkflowByName(ctx, name)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return w, err
}

// ListWorkflows returns all registered workflows.
func (e *Engine) ListWorkflows(ctx context.Context) ([]store.Workflow, error) {
	return e.store.ListWorkflows(ctx)
}

// ListVersions returns all versions of a named workflow.
func (e *Engine) ListVersions(ctx context.Context, workflowName string) ([]store.WorkflowVersion, error) {
	w, err := e.store.GetWorkflowByName(ctx, workflowName)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowName}
	}
	if err != nil {
		return nil, err
	}
	return e.store.ListVersions(ctx, w.ID)
}

// StartParams carries a start-execution request.
type StartParams struct {
	WorkflowName string

	// Version selects a specific definition version; empty selects the
	// latest by lexicographic descending order.
	Version string

	Input map[string]any

	// IdempotencyKey, when non-empty, deduplicates repeated starts within
	// the key's TTL: a repeated key returns the original execution.
	IdempotencyKey string
}

// StartExecution creates an execution of a workflow and seeds its first step
// and queue row in one transaction. The worker picks it up from there.
func (e *Engine) StartExecution(ctx context.Context, params StartParams) (*store.Execution, error) {
	now := e.clock.Now().UTC()

	var keyHash string
	if params.IdempotencyKey != "" {
		sum := sha256.Sum256([]byte(params.IdempotencyKey))
		keyHash = hex.EncodeToString(sum[:])

		existingID, ok, err := e.store.LookupIdempotency(ctx, keyHash, now)
		if err != nil {
			return nil, err
		}
		if ok {
			existing, err := e.store.GetExecutionByExecutionID(ctx, existingID)
			if stderrors.Is(err, store.ErrNotFound) {
				return nil, &errors.NotFoundError{Resource: "execution", ID: existingID}
			}
			return existing, err
		}
	}

	w, err := e.store.GetWorkflowByName(ctx, params.WorkflowName)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: params.WorkflowName}
	}
	if err != nil {
		return nil, err
	}

	var version *store.WorkflowVersion
	if params.Version == "" {
		version, err = e.store.LatestVersion(ctx, w.ID)
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, &errors.NotFoundError{Resource: "version", ID: params.WorkflowName + " (latest)"}
		}
	} else {
		version, err = e.store.GetVersion(ctx, w.ID, params.Version)
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, &errors.NotFoundError{Resource: "version", ID: params.WorkflowName + "/" + params.Version}
		}
	}
	if err != nil {
		return nil, err
	}

	def, err := definition.Parse(version.DefinitionJSON)
	if err != nil {
		return nil, err
	}
	startState := def.States[def.StartAt]

	var timeoutSeconds *int
	if startState.Type == definition.StateTask && startState.Timeout > 0 {
		t := startState.Timeout
		timeoutSeconds = &t
	}

	executionID := newExecutionID(now)
	execution, err := e.store.CreateExecution(ctx, store.CreateExecutionParams{
		WorkflowVersionID:  version.ID,
		ExecutionID:        executionID,
		StartState:         def.StartAt,
		StartStateType:     string(startState.Type),
		Input:              params.Input,
		TimeoutSeconds:     timeoutSeconds,
		Now:                now,
		WorkflowName:       w.Name,
		Version:            version.Version,
		IdempotencyKeyHash: keyHash,
		IdempotencyTTL:     e.idempotencyTTL,
	})
	if err != nil {
		return nil, err
	}

	e.metrics.ExecutionsStarted.Inc()
	log.WithExecution(e.logger, executionID, w.Name).Info("execution started",
		log.String(log.VersionKey, version.Version),
		log.String(log.StepKey, def.StartAt))
	return execution, nil
}

// newExecutionID builds the user-visible execution id: a millisecond
// timestamp for rough sortability plus a uuid fragment for uniqueness.
func newExecutionID(now time.Time) string {
	return fmt.Sprintf("exec-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// GetExecution loads an execution by its user-visible id.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	execution, err := e.store.GetExecutionByExecutionID(ctx, executionID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return execution, err
}

// ListExecutions returns executions matching the filter, newest first.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]store.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// CancelExecution cancels a RUNNING execution. Terminal executions reject
// the cancel with an InvalidStateError and are left untouched.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	execution, err := e.store.CancelExecution(ctx, executionID, e.clock.Now().UTC())
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	if err != nil {
		return nil, err
	}
	e.metrics.ExecutionsCancelled.Inc()
	e.logger.Info("execution cancelled", log.String(log.ExecutionIDKey, executionID))
	return execution, nil
}

// GetStep loads one step of an execution.
func (e *Engine) GetStep(ctx context.Context, executionID string, stepID int64) (*store.Step, error) {
	execution, err := e.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	step, err := e.store.GetStep(ctx, execution.ID, stepID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, &errors.NotFoundError{Resource: "step", ID: fmt.Sprintf("%s/%d", executionID, stepID)}
	}
	return step, err
}

// ListSteps returns all steps of an execution in creation order.
func (e *Engine) ListSteps(ctx context.Context, executionID string) ([]store.Step, error) {
	execution, err := e.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return e.store.ListSteps(ctx, execution.ID)
}

// GetHistory returns the execution's audit log ordered by (timestamp, id).
func (e *Engine) GetHistory(ctx context.Context, executionID string) ([]store.HistoryEvent, error) {
	execution, err := e.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return e.store.GetHistory(ctx, execution.ID)
}

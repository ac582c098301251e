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

// Package postgres implements the execution store on PostgreSQL using pgx.
//
// The claim protocol relies on FOR UPDATE SKIP LOCKED: claimed queue rows
// stay locked until the enclosing transaction commits or rolls back, so a
// crashed worker releases its rows to the next poller.
package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thesmartway/steplite/internal/store"
	"github.com/thesmartway/steplite/pkg/errors"
)

// Config contains PostgreSQL connection settings.
type Config struct {
	// URL is the connection string (postgres://...).
	URL string

	// MaxConns sets the pool's maximum connection count.
	MaxConns int
}

// Store is the PostgreSQL-backed execution store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateWorkflow inserts a workflow row.
func (s *Store) CreateWorkflow(ctx context.Context, name, description string) (*store.Workflow, error) {
	var w store.Workflow
	err := s.pool.QueryRow(ctx, `
		INSERT INTO workflows (name, description)
		VALUES ($1, $2)
		RETURNING id, name, description, created_at, updated_at`,
		name, description,
	).Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return &w, nil
}

// GetWorkflowByName loads a workflow by its unique name.
func (s *Store) GetWorkflowByName(ctx context.Context, name string) (*store.Workflow, error) {
	var w store.Workflow
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM workflows WHERE name = $1`,
		name,
	).Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt, &w.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return &w, nil
}

// ListWorkflows returns all workflows ordered by name.
func (s *Store) ListWorkflows(ctx context.Context) ([]store.Workflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM workflows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var result []store.Workflow
	for rows.Next() {
		var w store.Workflow
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// CreateVersion inserts a workflow version.
func (s *Store) CreateVersion(ctx context.Context, workflowID int64, version string, definitionJSON []byte) (*store.WorkflowVersion, error) {
	var v store.WorkflowVersion
	err := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_versions (workflow_id, version, definition_json)
		VALUES ($1, $2, $3)
		RETURNING id, workflow_id, version, definition_json, is_active, created_at, updated_at`,
		workflowID, version, definitionJSON,
	).Scan(&v.ID, &v.WorkflowID, &v.Version, &v.DefinitionJSON, &v.IsActive, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow version: %w", err)
	}
	return &v, nil
}

const versionColumns = `id, workflow_id, version, definition_json, is_active, created_at, updated_at`

func scanVersion(row pgx.Row) (*store.WorkflowVersion, error) {
	var v store.WorkflowVersion
	err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &v.DefinitionJSON, &v.IsActive, &v.CreatedAt, &v.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow version: %w", err)
	}
	return &v, nil
}

// GetVersion loads a specific version of a workflow.
func (s *Store) GetVersion(ctx context.Context, workflowID int64, version string) (*store.WorkflowVersion, error) {
	return scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM workflow_versions WHERE workflow_id = $1 AND version = $2`,
		workflowID, version))
}

// LatestVersion loads the most recent version by lexicographic descending
// version string.
func (s *Store) LatestVersion(ctx context.Context, workflowID int64) (*store.WorkflowVersion, error) {
	return scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM workflow_versions WHERE workflow_id = $1 ORDER BY version DESC LIMIT 1`,
		workflowID))
}

// GetVersionByID loads a version row by primary key.
func (s *Store) GetVersionByID(ctx context.Context, id int64) (*store.WorkflowVersion, error) {
	return scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM workflow_versions WHERE id = $1`, id))
}

// ListVersions returns all versions of a workflow, newest version string
// first.
func (s *Store) ListVersions(ctx context.Context, workflowID int64) ([]store.WorkflowVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM workflow_versions WHERE workflow_id = $1 ORDER BY version DESC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow versions: %w", err)
	}
	defer rows.Close()

	var result []store.WorkflowVersion
	for rows.Next() {
		var v store.WorkflowVersion
		if err := rows.Scan(&v.ID, &v.WorkflowID, &v.Version, &v.DefinitionJSON, &v.IsActive, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// CreateExecution inserts the execution, its first step, its first queue
// row, the EXECUTION_STARTED event, and (optionally) the idempotency key in
// one transaction.
func (s *Store) CreateExecution(ctx context.Context, params store.CreateExecutionParams) (*store.Execution, error) {
	inputJSON, err := marshalJSON(params.Input)
	if err != nil {
		return nil, err
	}

	var execution *store.Execution
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		e, err := scanExecution(tx.QueryRow(ctx, `
			INSERT INTO workflow_executions
				(workflow_version_id, execution_id, status, current_state, input_data, started_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+executionColumns,
			params.WorkflowVersionID, params.ExecutionID, store.ExecutionRunning,
			params.StartState, inputJSON, params.Now,
		))
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO execution_steps
				(execution_id, step_name, step_type, status, input_data,
				 max_retries, backoff_multiplier, initial_interval_ms, timeout_seconds)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, params.StartState, params.StartStateType, store.StepPending, inputJSON,
			store.DefaultMaxRetries, store.DefaultBackoffMultiplier, store.DefaultInitialIntervalMS,
			params.TimeoutSeconds,
		); err != nil {
			return fmt.Errorf("failed to insert first step: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO execution_queue (execution_id, priority, scheduled_at, status)
			VALUES ($1, 0, $2, $3)`,
			e.ID, params.Now, store.QueueQueued,
		); err != nil {
			return fmt.Errorf("failed to enqueue first step: %w", err)
		}

		if params.IdempotencyKeyHash != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO idempotency_keys (key_hash, resource_type, resource_id, expires_at)
				VALUES ($1, 'workflow_execution', $2, $3)`,
				params.IdempotencyKeyHash, params.ExecutionID, params.Now.Add(params.IdempotencyTTL),
			); err != nil {
				return fmt.Errorf("failed to store idempotency key: %w", err)
			}
		}

		eventData, err := marshalJSON(map[string]any{
			"workflowName": params.WorkflowName,
			"version":      params.Version,
		})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO execution_history (execution_id, step_name, event_type, event_data, timestamp)
			VALUES ($1, $2, $3, $4, $5)`,
			e.ID, params.StartState, store.EventExecutionStarted, eventData, params.Now,
		); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}

		execution = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return execution, nil
}

const executionColumns = `id, workflow_version_id, execution_id, status, current_state,
	input_data, output_data, error_message, started_at, completed_at, created_at, updated_at`

func scanExecution(row pgx.Row) (*store.Execution, error) {
	var e store.Execution
	var input, output []byte
	var errMsg *string
	err := row.Scan(&e.ID, &e.WorkflowVersionID, &e.ExecutionID, &e.Status, &e.CurrentState,
		&input, &output, &errMsg, &e.StartedAt, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	if err := unmarshalJSON(input, &e.Input); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(output, &e.Output); err != nil {
		return nil, err
	}
	if errMsg != nil {
		e.ErrorMessage = *errMsg
	}
	return &e, nil
}

// GetExecution loads an execution by primary key.
func (s *Store) GetExecution(ctx context.Context, id int64) (*store.Execution, error) {
	return scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id))
}

// GetExecutionByExecutionID loads an execution by its user-visible id.
func (s *Store) GetExecutionByExecutionID(ctx context.Context, executionID string) (*store.Execution, error) {
	return scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE execution_id = $1`, executionID))
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]store.Execution, error) {
	query := `SELECT ` + qualifyExecutionColumns("e") + `
		FROM workflow_executions e
		JOIN workflow_versions v ON v.id = e.workflow_version_id
		JOIN workflows w ON w.id = v.workflow_id
		WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += ` AND e.status = ANY(` + arg(statuses) + `)`
	}
	if filter.WorkflowName != "" {
		query += ` AND w.name = ` + arg(filter.WorkflowName)
	}
	if filter.StartedAfter != nil {
		query += ` AND e.started_at >= ` + arg(*filter.StartedAfter)
	}
	if filter.StartedBefore != nil {
		query += ` AND e.started_at <= ` + arg(*filter.StartedBefore)
	}
	query += ` ORDER BY e.started_at DESC, e.id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var result []store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func qualifyExecutionColumns(alias string) string {
	return alias + `.id, ` + alias + `.workflow_version_id, ` + alias + `.execution_id, ` +
		alias + `.status, ` + alias + `.current_state, ` + alias + `.input_data, ` +
		alias + `.output_data, ` + alias + `.error_message, ` + alias + `.started_at, ` +
		alias + `.completed_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}

// GetStep loads one step of an execution.
func (s *Store) GetStep(ctx context.Context, executionID, stepID int64) (*store.Step, error) {
	return scanStep(s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE id = $1 AND execution_id = $2`,
		stepID, executionID))
}

// ListSteps returns all steps of an execution in creation order.
func (s *Store) ListSteps(ctx context.Context, executionID int64) ([]store.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = $1 ORDER BY id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()
	return collectSteps(rows)
}

// GetHistory returns the execution's audit log ordered by (timestamp, id).
func (s *Store) GetHistory(ctx context.Context, executionID int64) ([]store.HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, COALESCE(step_name, ''), event_type, event_data, timestamp
		FROM execution_history
		WHERE execution_id = $1
		ORDER BY timestamp, id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var result []store.HistoryEvent
	for rows.Next() {
		var h store.HistoryEvent
		var data []byte
		if err := rows.Scan(&h.ID, &h.ExecutionID, &h.StepName, &h.EventType, &data, &h.Timestamp); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(data, &h.EventData); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// CancelExecution cancels a RUNNING execution in one transaction.
func (s *Store) CancelExecution(ctx context.Context, executionID string, now time.Time) (*store.Execution, error) {
	var cancelled *store.Execution
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		e, err := scanExecution(tx.QueryRow(ctx,
			`SELECT `+executionColumns+` FROM workflow_executions WHERE execution_id = $1 FOR UPDATE`,
			executionID))
		if err != nil {
			return err
		}
		if e.Status != store.ExecutionRunning {
			return &errors.InvalidStateError{ExecutionID: executionID, Status: string(e.Status), Operation: "cancel"}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE workflow_executions
			SET status = $1, completed_at = $2, updated_at = $2
			WHERE id = $3`,
			store.ExecutionCancelled, now, e.ID,
		); err != nil {
			return fmt.Errorf("failed to cancel execution: %w", err)
		}

		// Skip rows locked by an in-flight claim: that worker discovers the
		// cancellation at persistence time and deletes its own row. Waiting
		// on the claim lock here could deadlock against the worker's
		// outcome transaction.
		if _, err := tx.Exec(ctx, `
			DELETE FROM execution_queue
			WHERE id IN (
				SELECT id FROM execution_queue
				WHERE execution_id = $1
				FOR UPDATE SKIP LOCKED
			)`, e.ID,
		); err != nil {
			return fmt.Errorf("failed to delete queue rows: %w", err)
		}

		eventData, err := marshalJSON(map[string]any{"cancelledAt": now.Format(time.RFC3339Nano)})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO execution_history (execution_id, step_name, event_type, event_data, timestamp)
			VALUES ($1, $2, $3, $4, $5)`,
			e.ID, e.CurrentState, store.EventExecutionCancelled, eventData, now,
		); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}

		e.Status = store.ExecutionCancelled
		e.CompletedAt = &now
		cancelled = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// LookupIdempotency resolves an unexpired key hash to its execution id.
func (s *Store) LookupIdempotency(ctx context.Context, keyHash string, now time.Time) (string, bool, error) {
	var resourceID string
	err := s.pool.QueryRow(ctx, `
		SELECT resource_id FROM idempotency_keys
		WHERE key_hash = $1 AND expires_at > $2`,
		keyHash, now,
	).Scan(&resourceID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return resourceID, true, nil
}

// ClaimQueue implements the SKIP LOCKED claim protocol. The claimed rows
// stay locked for the duration of fn; a rollback releases them unchanged.
func (s *Store) ClaimQueue(ctx context.Context, now time.Time, limit int, fn func(ctx context.Context, tx store.Tx, items []store.QueueItem) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(pgtx pgx.Tx) error {
		rows, err := pgtx.Query(ctx, `
			SELECT id, execution_id, priority, scheduled_at, status, retry_count, run_after_ts, created_at, updated_at
			FROM execution_queue
			WHERE status = $1
			  AND scheduled_at <= $2
			  AND (run_after_ts IS NULL OR run_after_ts <= $2)
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED`,
			store.QueueQueued, now, limit)
		if err != nil {
			return fmt.Errorf("failed to claim queue rows: %w", err)
		}

		var items []store.QueueItem
		for rows.Next() {
			var q store.QueueItem
			if err := rows.Scan(&q.ID, &q.ExecutionID, &q.Priority, &q.ScheduledAt, &q.Status,
				&q.RetryCount, &q.RunAfter, &q.CreatedAt, &q.UpdatedAt); err != nil {
				rows.Close()
				return err
			}
			items = append(items, q)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		return fn(ctx, &txn{tx: pgtx}, items)
	})
}

// WithTx runs fn inside a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(pgtx pgx.Tx) error {
		return fn(ctx, &txn{tx: pgtx})
	})
}

// FindStuckSteps returns RUNNING steps started before threshold.
func (s *Store) FindStuckSteps(ctx context.Context, threshold time.Time) ([]store.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE status = $1 AND started_at < $2`,
		store.StepRunning, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck steps: %w", err)
	}
	defer rows.Close()
	return collectSteps(rows)
}

// FindDueWaitSteps returns WAITING steps whose run_after_ts has passed.
func (s *Store) FindDueWaitSteps(ctx context.Context, now time.Time) ([]store.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE status = $1 AND run_after_ts <= $2`,
		store.StepWaiting, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find due wait steps: %w", err)
	}
	defer rows.Close()
	return collectSteps(rows)
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

func unmarshalJSON(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}

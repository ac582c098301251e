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
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/thesmartway/steplite/internal/store"
)

// txn adapts a pgx transaction to the store.Tx contract.
type txn struct {
	tx pgx.Tx
}

var _ store.Tx = (*txn)(nil)

func (t *txn) GetExecutionForUpdate(ctx context.Context, id int64) (*store.Execution, error) {
	return scanExecution(t.tx.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1 FOR UPDATE`, id))
}

func (t *txn) GetStepByName(ctx context.Context, executionID int64, stepName string) (*store.Step, error) {
	return scanStep(t.tx.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM execution_steps
		 WHERE execution_id = $1 AND step_name = $2
		 ORDER BY id DESC LIMIT 1`,
		executionID, stepName))
}

func (t *txn) GetStepForUpdate(ctx context.Context, stepID int64) (*store.Step, error) {
	return scanStep(t.tx.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE id = $1 FOR UPDATE`, stepID))
}

func (t *txn) UpdateStep(ctx context.Context, step *store.Step) error {
	inputJSON, err := marshalJSON(step.Input)
	if err != nil {
		return err
	}
	outputJSON, err := marshalNullableJSON(step.Output)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE execution_steps
		SET status = $1, input_data = $2, output_data = $3,
		    error_type = NULLIF($4, ''), error_message = NULLIF($5, ''),
		    retry_count = $6, run_after_ts = $7,
		    started_at = $8, completed_at = $9, updated_at = $10
		WHERE id = $11`,
		step.Status, inputJSON, outputJSON,
		step.ErrorType, step.ErrorMsg,
		step.RetryCount, step.RunAfter,
		step.StartedAt, step.CompletedAt, time.Now().UTC(),
		step.ID)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) InsertStep(ctx context.Context, step *store.Step) error {
	inputJSON, err := marshalJSON(step.Input)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO execution_steps
			(execution_id, step_name, step_type, status, input_data,
			 max_retries, backoff_multiplier, initial_interval_ms,
			 timeout_seconds, run_after_ts, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		step.ExecutionID, step.StepName, step.StepType, step.Status, inputJSON,
		step.MaxRetries, step.BackoffMultiplier, step.InitialIntervalMS,
		step.TimeoutSeconds, step.RunAfter, step.StartedAt,
	).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

func (t *txn) UpdateExecution(ctx context.Context, execution *store.Execution) error {
	outputJSON, err := marshalNullableJSON(execution.Output)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $1, current_state = $2, output_data = $3,
		    error_message = NULLIF($4, ''), completed_at = $5, updated_at = $6
		WHERE id = $7`,
		execution.Status, execution.CurrentState, outputJSON,
		execution.ErrorMessage, execution.CompletedAt, time.Now().UTC(),
		execution.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) InsertQueueItem(ctx context.Context, item *store.QueueItem) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO execution_queue
			(execution_id, priority, scheduled_at, status, retry_count, run_after_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		item.ExecutionID, item.Priority, item.ScheduledAt, item.Status,
		item.RetryCount, item.RunAfter,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

func (t *txn) DeleteQueueItem(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM execution_queue WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}
	return nil
}

// DeleteQueueByExecution removes an execution's unclaimed queue rows. Rows
// locked by a concurrent claim transaction are skipped rather than waited on;
// blocking here while a claimer's side transaction waits on the execution row
// would deadlock across three transactions. A skipped row is removed by its
// claimer or by the stale-row check on the next dispatch.
func (t *txn) DeleteQueueByExecution(ctx context.Context, executionID int64) error {
	if _, err := t.tx.Exec(ctx, `
		DELETE FROM execution_queue
		WHERE id IN (
			SELECT id FROM execution_queue
			WHERE execution_id = $1
			FOR UPDATE SKIP LOCKED
		)`, executionID); err != nil {
		return fmt.Errorf("failed to delete queue rows: %w", err)
	}
	return nil
}

func (t *txn) AppendHistory(ctx context.Context, executionID int64, stepName, eventType string, eventData map[string]any) error {
	dataJSON, err := marshalJSON(eventData)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO execution_history (execution_id, step_name, event_type, event_data, timestamp)
		VALUES ($1, NULLIF($2, ''), $3, $4, now())`,
		executionID, stepName, eventType, dataJSON); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

const stepColumns = `id, execution_id, step_name, step_type, status,
	input_data, output_data, error_type, error_message,
	retry_count, max_retries, backoff_multiplier, initial_interval_ms,
	timeout_seconds, run_after_ts, started_at, completed_at, created_at, updated_at`

func scanStep(row pgx.Row) (*store.Step, error) {
	var st store.Step
	var input, output []byte
	var errType, errMsg *string
	err := row.Scan(&st.ID, &st.ExecutionID, &st.StepName, &st.StepType, &st.Status,
		&input, &output, &errType, &errMsg,
		&st.RetryCount, &st.MaxRetries, &st.BackoffMultiplier, &st.InitialIntervalMS,
		&st.TimeoutSeconds, &st.RunAfter, &st.StartedAt, &st.CompletedAt, &st.CreatedAt, &st.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load step: %w", err)
	}
	if err := unmarshalJSON(input, &st.Input); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(output, &st.Output); err != nil {
		return nil, err
	}
	if errType != nil {
		st.ErrorType = *errType
	}
	if errMsg != nil {
		st.ErrorMsg = *errMsg
	}
	return &st, nil
}

func collectSteps(rows pgx.Rows) ([]store.Step, error) {
	var result []store.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *st)
	}
	return result, rows.Err()
}

// marshalNullableJSON maps a nil map to SQL NULL rather than '{}'.
func marshalNullableJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return marshalJSON(v)
}

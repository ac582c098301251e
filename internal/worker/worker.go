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

// Package worker drives executions through their state graphs.
//
// Three periodic loops run concurrently, and any number of process instances
// may run all three against the same database:
//
//   - dispatch claims queue rows under SKIP LOCKED and interprets one state
//     per row;
//   - reap resets steps stuck in RUNNING past a threshold back to PENDING
//     and re-queues them;
//   - wake releases WAITING steps whose deadline has passed.
//
// The loops log and continue on error; they never exit until stopped.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesmartway/steplite/internal/clock"
	"github.com/thesmartway/steplite/internal/config"
	"github.com/thesmartway/steplite/internal/log"
	"github.com/thesmartway/steplite/internal/metrics"
	"github.com/thesmartway/steplite/internal/store"
	"github.com/thesmartway/steplite/pkg/definition"
	"github.com/thesmartway/steplite/pkg/errors"
	"github.com/thesmartway/steplite/pkg/task"
)

// Worker runs the dispatch, reap, and wake loops.
type Worker struct {
	store    store.Store
	registry *task.Registry
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      config.WorkerConfig

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// Options tunes optional Worker behavior.
type Options struct {
	// Clock overrides the time source; defaults to the real clock.
	Clock clock.Clock

	// Metrics overrides the instrumentation; defaults to unregistered
	// metrics (useful in tests).
	Metrics *metrics.Metrics
}

// New creates a Worker. Start must be called to run the loops.
func New(s store.Store, registry *task.Registry, logger *slog.Logger, cfg config.WorkerConfig, opts Options) *Worker {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return &Worker{
		store:    s,
		registry: registry,
		clock:    opts.Clock,
		logger:   log.WithComponent(logger, "worker"),
		metrics:  opts.Metrics,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the three loops. It returns immediately; the loops run
// until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	w.wg.Add(3)
	go w.loop(ctx, "dispatch", w.cfg.PollInterval, w.dispatchTick)
	go w.loop(ctx, "reap", w.cfg.ReapInterval, w.reapTick)
	go w.loop(ctx, "wake", w.cfg.WakeInterval, w.wakeTick)

	w.logger.Info("worker started",
		log.Int("batch_size", w.cfg.BatchSize),
		log.Duration("poll_interval", w.cfg.PollInterval.Milliseconds()),
		log.Duration("reap_interval", w.cfg.ReapInterval.Milliseconds()),
		log.Duration("wake_interval", w.cfg.WakeInterval.Milliseconds()))
}

// Stop signals the loops to exit and waits for them to drain. In-flight
// claim transactions roll back; their rows stay claimable.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, name string, interval time.Duration, tick func(ctx context.Context) error) {
	defer w.wg.Done()
	logger := w.logger.With(log.String("loop", name))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("tick failed", log.Error(err))
			}
		}
	}
}

// RunDispatchOnce runs a single dispatch poll. Exposed for tests that drive
// the worker without timers.
func (w *Worker) RunDispatchOnce(ctx context.Context) error { return w.dispatchTick(ctx) }

// RunReapOnce runs a single reap poll.
func (w *Worker) RunReapOnce(ctx context.Context) error { return w.reapTick(ctx) }

// RunWakeOnce runs a single wake poll.
func (w *Worker) RunWakeOnce(ctx context.Context) error { return w.wakeTick(ctx) }

// metricsBatch collects metric updates made under an open transaction and
// holds them until the transaction commits. A rolled-back transition is never
// counted.
type metricsBatch struct {
	fns []func()
}

func (b *metricsBatch) add(fn func()) { b.fns = append(b.fns, fn) }

func (b *metricsBatch) flush() {
	for _, fn := range b.fns {
		fn()
	}
}

// dispatchTick claims a batch of queue rows and processes each one while the
// claim transaction holds their locks. A rollback leaves every claimed row
// claimable by the next poll.
func (w *Worker) dispatchTick(ctx context.Context) error {
	now := w.clock.Now().UTC()
	claimed := 0
	err := w.store.ClaimQueue(ctx, now, w.cfg.BatchSize, func(ctx context.Context, claimTx store.Tx, items []store.QueueItem) error {
		claimed = len(items)
		for _, item := range items {
			if err := w.processRow(ctx, claimTx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.metrics.ClaimBatchSize.Observe(float64(claimed))
	return nil
}

// processRow advances one execution by one state. The step is marked RUNNING
// in its own committed transaction before the handler runs, so a crash
// mid-handler leaves a RUNNING step for the reaper while the claim rollback
// releases the queue row.
func (w *Worker) processRow(ctx context.Context, claimTx store.Tx, row store.QueueItem) error {
	now := w.clock.Now().UTC()

	var (
		execution *store.Execution
		step      *store.Step
		deleteRow bool
		keepRow   bool
		retimeTo  *time.Time
		post      metricsBatch
	)
	err := w.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.GetExecutionForUpdate(ctx, row.ExecutionID)
		if stderrors.Is(err, store.ErrNotFound) {
			deleteRow = true
			return nil
		}
		if err != nil {
			return err
		}
		if e.Status != store.ExecutionRunning {
			deleteRow = true
			return nil
		}

		st, err := tx.GetStepByName(ctx, e.ID, e.CurrentState)
		if stderrors.Is(err, store.ErrNotFound) {
			// An execution without its current step is unrecoverable.
			deleteRow = true
			return w.failExecutionTx(ctx, tx, e, e.CurrentState, store.EventStepError,
				fmt.Sprintf("no step row for current state %s", e.CurrentState), now, &post)
		}
		if err != nil {
			return err
		}

		if st.Status == store.StepPending && st.StepType == string(definition.StateWait) {
			// A Wait state at the head of an execution is created PENDING
			// with an immediately eligible row. Convert it to WAITING and
			// re-time the row; the wake loop takes it from there.
			version, err := w.store.GetVersionByID(ctx, e.WorkflowVersionID)
			if err != nil {
				return err
			}
			deadline, defErr := waitDeadlineFor(version.DefinitionJSON, st.StepName, now)
			if defErr != nil {
				deleteRow = true
				st.Status = store.StepFailed
				st.ErrorType = "DefinitionError"
				st.ErrorMsg = defErr.Error()
				st.CompletedAt = &now
				if err := tx.UpdateStep(ctx, st); err != nil {
					return err
				}
				if err := tx.AppendHistory(ctx, e.ID, st.StepName, store.EventStepError,
					map[string]any{"errorMessage": defErr.Error()}); err != nil {
					return err
				}
				return w.failExecutionTx(ctx, tx, e, st.StepName, "", defErr.Error(), now, &post)
			}
			st.Status = store.StepWaiting
			st.RunAfter = &deadline
			if err := tx.UpdateStep(ctx, st); err != nil {
				return err
			}
			retimeTo = &deadline
			return nil
		}

		switch st.Status {
		case store.StepWaiting:
			// Wait rows belong to the wake loop; leave the row in place.
			keepRow = true
			return nil
		case store.StepRunning:
			// A released row pointing at a RUNNING step means a worker died
			// mid-handler. The reaper owns recovery; a second STEP_STARTED
			// here would break the history contract.
			keepRow = true
			return nil
		case store.StepCompleted, store.StepFailed:
			// Stale row from a crash between outcome commit and queue
			// delete.
			deleteRow = true
			return nil
		}

		st.Status = store.StepRunning
		st.StartedAt = &now
		if err := tx.UpdateStep(ctx, st); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, e.ID, st.StepName, store.EventStepStarted, nil); err != nil {
			return err
		}
		execution = e
		step = st
		return nil
	})
	if err != nil {
		return err
	}
	post.flush()
	if keepRow {
		return nil
	}
	if retimeTo != nil {
		if err := claimTx.DeleteQueueItem(ctx, row.ID); err != nil {
			return err
		}
		return claimTx.InsertQueueItem(ctx, &store.QueueItem{
			ExecutionID: row.ExecutionID,
			ScheduledAt: *retimeTo,
			Status:      store.QueueQueued,
			RunAfter:    retimeTo,
		})
	}
	if deleteRow {
		return claimTx.DeleteQueueItem(ctx, row.ID)
	}

	version, err := w.store.GetVersionByID(ctx, execution.WorkflowVersionID)
	if err != nil {
		return err
	}
	def, defErr := definition.Parse(version.DefinitionJSON)
	var state definition.State
	if defErr == nil {
		var ok bool
		state, ok = def.States[step.StepName]
		if !ok {
			defErr = &errors.DefinitionError{State: step.StepName, Message: "state missing from definition"}
		}
	}
	if defErr != nil {
		if err := w.failStepAndExecution(ctx, execution, step, "DefinitionError", defErr.Error(), store.EventStepError, now); err != nil {
			return err
		}
		return claimTx.DeleteQueueItem(ctx, row.ID)
	}

	outcome := w.interpret(ctx, state, step.Input)

	if err := w.applyOutcome(ctx, def, state, execution, step, outcome); err != nil {
		return err
	}
	return claimTx.DeleteQueueItem(ctx, row.ID)
}

// applyOutcome persists one step outcome in a single transaction. A
// cancellation that landed while the handler ran is discovered here: the
// worker records the step's forensic history but does not transition the
// execution or schedule successors.
func (w *Worker) applyOutcome(ctx context.Context, def *definition.Definition, state definition.State, execution *store.Execution, step *store.Step, out outcome) error {
	now := w.clock.Now().UTC()
	stepLogger := log.WithStep(w.logger, execution.ExecutionID, step.StepName)

	var post metricsBatch
	err := w.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.GetExecutionForUpdate(ctx, execution.ID)
		if err != nil {
			return err
		}
		if e.Status != store.ExecutionRunning {
			eventType := store.EventStepCompleted
			if !out.result.OK && !out.failState {
				eventType = store.EventStepFailed
			}
			stepLogger.Info("discarding outcome of concurrently terminated execution",
				log.String("status", string(e.Status)))
			return tx.AppendHistory(ctx, e.ID, step.StepName, eventType,
				map[string]any{"discarded": true})
		}

		st, err := tx.GetStepForUpdate(ctx, step.ID)
		if err != nil {
			return err
		}

		switch {
		case out.failState:
			if err := w.completeStep(ctx, tx, st, nil, now, &post); err != nil {
				return err
			}
			return w.failExecutionTx(ctx, tx, e, st.StepName, "", out.result.ErrorMessage, now, &post)

		case !out.result.OK:
			st.Status = store.StepFailed
			st.ErrorType = out.result.ErrorType
			st.ErrorMsg = out.result.ErrorMessage
			st.CompletedAt = &now
			if err := tx.UpdateStep(ctx, st); err != nil {
				return err
			}
			post.add(w.metrics.StepsFailed.Inc)
			if err := tx.AppendHistory(ctx, e.ID, st.StepName, store.EventStepFailed, map[string]any{
				"errorType":    out.result.ErrorType,
				"errorMessage": out.result.ErrorMessage,
			}); err != nil {
				return err
			}
			stepLogger.Warn("step failed",
				log.String("error_type", out.result.ErrorType),
				log.String("error_message", out.result.ErrorMessage))
			return w.failExecutionTx(ctx, tx, e, st.StepName, "", out.result.ErrorMessage, now, &post)

		case out.terminal:
			if err := w.completeStep(ctx, tx, st, out.result.Output, now, &post); err != nil {
				return err
			}
			e.Status = store.ExecutionCompleted
			e.Output = out.result.Output
			e.CompletedAt = &now
			if err := tx.UpdateExecution(ctx, e); err != nil {
				return err
			}
			duration := now.Sub(e.StartedAt)
			post.add(w.metrics.ExecutionsCompleted.Inc)
			post.add(func() { w.metrics.ExecutionDuration.Observe(duration.Seconds()) })
			stepLogger.Info("execution completed")
			return tx.AppendHistory(ctx, e.ID, st.StepName, store.EventExecutionCompleted, nil)

		default:
			nextName, err := w.resolveNext(state, out)
			if err != nil {
				st.Status = store.StepFailed
				st.ErrorType = "DefinitionError"
				st.ErrorMsg = err.Error()
				st.CompletedAt = &now
				if uerr := tx.UpdateStep(ctx, st); uerr != nil {
					return uerr
				}
				post.add(w.metrics.StepsFailed.Inc)
				if herr := tx.AppendHistory(ctx, e.ID, st.StepName, store.EventStepError,
					map[string]any{"errorMessage": err.Error()}); herr != nil {
					return herr
				}
				return w.failExecutionTx(ctx, tx, e, st.StepName, "", err.Error(), now, &post)
			}

			nextState, ok := def.States[nextName]
			if !ok {
				msg := fmt.Sprintf("next state %s missing from definition", nextName)
				st.Status = store.StepFailed
				st.ErrorType = "DefinitionError"
				st.ErrorMsg = msg
				st.CompletedAt = &now
				if uerr := tx.UpdateStep(ctx, st); uerr != nil {
					return uerr
				}
				if herr := tx.AppendHistory(ctx, e.ID, st.StepName, store.EventStepError,
					map[string]any{"errorMessage": msg}); herr != nil {
					return herr
				}
				return w.failExecutionTx(ctx, tx, e, st.StepName, "", msg, now, &post)
			}

			// A Choice's output is routing metadata, not workflow data; it
			// does not flow into the next step's input.
			nextInput := st.Input
			if state.Type != definition.StateChoice {
				nextInput = shallowMerge(st.Input, out.result.Output)
			}

			if err := w.completeStep(ctx, tx, st, out.result.Output, now, &post); err != nil {
				return err
			}
			return w.advance(ctx, tx, e, nextName, nextState, nextInput, now)
		}
	})
	if err != nil {
		return err
	}
	post.flush()
	return nil
}

// completeStep marks a step COMPLETED and appends STEP_COMPLETED.
func (w *Worker) completeStep(ctx context.Context, tx store.Tx, st *store.Step, output map[string]any, now time.Time, post *metricsBatch) error {
	st.Status = store.StepCompleted
	st.Output = output
	st.CompletedAt = &now
	if err := tx.UpdateStep(ctx, st); err != nil {
		return err
	}
	post.add(w.metrics.StepsCompleted.Inc)
	if st.StartedAt != nil {
		duration := now.Sub(*st.StartedAt)
		post.add(func() { w.metrics.StepDuration.Observe(duration.Seconds()) })
	}
	return tx.AppendHistory(ctx, st.ExecutionID, st.StepName, store.EventStepCompleted, nil)
}

// failExecutionTx transitions an execution to FAILED and appends
// EXECUTION_FAILED, optionally preceded by a step-level event. It does not
// touch queue rows: in the dispatch path the claimed row is locked by the
// claim transaction and deleting it here would deadlock, so the caller
// removes it after this transaction commits.
func (w *Worker) failExecutionTx(ctx context.Context, tx store.Tx, e *store.Execution, stepName, stepEvent, message string, now time.Time, post *metricsBatch) error {
	if stepEvent != "" {
		if err := tx.AppendHistory(ctx, e.ID, stepName, stepEvent,
			map[string]any{"errorMessage": message}); err != nil {
			return err
		}
	}
	e.Status = store.ExecutionFailed
	e.ErrorMessage = message
	e.CompletedAt = &now
	if err := tx.UpdateExecution(ctx, e); err != nil {
		return err
	}
	duration := now.Sub(e.StartedAt)
	post.add(w.metrics.ExecutionsFailed.Inc)
	post.add(func() { w.metrics.ExecutionDuration.Observe(duration.Seconds()) })
	log.WithExecution(w.logger, e.ExecutionID, "").Warn("execution failed",
		log.String("error_message", message))
	return tx.AppendHistory(ctx, e.ID, stepName, store.EventExecutionFailed,
		map[string]any{"errorMessage": message})
}

// failStepAndExecution fails both the current step and its execution in one
// transaction, outside the normal outcome path.
func (w *Worker) failStepAndExecution(ctx context.Context, execution *store.Execution, step *store.Step, errorType, message, stepEvent string, now time.Time) error {
	var post metricsBatch
	err := w.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.GetExecutionForUpdate(ctx, execution.ID)
		if err != nil {
			return err
		}
		if e.Status != store.ExecutionRunning {
			return nil
		}
		st, err := tx.GetStepForUpdate(ctx, step.ID)
		if err != nil {
			return err
		}
		st.Status = store.StepFailed
		st.ErrorType = errorType
		st.ErrorMsg = message
		st.CompletedAt = &now
		if err := tx.UpdateStep(ctx, st); err != nil {
			return err
		}
		post.add(w.metrics.StepsFailed.Inc)
		if err := tx.AppendHistory(ctx, e.ID, st.StepName, stepEvent,
			map[string]any{"errorMessage": message}); err != nil {
			return err
		}
		return w.failExecutionTx(ctx, tx, e, st.StepName, "", message, now, &post)
	})
	if err != nil {
		return err
	}
	post.flush()
	return nil
}

// resolveNext determines the successor state name: Choice states carry it in
// their output; everything else uses the definition's next field.
func (w *Worker) resolveNext(state definition.State, out outcome) (string, error) {
	if state.Type == definition.StateChoice {
		name, ok := out.result.Output[nextStateKey].(string)
		if !ok || name == "" {
			return "", &errors.DefinitionError{Message: "choice produced no next state"}
		}
		return name, nil
	}
	if state.Next == "" {
		return "", &errors.DefinitionError{Message: "state has no next"}
	}
	return state.Next, nil
}

// advance creates the successor step and queue row and moves the execution's
// frontier pointer. Wait successors are created WAITING with a time-gated
// queue row; everything else is PENDING and immediately eligible.
func (w *Worker) advance(ctx context.Context, tx store.Tx, e *store.Execution, nextName string, nextState definition.State, input map[string]any, now time.Time) error {
	next := &store.Step{
		ExecutionID:       e.ID,
		StepName:          nextName,
		StepType:          string(nextState.Type),
		Status:            store.StepPending,
		Input:             input,
		MaxRetries:        store.DefaultMaxRetries,
		BackoffMultiplier: store.DefaultBackoffMultiplier,
		InitialIntervalMS: store.DefaultInitialIntervalMS,
	}
	if nextState.Type == definition.StateTask && nextState.Timeout > 0 {
		t := nextState.Timeout
		next.TimeoutSeconds = &t
	}

	queue := &store.QueueItem{
		ExecutionID: e.ID,
		ScheduledAt: now,
		Status:      store.QueueQueued,
	}

	if nextState.Type == definition.StateWait {
		deadline, err := nextState.WaitDeadline(now)
		if err != nil {
			return err
		}
		deadline = deadline.UTC()
		next.Status = store.StepWaiting
		next.RunAfter = &deadline
		queue.ScheduledAt = deadline
		queue.RunAfter = &deadline
	}

	if err := tx.InsertStep(ctx, next); err != nil {
		return err
	}
	e.CurrentState = nextName
	if err := tx.UpdateExecution(ctx, e); err != nil {
		return err
	}
	if err := tx.AppendHistory(ctx, e.ID, nextName, store.EventNextStateQueued,
		map[string]any{"nextState": nextName}); err != nil {
		return err
	}
	// The queue row goes in last: a claimer must never see it before the
	// execution's frontier points at the new step.
	return tx.InsertQueueItem(ctx, queue)
}

// reapTick rescues steps stuck in RUNNING past the threshold: back to
// PENDING with a fresh queue row. Recovery is not a failure.
func (w *Worker) reapTick(ctx context.Context) error {
	now := w.clock.Now().UTC()
	threshold := now.Add(-w.cfg.StuckStepTimeout)

	stuck, err := w.store.FindStuckSteps(ctx, threshold)
	if err != nil {
		return err
	}

	for _, candidate := range stuck {
		var post metricsBatch
		err := w.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			st, err := tx.GetStepForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if st.Status != store.StepRunning || st.StartedAt == nil || !st.StartedAt.Before(threshold) {
				return nil
			}
			e, err := tx.GetExecutionForUpdate(ctx, st.ExecutionID)
			if err != nil {
				return err
			}
			if e.Status != store.ExecutionRunning {
				return nil
			}

			st.Status = store.StepPending
			st.StartedAt = nil
			st.CompletedAt = nil
			if err := tx.UpdateStep(ctx, st); err != nil {
				return err
			}

			// Drop any released row left by the crashed worker before
			// inserting the fresh one; a RUNNING execution has exactly one
			// queue row.
			if err := tx.DeleteQueueByExecution(ctx, e.ID); err != nil {
				return err
			}
			if err := tx.InsertQueueItem(ctx, &store.QueueItem{
				ExecutionID: e.ID,
				ScheduledAt: now,
				Status:      store.QueueQueued,
			}); err != nil {
				return err
			}

			post.add(w.metrics.StuckStepsRecovered.Inc)
			log.WithStep(w.logger, e.ExecutionID, st.StepName).Warn("recovered stuck step")
			return tx.AppendHistory(ctx, e.ID, st.StepName, store.EventStepRecovered, nil)
		})
		if err != nil {
			log.WithStep(w.logger, "", candidate.StepName).Error("failed to recover stuck step", log.Error(err))
			continue
		}
		post.flush()
	}
	return nil
}

// wakeTick releases WAITING steps whose deadline has passed, completing them
// and scheduling their successor like a normal step completion.
func (w *Worker) wakeTick(ctx context.Context) error {
	now := w.clock.Now().UTC()

	due, err := w.store.FindDueWaitSteps(ctx, now)
	if err != nil {
		return err
	}

	for _, candidate := range due {
		if err := w.wakeStep(ctx, candidate.ID, now); err != nil {
			log.WithStep(w.logger, "", candidate.StepName).Error("failed to wake step", log.Error(err))
		}
	}
	return nil
}

func (w *Worker) wakeStep(ctx context.Context, stepID int64, now time.Time) error {
	var post metricsBatch
	err := w.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		st, err := tx.GetStepForUpdate(ctx, stepID)
		if err != nil {
			return err
		}
		if st.Status != store.StepWaiting || st.RunAfter == nil || st.RunAfter.After(now) {
			return nil
		}
		e, err := tx.GetExecutionForUpdate(ctx, st.ExecutionID)
		if err != nil {
			return err
		}
		if e.Status != store.ExecutionRunning {
			return nil
		}

		version, err := w.store.GetVersionByID(ctx, e.WorkflowVersionID)
		if err != nil {
			return err
		}
		def, defErr := definition.Parse(version.DefinitionJSON)
		var state definition.State
		if defErr == nil {
			var ok bool
			state, ok = def.States[st.StepName]
			if !ok {
				defErr = &errors.DefinitionError{State: st.StepName, Message: "state missing from definition"}
			}
		}
		if defErr != nil {
			st.Status = store.StepFailed
			st.ErrorType = "DefinitionError"
			st.ErrorMsg = defErr.Error()
			st.CompletedAt = &now
			if err := tx.UpdateStep(ctx, st); err != nil {
				return err
			}
			if err := tx.AppendHistory(ctx, e.ID, st.StepName, store.EventStepError,
				map[string]any{"errorMessage": defErr.Error()}); err != nil {
				return err
			}
			if err := tx.DeleteQueueByExecution(ctx, e.ID); err != nil {
				return err
			}
			return w.failExecutionTx(ctx, tx, e, st.StepName, "", defErr.Error(), now, &post)
		}

		output := map[string]any{"waitCompleted": true}
		st.Status = store.StepCompleted
		st.Output = output
		st.CompletedAt = &now
		if err := tx.UpdateStep(ctx, st); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, e.ID, st.StepName, store.EventWaitCompleted, nil); err != nil {
			return err
		}
		post.add(w.metrics.WaitStepsReleased.Inc)
		post.add(w.metrics.StepsCompleted.Inc)

		// The wait's time-gated queue row is consumed here; advance inserts
		// the successor's row.
		if err := tx.DeleteQueueByExecution(ctx, e.ID); err != nil {
			return err
		}

		nextState, ok := def.States[state.Next]
		if !ok {
			msg := fmt.Sprintf("next state %s missing from definition", state.Next)
			return w.failExecutionTx(ctx, tx, e, st.StepName, store.EventStepError, msg, now, &post)
		}
		log.WithStep(w.logger, e.ExecutionID, st.StepName).Info("wait released",
			log.String("next", state.Next))
		return w.advance(ctx, tx, e, state.Next, nextState, shallowMerge(st.Input, output), now)
	})
	if err != nil {
		return err
	}
	post.flush()
	return nil
}

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

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/thesmartway/steplite/pkg/definition"
	"github.com/thesmartway/steplite/pkg/errors"
	"github.com/thesmartway/steplite/pkg/task"
)

// Error types recorded on failed steps by the interpreter itself (handler
// failures carry the handler's own error type).
const (
	errorTypeChoice       = "ChoiceError"
	errorTypeWorkflowFail = "WorkflowFail"
	errorTypePanic        = "HandlerPanic"
)

// nextStateKey is the output key a Choice step uses to carry its branching
// decision to the worker.
const nextStateKey = "nextState"

// outcome is the result of interpreting one state.
type outcome struct {
	result task.Result

	// terminal marks Success and Fail states: the execution ends here.
	terminal bool

	// failState marks a Fail state specifically. Its step completes
	// normally while the execution transitions to FAILED.
	failState bool
}

// interpret runs one state against the step's input and returns the outcome.
// Wait states never reach here; the wake loop owns them.
func (w *Worker) interpret(ctx context.Context, state definition.State, input map[string]any) outcome {
	switch state.Type {
	case definition.StateTask:
		return outcome{result: w.runHandler(ctx, state, input)}

	case definition.StateChoice:
		return outcome{result: evaluateChoice(state, input)}

	case definition.StateSuccess:
		return outcome{result: task.Success(input), terminal: true}

	case definition.StateFail:
		return outcome{
			result:    task.Failure(errorTypeWorkflowFail, failMessage(state, input)),
			terminal:  true,
			failState: true,
		}
	}
	return outcome{result: task.Failure("EngineInvariantViolation",
		fmt.Sprintf("cannot interpret state type %s", state.Type))}
}

// runHandler resolves and invokes the task handler, recovering panics into a
// step failure and deriving an advisory deadline from the state's timeout.
func (w *Worker) runHandler(ctx context.Context, state definition.State, input map[string]any) (result task.Result) {
	handler, ok := w.registry.Lookup(state.Resource)
	if !ok {
		return task.Failure(task.ErrorTypeUnknownHandler,
			fmt.Sprintf("no handler registered for resource %q", state.Resource))
	}

	if state.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(state.Timeout)*time.Second)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = task.Failure(errorTypePanic, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return handler.Execute(ctx, input)
}

// evaluateChoice picks the first matching choice, falling back to the
// default. The decision travels in the output under nextStateKey.
func evaluateChoice(state definition.State, input map[string]any) task.Result {
	for _, choice := range state.Choices {
		if choice.Condition.Evaluate(input) {
			return task.Success(map[string]any{nextStateKey: choice.Next})
		}
	}
	if state.DefaultChoice != "" {
		return task.Success(map[string]any{nextStateKey: state.DefaultChoice})
	}
	return task.Failure(errorTypeChoice, "No matching choice and no default")
}

// failMessage resolves the error message of a Fail state: the state's own
// error field, else an "error" key in the step input, else a generic message.
func failMessage(state definition.State, input map[string]any) string {
	if state.Error != "" {
		return state.Error
	}
	if msg, ok := input["error"].(string); ok && msg != "" {
		return msg
	}
	return "Workflow failed"
}

// waitDeadlineFor parses the stored definition and computes the deadline of
// the named Wait state relative to now.
func waitDeadlineFor(definitionJSON []byte, stateName string, now time.Time) (time.Time, error) {
	def, err := definition.Parse(definitionJSON)
	if err != nil {
		return time.Time{}, err
	}
	state, ok := def.States[stateName]
	if !ok {
		return time.Time{}, &errors.DefinitionError{State: stateName, Message: "state missing from definition"}
	}
	deadline, err := state.WaitDeadline(now)
	if err != nil {
		return time.Time{}, err
	}
	return deadline.UTC(), nil
}

// shallowMerge is the data-flow contract between states: start from the
// current step's input and overwrite each top-level key present in its
// output.
func shallowMerge(input, output map[string]any) map[string]any {
	merged := make(map[string]any, len(input)+len(output))
	for k, v := range input {
		merged[k] = v
	}
	for k, v := range output {
		merged[k] = v
	}
	return merged
}

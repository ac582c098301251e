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

package task

import (
	"context"
	"strconv"
	"time"
)

// MockHandler is a pass-through handler for development and tests. It echoes
// its input with a processedAt timestamp and reacts to a few control keys:
//
//   - sleepMs: sleep that long before returning (aborted by ctx cancellation)
//   - simulateError: return a failure with errorType/errorMessage from input
//   - shouldFail: return a ConditionalFailure
type MockHandler struct{}

// Execute implements Handler.
func (MockHandler) Execute(ctx context.Context, input map[string]any) Result {
	if v, ok := input["sleepMs"]; ok {
		ms, err := strconv.ParseInt(stringValue(v), 10, 64)
		if err == nil && ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return Failure("Interrupted", "task was interrupted")
			}
		}
	}

	if _, ok := input["simulateError"]; ok {
		errorType := "MockError"
		if v, ok := input["errorType"].(string); ok {
			errorType = v
		}
		errorMessage := "simulated error occurred"
		if v, ok := input["errorMessage"].(string); ok {
			errorMessage = v
		}
		return Failure(errorType, errorMessage)
	}

	if v, ok := input["shouldFail"].(bool); ok && v {
		return Failure("ConditionalFailure", "task failed due to shouldFail flag")
	}

	output := make(map[string]any, len(input)+1)
	for k, v := range input {
		output[k] = v
	}
	output["processedAt"] = time.Now().UnixMilli()

	return Success(output)
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

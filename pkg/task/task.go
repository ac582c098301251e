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

// Package task defines the task handler contract and the runtime registry
// mapping resource names to handlers.
//
// Handlers are provided by the host at startup; the engine treats them as
// opaque. A handler may block, must tolerate concurrent invocation with
// different inputs, and should honor the deadline on its context when the
// state declares a timeout. The engine does not forcibly abort a blocked
// handler; a step whose handler never returns is recovered by the reaper.
package task

import (
	"context"
)

// ErrorTypeUnknownHandler is the error type recorded when a Task state names
// a resource with no registered handler.
const ErrorTypeUnknownHandler = "UnknownHandler"

// Handler executes one task against a JSON input object.
type Handler interface {
	Execute(ctx context.Context, input map[string]any) Result
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input map[string]any) Result

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, input map[string]any) Result {
	return f(ctx, input)
}

// Result is the outcome of a task invocation: either an output object or a
// typed failure.
type Result struct {
	Output       map[string]any
	ErrorType    string
	ErrorMessage string
	OK           bool
}

// Success creates a successful result carrying the handler's output.
func Success(output map[string]any) Result {
	return Result{Output: output, OK: true}
}

// Failure creates a failed result with a typed error.
func Failure(errorType, errorMessage string) Result {
	return Result{ErrorType: errorType, ErrorMessage: errorMessage}
}

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

// Package errors defines the typed errors surfaced by the engine's API.
//
// Only four kinds escape to callers: NotFoundError (workflow or version),
// ValidationError, DefinitionError, and InvalidStateError. Everything else is
// captured into step and execution rows by the worker.
package errors

import (
	"fmt"
)

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "version", "execution")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// DefinitionError represents an invalid workflow definition: malformed JSON,
// a missing startAt state, a dangling next reference, or an unparseable Wait
// timestamp. At execution time a DefinitionError is fatal to the execution.
type DefinitionError struct {
	// State is the state name the error relates to, if any
	State string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error (e.g., a JSON parse error)
	Cause error
}

// Error implements the error interface.
func (e *DefinitionError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("invalid workflow definition at state %q: %s", e.State, e.Message)
	}
	return fmt.Sprintf("invalid workflow definition: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DefinitionError) Unwrap() error {
	return e.Cause
}

// InvalidStateError represents API misuse against an execution's lifecycle,
// such as cancelling an execution that already reached a terminal status.
// No state change occurs.
type InvalidStateError struct {
	// ExecutionID is the user-visible execution identifier
	ExecutionID string

	// Status is the execution's current status
	Status string

	// Operation is the operation that was rejected
	Operation string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s execution %s in status %s", e.Operation, e.ExecutionID, e.Status)
}

// ConfigError represents configuration problems.
// Use this for missing settings or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "worker.batch-size")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., a parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

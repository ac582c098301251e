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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "workflow", ID: "order-flow"}
	assert.Equal(t, "workflow not found: order-flow", err.Error())
	assert.True(t, IsNotFound(fmt.Errorf("start: %w", err)))
	assert.False(t, IsNotFound(stderrors.New("plain")))
}

func TestDefinitionErrorUnwrap(t *testing.T) {
	cause := stderrors.New("unexpected end of JSON input")
	err := &DefinitionError{Message: "malformed JSON", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsDefinition(err))
	assert.Contains(t, err.Error(), "malformed JSON")

	withState := &DefinitionError{State: "check", Message: "next references unknown state"}
	assert.Contains(t, withState.Error(), `state "check"`)
}

func TestInvalidStateError(t *testing.T) {
	err := &InvalidStateError{ExecutionID: "exec-1", Status: "COMPLETED", Operation: "cancel"}
	assert.Equal(t, "cannot cancel execution exec-1 in status COMPLETED", err.Error())
	assert.True(t, IsInvalidState(err))
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "version", Message: "already exists"}
	assert.Equal(t, "validation failed on version: already exists", err.Error())
	assert.True(t, IsValidation(err))
}

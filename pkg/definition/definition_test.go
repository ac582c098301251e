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

package definition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesmartway/steplite/pkg/errors"
)

const orderFlow = `{
  "name": "order-flow",
  "version": "1.0",
  "startAt": "validate",
  "states": {
    "validate": {"type": "Task", "resource": "orderService.validate", "next": "decide"},
    "decide": {
      "type": "Choice",
      "choices": [
        {"condition": {"operator": "booleanEquals", "variable": "$.inStock", "value": true}, "next": "done"}
      ],
      "defaultChoice": "oos"
    },
    "pause": {"type": "Wait", "seconds": 5, "next": "done"},
    "done": {"type": "Success"},
    "oos": {"type": "Fail", "error": "OOS"}
  }
}`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(orderFlow))
	require.NoError(t, err)

	assert.Equal(t, "order-flow", def.Name)
	assert.Equal(t, "validate", def.StartAt)
	assert.Len(t, def.States, 5)
	assert.Equal(t, StateTask, def.States["validate"].Type)
	assert.Equal(t, "orderService.validate", def.States["validate"].Resource)
	assert.Equal(t, StateChoice, def.States["decide"].Type)
	assert.Equal(t, "oos", def.States["decide"].DefaultChoice)
	require.NotNil(t, def.States["pause"].Seconds)
	assert.Equal(t, 5, *def.States["pause"].Seconds)
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"name": "x"`))
	require.Error(t, err)
	assert.True(t, errors.IsDefinition(err))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "missing startAt target",
			json: `{"name":"w","startAt":"nope","states":{"a":{"type":"Success"}}}`,
			want: "startAt",
		},
		{
			name: "dangling next",
			json: `{"name":"w","startAt":"a","states":{"a":{"type":"Task","resource":"r","next":"ghost"}}}`,
			want: "unknown state ghost",
		},
		{
			name: "task without resource",
			json: `{"name":"w","startAt":"a","states":{"a":{"type":"Task","next":"b"},"b":{"type":"Success"}}}`,
			want: "resource",
		},
		{
			name: "choice without choices or default",
			json: `{"name":"w","startAt":"a","states":{"a":{"type":"Choice"}}}`,
			want: "defaultChoice",
		},
		{
			name: "wait with both time specs",
			json: `{"name":"w","startAt":"a","states":{"a":{"type":"Wait","seconds":1,"timestamp":"2026-01-01T00:00:00Z","next":"b"},"b":{"type":"Success"}}}`,
			want: "exactly one",
		},
		{
			name: "wait with neither time spec",
			json: `{"name":"w","startAt":"a","states":{"a":{"type":"Wait","next":"b"},"b":{"type":"Success"}}}`,
			want: "exactly one",
		},
		{
			name: "wait with unparseable timestamp",
			json: `{"name":"w","startAt":"a","states":{"a":{"type":"Wait","timestamp":"not-a-timestamp","next":"b"},"b":{"type":"Success"}}}`,
			want: "invalid Wait timestamp",
		},
		{
			name: "unknown state type",
			json: `{"name":"w","startAt":"a","states":{"a":{"type":"Parallel"}}}`,
			want: "unknown state type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			require.Error(t, err)
			assert.True(t, errors.IsDefinition(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseAcceptsRFC3339WaitTimestamp(t *testing.T) {
	def, err := Parse([]byte(`{"name":"w","startAt":"a","states":{
		"a":{"type":"Wait","timestamp":"2026-09-01T00:00:00Z","next":"b"},
		"b":{"type":"Success"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "2026-09-01T00:00:00Z", def.States["a"].Timestamp)
}

func TestParseYAMLNormalizes(t *testing.T) {
	yamlDef := `
name: order-flow
version: "1.0"
startAt: a
states:
  a:
    type: Task
    resource: mock
    next: b
  b:
    type: Success
`
	def, normalized, err := ParseYAML([]byte(yamlDef))
	require.NoError(t, err)
	assert.Equal(t, "order-flow", def.Name)

	// The normalized JSON must itself round-trip through Parse.
	again, err := Parse(normalized)
	require.NoError(t, err)
	assert.Equal(t, def.StartAt, again.StartAt)
	assert.Equal(t, def.States["a"].Resource, again.States["a"].Resource)
}

func TestRetryFieldsAreParsedNotEnforced(t *testing.T) {
	def, err := Parse([]byte(`{"name":"w","startAt":"a","states":{
		"a":{"type":"Task","resource":"r","next":"b","retry":{"maxAttempts":5,"backoffMultiplier":1.5}},
		"b":{"type":"Success"}}}`))
	require.NoError(t, err)
	assert.Equal(t, float64(5), def.States["a"].Retry["maxAttempts"])
}

func TestWaitDeadline(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	secs := 90
	s := &State{Type: StateWait, Seconds: &secs}
	due, err := s.WaitDeadline(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Second), due)

	s = &State{Type: StateWait, Timestamp: "2026-09-01T00:00:00Z"}
	due, err = s.WaitDeadline(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), due)

	s = &State{Type: StateWait, Timestamp: "next tuesday"}
	_, err = s.WaitDeadline(now)
	require.Error(t, err)
	assert.True(t, errors.IsDefinition(err))
}

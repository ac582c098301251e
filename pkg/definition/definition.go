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

// Package definition parses stored workflow definitions into an in-memory
// state graph and evaluates Choice conditions against execution context.
//
// A definition is a named graph of states (Task, Choice, Wait, Success,
// Fail). The stored form is JSON; YAML is accepted at registration and
// normalized to JSON before storage. The graph is read-only once parsed.
package definition

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thesmartway/steplite/pkg/errors"
)

// StateType discriminates the state variants.
type StateType string

const (
	StateTask    StateType = "Task"
	StateChoice  StateType = "Choice"
	StateWait    StateType = "Wait"
	StateSuccess StateType = "Success"
	StateFail    StateType = "Fail"
)

// Valid reports whether t is one of the supported state types.
func (t StateType) Valid() bool {
	switch t {
	case StateTask, StateChoice, StateWait, StateSuccess, StateFail:
		return true
	}
	return false
}

// Definition is a parsed workflow definition.
type Definition struct {
	// Name is the workflow identifier
	Name string `json:"name" yaml:"name"`

	// Version is the definition version string
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Description provides human-readable context about the workflow
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// StartAt names the state the execution begins in
	StartAt string `json:"startAt" yaml:"startAt"`

	// States is the state graph, keyed by state name
	States map[string]State `json:"states" yaml:"states"`
}

// State is one node of the state graph. Type discriminates which of the
// remaining fields are meaningful; Validate enforces the per-type rules.
type State struct {
	// Type is the state variant discriminator
	Type StateType `json:"type" yaml:"type"`

	// Next names the successor state (Task and Wait)
	Next string `json:"next,omitempty" yaml:"next,omitempty"`

	// Resource names the task handler to invoke (Task only)
	Resource string `json:"resource,omitempty" yaml:"resource,omitempty"`

	// Timeout is the advisory handler deadline in seconds (Task only)
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retry and Catch are accepted and stored but not enforced by the
	// engine. Reserved for a future extension.
	Retry map[string]any `json:"retry,omitempty" yaml:"retry,omitempty"`
	Catch []any          `json:"catch,omitempty" yaml:"catch,omitempty"`

	// Choices are evaluated in order (Choice only)
	Choices []Choice `json:"choices,omitempty" yaml:"choices,omitempty"`

	// DefaultChoice is taken when no choice condition matches (Choice only)
	DefaultChoice string `json:"defaultChoice,omitempty" yaml:"defaultChoice,omitempty"`

	// Seconds is a relative wait duration (Wait only; exclusive with Timestamp)
	Seconds *int `json:"seconds,omitempty" yaml:"seconds,omitempty"`

	// Timestamp is an absolute RFC 3339 wait deadline (Wait only)
	Timestamp string `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`

	// Error and Cause describe a terminal failure (Fail only)
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
	Cause string `json:"cause,omitempty" yaml:"cause,omitempty"`
}

// Choice pairs a condition with the state to transition to when it matches.
type Choice struct {
	Condition Condition `json:"condition" yaml:"condition"`
	Next      string    `json:"next" yaml:"next"`
}

// Parse decodes a stored JSON definition and validates the state graph.
func Parse(definitionJSON []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(definitionJSON, &def); err != nil {
		return nil, &errors.DefinitionError{Message: "malformed JSON", Cause: err}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseYAML decodes a YAML definition, validates it, and returns both the
// parsed graph and its canonical JSON form for storage.
func ParseYAML(definitionYAML []byte) (*Definition, []byte, error) {
	var def Definition
	if err := yaml.Unmarshal(definitionYAML, &def); err != nil {
		return nil, nil, &errors.DefinitionError{Message: "malformed YAML", Cause: err}
	}
	if err := def.Validate(); err != nil {
		return nil, nil, err
	}
	normalized, err := json.Marshal(&def)
	if err != nil {
		return nil, nil, &errors.DefinitionError{Message: "cannot normalize definition to JSON", Cause: err}
	}
	return &def, normalized, nil
}

// Validate checks the structural rules of the state graph: startAt exists,
// every next/defaultChoice targets an existing state, Choice has at least one
// choice or a default, Wait has exactly one well-formed time spec, and Task
// names a resource.
func (d *Definition) Validate() error {
	if len(d.States) == 0 {
		return &errors.DefinitionError{Message: "states must not be empty"}
	}
	if d.StartAt == "" {
		return &errors.DefinitionError{Message: "startAt is required"}
	}
	if _, ok := d.States[d.StartAt]; !ok {
		return &errors.DefinitionError{Message: "startAt references unknown state " + d.StartAt}
	}

	for name, state := range d.States {
		if err := d.validateState(name, state); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateState(name string, state State) error {
	if !state.Type.Valid() {
		return &errors.DefinitionError{State: name, Message: "unknown state type " + string(state.Type)}
	}

	checkTarget := func(field, target string) error {
		if _, ok := d.States[target]; !ok {
			return &errors.DefinitionError{State: name, Message: field + " references unknown state " + target}
		}
		return nil
	}

	switch state.Type {
	case StateTask:
		if state.Resource == "" {
			return &errors.DefinitionError{State: name, Message: "Task requires a resource"}
		}
		if state.Next == "" {
			return &errors.DefinitionError{State: name, Message: "Task requires next"}
		}
		return checkTarget("next", state.Next)

	case StateChoice:
		if len(state.Choices) == 0 && state.DefaultChoice == "" {
			return &errors.DefinitionError{State: name, Message: "Choice requires at least one choice or a defaultChoice"}
		}
		for _, choice := range state.Choices {
			if choice.Next == "" {
				return &errors.DefinitionError{State: name, Message: "choice requires next"}
			}
			if err := checkTarget("choice next", choice.Next); err != nil {
				return err
			}
		}
		if state.DefaultChoice != "" {
			return checkTarget("defaultChoice", state.DefaultChoice)
		}
		return nil

	case StateWait:
		hasSeconds := state.Seconds != nil
		hasTimestamp := state.Timestamp != ""
		if hasSeconds == hasTimestamp {
			return &errors.DefinitionError{State: name, Message: "Wait requires exactly one of seconds or timestamp"}
		}
		if hasSeconds && *state.Seconds < 0 {
			return &errors.DefinitionError{State: name, Message: "Wait seconds must not be negative"}
		}
		if hasTimestamp {
			if _, err := time.Parse(time.RFC3339, state.Timestamp); err != nil {
				return &errors.DefinitionError{State: name, Message: "invalid Wait timestamp " + state.Timestamp, Cause: err}
			}
		}
		if state.Next == "" {
			return &errors.DefinitionError{State: name, Message: "Wait requires next"}
		}
		return checkTarget("next", state.Next)

	case StateSuccess, StateFail:
		return nil
	}
	return nil
}

// WaitDeadline computes the instant a Wait state becomes due, relative to
// now. Timestamp parse errors are DefinitionErrors and fatal to the
// execution.
func (s *State) WaitDeadline(now time.Time) (time.Time, error) {
	if s.Seconds != nil {
		return now.Add(time.Duration(*s.Seconds) * time.Second), nil
	}
	ts, err := time.Parse(time.RFC3339, s.Timestamp)
	if err != nil {
		return time.Time{}, &errors.DefinitionError{Message: "invalid Wait timestamp " + s.Timestamp, Cause: err}
	}
	return ts, nil
}

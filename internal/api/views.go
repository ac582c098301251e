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

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thesmartway/steplite/internal/store"
	"github.com/thesmartway/steplite/pkg/errors"
)

type workflowViewModel struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func workflowView(w *store.Workflow) workflowViewModel {
	return workflowViewModel{
		Name:        w.Name,
		Description: w.Description,
		CreatedAt:   w.CreatedAt,
	}
}

type versionViewModel struct {
	Version    string          `json:"version"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func versionView(v *store.WorkflowVersion) versionViewModel {
	return versionViewModel{
		Version:    v.Version,
		Definition: json.RawMessage(v.DefinitionJSON),
		CreatedAt:  v.CreatedAt,
	}
}

type executionViewModel struct {
	ExecutionID  string         `json:"executionId"`
	Status       string         `json:"status"`
	CurrentState string         `json:"currentState"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

func executionView(e *store.Execution) executionViewModel {
	return executionViewModel{
		ExecutionID:  e.ExecutionID,
		Status:       string(e.Status),
		CurrentState: e.CurrentState,
		Input:        e.Input,
		Output:       e.Output,
		ErrorMessage: e.ErrorMessage,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
	}
}

type stepViewModel struct {
	ID           int64          `json:"id"`
	StepName     string         `json:"stepName"`
	StepType     string         `json:"stepType"`
	Status       string         `json:"status"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorType    string         `json:"errorType,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	RunAfter     *time.Time     `json:"runAfter,omitempty"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

func stepView(s *store.Step) stepViewModel {
	return stepViewModel{
		ID:           s.ID,
		StepName:     s.StepName,
		StepType:     s.StepType,
		Status:       string(s.Status),
		Input:        s.Input,
		Output:       s.Output,
		ErrorType:    s.ErrorType,
		ErrorMessage: s.ErrorMsg,
		RunAfter:     s.RunAfter,
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
	}
}

type historyViewModel struct {
	StepName  string         `json:"stepName,omitempty"`
	EventType string         `json:"eventType"`
	EventData map[string]any `json:"eventData,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func historyView(h *store.HistoryEvent) historyViewModel {
	return historyViewModel{
		StepName:  h.StepName,
		EventType: h.EventType,
		EventData: h.EventData,
		Timestamp: h.Timestamp,
	}
}

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, &errors.ValidationError{Message: "cannot read request body: " + err.Error()}
	}
	return body, nil
}

// yamlHeader extracts the top-level identity fields from a YAML document.
func yamlHeader(body []byte, dst any) error {
	return yaml.Unmarshal(body, dst)
}

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
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/thesmartway/steplite/internal/engine"
	"github.com/thesmartway/steplite/internal/log"
	"github.com/thesmartway/steplite/internal/store"
	"github.com/thesmartway/steplite/pkg/errors"
)

// idempotencyKeyHeader deduplicates start-execution requests.
const idempotencyKeyHeader = "Idempotency-Key"

type registerRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Version     string          `json:"version"`
	Definition  json.RawMessage `json:"definition"`
}

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	params := engine.RegisterParams{}

	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "yaml") {
		// A YAML body is the definition itself; name and version come from
		// the document.
		body, err := readBody(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var doc struct {
			Name        string `yaml:"name" json:"name"`
			Description string `yaml:"description" json:"description"`
			Version     string `yaml:"version" json:"version"`
		}
		_ = yamlHeader(body, &doc)
		params = engine.RegisterParams{
			Name:        doc.Name,
			Description: doc.Description,
			Version:     doc.Version,
			Definition:  body,
			Format:      "yaml",
		}
	} else {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, &errors.ValidationError{Message: "malformed JSON body: " + err.Error()})
			return
		}
		params = engine.RegisterParams{
			Name:        req.Name,
			Description: req.Description,
			Version:     req.Version,
			Definition:  req.Definition,
			Format:      "json",
		}
	}

	version, err := s.engine.RegisterWorkflow(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, versionView(version))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.engine.ListWorkflows(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]workflowViewModel, 0, len(workflows))
	for i := range workflows {
		views = append(views, workflowView(&workflows[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := s.engine.GetWorkflow(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowView(workflow))
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.engine.ListVersions(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]versionViewModel, 0, len(versions))
	for i := range versions {
		views = append(views, versionView(&versions[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

type startRequest struct {
	WorkflowName string         `json:"workflowName"`
	Version      string         `json:"version"`
	Input        map[string]any `json:"input"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &errors.ValidationError{Message: "malformed JSON body: " + err.Error()})
		return
	}
	if req.WorkflowName == "" {
		s.writeError(w, r, &errors.ValidationError{Field: "workflowName", Message: "workflowName is required"})
		return
	}

	execution, err := s.engine.StartExecution(r.Context(), engine.StartParams{
		WorkflowName:   req.WorkflowName,
		Version:        req.Version,
		Input:          req.Input,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, executionView(execution))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		WorkflowName: r.URL.Query().Get("workflow"),
	}
	for _, raw := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, store.ExecutionStatus(strings.ToUpper(raw)))
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, &errors.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, &errors.ValidationError{Field: "offset", Message: "must be a non-negative integer"})
			return
		}
		filter.Offset = n
	}

	executions, err := s.engine.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]executionViewModel, 0, len(executions))
	for i := range executions {
		views = append(views, executionView(&executions[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := s.engine.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executionView(execution))
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := s.engine.CancelExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executionView(execution))
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.engine.ListSteps(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]stepViewModel, 0, len(steps))
	for i := range steps {
		views = append(views, stepView(&steps[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	stepID, err := strconv.ParseInt(chi.URLParam(r, "stepID"), 10, 64)
	if err != nil {
		s.writeError(w, r, &errors.ValidationError{Field: "stepID", Message: "must be an integer"})
		return
	}
	step, err := s.engine.GetStep(r.Context(), chi.URLParam(r, "executionID"), stepID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stepView(step))
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.GetHistory(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]historyViewModel, 0, len(history))
	for i := range history {
		views = append(views, historyView(&history[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// writeError maps the engine's typed errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsValidation(err), errors.IsDefinition(err):
		status = http.StatusBadRequest
	case errors.IsInvalidState(err):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			log.String("path", r.URL.Path),
			log.Error(err))
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

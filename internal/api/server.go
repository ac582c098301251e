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

// Package api is the thin HTTP layer over the engine: parse the request,
// call the engine, map typed errors to status codes. No business logic lives
// here.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thesmartway/steplite/internal/config"
	"github.com/thesmartway/steplite/internal/engine"
	"github.com/thesmartway/steplite/internal/log"
)

// Server is the HTTP API server.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	http   *http.Server
}

// New creates a Server listening per cfg. gatherer feeds /metrics; nil uses
// the default registry.
func New(eng *engine.Engine, logger *slog.Logger, cfg config.HTTPConfig, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		engine: eng,
		logger: log.WithComponent(logger, "api"),
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", s.handleRegisterWorkflow)
			r.Get("/", s.handleListWorkflows)
			r.Get("/{name}", s.handleGetWorkflow)
			r.Get("/{name}/versions", s.handleListVersions)
		})
		r.Route("/executions", func(r chi.Router) {
			r.Post("/", s.handleStartExecution)
			r.Get("/", s.handleListExecutions)
			r.Get("/{executionID}", s.handleGetExecution)
			r.Post("/{executionID}/cancel", s.handleCancelExecution)
			r.Get("/{executionID}/steps", s.handleListSteps)
			r.Get("/{executionID}/steps/{stepID}", s.handleGetStep)
			r.Get("/{executionID}/history", s.handleGetHistory)
		})
	})

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", log.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

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

// steplited is the workflow engine daemon: HTTP API plus the dispatch,
// reap, and wake loops against a shared PostgreSQL database. Any number of
// instances may run against the same database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thesmartway/steplite/internal/api"
	"github.com/thesmartway/steplite/internal/config"
	"github.com/thesmartway/steplite/internal/engine"
	"github.com/thesmartway/steplite/internal/log"
	"github.com/thesmartway/steplite/internal/metrics"
	"github.com/thesmartway/steplite/internal/store/postgres"
	"github.com/thesmartway/steplite/internal/worker"
	"github.com/thesmartway/steplite/pkg/task"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "steplited",
		Short:         "Durable workflow orchestration engine",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var databaseURL string
	root.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (overrides STEPLITE_DATABASE_URL)")

	root.AddCommand(serveCommand(logger, &databaseURL))
	root.AddCommand(migrateCommand(logger, &databaseURL))

	if err := root.Execute(); err != nil {
		logger.Error("command failed", log.Error(err))
		os.Exit(1)
	}
}

func loadConfig(databaseURL string) (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if databaseURL != "" {
		cfg.Database.URL = databaseURL
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database URL is required (--database-url or STEPLITE_DATABASE_URL)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func migrateCommand(logger *slog.Logger, databaseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*databaseURL)
			if err != nil {
				return err
			}
			if err := postgres.Migrate(cmd.Context(), cfg.Database.URL); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func serveCommand(logger *slog.Logger, databaseURL *string) *cobra.Command {
	var addr string
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and worker loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*databaseURL)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return serve(cmd.Context(), logger, cfg, migrate)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides STEPLITE_HTTP_ADDR)")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func serve(ctx context.Context, logger *slog.Logger, cfg *config.Config, migrate bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if migrate {
		if err := postgres.Migrate(ctx, cfg.Database.URL); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	s, err := postgres.New(ctx, postgres.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	registry := task.NewRegistry()
	registry.Register("mock", task.MockHandler{})

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	eng := engine.New(s, logger, engine.Options{IdempotencyTTL: cfg.IdempotencyTTL, Metrics: m})
	wrk := worker.New(s, registry, logger, cfg.Worker, worker.Options{Metrics: m})
	server := api.New(eng, logger, cfg.HTTP, promRegistry)

	wrk.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", log.Error(err))
		}
		wrk.Stop()
		return nil
	})

	err = g.Wait()
	logger.Info("daemon exited")
	return err
}

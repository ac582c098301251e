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

// Package config provides engine configuration with defaults and
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/thesmartway/steplite/pkg/errors"
)

// WorkerConfig holds the worker/scheduler loop settings.
type WorkerConfig struct {
	// BatchSize is the claim limit per dispatch poll.
	BatchSize int

	// PollInterval is the dispatch loop interval.
	PollInterval time.Duration

	// WakeInterval is the Wait-state wake loop interval.
	WakeInterval time.Duration

	// ReapInterval is the stuck-step reaper interval.
	ReapInterval time.Duration

	// StuckStepTimeout is how long a step may sit in RUNNING before the
	// reaper resets it to PENDING and re-queues it.
	StuckStepTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL is the connection string (postgres://...).
	URL string

	// MaxConns sets the pool's maximum connection count.
	MaxConns int
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	// Addr is the listen address (host:port).
	Addr string

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration
}

// Config is the root engine configuration.
type Config struct {
	Worker   WorkerConfig
	Database DatabaseConfig
	HTTP     HTTPConfig

	// IdempotencyTTL is how long a start-request idempotency key maps to
	// its execution.
	IdempotencyTTL time.Duration
}

// Default returns a configuration with the documented defaults.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			BatchSize:        10,
			PollInterval:     1 * time.Second,
			WakeInterval:     10 * time.Second,
			ReapInterval:     5 * time.Minute,
			StuckStepTimeout: 30 * time.Minute,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		IdempotencyTTL: 24 * time.Hour,
	}
}

// FromEnv returns the default configuration overridden by environment
// variables. Supported variables:
//   - STEPLITE_DATABASE_URL (also DATABASE_URL)
//   - STEPLITE_DATABASE_MAX_CONNS
//   - STEPLITE_HTTP_ADDR
//   - STEPLITE_WORKER_BATCH_SIZE
//   - STEPLITE_WORKER_POLL_INTERVAL_MS
//   - STEPLITE_WORKER_WAKE_INTERVAL_MS
//   - STEPLITE_WORKER_REAP_INTERVAL_MS
//   - STEPLITE_WORKER_STUCK_STEP_TIMEOUT_MINUTES
//   - STEPLITE_IDEMPOTENCY_TTL_HOURS
func FromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("STEPLITE_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("STEPLITE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	var err error
	if cfg.Database.MaxConns, err = envInt("STEPLITE_DATABASE_MAX_CONNS", cfg.Database.MaxConns); err != nil {
		return nil, err
	}
	if cfg.Worker.BatchSize, err = envInt("STEPLITE_WORKER_BATCH_SIZE", cfg.Worker.BatchSize); err != nil {
		return nil, err
	}
	if cfg.Worker.PollInterval, err = envDuration("STEPLITE_WORKER_POLL_INTERVAL_MS", time.Millisecond, cfg.Worker.PollInterval); err != nil {
		return nil, err
	}
	if cfg.Worker.WakeInterval, err = envDuration("STEPLITE_WORKER_WAKE_INTERVAL_MS", time.Millisecond, cfg.Worker.WakeInterval); err != nil {
		return nil, err
	}
	if cfg.Worker.ReapInterval, err = envDuration("STEPLITE_WORKER_REAP_INTERVAL_MS", time.Millisecond, cfg.Worker.ReapInterval); err != nil {
		return nil, err
	}
	if cfg.Worker.StuckStepTimeout, err = envDuration("STEPLITE_WORKER_STUCK_STEP_TIMEOUT_MINUTES", time.Minute, cfg.Worker.StuckStepTimeout); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = envDuration("STEPLITE_IDEMPOTENCY_TTL_HOURS", time.Hour, cfg.IdempotencyTTL); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Worker.BatchSize < 1 {
		return &errors.ConfigError{Key: "worker.batch-size", Reason: "must be at least 1"}
	}
	if c.Worker.PollInterval <= 0 {
		return &errors.ConfigError{Key: "worker.poll-interval-ms", Reason: "must be positive"}
	}
	if c.Worker.WakeInterval <= 0 {
		return &errors.ConfigError{Key: "worker.wake-interval-ms", Reason: "must be positive"}
	}
	if c.Worker.ReapInterval <= 0 {
		return &errors.ConfigError{Key: "worker.reap-interval-ms", Reason: "must be positive"}
	}
	if c.Worker.StuckStepTimeout <= 0 {
		return &errors.ConfigError{Key: "worker.stuck-step-timeout-minutes", Reason: "must be positive"}
	}
	if c.IdempotencyTTL <= 0 {
		return &errors.ConfigError{Key: "idempotency.ttl-hours", Reason: "must be positive"}
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &errors.ConfigError{Key: key, Reason: fmt.Sprintf("invalid integer %q", v), Cause: err}
	}
	return n, nil
}

func envDuration(key string, unit time.Duration, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &errors.ConfigError{Key: key, Reason: fmt.Sprintf("invalid integer %q", v), Cause: err}
	}
	return time.Duration(n) * unit, nil
}

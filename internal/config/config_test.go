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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesmartway/steplite/pkg/errors"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10, cfg.Worker.BatchSize)
	assert.Equal(t, 1*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Worker.WakeInterval)
	assert.Equal(t, 5*time.Minute, cfg.Worker.ReapInterval)
	assert.Equal(t, 30*time.Minute, cfg.Worker.StuckStepTimeout)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	require.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("STEPLITE_DATABASE_URL", "postgres://localhost/steplite")
	t.Setenv("STEPLITE_WORKER_BATCH_SIZE", "25")
	t.Setenv("STEPLITE_WORKER_POLL_INTERVAL_MS", "250")
	t.Setenv("STEPLITE_WORKER_STUCK_STEP_TIMEOUT_MINUTES", "5")
	t.Setenv("STEPLITE_IDEMPOTENCY_TTL_HOURS", "1")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/steplite", cfg.Database.URL)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Worker.StuckStepTimeout)
	assert.Equal(t, 1*time.Hour, cfg.IdempotencyTTL)
}

func TestFromEnvInvalidInteger(t *testing.T) {
	t.Setenv("STEPLITE_WORKER_BATCH_SIZE", "lots")

	_, err := FromEnv()
	require.Error(t, err)
	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "STEPLITE_WORKER_BATCH_SIZE", cfgErr.Key)
}

func TestValidateRejectsZeroBatch(t *testing.T) {
	cfg := Default()
	cfg.Worker.BatchSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.batch-size")
}

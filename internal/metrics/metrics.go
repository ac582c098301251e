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

// Package metrics defines the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's counters, histograms, and gauges.
type Metrics struct {
	ExecutionsStarted   prometheus.Counter
	ExecutionsCompleted prometheus.Counter
	ExecutionsFailed    prometheus.Counter
	ExecutionsCancelled prometheus.Counter

	StepsCompleted prometheus.Counter
	StepsFailed    prometheus.Counter

	StuckStepsRecovered prometheus.Counter
	WaitStepsReleased   prometheus.Counter

	StepDuration      prometheus.Histogram
	ExecutionDuration prometheus.Histogram
	ClaimBatchSize    prometheus.Histogram
}

// New registers the engine metrics on reg and returns them. Passing nil
// registers on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ExecutionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "steplite_executions_started_total",
			Help: "Workflow executions started.",
		}),
		ExecutionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "steplite_executions_completed_total",
			Help: "Workflow executions that reached COMPLETED.",
		}),
		ExecutionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "steplite_executions_failed_total",
			Help: "Workflow executions that reached FAILED.",
		}),
		ExecutionsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "steplite_executions_cancelled_total",
			Help: "Workflow executions cancelled by callers.",
		}),
		StepsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "steplite_steps_completed_total",
			Help: "Execution steps that reached COMPLETED.",
		}),
		StepsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "steplite_steps_failed_total",
			Help: "Execution steps that reached FAILED.",
		}),
		StuckStepsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "steplite_stuck_steps_recovered_total",
			Help: "RUNNING steps reset to PENDING by the reap loop.",
		}),
		WaitStepsReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "steplite_wait_steps_released_total",
			Help: "WAITING steps released by the wake loop.",
		}),
		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "steplite_step_duration_seconds",
			Help:    "Wall time from step start to completion.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "steplite_execution_duration_seconds",
			Help:    "Wall time from execution start to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		ClaimBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "steplite_claim_batch_size",
			Help:    "Queue rows claimed per dispatch poll.",
			Buckets: prometheus.LinearBuckets(0, 2, 11),
		}),
	}
}

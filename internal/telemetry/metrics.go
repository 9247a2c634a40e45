// SPDX-License-Identifier: MIT

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queuedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coderunner",
		Name:      "jobs_queued",
		Help:      "Current number of jobs waiting for admission.",
	})

	activeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coderunner",
		Name:      "jobs_active",
		Help:      "Current number of admitted jobs.",
	})

	clientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coderunner",
		Name:      "sessions_active",
		Help:      "Current number of connected client sessions.",
	})

	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coderunner",
		Name:      "executions_total",
		Help:      "Total executions, by language and outcome.",
	}, []string{"language", "outcome"})

	stageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coderunner",
		Name:      "stage_duration_seconds",
		Help:      "Pipeline stage duration.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"stage"})

	queueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coderunner",
		Name:      "admission_wait_seconds",
		Help:      "Time spent waiting in the admission queue.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	sandboxSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coderunner",
		Name:      "sandbox_spawn_total",
		Help:      "Sandbox spawn attempts, by language and outcome.",
	}, []string{"language", "outcome"})

	sandboxReuses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coderunner",
		Name:      "sandbox_reuse_total",
		Help:      "Warm-pool sandbox reuses, by language.",
	}, []string{"language"})

	sandboxDestroys = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coderunner",
		Name:      "sandbox_destroy_total",
		Help:      "Sandboxes destroyed, by language.",
	}, []string{"language"})
)

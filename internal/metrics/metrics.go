// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

// Package metrics holds the Prometheus collectors for sandbox execution and
// queue activity. Collectors are per-instance, never package globals, so
// tests can build isolated registries in parallel.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Execution outcomes. Exact metric names are an operational concern; the
// outcome label set mirrors the sandbox error taxonomy.
const (
	OutcomeSuccess   = "success"
	OutcomeIntegrity = "integrity"
	OutcomeTimeout   = "timeout"
	OutcomeTrap      = "trap"
	OutcomeIO        = "io"
	OutcomeError     = "error"
)

// Metrics bundles the scanner's collectors. A nil *Metrics is valid and
// records nothing, so components can be wired without observability.
type Metrics struct {
	sandboxExecutions *prometheus.CounterVec
	sandboxDuration   *prometheus.HistogramVec

	jobsEnqueued  prometheus.Counter
	jobsAcked     prometheus.Counter
	jobsReclaimed prometheus.Counter
}

// New creates unregistered collectors. Call Register to expose them.
func New() *Metrics {
	return &Metrics{
		sandboxExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainscan_sandbox_executions_total",
			Help: "Sandbox executions by backend and outcome.",
		}, []string{"backend", "outcome"}),
		sandboxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chainscan_sandbox_duration_seconds",
			Help:    "Wall-clock duration of sandbox executions by backend.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"backend"}),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainscan_queue_jobs_enqueued_total",
			Help: "Jobs appended to the scan queue.",
		}),
		jobsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainscan_queue_jobs_acked_total",
			Help: "Deliveries acknowledged by workers.",
		}),
		jobsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainscan_queue_jobs_reclaimed_total",
			Help: "Stale deliveries reclaimed from crashed consumers.",
		}),
	}
}

// Register attaches every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.sandboxExecutions,
		m.sandboxDuration,
		m.jobsEnqueued,
		m.jobsAcked,
		m.jobsReclaimed,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveExecution records one sandbox run.
func (m *Metrics) ObserveExecution(backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sandboxExecutions.WithLabelValues(backend, outcome).Inc()
	m.sandboxDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// JobEnqueued records one durable append.
func (m *Metrics) JobEnqueued() {
	if m == nil {
		return
	}
	m.jobsEnqueued.Inc()
}

// JobAcked records one acknowledged delivery.
func (m *Metrics) JobAcked() {
	if m == nil {
		return
	}
	m.jobsAcked.Inc()
}

// JobsReclaimed records n redeliveries claimed from a crashed consumer.
func (m *Metrics) JobsReclaimed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.jobsReclaimed.Add(float64(n))
}

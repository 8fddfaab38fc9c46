// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/conductor/internal/orchestrator"
)

const (
	metricsNamespace = "conductor"
	metricsSubsystem = "scheduler"
)

// Metrics instruments the consumer pool. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	dequeues     prometheus.Counter
	outcomes     *prometheus.CounterVec
	infraRetries prometheus.Counter
}

// NewMetrics returns a scheduler metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		dequeues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dequeues_total",
			Help:      "Jobs popped off the priority queues.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "outcomes_total",
			Help:      "Step outcomes seen by the pool.",
		}, []string{"outcome"}),
		infraRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "infra_retries_total",
			Help:      "Step invocations retried on infrastructure faults.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.dequeues.Describe(ch)
	m.outcomes.Describe(ch)
	m.infraRetries.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.dequeues.Collect(ch)
	m.outcomes.Collect(ch)
	m.infraRetries.Collect(ch)
}

func (m *Metrics) observeDequeue() {
	if m == nil {
		return
	}
	m.dequeues.Inc()
}

func (m *Metrics) observeOutcome(outcome orchestrator.Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeInfraRetry() {
	if m == nil {
		return
	}
	m.infraRetries.Inc()
}

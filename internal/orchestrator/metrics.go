// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "conductor"
	metricsSubsystem = "orchestrator"
)

// Metrics instruments step execution. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	outcomes     *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
}

// NewMetrics returns an orchestrator metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "invocations_total",
			Help:      "Step invocations by outcome.",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "step_duration_seconds",
			Help:      "Backend execution time per service.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"service"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.outcomes.Describe(ch)
	m.stepDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.outcomes.Collect(ch)
	m.stepDuration.Collect(ch)
}

func (m *Metrics) observeOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeStep(service string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

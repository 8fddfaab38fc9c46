// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package limiter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "conductor"
	metricsSubsystem = "limiter"

	outcomeGranted = "granted"
	outcomeTimeout = "timeout"
)

// Metrics instruments lease acquisition. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	acquires    *prometheus.CounterVec
	waitSeconds *prometheus.HistogramVec
}

// NewMetrics returns a limiter metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "acquires_total",
			Help:      "Lease acquisition attempts by service and outcome.",
		}, []string{"service", "outcome"}),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a concurrency slot.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"service"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.acquires.Describe(ch)
	m.waitSeconds.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.acquires.Collect(ch)
	m.waitSeconds.Collect(ch)
}

func (m *Metrics) observeAcquire(service, outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.acquires.WithLabelValues(service, outcome).Inc()
	m.waitSeconds.WithLabelValues(service).Observe(waited.Seconds())
}

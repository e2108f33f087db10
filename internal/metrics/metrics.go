// Package metrics exposes optional Prometheus counters and histograms for
// build outcomes, trimmed from please's src/metrics/prometheus.go down to
// the subset a single-rule-graph evaluation run can exercise: this repo
// has no notion of a test run, so please's test-specific counters and
// collectors have no home here.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("metrics")

// Metrics holds the counters and histograms recorded during one
// evaluation run.
type Metrics struct {
	outcomes  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	registry  *prometheus.Registry
}

// New registers a fresh set of collectors on a private registry (never
// the global default registerer, so multiple Evaluators in one process -
// e.g. in tests - don't collide).
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snowflake",
			Name:      "build_outcomes_total",
			Help:      "Count of rule evaluations by outcome (cached, success, failed).",
		}, []string{"outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snowflake",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of rule builds that missed the cache.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	registry.MustRegister(m.outcomes, m.durations)
	return m
}

// ObserveBuild implements evaluator.MetricsRecorder.
func (m *Metrics) ObserveBuild(outcome string, d time.Duration) {
	m.outcomes.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.durations.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// Push sends the current metrics to a Prometheus pushgateway at url under
// the given job name, mirroring please's use of push.New(...).Push() in
// src/metrics/prometheus.go for CI environments that can't be scraped.
func (m *Metrics) Push(url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.registry).Push(); err != nil {
		return fmt.Errorf("metrics: pushing to %s: %w", url, err)
	}
	log.Debug("metrics: pushed to %s as job %s", url, job)
	return nil
}

package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for unit execution.
//
// Metrics exposed (all namespaced with "matterflow_"):
//
// 1. unit_runs_total (counter): Completed unit executions.
// Labels: unit, status (completed/failed/awaiting_approval).
//
// 2. unit_run_seconds (histogram): End-to-end unit execution latency.
// Labels: unit.
//
// 3. governance_violations_total (counter): Governance rule violations
// raised during pre-execution evaluation.
// Labels: rule_type, action.
//
// 4. runs_inflight (gauge): Unit executions currently in progress.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := agent.NewMetrics(registry)
//	orch := agent.NewOrchestrator(st, invoker, agent.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe on a nil receiver, so components never need to guard
// metric calls.
type Metrics struct {
	runs       *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	violations *prometheus.CounterVec
	inflight   prometheus.Gauge
}

// NewMetrics creates and registers all execution metrics with the provided
// registry. Passing nil registers with the default global registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matterflow",
			Name:      "unit_runs_total",
			Help:      "Unit executions by terminal status",
		}, []string{"unit", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "matterflow",
			Name:      "unit_run_seconds",
			Help:      "End-to-end unit execution latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"unit"}),
		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matterflow",
			Name:      "governance_violations_total",
			Help:      "Governance rule violations raised before execution",
		}, []string{"rule_type", "action"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "matterflow",
			Name:      "runs_inflight",
			Help:      "Unit executions currently in progress",
		}),
	}
}

// RecordRun counts one unit execution reaching a terminal status and, for
// executions that actually ran, observes its latency.
func (m *Metrics) RecordRun(unitName, status string, seconds float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(unitName, status).Inc()
	if seconds > 0 {
		m.latency.WithLabelValues(unitName).Observe(seconds)
	}
}

// RecordViolation counts one governance rule violation.
func (m *Metrics) RecordViolation(ruleType, action string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(ruleType, action).Inc()
}

// RunStarted increments the in-flight gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// RunFinished decrements the in-flight gauge.
func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

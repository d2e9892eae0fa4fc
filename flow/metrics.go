package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for lifecycle activity.
//
// Metrics exposed (all namespaced with "matterflow_"):
//
// 1. transitions_total (counter): Status transitions applied.
// Labels: from, to.
//
// 2. sla_breaches_total (counter): Entities flagged by the SLA sweep.
//
// 3. automation_actions_total (counter): Automation actions executed.
// Labels: action, outcome (success/error).
//
// 4. health_score (gauge): Last computed health score per entity.
// Labels: entity_id.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewMetrics(registry)
//	coord := flow.NewCoordinator(st, st, flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe on a nil receiver, so components never need to guard
// metric calls.
type Metrics struct {
	transitions  *prometheus.CounterVec
	slaBreaches  prometheus.Counter
	actions      *prometheus.CounterVec
	healthScores *prometheus.GaugeVec
}

// NewMetrics creates and registers all lifecycle metrics with the provided
// registry. Passing nil registers with the default global registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matterflow",
			Name:      "transitions_total",
			Help:      "Status transitions applied by the lifecycle coordinator",
		}, []string{"from", "to"}),
		slaBreaches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "matterflow",
			Name:      "sla_breaches_total",
			Help:      "Entities flagged as overstaying their status SLA",
		}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matterflow",
			Name:      "automation_actions_total",
			Help:      "Automation actions executed, by action type and outcome",
		}, []string{"action", "outcome"}),
		healthScores: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "matterflow",
			Name:      "health_score",
			Help:      "Last computed health score per entity",
		}, []string{"entity_id"}),
	}
}

// RecordTransition counts one applied status transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordSLABreach counts one entity flagged by the SLA sweep.
func (m *Metrics) RecordSLABreach() {
	if m == nil {
		return
	}
	m.slaBreaches.Inc()
}

// RecordAction counts one executed automation action and its outcome.
func (m *Metrics) RecordAction(actionType string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.actions.WithLabelValues(actionType, outcome).Inc()
}

// RecordHealthScore sets the health score gauge for an entity.
func (m *Metrics) RecordHealthScore(entityID string, score int) {
	if m == nil {
		return
	}
	m.healthScores.WithLabelValues(entityID).Set(float64(score))
}

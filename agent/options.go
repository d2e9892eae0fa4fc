package agent

import (
	"time"

	"github.com/matterflow/matterflow-go/emit"
)

// Option is a functional option for configuring the orchestrator and the
// governance evaluator.
//
// Options are chainable and optional; the zero configuration (real clock, no
// emitter, no metrics) is valid:
//
//	orch := agent.NewOrchestrator(st, invoker,
//	    agent.WithEmitter(emit.NewLogEmitter()),
//	    agent.WithMetrics(agent.NewMetrics(registry)),
//	)
type Option func(*config)

type config struct {
	emitter emit.Emitter
	metrics *Metrics
	now     func() time.Time
}

func newConfig(opts []Option) config {
	cfg := config{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithEmitter routes observability events through the given emitter.
// A nil emitter disables emission.
func WithEmitter(em emit.Emitter) Option {
	return func(cfg *config) {
		cfg.emitter = em
	}
}

// WithMetrics records Prometheus metrics for unit runs, governance
// violations, and in-flight executions.
func WithMetrics(m *Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}

// WithClock substitutes the time source. Tests use this to control rate-limit
// windows and recorded timestamps without sleeping.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestrator. Each App
// instance owns its registry so tests never share collector state.
type Metrics struct {
	stepRuns        *prometheus.CounterVec
	stepRetries     *prometheus.CounterVec
	clarifications  prometheus.Counter
	clarifyWait     prometheus.Histogram
	citations       *prometheus.CounterVec
	revisionCycles  prometheus.Counter
	sessionsTotal   *prometheus.CounterVec
	sessionDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a metrics instance with all orchestrator collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		stepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitgrid_step_runs_total",
				Help: "Step run outcomes by step and terminal state",
			},
			[]string{"step", "state"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitgrid_step_retries_total",
				Help: "Retries performed by step and failure class",
			},
			[]string{"step", "class"},
		),
		clarifications: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "permitgrid_clarification_batches_total",
				Help: "Clarification batches published to the caller",
			},
		),
		clarifyWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "permitgrid_clarification_wait_seconds",
				Help:    "Human wait per answered clarification batch",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		citations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitgrid_citations_total",
				Help: "Citation guardrail outcomes",
			},
			[]string{"outcome"},
		),
		revisionCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "permitgrid_revision_cycles_total",
				Help: "Audit-driven revision cycles executed",
			},
		),
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitgrid_sessions_total",
				Help: "Sessions finished by terminal state",
			},
			[]string{"state"},
		),
		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "permitgrid_session_duration_seconds",
				Help:    "Session wall time from intake to terminal state",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.stepRuns, m.stepRetries, m.clarifications, m.clarifyWait,
		m.citations, m.revisionCycles, m.sessionsTotal, m.sessionDuration,
	)
	return m
}

// StepFinished records a step run reaching a terminal state.
func (m *Metrics) StepFinished(stepID, state string) {
	m.stepRuns.WithLabelValues(stepID, state).Inc()
}

// StepRetried records one retry of a step by failure class.
func (m *Metrics) StepRetried(stepID, class string) {
	m.stepRetries.WithLabelValues(stepID, class).Inc()
}

// ClarificationOpened records a published batch.
func (m *Metrics) ClarificationOpened() {
	m.clarifications.Inc()
}

// ClarificationAnswered records the human wait for an answered batch.
func (m *Metrics) ClarificationAnswered(seconds float64) {
	m.clarifyWait.Observe(seconds)
}

// CitationOutcome records a guardrail decision: bound, rejected, superseded.
func (m *Metrics) CitationOutcome(outcome string) {
	m.citations.WithLabelValues(outcome).Inc()
}

// RevisionCycle records one audit-driven revision.
func (m *Metrics) RevisionCycle() {
	m.revisionCycles.Inc()
}

// SessionFinished records a session's terminal state and duration.
func (m *Metrics) SessionFinished(state string, seconds float64) {
	m.sessionsTotal.WithLabelValues(state).Inc()
	m.sessionDuration.Observe(seconds)
}

// Handler returns the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

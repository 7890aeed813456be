package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects orchestration counters.
type Metrics struct {
	runs        *prometheus.CounterVec
	assignments *prometheus.CounterVec
	dispatches  *prometheus.CounterVec
	webhooks    *prometheus.CounterVec
	checks      *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildline_runs_total",
		Help: "Total runs by status transition.",
	}, []string{"status"})
	assignments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildline_assignments_total",
		Help: "Total assignments by status transition.",
	}, []string{"status"})
	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildline_dispatches_total",
		Help: "Agent dispatch attempts by outcome.",
	}, []string{"outcome"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildline_webhook_events_total",
		Help: "Agent webhook events by type and outcome.",
	}, []string{"type", "outcome"})
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildline_checks_total",
		Help: "Recorded run checks by type and status.",
	}, []string{"type", "status"})

	return &Metrics{
		runs:        registerCounterVec(registerer, runs),
		assignments: registerCounterVec(registerer, assignments),
		dispatches:  registerCounterVec(registerer, dispatches),
		webhooks:    registerCounterVec(registerer, webhooks),
		checks:      registerCounterVec(registerer, checks),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncRun(status string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) IncAssignment(status string) {
	if m == nil || m.assignments == nil {
		return
	}
	m.assignments.WithLabelValues(status).Inc()
}

func (m *Metrics) IncDispatch(outcome string) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncWebhook(eventType, outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) IncCheck(checkType, status string) {
	if m == nil || m.checks == nil {
		return
	}
	m.checks.WithLabelValues(checkType, status).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the daemon reports.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	ClientsAttached  prometheus.Gauge
	EventsAppended   *prometheus.CounterVec
	ApprovalsPending prometheus.Gauge
	ApprovalsTotal   *prometheus.CounterVec
	HistoryWrites    *prometheus.CounterVec
	GenerationsTotal *prometheus.CounterVec
}

// New builds a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_sessions_active",
			Help: "Number of live (non-deleted) sessions.",
		}),
		ClientsAttached: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_clients_attached",
			Help: "Number of currently attached stream clients.",
		}),
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamd_events_appended_total",
			Help: "Events appended to session logs, by event type.",
		}, []string{"type"}),
		ApprovalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamd_approvals_pending",
			Help: "Approval requests currently awaiting a decision.",
		}),
		ApprovalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamd_approvals_total",
			Help: "Resolved approval requests, by outcome.",
		}, []string{"status"}),
		HistoryWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamd_history_writes_total",
			Help: "Code history write attempts, by result.",
		}, []string{"result"}),
		GenerationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamd_generations_total",
			Help: "Finished generations, by commit mode.",
		}, []string{"mode"}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes Prometheus collectors for the bridge daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "walletbridge"

// Metrics holds every collector, registered on its own registry
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal          *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec
	RequestsRejectedTotal  *prometheus.CounterVec
	QueueDepth             prometheus.Gauge

	ApprovalsTotal          *prometheus.CounterVec
	ApprovalDurationSeconds *prometheus.HistogramVec

	UnlockAttemptsTotal *prometheus.CounterVec
	SessionActive       prometheus.Gauge
	SessionLocksTotal   *prometheus.CounterVec

	TransportConnections   prometheus.Gauge
	TransportMessagesTotal *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go runtime and
// process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Page requests by method and terminal status",
		}, []string{"method", "status"}),

		RequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from admission to resolution",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 15, 30, 60},
		}, []string{"method"}),

		RequestsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Requests refused before admission",
		}, []string{"reason"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests currently pending",
		}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Presented prompts by kind and outcome",
		}, []string{"kind", "state"}),

		ApprovalDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_duration_seconds",
			Help:      "Time a prompt stayed open",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"kind"}),

		UnlockAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_attempts_total",
			Help:      "Vault unlock attempts by result",
		}, []string{"result"}),

		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while the wallet is unlocked",
		}),

		SessionLocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_locks_total",
			Help:      "Session endings by reason",
		}, []string{"reason"}),

		TransportConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_connections",
			Help:      "Open page connections",
		}),

		TransportMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_messages_total",
			Help:      "Transport messages by direction and type",
		}, []string{"direction", "type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDurationSeconds,
		m.RequestsRejectedTotal,
		m.QueueDepth,
		m.ApprovalsTotal,
		m.ApprovalDurationSeconds,
		m.UnlockAttemptsTotal,
		m.SessionActive,
		m.SessionLocksTotal,
		m.TransportConnections,
		m.TransportMessagesTotal,
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a request leaving the queue
func (m *Metrics) ObserveRequest(method, status string, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDurationSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveApproval records a prompt leaving the presented state
func (m *Metrics) ObserveApproval(kind, state string, elapsed time.Duration) {
	m.ApprovalsTotal.WithLabelValues(kind, state).Inc()
	m.ApprovalDurationSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveUnlock records an unlock attempt. result is ok, invalid_password
// or rate_limited.
func (m *Metrics) ObserveUnlock(result string) {
	m.UnlockAttemptsTotal.WithLabelValues(result).Inc()
}

// SetSession tracks the session gauge and counts locks by reason
func (m *Metrics) SetSession(unlocked bool, reason string) {
	if unlocked {
		m.SessionActive.Set(1)
		return
	}
	m.SessionActive.Set(0)
	m.SessionLocksTotal.WithLabelValues(reason).Inc()
}

package tcplb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tcplb"

// Metrics holds the prometheus collectors fed by the event loops. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	SessionsActive   *prometheus.GaugeVec
	SessionsTotal    *prometheus.CounterVec
	SessionsRejected *prometheus.CounterVec
	ConnectErrors    *prometheus.CounterVec
	RelayBytes       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. With a nil reg
// the collectors stay unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_active",
				Help:      "Number of sessions currently relaying or connecting",
			},
			[]string{"frontend"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_total",
				Help:      "Total number of accepted sessions",
			},
			[]string{"frontend"},
		),
		SessionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_rejected_total",
				Help:      "Total number of connections closed right after accept",
			},
			[]string{"frontend", "reason"},
		),
		ConnectErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "connect_errors_total",
				Help:      "Total number of failed backend connects",
			},
			[]string{"frontend"},
		),
		RelayBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "relay_bytes_total",
				Help:      "Total number of bytes relayed",
			},
			[]string{"frontend", "direction"},
		),
	}
}

func (m *Metrics) sessionOpened(frontend string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(frontend).Inc()
	m.SessionsActive.WithLabelValues(frontend).Inc()
}

func (m *Metrics) sessionClosed(frontend string, received, sent uint64, connectFailed bool) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(frontend).Dec()
	m.RelayBytes.WithLabelValues(frontend, "upstream").Add(float64(received))
	m.RelayBytes.WithLabelValues(frontend, "downstream").Add(float64(sent))
	if connectFailed {
		m.ConnectErrors.WithLabelValues(frontend).Inc()
	}
}

func (m *Metrics) sessionRejected(frontend, reason string) {
	if m == nil {
		return
	}
	m.SessionsRejected.WithLabelValues(frontend, reason).Inc()
}

func (m *Metrics) connectFailed(frontend string) {
	if m == nil {
		return
	}
	m.ConnectErrors.WithLabelValues(frontend).Inc()
}

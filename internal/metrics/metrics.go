// Package metrics defines the Prometheus counter/gauge bag exposed by the
// Intermediate and the Connector. Metric names are part of the operator
// contract and must not change; both roles share the HTTP-exposition wiring
// here.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Intermediate holds the Intermediate server's metric set.
type Intermediate struct {
	ActiveConnections          prometheus.Gauge
	RelayBytesTotal            prometheus.Counter
	RegistrationsTotal         prometheus.Counter
	RegistrationRejectionsTotal prometheus.Counter
	DatagramsRelayedTotal      prometheus.Counter
	SignalingSessionsTotal     prometheus.Counter
	RetryTokensValidated       prometheus.Counter
	RetryTokenFailures         prometheus.Counter

	registry  *prometheus.Registry
	startedAt time.Time
}

// NewIntermediate constructs and registers the Intermediate's metric set in
// its own registry (not the global default, so multiple instances in the
// same test binary never collide).
func NewIntermediate() *Intermediate {
	m := &Intermediate{
		registry:  prometheus.NewRegistry(),
		startedAt: time.Now(),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ztna_active_connections",
			Help: "Current number of active QUIC connections",
		}),
		RelayBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_relay_bytes_total",
			Help: "Total bytes relayed via DATAGRAMs",
		}),
		RegistrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_registrations_total",
			Help: "Total successful service registrations",
		}),
		RegistrationRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_registration_rejections_total",
			Help: "Total registration rejections (NACK)",
		}),
		DatagramsRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_datagrams_relayed_total",
			Help: "Total DATAGRAMs relayed",
		}),
		SignalingSessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_signaling_sessions_total",
			Help: "Total P2P signaling sessions created",
		}),
		RetryTokensValidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_retry_tokens_validated",
			Help: "Total retry tokens successfully validated",
		}),
		RetryTokenFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_retry_token_failures",
			Help: "Total retry token validation failures",
		}),
	}

	m.registry.MustRegister(
		m.ActiveConnections,
		m.RelayBytesTotal,
		m.RegistrationsTotal,
		m.RegistrationRejectionsTotal,
		m.DatagramsRelayedTotal,
		m.SignalingSessionsTotal,
		m.RetryTokensValidated,
		m.RetryTokenFailures,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ztna_uptime_seconds",
			Help: "Server uptime in seconds",
		}, func() float64 { return time.Since(m.startedAt).Seconds() }),
	)

	return m
}

// Handler returns the http.Handler that serves this metric set's Prometheus
// text exposition.
func (m *Intermediate) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Connector holds the Connector's metric set.
type Connector struct {
	ForwardedPacketsTotal prometheus.Counter
	ForwardedBytesTotal   prometheus.Counter
	TCPSessionsTotal      prometheus.Counter
	TCPErrorsTotal        prometheus.Counter
	ReconnectionsTotal    prometheus.Counter

	registry  *prometheus.Registry
	startedAt time.Time
}

// NewConnector constructs and registers the Connector's metric set.
func NewConnector() *Connector {
	m := &Connector{
		registry:  prometheus.NewRegistry(),
		startedAt: time.Now(),
		ForwardedPacketsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_connector_forwarded_packets_total",
			Help: "Total packets forwarded to backend",
		}),
		ForwardedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_connector_forwarded_bytes_total",
			Help: "Total bytes forwarded to backend",
		}),
		TCPSessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_connector_tcp_sessions_total",
			Help: "Total TCP proxy sessions created",
		}),
		TCPErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_connector_tcp_errors_total",
			Help: "Total TCP errors",
		}),
		ReconnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ztna_connector_reconnections_total",
			Help: "Total reconnections to Intermediate Server",
		}),
	}

	m.registry.MustRegister(
		m.ForwardedPacketsTotal,
		m.ForwardedBytesTotal,
		m.TCPSessionsTotal,
		m.TCPErrorsTotal,
		m.ReconnectionsTotal,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ztna_connector_uptime_seconds",
			Help: "Connector uptime in seconds",
		}, func() float64 { return time.Since(m.startedAt).Seconds() }),
	)

	return m
}

// Handler returns the http.Handler that serves this metric set.
func (m *Connector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package dpxmetrics provides Prometheus instrumentation for the relay and an optional HTTP
// server that exposes it.
package dpxmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus collectors. They are registered on a private registry
// so that several relays (and tests) can coexist in one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	SessionErrors       *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
	BytesRelayed        *prometheus.CounterVec
	SessionDuration     prometheus.Histogram
	UpstreamConnected   prometheus.Gauge
}

// New creates the collectors under namespace ("duplex" if empty)
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "duplex"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of client connections accepted",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of clients closed because the shared backend was in use",
		}),
		SessionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_errors_total",
				Help:      "Total number of sessions that ended with an error",
			},
			[]string{"kind"},
		),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of client connections currently being handled",
		}),
		BytesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_relayed_total",
				Help:      "Total number of bytes relayed, by direction",
			},
			[]string{"direction"},
		),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Relay session duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
		}),
		UpstreamConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_connected",
			Help:      "1 while a shared backend connection established at startup is held",
		}),
	}
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAccepted counts an accepted client
func (m *Metrics) ObserveAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
}

// ObserveRejected counts a rejected client
func (m *Metrics) ObserveRejected() {
	if m == nil {
		return
	}
	m.ConnectionsRejected.Inc()
}

// ObserveError counts a failed session or acquisition
func (m *Metrics) ObserveError(kind string) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(kind).Inc()
}

// ObserveUpstreamConnected records that the shared backend connection was established
func (m *Metrics) ObserveUpstreamConnected() {
	if m == nil {
		return
	}
	m.UpstreamConnected.Set(1)
}

// ObserveUpstreamClosed records that the shared backend connection is gone
func (m *Metrics) ObserveUpstreamClosed() {
	if m == nil {
		return
	}
	m.UpstreamConnected.Set(0)
}

// SessionStarted marks a session as running
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionEnded records the outcome of a session started with SessionStarted
func (m *Metrics) SessionEnded(duration time.Duration, up uint64, down uint64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(duration.Seconds())
	m.BytesRelayed.WithLabelValues("upstream").Add(float64(up))
	m.BytesRelayed.WithLabelValues("downstream").Add(float64(down))
}

// Package metrics exposes relay counters on a dedicated Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes for MessagesTotal.
const (
	OutcomeDelivered = "delivered"
	OutcomePending   = "pending"
	OutcomeFailed    = "failed"
	OutcomeInvalid   = "invalid"
	OutcomeThrottled = "throttled"
)

// Metrics groups the relay collectors.
type Metrics struct {
	reg *prometheus.Registry

	sessions      prometheus.Gauge
	registered    prometheus.Gauge
	messages      *prometheus.CounterVec
	drained       prometheus.Counter
	authFailures  *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	purged        prometheus.Counter
	slowConsumers prometheus.Counter
}

// New registers relay collectors plus Go and process collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active", Help: "Open connections, authenticated or not.",
		}),
		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_users_registered", Help: "Users with a live registry entry.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total", Help: "send-message events by outcome.",
		}, []string{"outcome"}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_pending_drained_total", Help: "Pending messages pushed on reconnect.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_failures_total", Help: "Rejected register attempts by reason.",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_presence_broadcasts_total", Help: "Presence fan-outs by kind.",
		}, []string{"kind"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_pending_purged_total", Help: "Pending messages dropped after TTL.",
		}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_slow_consumers_total", Help: "Connections dropped on outbound overflow.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions, m.registered, m.messages, m.drained,
		m.authFailures, m.broadcasts, m.purged, m.slowConsumers,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SessionOpened increments the open connections gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

// SessionClosed decrements the open connections gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// SetRegistered records the registry size.
func (m *Metrics) SetRegistered(n int) {
	if m != nil {
		m.registered.Set(float64(n))
	}
}

// Message counts one send-message outcome.
func (m *Metrics) Message(outcome string) {
	if m != nil {
		m.messages.WithLabelValues(outcome).Inc()
	}
}

// Drained counts pending messages pushed during a drain.
func (m *Metrics) Drained(n int) {
	if m != nil && n > 0 {
		m.drained.Add(float64(n))
	}
}

// AuthFailure counts a rejected register.
func (m *Metrics) AuthFailure(reason string) {
	if m != nil {
		m.authFailures.WithLabelValues(reason).Inc()
	}
}

// Broadcast counts one presence fan-out.
func (m *Metrics) Broadcast(kind string) {
	if m != nil {
		m.broadcasts.WithLabelValues(kind).Inc()
	}
}

// Purged counts rows removed by the TTL janitor.
func (m *Metrics) Purged(n int64) {
	if m != nil && n > 0 {
		m.purged.Add(float64(n))
	}
}

// SlowConsumer counts a connection dropped on outbound overflow.
func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.slowConsumers.Inc()
	}
}

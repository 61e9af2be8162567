// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"solana-event-listener/internal/domain"
)

// DefaultNamespace prefixes every series name.
const DefaultNamespace = "sol"

// Metrics holds all Prometheus metrics for the listener. It is created once
// and passed to the components that update it; all updates are atomic.
type Metrics struct {
	// Core contract
	EventsTotal prometheus.Counter
	ErrorsTotal prometheus.Counter
	WSConnected prometheus.Gauge

	// Breakdown metrics
	EventsByKind    *prometheus.CounterVec
	ErrorsByKind    *prometheus.CounterVec
	SessionOutcomes *prometheus.CounterVec
	HighestSlotSeen prometheus.Gauge
	ReconnectDelay  prometheus.Gauge

	registry    *prometheus.Registry
	connected   atomic.Bool
	highestSlot atomic.Uint64
}

// NewMetrics creates a Metrics instance registered on reg.
// A nil reg gets a fresh registry.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of events processed",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors encountered",
		}),
		WSConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connected",
			Help:      "WebSocket connection status (1=connected, 0=disconnected)",
		}),

		EventsByKind: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_by_kind_total",
			Help:      "Total number of events processed by event kind",
		}, []string{"kind"}),
		ErrorsByKind: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_kind_total",
			Help:      "Total number of errors by error kind",
		}, []string{"kind"}),
		SessionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Total number of finished connection sessions by outcome",
		}, []string{"outcome"}),
		HighestSlotSeen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "highest_slot_seen",
			Help:      "Highest Solana slot number seen in an event",
		}),
		ReconnectDelay: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Most recent reconnect backoff delay in seconds",
		}),

		registry: reg,
	}
}

// RegisterRuntimeCollectors adds the Go runtime and process collectors.
func (m *Metrics) RegisterRuntimeCollectors() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordEvent counts a successfully normalized event.
func (m *Metrics) RecordEvent(e domain.Event) {
	m.EventsTotal.Inc()
	m.EventsByKind.WithLabelValues(string(e.Kind())).Inc()
	m.updateHighestSlot(e.EventSlot())
}

// RecordError counts one recovered error.
func (m *Metrics) RecordError(kind domain.ErrorKind) {
	m.ErrorsTotal.Inc()
	m.ErrorsByKind.WithLabelValues(string(kind)).Inc()
}

// RecordSessionOutcome counts a finished session.
func (m *Metrics) RecordSessionOutcome(outcome string) {
	m.SessionOutcomes.WithLabelValues(outcome).Inc()
}

// SetConnected updates the connection gauge.
func (m *Metrics) SetConnected(connected bool) {
	m.connected.Store(connected)
	if connected {
		m.WSConnected.Set(1)
		return
	}
	m.WSConnected.Set(0)
}

// Connected reports the last value passed to SetConnected.
func (m *Metrics) Connected() bool {
	return m.connected.Load()
}

// SetReconnectDelay records the delay chosen for the next reconnect.
func (m *Metrics) SetReconnectDelay(d time.Duration) {
	m.ReconnectDelay.Set(d.Seconds())
}

func (m *Metrics) updateHighestSlot(slot uint64) {
	for {
		cur := m.highestSlot.Load()
		if slot <= cur {
			return
		}
		if m.highestSlot.CompareAndSwap(cur, slot) {
			m.HighestSlotSeen.Set(float64(slot))
			return
		}
	}
}

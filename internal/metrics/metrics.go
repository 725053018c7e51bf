package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collaboration layer's collectors.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
type Metrics struct {
	reg prometheus.Registerer

	// ConnectionsOpened counts accepted handshakes.
	ConnectionsOpened prometheus.Counter

	// ConnectionsClosed counts removed connections.
	// Labels: reason (closed|timeout|shutdown|...)
	ConnectionsClosed *prometheus.CounterVec

	// HandshakesRejected counts refused handshakes.
	// Labels: reason (unauthorized|capacity)
	HandshakesRejected *prometheus.CounterVec

	// MessagesReceived counts inbound client messages.
	// Labels: event
	MessagesReceived *prometheus.CounterVec

	// Broadcasts counts published events.
	// Labels: priority (high|normal|low)
	Broadcasts *prometheus.CounterVec

	// Deliveries counts per-recipient outcomes.
	// Labels: outcome (delivered|filtered|failed|queued)
	Deliveries *prometheus.CounterVec

	// DeliveryLatency measures event timestamp to hand-off, in seconds.
	// Buckets: 1ms .. 5s
	DeliveryLatency prometheus.Histogram

	// StoredEvents is the number of events held for replay.
	StoredEvents prometheus.Gauge

	// Errors tracks swallowed errors.
	// Labels: component, error_type
	Errors *prometheus.CounterVec
}

// New creates and registers all collectors with reg.
// Pass prometheus.NewRegistry() in tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		ConnectionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "collabhub_connections_opened_total",
			Help: "Total number of accepted connections",
		}),

		ConnectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collabhub_connections_closed_total",
			Help: "Total number of removed connections by reason",
		}, []string{"reason"}),

		HandshakesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collabhub_handshakes_rejected_total",
			Help: "Total number of rejected handshakes by reason",
		}, []string{"reason"}),

		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collabhub_messages_received_total",
			Help: "Total number of inbound client messages by event",
		}, []string{"event"}),

		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collabhub_broadcasts_total",
			Help: "Total number of broadcast events by priority",
		}, []string{"priority"}),

		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collabhub_deliveries_total",
			Help: "Total number of per-recipient delivery outcomes",
		}, []string{"outcome"}),

		DeliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "collabhub_delivery_latency_seconds",
			Help:    "Time from event timestamp to hand-off to the connection",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),

		StoredEvents: f.NewGauge(prometheus.GaugeOpts{
			Name: "collabhub_stored_events",
			Help: "Number of persistent events held for replay",
		}),

		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collabhub_errors_total",
			Help: "Total number of errors by component and type",
		}, []string{"component", "error_type"}),
	}
}

// WatchConnections registers a gauge sampled from fn at scrape time.
func (m *Metrics) WatchConnections(fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "collabhub_connections",
		Help: "Current number of registered connections",
	}, fn)
}

// ConnectionOpened records an accepted handshake.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Inc()
}

// ConnectionClosed records a removed connection.
func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

// HandshakeRejected records a refused handshake.
func (m *Metrics) HandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.HandshakesRejected.WithLabelValues(reason).Inc()
}

// MessageReceived records one inbound message.
func (m *Metrics) MessageReceived(event string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(event).Inc()
}

// BroadcastPublished records one broadcast call.
func (m *Metrics) BroadcastPublished(priority string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(priority).Inc()
}

// RecordDelivery records one recipient outcome. latency is ignored when zero.
func (m *Metrics) RecordDelivery(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	if latency > 0 {
		m.DeliveryLatency.Observe(latency.Seconds())
	}
}

// SetStoredEvents updates the stored event gauge.
func (m *Metrics) SetStoredEvents(n int) {
	if m == nil {
		return
	}
	m.StoredEvents.Set(float64(n))
}

// RecordError tracks an error that was handled without propagating.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component, errorType).Inc()
}

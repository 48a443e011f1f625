package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Server owns its
// own registry so several servers can run in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive     prometheus.Gauge
	sessionsRegistered prometheus.Counter
	sessionsClosed     *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	broadcastFanout    prometheus.Histogram
	dispatchDuration   *prometheus.HistogramVec
	acceptErrors       prometheus.Counter
	connectionsOpen    *prometheus.GaugeVec
	roomsActive        prometheus.Gauge
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tricklobby_sessions_active",
			Help: "Number of registered sessions",
		}),
		sessionsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tricklobby_sessions_registered_total",
			Help: "Sessions that completed the join handshake",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tricklobby_sessions_closed_total",
			Help: "Closed connections by close reason",
		}, []string{"reason"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tricklobby_messages_received_total",
			Help: "Inbound messages by kind",
		}, []string{"kind"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tricklobby_messages_sent_total",
			Help: "Outbound messages by kind",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tricklobby_decode_errors_total",
			Help: "Inbound frames that failed to decode",
		}, []string{"reason"}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tricklobby_broadcast_fanout",
			Help:    "Recipients per broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tricklobby_dispatch_duration_seconds",
			Help:    "Time spent handling one dispatcher event",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"event"}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tricklobby_accept_errors_total",
			Help: "Failed accept calls on any listener",
		}),
		connectionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tricklobby_connections_open",
			Help: "Open connections by transport, joined or not",
		}, []string{"transport"}),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tricklobby_rooms_active",
			Help: "Number of open game rooms",
		}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsRegistered,
		m.sessionsClosed,
		m.messagesReceived,
		m.messagesSent,
		m.decodeErrors,
		m.broadcastFanout,
		m.dispatchDuration,
		m.acceptErrors,
		m.connectionsOpen,
		m.roomsActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) RecordSessionRegistered() {
	if m == nil {
		return
	}
	m.sessionsRegistered.Inc()
}

func (m *Metrics) RecordSessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDecodeError(reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBroadcastFanout(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordDispatchDuration(event string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(event).Observe(d.Seconds())
}

func (m *Metrics) RecordAcceptError() {
	if m == nil {
		return
	}
	m.acceptErrors.Inc()
}

func (m *Metrics) RecordConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connectionsOpen.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.connectionsOpen.WithLabelValues(transport).Dec()
}

func (m *Metrics) RecordActiveRooms(n int) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(n))
}

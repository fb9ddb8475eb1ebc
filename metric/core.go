package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jsonrpcbus"

// Metrics contains the transport-independent bus metrics.
// Labels: transport is the factory name, type is the session role.
type Metrics struct {
	SessionsOpen     *prometheus.GaugeVec
	PeersConnected   *prometheus.GaugeVec
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	Timeouts         *prometheus.CounterVec
	LateReplies      *prometheus.CounterVec
	ListenerPanics   *prometheus.CounterVec
	QueueDrops       *prometheus.CounterVec
	ConnectAttempts  *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec

	// NATS connection metrics
	NATSConnected  prometheus.Gauge
	NATSRTT        prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the bus metric collectors
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "open",
				Help:      "Number of open sessions",
			},
			[]string{"transport", "type"},
		),

		PeersConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "peers",
				Name:      "connected",
				Help:      "Number of peers attached to server sessions",
			},
			[]string{"transport", "type"},
		),

		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "sent_total",
				Help:      "Total number of messages written to a channel",
			},
			[]string{"transport", "type"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages delivered to a listener or future",
			},
			[]string{"transport", "type"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "request",
				Name:      "duration_seconds",
				Help:      "Request to reply latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),

		Timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Total number of blocking waits that exceeded the session timeout",
			},
			[]string{"transport", "type"},
		),

		LateReplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "late_replies_total",
				Help:      "Replies dropped because their request had already timed out",
			},
			[]string{"transport"},
		),

		ListenerPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "listener_panics_total",
				Help:      "Message listener panics recovered by the bus",
			},
			[]string{"transport", "type"},
		),

		QueueDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "dropped_total",
				Help:      "Messages dropped from full per-peer outbound queues",
			},
			[]string{"transport"},
		),

		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connect",
				Name:      "attempts_total",
				Help:      "Client connection attempts by result",
			},
			[]string{"transport", "result"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by class",
			},
			[]string{"transport", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// SessionOpened increments the open session gauge
func (c *Metrics) SessionOpened(transport, sessionType string) {
	if c == nil {
		return
	}
	c.SessionsOpen.WithLabelValues(transport, sessionType).Inc()
}

// SessionClosed decrements the open session gauge
func (c *Metrics) SessionClosed(transport, sessionType string) {
	if c == nil {
		return
	}
	c.SessionsOpen.WithLabelValues(transport, sessionType).Dec()
}

// PeerAttached increments the connected peer gauge
func (c *Metrics) PeerAttached(transport, sessionType string) {
	if c == nil {
		return
	}
	c.PeersConnected.WithLabelValues(transport, sessionType).Inc()
}

// PeerDetached decrements the connected peer gauge
func (c *Metrics) PeerDetached(transport, sessionType string) {
	if c == nil {
		return
	}
	c.PeersConnected.WithLabelValues(transport, sessionType).Dec()
}

// RecordMessageSent increments the sent message counter
func (c *Metrics) RecordMessageSent(transport, sessionType string) {
	if c == nil {
		return
	}
	c.MessagesSent.WithLabelValues(transport, sessionType).Inc()
}

// RecordMessageReceived increments the received message counter
func (c *Metrics) RecordMessageReceived(transport, sessionType string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(transport, sessionType).Inc()
}

// RecordRequestDuration observes a completed request
func (c *Metrics) RecordRequestDuration(transport string, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestDuration.WithLabelValues(transport).Observe(d.Seconds())
}

// RecordTimeout increments the timeout counter
func (c *Metrics) RecordTimeout(transport, sessionType string) {
	if c == nil {
		return
	}
	c.Timeouts.WithLabelValues(transport, sessionType).Inc()
}

// RecordLateReply increments the dropped late reply counter
func (c *Metrics) RecordLateReply(transport string) {
	if c == nil {
		return
	}
	c.LateReplies.WithLabelValues(transport).Inc()
}

// RecordListenerPanic increments the recovered listener panic counter
func (c *Metrics) RecordListenerPanic(transport, sessionType string) {
	if c == nil {
		return
	}
	c.ListenerPanics.WithLabelValues(transport, sessionType).Inc()
}

// RecordQueueDrop adds n dropped outbound messages
func (c *Metrics) RecordQueueDrop(transport string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.QueueDrops.WithLabelValues(transport).Add(float64(n))
}

// RecordConnectAttempt counts a connection attempt; result is "success" or "failure"
func (c *Metrics) RecordConnectAttempt(transport, result string) {
	if c == nil {
		return
	}
	c.ConnectAttempts.WithLabelValues(transport, result).Inc()
}

// RecordError increments the error counter for the error's class
func (c *Metrics) RecordError(transport, class string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(transport, class).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	if c == nil {
		return
	}
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

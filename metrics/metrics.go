// Package metrics exposes prometheus counters and gauges for the
// session engine: frames and bytes moved, active sessions, handshake
// outcomes, and reply/blocker timeouts. A Collector is entirely
// optional — every recording method is a no-op on a nil *Collector, so
// wiring it into the controller never becomes a hard dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"sessionnet/frame"
)

// Collector groups every metric this package registers. Create one
// with New and install it with Controller.UseMetrics; register it with
// prometheus.MustRegister wherever the process already exposes
// /metrics.
type Collector struct {
	FramesReceived   *prometheus.CounterVec
	FramesSent       *prometheus.CounterVec
	BytesReceived    prometheus.Counter
	BytesSent        prometheus.Counter
	ActiveSessions   prometheus.Gauge
	HandshakeResults *prometheus.CounterVec
	ReplyTimeouts    prometheus.Counter
	BlockerTimeouts  prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec
}

// New constructs a Collector with all metrics registered under a
// shared namespace, ready for prometheus.MustRegister.
func New(namespace string) *Collector {
	return &Collector{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received, labeled by frame type.",
		}, []string{"type"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames sent, labeled by frame type.",
		}, []string{"type"}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Raw bytes read off the wire across all connections.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Raw bytes written to the wire across all connections.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently in the ACTIVE state.",
		}),
		HandshakeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_results_total",
			Help:      "Handshake attempts, labeled by outcome (ok, timeout).",
		}, []string{"outcome"}),
		ReplyTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_timeouts_total",
			Help:      "Reply-expected frames that aged out of the reply registry unanswered.",
		}),
		BlockerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocker_timeouts_total",
			Help:      "SendRequest callers that timed out waiting for a response.",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Outbound ERROR frames, labeled by error kind.",
		}, []string{"kind"}),
	}
}

// Collectors returns every metric in a slice suitable for
// prometheus.MustRegister(c.Collectors()...).
func (c *Collector) Collectors() []prometheus.Collector {
	if c == nil {
		return nil
	}
	return []prometheus.Collector{
		c.FramesReceived, c.FramesSent,
		c.BytesReceived, c.BytesSent,
		c.ActiveSessions, c.HandshakeResults,
		c.ReplyTimeouts, c.BlockerTimeouts,
		c.ProtocolErrors,
	}
}

// ObserveReceived records one inbound frame of the given type and its
// total size in bytes.
func (c *Collector) ObserveReceived(frameType byte, totalSize int) {
	if c == nil {
		return
	}
	c.FramesReceived.WithLabelValues(frame.TypeName(frameType)).Inc()
	c.BytesReceived.Add(float64(totalSize))
}

// ObserveSent records one outbound frame of the given type and its
// total size in bytes.
func (c *Collector) ObserveSent(frameType byte, totalSize int) {
	if c == nil {
		return
	}
	c.FramesSent.WithLabelValues(frame.TypeName(frameType)).Inc()
	c.BytesSent.Add(float64(totalSize))
}

// SessionOpened increments the active-session gauge.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.ActiveSessions.Inc()
	c.HandshakeResults.WithLabelValues("ok").Inc()
}

// SessionClosed decrements the active-session gauge.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.ActiveSessions.Dec()
}

// HandshakeTimedOut records a ConnectSession call that never completed.
func (c *Collector) HandshakeTimedOut() {
	if c == nil {
		return
	}
	c.HandshakeResults.WithLabelValues("timeout").Inc()
}

// ReplyTimedOut records one reply-registry entry that aged out.
func (c *Collector) ReplyTimedOut() {
	if c == nil {
		return
	}
	c.ReplyTimeouts.Inc()
}

// BlockerTimedOut records one SendRequest caller that timed out.
func (c *Collector) BlockerTimedOut() {
	if c == nil {
		return
	}
	c.BlockerTimeouts.Inc()
}

// ProtocolError records one outbound ERROR frame, labeled by kind
// (dispatch passes protoerr.Kind.String(), e.g. "FALSE_VERSION",
// "UNKNOWN_SESSION", "INVALID_MESSAGE_SIZE").
func (c *Collector) ProtocolError(kind string) {
	if c == nil {
		return
	}
	c.ProtocolErrors.WithLabelValues(kind).Inc()
}

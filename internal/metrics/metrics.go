// ABOUTME: Prometheus collectors for connection lifecycle, frame traffic, and event dispatch
// ABOUTME: Nil-safe recorder methods let components run uninstrumented in tests

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_chat"

// Metrics holds the client's collectors.
type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	duplicateFrames   prometheus.Counter
	eventsDispatched  *prometheus.CounterVec
	staleEvents       prometheus.Counter
	handlerPanics     prometheus.Counter
	streamDuration    prometheus.Histogram
}

// New creates and registers the collectors on reg. A nil reg uses a fresh
// private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		connectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "1 for the current connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnection attempts",
		}),
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_received_total",
				Help:      "Total number of decoded inbound frames by command",
			},
			[]string{"command"},
		),
		framesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_sent_total",
				Help:      "Total number of outbound frames by command",
			},
			[]string{"command"},
		),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_decode_errors_total",
			Help:      "Total number of inbound payloads dropped as malformed",
		}),
		duplicateFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_frames_total",
			Help:      "Total number of MESSAGE frames dropped as redeliveries",
		}),
		eventsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dispatched_total",
				Help:      "Total number of events routed to handlers by event type",
			},
			[]string{"type"},
		),
		staleEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Total number of conversation events with no local subscriber",
		}),
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total number of recovered panics in event handlers",
		}),
		streamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Time from stream start to completion or cancellation",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
		}),
	}
}

// Handler returns an HTTP handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetConnectionState marks state as current among all known states.
func (m *Metrics) SetConnectionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

// ReconnectScheduled counts one scheduled reconnection attempt.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// FrameReceived counts one decoded inbound frame.
func (m *Metrics) FrameReceived(command string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(command).Inc()
}

// FrameSent counts one outbound frame.
func (m *Metrics) FrameSent(command string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(command).Inc()
}

// DecodeError counts one dropped malformed payload.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// DuplicateFrame counts one dropped redelivered MESSAGE.
func (m *Metrics) DuplicateFrame() {
	if m == nil {
		return
	}
	m.duplicateFrames.Inc()
}

// EventDispatched counts one routed event.
func (m *Metrics) EventDispatched(eventType string) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(eventType).Inc()
}

// StaleEvent counts one event dropped for lack of a subscriber.
func (m *Metrics) StaleEvent() {
	if m == nil {
		return
	}
	m.staleEvents.Inc()
}

// HandlerPanic counts one recovered handler panic.
func (m *Metrics) HandlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

// StreamFinished records how long a stream was in flight.
func (m *Metrics) StreamFinished(seconds float64) {
	if m == nil {
		return
	}
	m.streamDuration.Observe(seconds)
}

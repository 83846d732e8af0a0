// Package metrics exports relay activity as Prometheus collectors fed from the
// event bus.
package metrics

import (
	"context"

	"chatrelay/pkg/bus"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace   = "chatrelay"
	eventBuffer = 256
)

// Metrics holds the relay collectors.
type Metrics struct {
	events        *prometheus.CounterVec
	replyDuration *prometheus.HistogramVec
	newSessions   *prometheus.CounterVec
	inFlight      prometheus.Gauge
	duplicates    *prometheus.CounterVec
}

// MustNewMetrics registers the collectors with reg and panics on duplicate
// registration. A nil reg uses the default registerer.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relay events by type and provider.",
		},
		[]string{"type", "provider"},
	)
	replyDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reply",
			Name:      "duration_seconds",
			Help:      "Time spent resolving a reply, including the responder command.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
		},
		[]string{"provider", "outcome"},
	)
	newSessions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Conversation sessions started.",
		},
		[]string{"provider"},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reply",
			Name:      "in_flight",
			Help:      "Replies currently being resolved.",
		},
	)
	duplicates := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Inbound messages dropped because their id was already seen.",
		},
		[]string{"provider"},
	)

	reg.MustRegister(events, replyDuration, newSessions, inFlight, duplicates)

	return &Metrics{
		events:        events,
		replyDuration: replyDuration,
		newSessions:   newSessions,
		inFlight:      inFlight,
		duplicates:    duplicates,
	}
}

// Observe records one bus event.
func (m *Metrics) Observe(event bus.Event) {
	if m == nil {
		return
	}

	m.events.WithLabelValues(string(event.Type), event.Provider).Inc()

	switch event.Type {
	case bus.EventReplyResolved, bus.EventReplySuppressed, bus.EventReplyEmpty, bus.EventReplyFailed:
		m.replyDuration.WithLabelValues(event.Provider, outcome(event.Type)).Observe(event.Duration.Seconds())
		if event.NewSession {
			m.newSessions.WithLabelValues(event.Provider).Inc()
		}
	}
}

// Consume observes events from b until ctx is done or the bus closes.
func (m *Metrics) Consume(ctx context.Context, b *bus.Bus) {
	if m == nil || b == nil {
		return
	}

	events, unsubscribe := b.SubscribeEvents(ctx, eventBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.Observe(event)
		}
	}
}

// TrackInFlight increments the in-flight gauge and returns its release.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}

	m.inFlight.Inc()
	return m.inFlight.Dec
}

// Duplicate counts a dropped redelivery.
func (m *Metrics) Duplicate(provider string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(provider).Inc()
}

func outcome(eventType bus.EventType) string {
	switch eventType {
	case bus.EventReplyResolved:
		return "delivered"
	case bus.EventReplySuppressed:
		return "suppressed"
	case bus.EventReplyEmpty:
		return "empty"
	default:
		return "failed"
	}
}

// Package eventbus implements the Event Bus: fire-and-forget publication
// of dispatch lifecycle events to read-only observability consumers,
// mirrored into Prometheus metrics for dashboards (spec §4.8).
//
// Grounded on pub-sub/final/pub_sub.go's Broker fan-out (topic ->
// subscriber channels, non-blocking send, per-subscriber drop-on-full)
// with the acknowledgement tracking, retry queue, and circuit breaker
// dropped: spec §4.8 says producers never block on consumers and
// consumers are read-only, so there is nothing to acknowledge or retry.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Kind enumerates the lifecycle events spec §4.8 requires.
type Kind string

const (
	ReportRequested Kind = "ReportRequested"
	ReportAdmitted  Kind = "ReportAdmitted"
	ReportSucceeded Kind = "ReportSucceeded"
	ReportFailed    Kind = "ReportFailed"
	ReportRefunded  Kind = "ReportRefunded"
	LimitReached    Kind = "LimitReached"
)

// Event is one published, append-only lifecycle record (spec §3 Event).
type Event struct {
	ID      string
	TS      time.Time
	Kind    Kind
	UserID  string
	VIN     string
	Payload map[string]any
}

// Subscriber receives a bounded, best-effort stream of events. A full
// channel causes the bus to drop the event for that subscriber rather
// than block the publisher (spec §4.8: producers never block).
type Subscriber <-chan Event

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_events_total",
			Help: "Count of dispatch lifecycle events published, by kind.",
		},
		[]string{"kind"},
	)
	subscribersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_eventbus_subscribers",
			Help: "Current number of active event bus subscribers.",
		},
	)
)

// MustRegister registers the bus's collectors with reg. Call once at
// startup with the process's Prometheus registry.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(eventsTotal, subscribersGauge)
}

// Bus is the process-wide event bus singleton, constructed once at
// startup and passed to the Engine (spec §9 design notes).
type Bus struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]chan Event)}
}

// Subscribe registers a new dashboard consumer with the given buffer
// depth and returns its channel plus an unsubscribe func.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	subscribersGauge.Inc()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
			subscribersGauge.Dec()
		}
	}
	return ch, unsubscribe
}

// Publish fans out evt to every current subscriber without blocking; a
// subscriber whose buffer is full simply misses this event. evt.ID and
// evt.TS are stamped if unset.
func (b *Bus) Publish(_ context.Context, evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now()
	}

	eventsTotal.WithLabelValues(string(evt.Kind)).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

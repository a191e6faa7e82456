// Package progress implements the Progress Channel: a per-run cooperative
// ticker that advances an integer percent toward a cap and fans the
// resulting frames out to every subscriber of the run (spec §4.5).
//
// Grounded on pub-sub/final/pub_sub.go's Broker (topic -> subscriber
// channels, non-blocking fan-out, per-subscriber failure isolation) with
// the retry queue, acknowledgement tracking, and circuit breaker all
// dropped: spec §4.5 fan-out is textual-edit delivery, not a message
// queue with redelivery semantics, so those teacher mechanisms have no
// analogue here.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/moalhelu/dejavu-dispatch/internal/vin"
)

// Header is the localized quota/expiry snapshot shown above the bar.
type Header struct {
	VIN              string
	MonthlyRemaining string // pre-rendered, e.g. "499" or "∞"
	DailyUsage       string // pre-rendered, e.g. "3/25" or "3/∞"
	DaysLeft         string // pre-rendered, e.g. "12", "today", "expired"
}

// Frame is one progress update.
type Frame struct {
	Header  Header
	Percent int
	Bar     string
	Note    string
	Final   bool
}

// Subscriber receives progress frames for a run. Edit is called from the
// run's own goroutine, one subscriber after another; implementations must
// not block indefinitely, since a slow subscriber delays the edits of the
// subscribers after it and the next tick. An error from one subscriber is
// ignored and does not stop the others or the run.
type Subscriber interface {
	Edit(ctx context.Context, frame Frame) error
}

const (
	defaultTick        = 500 * time.Millisecond
	defaultCap         = 80
	deliveryCap        = 95
	stepWhenCapLow     = 5
	stepWhenCapHigh    = 3
	capThreshold       = 80
	throttleWindow     = 5 * time.Second
)

// Run drives one progress channel instance for the lifetime of a single
// dispatch job.
type Run struct {
	header Header
	tick   time.Duration

	mu          sync.Mutex
	subscribers map[string]Subscriber
	percent     int
	cap         int
	lastEditAt  time.Time
	lastPercent int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRun returns a Run with the given header and an initial cap of 80,
// which ticks at the default 0.5s interval once Start is called.
func NewRun(header Header) *Run {
	r := &Run{
		header:      header,
		tick:        defaultTick,
		subscribers: make(map[string]Subscriber),
		cap:         defaultCap,
		lastPercent: -1,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	return r
}

// AddSubscriber attaches a subscriber keyed by an adapter-defined id (e.g.
// "chatID:messageID"). Safe to call while the run is ticking.
func (r *Run) AddSubscriber(id string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[id] = sub
}

// RaiseCap raises the run's cap, e.g. to 95 when delivery begins. Lowering
// is ignored: cap only ever moves up within a run (spec §4.5).
func (r *Run) RaiseCap(newCap int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newCap > r.cap {
		r.cap = newCap
	}
}

// Start launches the ticking goroutine. Call Stop (directly or via
// Finish) to release it.
func (r *Run) Start(ctx context.Context) {
	go r.tickLoop(ctx)
}

func (r *Run) tickLoop(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.advance(ctx)
		}
	}
}

func (r *Run) advance(ctx context.Context) {
	r.mu.Lock()
	cap := r.cap
	step := stepWhenCapLow
	if cap > capThreshold {
		step = stepWhenCapHigh
	}
	if r.percent < cap {
		r.percent += step
		if r.percent > cap {
			r.percent = cap
		}
	}
	percent := r.percent
	r.mu.Unlock()

	r.maybeEmit(ctx, percent, "", false)
}

// maybeEmit applies the throttle rule (emit only on percent change or
// after 5s since the last edit) and fans out to every subscriber.
// Terminal frames always bypass the throttle.
func (r *Run) maybeEmit(ctx context.Context, percent int, note string, final bool) {
	r.mu.Lock()
	now := time.Now()
	shouldEmit := final || percent != r.lastPercent || now.Sub(r.lastEditAt) >= throttleWindow
	if !shouldEmit {
		r.mu.Unlock()
		return
	}
	r.lastPercent = percent
	r.lastEditAt = now
	subs := make(map[string]Subscriber, len(r.subscribers))
	for id, s := range r.subscribers {
		subs[id] = s
	}
	header := r.header
	r.mu.Unlock()

	frame := Frame{
		Header:  header,
		Percent: percent,
		Bar:     vin.ProgressBar(percent, 20),
		Note:    note,
		Final:   final,
	}

	for _, sub := range subs {
		// Per-subscriber failures never abort the run (spec §4.5).
		_ = sub.Edit(ctx, frame)
	}
}

// Finish emits the terminal frame (percent=100) with note, stops the
// ticker, and returns once the ticking goroutine has exited.
func (r *Run) Finish(ctx context.Context, note string) {
	r.maybeEmit(ctx, 100, note, true)
	r.Stop()
}

// Stop halts the ticking goroutine without emitting a terminal frame.
func (r *Run) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moalhelu/dejavu-dispatch/internal/config"
	"github.com/moalhelu/dejavu-dispatch/internal/eventbus"
	"github.com/moalhelu/dejavu-dispatch/internal/fetcher"
	"github.com/moalhelu/dejavu-dispatch/internal/gate"
	"github.com/moalhelu/dejavu-dispatch/internal/inflight"
	"github.com/moalhelu/dejavu-dispatch/internal/ledger"
	"github.com/moalhelu/dejavu-dispatch/internal/progress"
	"github.com/moalhelu/dejavu-dispatch/internal/store"
)

type fakeTarget struct {
	id string

	mu        sync.Mutex
	frames    []progress.Frame
	delivered bool
	failFirst int
}

func newFakeTarget(id string) *fakeTarget { return &fakeTarget{id: id} }

func (f *fakeTarget) ID() string { return f.id }

func (f *fakeTarget) Edit(_ context.Context, frame progress.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTarget) Deliver(_ context.Context, pdfBytes []byte, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return errDeliveryTransient
	}
	f.delivered = len(pdfBytes) > 0
	return nil
}

func (f *fakeTarget) lastFrame() progress.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[len(f.frames)-1]
}

func (f *fakeTarget) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errDeliveryTransient = testErr("transient delivery failure")

func testConfig() config.Config {
	return config.Config{
		PerUserConcurrency: 2,
		GlobalConcurrency:  4,
		InflightTTL:        time.Minute,
		TotalDeadline:      2 * time.Second,
		SendDeadline:       500 * time.Millisecond,
		GenerateRetries:    3,
		DeliveryRetries:    3,
		RetryBackoff:       []time.Duration{0, 5 * time.Millisecond, 5 * time.Millisecond},
		SupportedLanguages: []string{"ar", "en", "ku", "ckb"},
		DefaultLanguage:    "en",
	}
}

func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, func()) {
	t.Helper()
	return newTestEngineWithConfig(t, testConfig(), handler)
}

func newTestEngineWithConfig(t *testing.T, cfg config.Config, handler http.HandlerFunc) (*Engine, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)

	l := ledger.New(store.NewMem(), nil)
	ifr := inflight.New(cfg.InflightTTL)
	g := gate.New(cfg.PerUserConcurrency, cfg.GlobalConcurrency)
	f := fetcher.New(fetcher.Config{
		UpstreamURL:  srv.URL,
		SendDeadline: cfg.SendDeadline,
		MaxAttempts:  cfg.GenerateRetries,
		Backoff:      cfg.RetryBackoff,
	}, nil)
	bus := eventbus.New()

	e := New(cfg, l, ifr, g, f, bus, nil)
	return e, func() { srv.Close(); ifr.Close() }
}

func pdfHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Write([]byte("%PDF-1.4 happy path"))
}

func TestSubmit_HappyPath(t *testing.T) {
	e, cleanup := newTestEngine(t, pdfHandler)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, e.ledger.Activate(ctx, "u1", ledger.PlanMonthly, 30, 25, 500))

	target := newFakeTarget("chat1:msg1")
	res, err := e.Submit(ctx, Job{Channel: "telegram", UserID: "u1", VIN: "1HGCM82633A123456", Language: "en", Target: target})
	require.NoError(t, err)
	require.False(t, res.Attached)

	require.Eventually(t, func() bool {
		return target.frameCount() > 0 && target.lastFrame().Final
	}, 3*time.Second, 10*time.Millisecond)

	last := target.lastFrame()
	require.Equal(t, 100, last.Percent)
	require.True(t, target.delivered)

	snap, err := e.ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 499, snap.MonthlyRemaining)
}

func TestSubmit_DuplicateWithinTTLAttachesSecondSubscriber(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	e, cleanup := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		pdfHandler(w, r)
	})
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, e.ledger.Activate(ctx, "u1", ledger.PlanMonthly, 30, 25, 500))

	target1 := newFakeTarget("chat1:msg1")
	res1, err := e.Submit(ctx, Job{Channel: "telegram", UserID: "u1", VIN: "1HGCM82633A123456", Language: "en", Target: target1})
	require.NoError(t, err)
	require.False(t, res1.Attached)

	target2 := newFakeTarget("chat1:msg2")
	res2, err := e.Submit(ctx, Job{Channel: "telegram", UserID: "u1", VIN: "1HGCM82633A123456", Language: "en", Target: target2})
	require.NoError(t, err)
	require.True(t, res2.Attached)
	require.Equal(t, res1.RequestID, res2.RequestID)

	require.Eventually(t, func() bool {
		return target1.frameCount() > 0 && target1.lastFrame().Final &&
			target2.frameCount() > 0 && target2.lastFrame().Final
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), calls)

	snap, err := e.ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 499, snap.MonthlyRemaining)
}

func TestSubmit_InvalidVinRefundsAndReportsFailure(t *testing.T) {
	e, cleanup := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, e.ledger.Activate(ctx, "u1", ledger.PlanMonthly, 30, 25, 500))

	target := newFakeTarget("chat1:msg1")
	_, err := e.Submit(ctx, Job{Channel: "telegram", UserID: "u1", VIN: "11111111111111111", Language: "en", Target: target})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return target.frameCount() > 0 && target.lastFrame().Final
	}, 3*time.Second, 10*time.Millisecond)

	snap, err := e.ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 500, snap.MonthlyRemaining) // refunded: unchanged
	require.Equal(t, 0, snap.DailyUsed)
}

func TestSubmit_DailyCapReachedIsRejectedBeforeReserve(t *testing.T) {
	e, cleanup := newTestEngine(t, pdfHandler)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, e.ledger.Activate(ctx, "u1", ledger.PlanMonthly, 30, 2, 500))
	_, err := e.ledger.Reserve(ctx, "u1", "prior-1")
	require.NoError(t, err)
	_, err = e.ledger.Reserve(ctx, "u1", "prior-2")
	require.NoError(t, err)

	target := newFakeTarget("chat1:msg1")
	_, err = e.Submit(ctx, Job{Channel: "telegram", UserID: "u1", VIN: "1HGCM82633A123456", Language: "en", Target: target})
	require.ErrorIs(t, err, ledger.ErrDailyLimit)

	snap, err := e.ledger.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, snap.DailyUsed) // unchanged by the rejected submission
}

// TestSubmit_GateTimeoutUnregistersInflightEntry exercises the
// global-gate-saturation scenario (spec §8 S6): a primary run's goroutine
// is still queued on the Admission Gate when its TotalDeadline elapses.
// The failure path must still tear the run down and release the in-flight
// entry, or the next identical submission would wrongly attach
// to a run that no longer exists.
func TestSubmit_GateTimeoutUnregistersInflightEntry(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalConcurrency = 1
	cfg.TotalDeadline = 50 * time.Millisecond

	e, cleanup := newTestEngineWithConfig(t, cfg, pdfHandler)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, e.ledger.Activate(ctx, "u2", ledger.PlanMonthly, 30, 25, 500))

	// Occupy the single global permit directly, outside of Submit, so the
	// run below is guaranteed to still be queued on the gate when its
	// TotalDeadline elapses.
	occupant, err := e.gate.Acquire(ctx, "u1")
	require.NoError(t, err)

	target := newFakeTarget("chat2:msg1")
	res, err := e.Submit(ctx, Job{Channel: "telegram", UserID: "u2", VIN: "2HGCM82633A654321", Language: "en", Target: target})
	require.NoError(t, err)
	require.False(t, res.Attached)

	require.Eventually(t, func() bool {
		return target.frameCount() > 0 && target.lastFrame().Final
	}, 2*time.Second, 10*time.Millisecond, "gate-timeout run never finalized: runPrimary goroutine leaked")

	snap, err := e.ledger.Snapshot(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, 500, snap.MonthlyRemaining) // refunded after the gate timeout

	occupant.Release()

	// If the in-flight entry for u2's key had leaked, this would attach
	// instead of starting a fresh primary run.
	target2 := newFakeTarget("chat2:msg2")
	res2, err := e.Submit(ctx, Job{Channel: "telegram", UserID: "u2", VIN: "2HGCM82633A654321", Language: "en", Target: target2})
	require.NoError(t, err)
	require.False(t, res2.Attached, "stale in-flight entry from the timed-out run was never unregistered")
}

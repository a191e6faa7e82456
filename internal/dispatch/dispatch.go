// Package dispatch implements the Dispatcher: the engine object that
// wires the Entitlement Ledger, In-flight Registry, Admission Gate,
// Progress Channel, Fetcher, and Event Bus into the state machine
// Received -> Authorized -> Reserved -> Admitted -> Running ->
// Delivering -> Finalized (spec §4.7).
//
// Grounded on job-queue/final/job_queue.go's Job/JobMetadata/worker.processJob
// shape (one goroutine per unit of work, status transitions logged at each
// step) combined with quota-executor's Rotator.Execute validate-then-mutate
// phase separation (authorize before any state mutation, mutate only once
// authorized) and notification-delivery-orchestrator's per-channel
// independent failure handling (one subscriber's delivery failure never
// aborts another's).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/moalhelu/dejavu-dispatch/internal/config"
	"github.com/moalhelu/dejavu-dispatch/internal/eventbus"
	"github.com/moalhelu/dejavu-dispatch/internal/fetcher"
	"github.com/moalhelu/dejavu-dispatch/internal/fingerprint"
	"github.com/moalhelu/dejavu-dispatch/internal/gate"
	"github.com/moalhelu/dejavu-dispatch/internal/inflight"
	"github.com/moalhelu/dejavu-dispatch/internal/ledger"
	"github.com/moalhelu/dejavu-dispatch/internal/localize"
	"github.com/moalhelu/dejavu-dispatch/internal/progress"
	"github.com/moalhelu/dejavu-dispatch/internal/vin"
)

// DeliveryTarget is a chat adapter's handle for one subscriber: it both
// receives progress edits and, if it ends up primary, the final PDF.
type DeliveryTarget interface {
	progress.Subscriber
	Deliver(ctx context.Context, pdfBytes []byte, filename string) error
	ID() string
}

// Job is one inbound submission (spec §3 Job).
type Job struct {
	Channel   string
	UserID    string
	VIN       string
	Language  string
	Options   map[string]string
	ClientKey string
	Target    DeliveryTarget
}

// SubmitResult is Submit's immediate acknowledgement (spec §6.1).
type SubmitResult struct {
	RequestID string
	Attached  bool // true: joined an existing run; false: this submission is primary
}

// Sentinel rejection reasons surfaced pre-reserve (spec §7).
var (
	ErrInvalidVINGrammar   = errors.New("dispatch: vin fails grammar validation")
	ErrUnsupportedLanguage = errors.New("dispatch: unsupported language")
)

// Engine is the single, process-wide object owning the Ledger, In-flight
// Registry, Admission Gate, and Event Bus (spec §9: "lives in a single
// engine object instantiated at startup and injected into adapters").
type Engine struct {
	cfg      config.Config
	ledger   *ledger.Ledger
	inflight *inflight.Registry
	gate     *gate.Gate
	fetcher  *fetcher.Fetcher
	bus      *eventbus.Bus
	log      *logrus.Entry

	mu      chan struct{} // binary mutex-as-channel guarding runs/targets, matching job-queue's selectable-lock style
	runs    map[string]*progress.Run
	targets map[string][]DeliveryTarget
}

// New wires an Engine from its already-constructed components.
func New(cfg config.Config, l *ledger.Ledger, ifr *inflight.Registry, g *gate.Gate, f *fetcher.Fetcher, bus *eventbus.Bus, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		cfg:      cfg,
		ledger:   l,
		inflight: ifr,
		gate:     g,
		fetcher:  f,
		bus:      bus,
		log:      log.WithField("component", "dispatch"),
		mu:       make(chan struct{}, 1),
		runs:     make(map[string]*progress.Run),
		targets:  make(map[string][]DeliveryTarget),
	}
	e.mu <- struct{}{}
	return e
}

func (e *Engine) lock()   { <-e.mu }
func (e *Engine) unlock() { e.mu <- struct{}{} }

func inflightKey(userID, vinUpper string) string {
	return userID + ":" + vinUpper
}

// Submit is the chat adapter's entry point (spec §6.1 Submit). It
// authorizes, reserves, and either attaches to an in-flight run or spawns
// a new primary run. The call returns as soon as admission bookkeeping is
// done; the run itself continues asynchronously.
func (e *Engine) Submit(ctx context.Context, job Job) (SubmitResult, error) {
	vinUpper := vin.Normalize(job.VIN)
	if !vin.Valid(vinUpper) {
		return SubmitResult{}, ErrInvalidVINGrammar
	}
	if !localize.Supported(job.Language) {
		return SubmitResult{}, ErrUnsupportedLanguage
	}

	rid := fingerprint.Compute(fingerprint.Input{
		Channel:   job.Channel,
		UserID:    job.UserID,
		VIN:       vinUpper,
		Language:  job.Language,
		Options:   job.Options,
		ClientKey: job.ClientKey,
	})

	if err := e.ledger.EnsureUser(ctx, job.UserID); err != nil {
		return SubmitResult{}, fmt.Errorf("dispatch: ensure user: %w", err)
	}

	e.bus.Publish(ctx, eventbus.Event{Kind: eventbus.ReportRequested, UserID: job.UserID, VIN: vinUpper})

	// Received -> Authorized -> Reserved.
	if _, err := e.ledger.Reserve(ctx, job.UserID, rid); err != nil {
		e.reportRejection(ctx, job.UserID, vinUpper, job.Language, job.Target, err)
		return SubmitResult{}, err
	}

	// Reserved -> Admitted (in-flight dedup).
	key := inflightKey(job.UserID, vinUpper)
	attached := e.inflight.RegisterOrAttach(key, rid)

	e.lock()
	run, exists := e.runs[key]
	if attached && exists {
		run.AddSubscriber(job.Target.ID(), job.Target)
		e.targets[key] = append(e.targets[key], job.Target)
		e.unlock()
		return SubmitResult{RequestID: rid, Attached: true}, nil
	}
	// Primary: build the run's header and register it before releasing
	// the lock so racing secondaries always find it.
	run = progress.NewRun(e.renderHeader(ctx, job.UserID, vinUpper))
	run.AddSubscriber(job.Target.ID(), job.Target)
	e.runs[key] = run
	e.targets[key] = []DeliveryTarget{job.Target}
	e.unlock()

	e.bus.Publish(ctx, eventbus.Event{Kind: eventbus.ReportAdmitted, UserID: job.UserID, VIN: vinUpper})

	go e.runPrimary(context.Background(), job, rid, vinUpper, key, run)

	return SubmitResult{RequestID: rid, Attached: false}, nil
}

// Subscribe attaches an additional channel target to an already in-flight
// run, if any (spec §6.1 Subscribe).
func (e *Engine) Subscribe(userID, vinRaw string, target DeliveryTarget) bool {
	key := inflightKey(userID, vin.Normalize(vinRaw))

	e.lock()
	defer e.unlock()

	run, ok := e.runs[key]
	if !ok {
		return false
	}
	run.AddSubscriber(target.ID(), target)
	e.targets[key] = append(e.targets[key], target)
	return true
}

// GetSnapshot returns a read-only header snapshot (spec §6.1 GetSnapshot).
func (e *Engine) GetSnapshot(ctx context.Context, userID string) (ledger.Snapshot, error) {
	return e.ledger.Snapshot(ctx, userID)
}

func (e *Engine) renderHeader(ctx context.Context, userID, vinUpper string) progress.Header {
	snap, err := e.ledger.Snapshot(ctx, userID)
	if err != nil {
		return progress.Header{VIN: vinUpper}
	}

	monthly := "∞"
	if snap.MonthlyRemaining >= 0 {
		monthly = fmt.Sprintf("%d", snap.MonthlyRemaining)
	}

	daily := fmt.Sprintf("%d/∞", snap.DailyUsed)
	if snap.DailyCap > 0 {
		daily = fmt.Sprintf("%d/%d", snap.DailyUsed, snap.DailyCap)
	}

	days := "today"
	switch {
	case snap.DaysLeft == -2:
		days = localize.T(localize.KeyUnlimited, snap.PreferredLang)
	case snap.DaysLeft == -1:
		days = localize.T(localize.KeyExpired, snap.PreferredLang)
	case snap.DaysLeft > 0:
		days = fmt.Sprintf("%d", snap.DaysLeft)
	}

	return progress.Header{
		VIN:              vinUpper,
		MonthlyRemaining: monthly,
		DailyUsage:       daily,
		DaysLeft:         days,
	}
}

func (e *Engine) reportRejection(ctx context.Context, userID, vinUpper, lang string, target DeliveryTarget, err error) {
	var kind string
	var key localize.Key
	switch {
	case errors.Is(err, ledger.ErrNotActive):
		kind, key = "not_active", localize.KeyNotActive
	case errors.Is(err, ledger.ErrExpired):
		kind, key = "expired", localize.KeyExpired
	case errors.Is(err, ledger.ErrDailyLimit):
		kind, key = "daily", localize.KeyDailyLimit
	case errors.Is(err, ledger.ErrMonthlyLimit):
		kind, key = "monthly", localize.KeyMonthlyLimit
	default:
		kind, key = "unknown", localize.KeyGenericFailure
	}

	if kind != "unknown" {
		e.bus.Publish(ctx, eventbus.Event{Kind: eventbus.LimitReached, UserID: userID, VIN: vinUpper, Payload: map[string]any{"kind": kind}})
	}

	if target != nil {
		frame := progress.Frame{
			Header:  progress.Header{VIN: vinUpper},
			Percent: 100,
			Note:    localize.T(key, lang),
			Final:   true,
		}
		_ = target.Edit(ctx, frame)
	}
}

// runPrimary drives Admitted -> Running -> Delivering -> Finalized for
// the primary subscriber of key, then tears down the in-flight entry and
// attaches any secondaries' fanout before finalizing.
func (e *Engine) runPrimary(ctx context.Context, job Job, rid, vinUpper, key string, run *progress.Run) {
	// correlationID is distinct from rid: rid is the accounting idempotency
	// key (stable across retries of the same logical request), while
	// correlationID identifies this one goroutine's execution for log
	// tracing, the way bot_core/telemetry.py's contextvar-based correlation
	// id threads through a single request's log lines.
	correlationID := uuid.NewString()
	log := e.log.WithFields(logrus.Fields{"rid": rid, "correlation_id": correlationID, "user_id": job.UserID, "vin": vinUpper})

	deadline := e.cfg.TotalDeadline
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	defer func() {
		e.lock()
		delete(e.runs, key)
		delete(e.targets, key)
		e.unlock()
		e.inflight.Unregister(key)
	}()

	// Start the progress ticker before admission wait: Finish/Stop always
	// has a tickLoop goroutine to join, even when the run never gets past
	// Admitted (e.g. the Admission Gate is saturated until runCtx's
	// deadline, spec §8 S6).
	run.Start(runCtx)

	permit, err := e.gate.Acquire(runCtx, job.UserID)
	if err != nil {
		log.WithError(err).Warn("admission wait aborted")
		e.finalizeFailure(ctx, run, job.UserID, vinUpper, rid, job.Language, localize.KeyUpstreamTimeout)
		return
	}
	defer permit.Release()

	result := e.fetcher.Fetch(runCtx, vinUpper, job.Language, time.Until(deadlineAt(runCtx)))
	if !result.Success {
		log.WithField("error_codes", result.ErrorCodes).Warn("fetch failed")
		e.finalizeFailure(ctx, run, job.UserID, vinUpper, rid, job.Language, mapFetchErrorKey(result))
		return
	}

	run.RaiseCap(95)

	delivered := e.deliverToAll(runCtx, e.gatherTargets(key), result)
	if delivered == 0 {
		log.Warn("delivery failed to every subscriber")
		e.finalizeFailure(ctx, run, job.UserID, vinUpper, rid, job.Language, localize.KeyDeliveryFailure)
		return
	}

	if err := e.ledger.Commit(ctx, rid); err != nil {
		log.WithError(err).Error("commit failed after successful delivery")
	}

	snap, _ := e.ledger.Snapshot(ctx, job.UserID)
	e.bus.Publish(ctx, eventbus.Event{Kind: eventbus.ReportSucceeded, UserID: job.UserID, VIN: vinUpper, Payload: map[string]any{"remaining": snap.MonthlyRemaining}})
	run.Finish(ctx, localize.T(localize.KeySuccess, job.Language))
}

// deadlineAt recovers the context's deadline for computing Fetch's
// remaining-time budget.
func deadlineAt(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(time.Minute)
}

func mapFetchErrorKey(result fetcher.ReportResult) localize.Key {
	if len(result.ErrorCodes) == 0 {
		return localize.KeyGenericFailure
	}
	switch result.ErrorCodes[0] {
	case fetcher.ErrTimeout:
		return localize.KeyUpstreamTimeout
	case fetcher.ErrUpstream5xx:
		return localize.KeyUpstreamError
	case fetcher.ErrUnauthorized:
		return localize.KeyInvalidToken
	case fetcher.ErrInvalidVin:
		return localize.KeyInvalidVin
	case fetcher.ErrMalformed:
		return localize.KeyMalformedResponse
	default:
		return localize.KeyGenericFailure
	}
}

func (e *Engine) finalizeFailure(ctx context.Context, run *progress.Run, userID, vinUpper, rid, lang string, key localize.Key) {
	if err := e.ledger.Refund(ctx, rid); err != nil && !errors.Is(err, ledger.ErrAlreadyFinalized) {
		e.log.WithError(err).Error("refund failed")
	}
	e.bus.Publish(ctx, eventbus.Event{Kind: eventbus.ReportFailed, UserID: userID, VIN: vinUpper, Payload: map[string]any{"reason": string(key)}})
	e.bus.Publish(ctx, eventbus.Event{Kind: eventbus.ReportRefunded, UserID: userID, VIN: vinUpper})
	run.Finish(ctx, localize.T(key, lang)+" "+localize.T(localize.KeyRefundNote, lang))
}

// gatherTargets returns a snapshot of every subscriber currently attached
// to key: the primary plus any fanout targets (spec §4.3 fanout_targets).
func (e *Engine) gatherTargets(key string) []DeliveryTarget {
	e.lock()
	defer e.unlock()
	out := make([]DeliveryTarget, len(e.targets[key]))
	copy(out, e.targets[key])
	return out
}

// deliverToAll attempts PDF delivery to every target under the delivery
// retry schedule, independently per subscriber (spec §4.7 step 5): one
// subscriber's failure never aborts another's attempt. Returns the count
// of subscribers that received the PDF.
func (e *Engine) deliverToAll(ctx context.Context, targets []DeliveryTarget, result fetcher.ReportResult) int {
	delivered := 0
	for _, target := range targets {
		if target == nil {
			continue
		}
		if e.deliverWithRetry(ctx, target, result) {
			delivered++
		}
	}
	return delivered
}

// deliverWithRetry drives the delivery-retry schedule via
// cenkalti/backoff/v4's RetryNotify, using the same fixed delay schedule
// Fetch uses (spec §4.7 step 5: "a delivery-retry schedule identical to
// Fetcher's"), bounded by DeliveryRetries attempts and cancellable via ctx.
func (e *Engine) deliverWithRetry(ctx context.Context, target DeliveryTarget, result fetcher.ReportResult) bool {
	schedule := e.cfg.RetryBackoff
	if len(schedule) == 0 {
		schedule = fetcher.DefaultRetryBackoff
	}
	// schedule[0] is the (unused) delay before the first attempt; the
	// inter-attempt delays NextBackOff hands out start at schedule[1], the
	// same indexing Fetch itself uses for its own retry sleeps.
	var delays []time.Duration
	if len(schedule) > 1 {
		delays = schedule[1:]
	}

	attempts := e.cfg.DeliveryRetries
	if attempts <= 0 {
		attempts = 3
	}
	// NextBackOff is consulted only between attempts, so attempts total
	// tries need only attempts-1 scheduled delays before backoff.Stop.
	maxDelays := attempts - 1
	if maxDelays < 0 {
		maxDelays = 0
	}
	if maxDelays < len(delays) {
		delays = delays[:maxDelays]
	}

	policy := backoff.WithContext(deliveryBackoffPolicy(delays), ctx)

	err := backoff.RetryNotify(func() error {
		deliverCtx, cancel := context.WithTimeout(ctx, e.cfg.SendDeadline)
		defer cancel()
		return target.Deliver(deliverCtx, result.PDFBytes, result.Filename)
	}, policy, fetcher.Notifier(e.log.WithField("target", target.ID())))

	return err == nil
}

// deliveryBackoffPolicy builds a cenkalti/backoff/v4 policy that replays
// the fixed delay schedule then stops, instead of backoff's default
// exponential curve: spec §6.4's retry_backoff is a literal capped list,
// not a growth rate.
func deliveryBackoffPolicy(schedule []time.Duration) backoff.BackOff {
	return &fixedScheduleBackoff{schedule: schedule}
}

type fixedScheduleBackoff struct {
	schedule []time.Duration
	idx      int
}

func (f *fixedScheduleBackoff) NextBackOff() time.Duration {
	if f.idx >= len(f.schedule) {
		return backoff.Stop
	}
	d := f.schedule[f.idx]
	f.idx++
	return d
}

func (f *fixedScheduleBackoff) Reset() { f.idx = 0 }

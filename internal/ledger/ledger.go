// Package ledger implements the Entitlement Ledger and Credit Reservation
// components: authoritative per-user subscription state and the
// idempotent reserve/commit/refund accounting operations keyed by
// request id (spec §3, §4.2).
//
// Grounded on rate-limiter/final/rate_limiter.go's per-client bucket
// pattern (map keyed by client id, lazily created under a double-checked
// lock) generalized from a token bucket to a reservation ledger entry, and
// on job-queue/final/job_queue.go's JobMetadata status-tracking lifecycle
// (queued/processing/completed/failed) generalized to
// reserved/committed/refunded.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/moalhelu/dejavu-dispatch/internal/store"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanTrial   Plan = "trial"
	PlanMonthly Plan = "monthly"
	PlanCustom  Plan = "custom"
)

// ReservationState is a Reservation's lifecycle state.
type ReservationState string

const (
	StateReserved  ReservationState = "reserved"
	StateCommitted ReservationState = "committed"
	StateRefunded  ReservationState = "refunded"
)

// Authorization/accounting error kinds (spec §7). Callers match with
// errors.Is.
var (
	ErrNotActive        = errors.New("user not active")
	ErrExpired          = errors.New("user subscription expired")
	ErrDailyLimit       = errors.New("daily report limit reached")
	ErrMonthlyLimit     = errors.New("monthly report limit reached")
	ErrAlreadyFinalized = errors.New("reservation already finalized in the opposite direction")
	ErrUserNotFound     = errors.New("user not found")
)

// User is the authoritative per-user entitlement record (spec §3 User).
type User struct {
	ID                string `json:"id"`
	Plan              Plan   `json:"plan"`
	Active            bool   `json:"active"`
	ActivationDate    string `json:"activation_date"` // YYYY-MM-DD
	ExpiryDate        string `json:"expiry_date"`     // YYYY-MM-DD, "" = no expiry
	DailyCap          int    `json:"daily_cap"`        // 0 = unlimited
	MonthlyCap        int    `json:"monthly_cap"`       // 0 = unlimited
	DailyUsed         int    `json:"daily_used"`
	MonthlyUsed       int    `json:"monthly_used"`
	LastDay           string `json:"last_day"`   // YYYY-MM-DD of last counter touch
	LastMonth         string `json:"last_month"` // YYYY-MM of last counter touch
	PreferredLanguage string `json:"preferred_language"`
	TotalReports      int    `json:"total_reports"`
	LastReportTS      string `json:"last_report_ts"`
}

// Reservation is the exactly-once accounting journal row for one
// request id (spec §3 Reservation).
type Reservation struct {
	RequestID   string           `json:"request_id"`
	UserID      string           `json:"user_id"`
	State       ReservationState `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	FinalizedAt time.Time        `json:"finalized_at,omitempty"`
}

// Snapshot is the read-only header data GetSnapshot / the progress channel
// render (spec §4.5, §6.1).
type Snapshot struct {
	UserID           string
	MonthlyRemaining int  // -1 = unlimited
	DailyUsed        int
	DailyCap         int  // 0 = unlimited
	DaysLeft         int  // -1 = expired, -2 = unlimited/no expiry
	PreferredLang    string
}

// Clock abstracts "now", so tests can control day/month rollover without
// sleeping across a real midnight.
type Clock func() time.Time

// Ledger is the Entitlement Ledger. One Ledger is shared by the whole
// Engine; per-user operations are serialized by a lock held in each
// lazily-created userLock entry, created under the single map lock l.mu.
type Ledger struct {
	kv    store.KV
	log   *logrus.Entry
	clock Clock

	mu    sync.Mutex // guards locks map only, not per-user critical sections
	locks map[string]*sync.Mutex
}

// New returns a Ledger backed by kv.
func New(kv store.KV, log *logrus.Entry) *Ledger {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ledger{
		kv:    kv,
		log:   log.WithField("component", "ledger"),
		clock: time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[userID]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[userID] = lk
	}
	return lk
}

func userKey(id string) string        { return "user:" + id }
func reservationKey(rid string) string { return "reservation:" + rid }

func (l *Ledger) loadUser(ctx context.Context, userID string) (*User, error) {
	raw, ok, err := l.kv.Get(ctx, userKey(userID))
	if err != nil {
		return nil, fmt.Errorf("ledger: load user %q: %w", userID, err)
	}
	if !ok {
		return nil, ErrUserNotFound
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("ledger: decode user %q: %w", userID, err)
	}
	return &u, nil
}

func (l *Ledger) saveUser(ctx context.Context, u *User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("ledger: encode user %q: %w", u.ID, err)
	}
	return l.kv.Put(ctx, userKey(u.ID), raw)
}

func (l *Ledger) loadReservation(ctx context.Context, rid string) (*Reservation, bool, error) {
	raw, ok, err := l.kv.Get(ctx, reservationKey(rid))
	if err != nil {
		return nil, false, fmt.Errorf("ledger: load reservation %q: %w", rid, err)
	}
	if !ok {
		return nil, false, nil
	}
	var r Reservation
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, fmt.Errorf("ledger: decode reservation %q: %w", rid, err)
	}
	return &r, true, nil
}

func (l *Ledger) saveReservation(ctx context.Context, r *Reservation) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("ledger: encode reservation %q: %w", r.RequestID, err)
	}
	return l.kv.Put(ctx, reservationKey(r.RequestID), raw)
}

// rollCounters resets daily/monthly usage when the calendar has moved past
// the user's last touch, transparently, on first touch of the new
// day/month (spec §4.2, testable property 3).
func (l *Ledger) rollCounters(u *User) {
	now := l.clock()
	today := now.Format("2006-01-02")
	thisMonth := now.Format("2006-01")

	if u.LastDay != today {
		u.DailyUsed = 0
		u.LastDay = today
	}
	if u.LastMonth != thisMonth {
		u.MonthlyUsed = 0
		u.LastMonth = thisMonth
	}
}

func (l *Ledger) isExpired(u *User) bool {
	if u.ExpiryDate == "" {
		return false
	}
	exp, err := time.Parse("2006-01-02", u.ExpiryDate)
	if err != nil {
		return false
	}
	today := l.clock().Truncate(24 * time.Hour)
	return exp.Before(today)
}

// Reserve reserves one unit of credit for rid against user. It is
// idempotent: reserving an already-reserved rid is a no-op success;
// reserving an rid already in a terminal state returns that state without
// mutating counters again.
func (l *Ledger) Reserve(ctx context.Context, userID, rid string) (ReservationState, error) {
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	if existing, ok, err := l.loadReservation(ctx, rid); err != nil {
		return "", err
	} else if ok {
		return existing.State, nil
	}

	u, err := l.loadUser(ctx, userID)
	if err != nil {
		return "", err
	}

	l.rollCounters(u)

	if !u.Active {
		return "", ErrNotActive
	}
	if l.isExpired(u) {
		return "", ErrExpired
	}
	if u.DailyCap > 0 && u.DailyUsed >= u.DailyCap {
		return "", ErrDailyLimit
	}
	if u.MonthlyCap > 0 && u.MonthlyUsed >= u.MonthlyCap {
		return "", ErrMonthlyLimit
	}

	u.DailyUsed++
	u.MonthlyUsed++
	if err := l.saveUser(ctx, u); err != nil {
		return "", err
	}

	res := &Reservation{
		RequestID: rid,
		UserID:    userID,
		State:     StateReserved,
		CreatedAt: l.clock(),
	}
	if err := l.saveReservation(ctx, res); err != nil {
		return "", err
	}

	l.log.WithFields(logrus.Fields{"user_id": userID, "rid": rid}).Info("reservation created")
	return StateReserved, nil
}

// Commit transitions rid from reserved to committed, bumping the user's
// lifetime total_reports/last_report_ts. Double-commit is a no-op.
// Committing a refunded rid fails with ErrAlreadyFinalized.
func (l *Ledger) Commit(ctx context.Context, rid string) error {
	res, ok, err := l.loadReservation(ctx, rid)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ledger: commit: reservation %q not found", rid)
	}

	lk := l.userLock(res.UserID)
	lk.Lock()
	defer lk.Unlock()

	// Re-load under lock: another goroutine may have finalized concurrently.
	res, _, err = l.loadReservation(ctx, rid)
	if err != nil {
		return err
	}

	switch res.State {
	case StateCommitted:
		return nil
	case StateRefunded:
		return ErrAlreadyFinalized
	}

	u, err := l.loadUser(ctx, res.UserID)
	if err != nil {
		return err
	}
	u.TotalReports++
	u.LastReportTS = l.clock().Format(time.RFC3339)
	if err := l.saveUser(ctx, u); err != nil {
		return err
	}

	res.State = StateCommitted
	res.FinalizedAt = l.clock()
	if err := l.saveReservation(ctx, res); err != nil {
		return err
	}

	l.log.WithFields(logrus.Fields{"user_id": res.UserID, "rid": rid}).Info("reservation committed")
	return nil
}

// Refund transitions rid from reserved to refunded, decrementing the two
// usage counters without going below zero. Double-refund is a no-op.
// Refunding a committed rid fails with ErrAlreadyFinalized.
func (l *Ledger) Refund(ctx context.Context, rid string) error {
	res, ok, err := l.loadReservation(ctx, rid)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ledger: refund: reservation %q not found", rid)
	}

	lk := l.userLock(res.UserID)
	lk.Lock()
	defer lk.Unlock()

	res, _, err = l.loadReservation(ctx, rid)
	if err != nil {
		return err
	}

	switch res.State {
	case StateRefunded:
		return nil
	case StateCommitted:
		return ErrAlreadyFinalized
	}

	u, err := l.loadUser(ctx, res.UserID)
	if err != nil {
		return err
	}
	if u.DailyUsed > 0 {
		u.DailyUsed--
	}
	if u.MonthlyUsed > 0 {
		u.MonthlyUsed--
	}
	if err := l.saveUser(ctx, u); err != nil {
		return err
	}

	res.State = StateRefunded
	res.FinalizedAt = l.clock()
	if err := l.saveReservation(ctx, res); err != nil {
		return err
	}

	l.log.WithFields(logrus.Fields{"user_id": res.UserID, "rid": rid}).Info("reservation refunded")
	return nil
}

// Snapshot returns a read-only header snapshot for userID (spec §6.1
// GetSnapshot).
func (l *Ledger) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	u, err := l.loadUser(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	l.rollCounters(u)

	snap := Snapshot{
		UserID:        userID,
		DailyUsed:     u.DailyUsed,
		DailyCap:      u.DailyCap,
		PreferredLang: u.PreferredLanguage,
	}
	if u.MonthlyCap > 0 {
		remaining := u.MonthlyCap - u.MonthlyUsed
		if remaining < 0 {
			remaining = 0
		}
		snap.MonthlyRemaining = remaining
	} else {
		snap.MonthlyRemaining = -1
	}

	if u.ExpiryDate == "" {
		snap.DaysLeft = -2
	} else if l.isExpired(u) {
		snap.DaysLeft = -1
	} else {
		exp, err := time.Parse("2006-01-02", u.ExpiryDate)
		if err == nil {
			snap.DaysLeft = int(exp.Sub(l.clock().Truncate(24*time.Hour)).Hours() / 24)
		}
	}

	return snap, nil
}

// --- Admin operations (spec §6.2), all audited via structured logging. ---

// SetLimits adjusts a user's daily/monthly caps.
func (l *Ledger) SetLimits(ctx context.Context, userID string, daily, monthly int) error {
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	u, err := l.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	u.DailyCap = daily
	u.MonthlyCap = monthly
	if err := l.saveUser(ctx, u); err != nil {
		return err
	}
	l.log.WithFields(logrus.Fields{"user_id": userID, "daily_cap": daily, "monthly_cap": monthly}).Info("limits set")
	return nil
}

// Activate creates-or-updates userID with the given plan, validity window
// (days from now), and caps.
func (l *Ledger) Activate(ctx context.Context, userID string, plan Plan, days, daily, monthly int) error {
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	u, err := l.loadUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return err
		}
		u = &User{ID: userID}
	}

	now := l.clock()
	u.Plan = plan
	u.Active = true
	u.ActivationDate = now.Format("2006-01-02")
	if days > 0 {
		u.ExpiryDate = now.AddDate(0, 0, days).Format("2006-01-02")
	} else {
		u.ExpiryDate = ""
	}
	u.DailyCap = daily
	u.MonthlyCap = monthly
	if u.PreferredLanguage == "" {
		u.PreferredLanguage = "ar"
	}

	if err := l.saveUser(ctx, u); err != nil {
		return err
	}
	l.log.WithFields(logrus.Fields{"user_id": userID, "plan": plan, "days": days}).Info("user activated")
	return nil
}

// Deactivate marks userID inactive; it keeps counters and history intact.
func (l *Ledger) Deactivate(ctx context.Context, userID string) error {
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	u, err := l.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	u.Active = false
	if err := l.saveUser(ctx, u); err != nil {
		return err
	}
	l.log.WithField("user_id", userID).Info("user deactivated")
	return nil
}

// ResetToday zeroes a user's daily usage immediately, without waiting for
// natural rollover.
func (l *Ledger) ResetToday(ctx context.Context, userID string) error {
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	u, err := l.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	u.DailyUsed = 0
	u.LastDay = l.clock().Format("2006-01-02")
	if err := l.saveUser(ctx, u); err != nil {
		return err
	}
	l.log.WithField("user_id", userID).Info("daily usage reset")
	return nil
}

// EnsureUser creates userID with zeroed counters if it doesn't already
// exist, mirroring bot_core/storage.py's ensure_user on first contact.
func (l *Ledger) EnsureUser(ctx context.Context, userID string) error {
	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	if _, err := l.loadUser(ctx, userID); err == nil {
		return nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	u := &User{
		ID:              userID,
		Plan:            PlanTrial,
		Active:          false,
		PreferredLanguage: "ar",
	}
	return l.saveUser(ctx, u)
}

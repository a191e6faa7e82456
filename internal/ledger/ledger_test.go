package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moalhelu/dejavu-dispatch/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New(store.NewMem(), nil)
	return l
}

func activate(t *testing.T, l *Ledger, userID string, daily, monthly int) {
	t.Helper()
	require.NoError(t, l.Activate(context.Background(), userID, PlanMonthly, 30, daily, monthly))
}

func TestReserve_IdempotentOnRetry(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	activate(t, l, "u1", 5, 100)

	st1, err := l.Reserve(ctx, "u1", "rid-1")
	require.NoError(t, err)
	require.Equal(t, StateReserved, st1)

	// Same request id submitted again (e.g. retried webhook) must not
	// consume a second unit of credit.
	st2, err := l.Reserve(ctx, "u1", "rid-1")
	require.NoError(t, err)
	require.Equal(t, StateReserved, st2)

	snap, err := l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, snap.DailyUsed)
}

func TestCommit_DoubleCommitIsNoop(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	activate(t, l, "u1", 5, 100)

	_, err := l.Reserve(ctx, "u1", "rid-1")
	require.NoError(t, err)

	require.NoError(t, l.Commit(ctx, "rid-1"))
	require.NoError(t, l.Commit(ctx, "rid-1"))
}

func TestRefund_RestoresCredit_DoubleRefundIsNoop(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	activate(t, l, "u1", 5, 100)

	_, err := l.Reserve(ctx, "u1", "rid-1")
	require.NoError(t, err)

	require.NoError(t, l.Refund(ctx, "rid-1"))
	require.NoError(t, l.Refund(ctx, "rid-1"))

	snap, err := l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 0, snap.DailyUsed)
}

func TestRefund_AfterCommit_IsAlreadyFinalized(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	activate(t, l, "u1", 5, 100)

	_, err := l.Reserve(ctx, "u1", "rid-1")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, "rid-1"))

	err = l.Refund(ctx, "rid-1")
	require.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestCommit_AfterRefund_IsAlreadyFinalized(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	activate(t, l, "u1", 5, 100)

	_, err := l.Reserve(ctx, "u1", "rid-1")
	require.NoError(t, err)
	require.NoError(t, l.Refund(ctx, "rid-1"))

	err = l.Commit(ctx, "rid-1")
	require.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestReserve_DailyLimitReached(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	activate(t, l, "u1", 2, 100)

	_, err := l.Reserve(ctx, "u1", "rid-1")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "u1", "rid-2")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "u1", "rid-3")
	require.ErrorIs(t, err, ErrDailyLimit)
}

func TestReserve_MonthlyLimitReached(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	activate(t, l, "u1", 100, 1)

	_, err := l.Reserve(ctx, "u1", "rid-1")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "u1", "rid-2")
	require.ErrorIs(t, err, ErrMonthlyLimit)
}

func TestReserve_InactiveUser(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.EnsureUser(ctx, "u1"))

	_, err := l.Reserve(ctx, "u1", "rid-1")
	require.ErrorIs(t, err, ErrNotActive)
}

func TestReserve_ExpiredUser(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Activate(ctx, "u1", PlanMonthly, 30, 10, 100))

	// Force the clock forward past expiry.
	l.clock = func() time.Time { return time.Now().AddDate(0, 0, 31) }

	_, err := l.Reserve(ctx, "u1", "rid-1")
	require.ErrorIs(t, err, ErrExpired)
}

func TestRollCounters_DailyResetsOnNewDay(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	activate(t, l, "u1", 1, 100)

	now := time.Now()
	l.clock = func() time.Time { return now }

	_, err := l.Reserve(ctx, "u1", "rid-1")
	require.NoError(t, err)

	// Would be blocked by the daily cap on the same day.
	_, err = l.Reserve(ctx, "u1", "rid-2")
	require.ErrorIs(t, err, ErrDailyLimit)

	// Advance the clock to the next day: the daily counter rolls over,
	// monthly usage is preserved.
	l.clock = func() time.Time { return now.AddDate(0, 0, 1) }

	st, err := l.Reserve(ctx, "u1", "rid-3")
	require.NoError(t, err)
	require.Equal(t, StateReserved, st)

	snap, err := l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, snap.DailyUsed)
	require.Equal(t, 98, snap.MonthlyRemaining)
}

func TestSetLimitsAndResetToday(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	activate(t, l, "u1", 1, 100)

	_, err := l.Reserve(ctx, "u1", "rid-1")
	require.NoError(t, err)

	require.NoError(t, l.ResetToday(ctx, "u1"))
	snap, err := l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 0, snap.DailyUsed)

	require.NoError(t, l.SetLimits(ctx, "u1", 5, 50))
	snap, err = l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 5, snap.DailyCap)
}

func TestDeactivate_BlocksFurtherReservations(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	activate(t, l, "u1", 5, 100)

	require.NoError(t, l.Deactivate(ctx, "u1"))

	_, err := l.Reserve(ctx, "u1", "rid-1")
	require.ErrorIs(t, err, ErrNotActive)
}

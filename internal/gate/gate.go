// Package gate implements the Admission Gate: the nested per-user then
// global concurrency bound that a reserved request must pass through
// before it starts fetching (spec §4.4, §5).
//
// Grounded on rate-limiter/final/rate_limiter.go's per-client bucket
// map (lazily created, one limiter per client id), generalized here from
// a token-bucket rate limit to a two-level admission semaphore using
// golang.org/x/sync/semaphore.Weighted instead of a hand-rolled counter +
// condition variable, matching the library kedacore-keda and estuary-flow
// already pull in for weighted concurrency limits.
package gate

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate admits requests under a fixed global cap and a fixed per-user cap.
// Acquisition order is always per-user first, then global, to avoid the
// classic AB/BA deadlock between two users racing for the last global
// slot while each holds their own per-user slot.
type Gate struct {
	globalCap int64
	userCap   int64
	global    *semaphore.Weighted

	mu    sync.Mutex
	users map[string]*semaphore.Weighted
}

// New returns a Gate admitting at most globalCap requests system-wide and
// at most userCap concurrent requests per user.
func New(userCap, globalCap int) *Gate {
	return &Gate{
		globalCap: int64(globalCap),
		userCap:   int64(userCap),
		global:    semaphore.NewWeighted(int64(globalCap)),
		users:     make(map[string]*semaphore.Weighted),
	}
}

func (g *Gate) userSem(userID string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.users[userID]
	if !ok {
		s = semaphore.NewWeighted(g.userCap)
		g.users[userID] = s
	}
	return s
}

// Permit is a held admission slot. Release must be called exactly once.
type Permit struct {
	userSem *semaphore.Weighted
	global  *semaphore.Weighted
}

// Release returns the permit's slots in reverse acquisition order
// (global first, then per-user), always succeeding even if ctx passed to
// Acquire was later canceled.
func (p *Permit) Release() {
	p.global.Release(1)
	p.userSem.Release(1)
}

// Acquire blocks until both the user's slot and a global slot are free, or
// ctx is done. On success the caller must call the returned Permit's
// Release exactly once, typically deferred immediately.
func (g *Gate) Acquire(ctx context.Context, userID string) (*Permit, error) {
	userSem := g.userSem(userID)

	if err := userSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("gate: acquire user slot: %w", err)
	}
	if err := g.global.Acquire(ctx, 1); err != nil {
		userSem.Release(1)
		return nil, fmt.Errorf("gate: acquire global slot: %w", err)
	}

	return &Permit{userSem: userSem, global: g.global}, nil
}

// TryAcquire attempts a non-blocking admission; it returns ok=false
// immediately if either level is saturated, releasing anything it
// already took, rather than queuing the caller.
func (g *Gate) TryAcquire(userID string) (*Permit, bool) {
	userSem := g.userSem(userID)

	if !userSem.TryAcquire(1) {
		return nil, false
	}
	if !g.global.TryAcquire(1) {
		userSem.Release(1)
		return nil, false
	}
	return &Permit{userSem: userSem, global: g.global}, true
}

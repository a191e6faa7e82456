package gate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquire_BoundsPerUserConcurrency(t *testing.T) {
	g := New(2, 10)
	ctx := context.Background()

	p1, err := g.Acquire(ctx, "u1")
	require.NoError(t, err)
	p2, err := g.Acquire(ctx, "u1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		p3, err := g.Acquire(ctx, "u1")
		require.NoError(t, err)
		close(acquired)
		p3.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("third same-user acquire should have blocked on the per-user cap")
	case <-time.After(50 * time.Millisecond):
	}

	p1.Release()
	<-acquired
	p2.Release()
}

func TestAcquire_BoundsGlobalConcurrencyAcrossUsers(t *testing.T) {
	g := New(5, 1)
	ctx := context.Background()

	p1, err := g.Acquire(ctx, "u1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		p2, err := g.Acquire(ctx, "u2")
		require.NoError(t, err)
		close(acquired)
		p2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second user's acquire should have blocked on the global cap")
	case <-time.After(50 * time.Millisecond):
	}

	p1.Release()
	<-acquired
}

func TestAcquire_CancelableViaContext(t *testing.T) {
	g := New(1, 1)
	ctx := context.Background()

	p1, err := g.Acquire(ctx, "u1")
	require.NoError(t, err)
	defer p1.Release()

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(cctx, "u1")
	require.Error(t, err)
}

func TestTryAcquire_NonBlockingWhenSaturated(t *testing.T) {
	g := New(1, 1)

	p1, ok := g.TryAcquire("u1")
	require.True(t, ok)

	_, ok = g.TryAcquire("u1")
	require.False(t, ok)

	p1.Release()
	p2, ok := g.TryAcquire("u1")
	require.True(t, ok)
	p2.Release()
}

func TestAcquire_NeverDeadlocksUnderContention(t *testing.T) {
	g := New(3, 6)
	ctx := context.Background()
	var completed int64

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(i int) {
			user := "u1"
			if i%2 == 0 {
				user = "u2"
			}
			p, err := g.Acquire(ctx, user)
			if err == nil {
				atomic.AddInt64(&completed, 1)
				p.Release()
			}
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	require.Equal(t, int64(20), atomic.LoadInt64(&completed))
}

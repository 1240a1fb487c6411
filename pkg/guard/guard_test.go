package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(ttl time.Duration) *Guard {
	return New(Options{TTL: ttl, Logger: zerolog.Nop()})
}

func TestAcquire_MutualExclusion(t *testing.T) {
	g := newGuard(-1)
	ctx := context.Background()

	var inside, maxInside, total int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := g.Acquire(ctx, "sess_1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&total, 1)
			atomic.AddInt32(&inside, -1)
			g.Release(lease)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(50), total)
	assert.False(t, g.Held("sess_1"))
}

func TestAcquire_DifferentKeysDoNotBlock(t *testing.T) {
	g := newGuard(-1)
	ctx := context.Background()

	a, err := g.Acquire(ctx, "sess_a")
	require.NoError(t, err)
	defer g.Release(a)

	done := make(chan struct{})
	go func() {
		b, err := g.Acquire(ctx, "sess_b")
		assert.NoError(t, err)
		g.Release(b)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire on an unrelated key blocked")
	}
}

func TestAcquire_FIFOHandoff(t *testing.T) {
	g := newGuard(-1)
	ctx := context.Background()

	first, err := g.Acquire(ctx, "k")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := g.Acquire(ctx, "k")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release(lease)
		}(i)
		require.Eventually(t, func() bool { return g.waiting("k") == i }, time.Second, time.Millisecond)
	}

	g.Release(first)
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestAcquire_CancelledWaiterLeavesQueue(t *testing.T) {
	g := newGuard(-1)

	held, err := g.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.waiting("k"))

	g.Release(held)
	assert.False(t, g.Held("k"))

	again, err := g.Acquire(context.Background(), "k")
	require.NoError(t, err)
	g.Release(again)
}

func TestRelease_Idempotent(t *testing.T) {
	g := newGuard(-1)
	ctx := context.Background()

	first, err := g.Acquire(ctx, "k")
	require.NoError(t, err)
	g.Release(first)

	second, err := g.Acquire(ctx, "k")
	require.NoError(t, err)

	// A stale release must not free the new holder.
	g.Release(first)
	assert.True(t, g.Held("k"))

	g.Release(second)
	g.Release(second)
	g.Release(nil)
	assert.False(t, g.Held("k"))
}

func TestLease_SoftExpiryHandsOff(t *testing.T) {
	g := newGuard(30 * time.Millisecond)
	ctx := context.Background()

	stuck, err := g.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "k", stuck.Key())

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	next, err := g.Acquire(waitCtx, "k")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// The expired holder releasing late must not affect the new holder.
	g.Release(stuck)
	assert.True(t, g.Held("k"))
	g.Release(next)
}

func (g *Guard) waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.slots[key]; ok {
		return len(s.waiters)
	}
	return 0
}

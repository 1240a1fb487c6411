// Package guard serializes work per session id within one process.
//
// A Lease is granted to one holder at a time per key. Waiters queue in arrival
// order and are handed the lease directly on release, so a released key is
// never observed as free while someone is waiting. A lease not released within
// its TTL is force released and logged.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/threadline/internal/observability"
	"github.com/harun/threadline/internal/tracing"
)

// DefaultTTL is the soft expiry applied when Options.TTL is zero.
const DefaultTTL = 30 * time.Second

// Lease is exclusive ownership of one key.
type Lease struct {
	key        string
	acquiredAt time.Time
	timer      *time.Timer
}

// Key returns the guarded key.
func (l *Lease) Key() string {
	return l.key
}

type slot struct {
	holder  *Lease
	waiters []chan *Lease
}

// Options configures a Guard.
type Options struct {
	// TTL is the soft expiry of a lease. Negative disables expiry.
	TTL    time.Duration
	Logger zerolog.Logger
}

// Guard hands out per-key leases.
type Guard struct {
	mu     sync.Mutex
	slots  map[string]*slot
	ttl    time.Duration
	logger zerolog.Logger
	active int
}

func New(opts Options) *Guard {
	observability.EnsureRegistered()

	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		slots:  make(map[string]*slot),
		ttl:    ttl,
		logger: opts.Logger,
	}
}

// Acquire blocks until key is free or ctx is done.
func (g *Guard) Acquire(ctx context.Context, key string) (*Lease, error) {
	_, span := tracing.StartSpan(ctx, tracing.TracerGuard, "guard.acquire", attribute.String("key", key))
	defer span.End()
	start := time.Now()

	g.mu.Lock()
	s, ok := g.slots[key]
	if !ok {
		s = &slot{}
		g.slots[key] = s
	}
	if s.holder == nil {
		lease := g.grantLocked(s, key)
		g.mu.Unlock()
		observability.RecordGuardWait(time.Since(start))
		return lease, nil
	}

	ch := make(chan *Lease, 1)
	s.waiters = append(s.waiters, ch)
	g.mu.Unlock()

	select {
	case lease := <-ch:
		observability.RecordGuardWait(time.Since(start))
		return lease, nil
	case <-ctx.Done():
		g.mu.Lock()
		removed := false
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				removed = true
				break
			}
		}
		g.mu.Unlock()

		// The lease was handed over between ctx firing and taking the lock.
		if !removed {
			g.Release(<-ch)
		}
		tracing.RecordError(span, ctx.Err())
		return nil, ctx.Err()
	}
}

// Release gives up the lease. Releasing a lease that is no longer held is a no-op.
func (g *Guard) Release(lease *Lease) {
	if lease == nil {
		return
	}
	g.mu.Lock()
	released := g.releaseLocked(lease)
	g.mu.Unlock()

	if released && lease.timer != nil {
		lease.timer.Stop()
	}
}

// Held reports whether key currently has a holder.
func (g *Guard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	return ok && s.holder != nil
}

func (g *Guard) grantLocked(s *slot, key string) *Lease {
	lease := &Lease{key: key, acquiredAt: time.Now()}
	s.holder = lease
	g.active++
	observability.SetActiveLeases(g.active)

	if g.ttl > 0 {
		lease.timer = time.AfterFunc(g.ttl, func() { g.expire(lease) })
	}
	return lease
}

func (g *Guard) releaseLocked(lease *Lease) bool {
	s, ok := g.slots[lease.key]
	if !ok || s.holder != lease {
		return false
	}
	s.holder = nil
	g.active--

	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		next <- g.grantLocked(s, lease.key)
	} else {
		delete(g.slots, lease.key)
	}
	observability.SetActiveLeases(g.active)
	return true
}

func (g *Guard) expire(lease *Lease) {
	g.mu.Lock()
	released := g.releaseLocked(lease)
	g.mu.Unlock()

	if released {
		observability.RecordForcedRelease()
		g.logger.Warn().
			Str("key", lease.key).
			Dur("held", time.Since(lease.acquiredAt)).
			Msg("Lease expired without release, forcing handoff")
	}
}

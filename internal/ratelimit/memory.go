package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucket struct {
	mu        sync.Mutex
	ready     bool
	tokens    float64
	lastFill  time.Time
	window    []time.Time // admitted request times, oldest first
	expiresAt time.Time
	evicted   bool
}

// MemoryLimiter keeps state in process. The map lock is held only for
// lookup, insert and eviction; each key is updated under its own lock.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	idle    time.Duration
	now     func() time.Time
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

func NewMemoryLimiter(idleTimeout time.Duration, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		idle:    idleTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, policy Policy) (Decision, error) {
	policy = normalizePolicy(policy)
	if key == "" {
		key = "unknown"
	}
	for {
		b := m.lookup(key)
		b.mu.Lock()
		if b.evicted {
			// Lost a race with EvictIdle; the next lookup creates a fresh entry.
			b.mu.Unlock()
			continue
		}
		d := b.take(m.now(), policy, m.idle)
		b.mu.Unlock()
		return d, nil
	}
}

func (m *MemoryLimiter) lookup(key string) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{}
		m.buckets[key] = b
	}
	return b
}

func (b *bucket) take(now time.Time, p Policy, idle time.Duration) Decision {
	if !b.ready {
		b.ready = true
		b.tokens = p.BurstCapacity
		b.lastFill = now
	}
	if now.Before(b.lastFill) {
		b.lastFill = now
	}
	b.tokens = math.Min(p.BurstCapacity, b.tokens+now.Sub(b.lastFill).Seconds()*p.BurstRefillPerSec)
	b.lastFill = now

	cutoff := now.Add(-p.SustainedWindow)
	drop := 0
	for drop < len(b.window) && !b.window[drop].After(cutoff) {
		drop++
	}
	b.window = b.window[drop:]

	allowed := b.tokens >= 1 && len(b.window) < p.SustainedLimit
	if allowed {
		b.tokens--
		b.window = append(b.window, now)
	}
	b.expiresAt = now.Add(retention(p, idle))

	remaining := min(int(math.Floor(b.tokens)), p.SustainedLimit-len(b.window))
	d := Decision{Allowed: allowed, Remaining: max(remaining, 0), ResetAt: now.Add(p.SustainedWindow)}
	if allowed {
		return d
	}

	var retry time.Duration
	if b.tokens < 1 {
		retry = time.Duration(math.Ceil((1-b.tokens)/p.BurstRefillPerSec*1000)) * time.Millisecond
	}
	if len(b.window) >= p.SustainedLimit {
		retry = max(retry, b.window[0].Add(p.SustainedWindow).Sub(now))
	}
	d.RetryAfter = max(retry, time.Millisecond)
	d.ResetAt = now.Add(d.RetryAfter)
	return d
}

// EvictIdle drops state that has been untouched past its retention and
// returns how many keys were removed.
func (m *MemoryLimiter) EvictIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, b := range m.buckets {
		b.mu.Lock()
		if b.ready && !now.Before(b.expiresAt) {
			b.evicted = true
			delete(m.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

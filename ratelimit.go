package magiclink

import (
	"context"
	"strings"
	"sync"
	"time"
)

// In-memory fixed-window counters, the window opening at the first hit.
// Good for single-instance setups (dev, small deployments). Use redislimit
// when several instances share quotas.

type bucket struct {
	end   time.Time
	count int
}

// MemoryRateLimiter implements RateLimiter in process memory.
type MemoryRateLimiter struct {
	mu    sync.Mutex
	clock Clock
	data  map[string]bucket
	hits  int
}

// NewMemoryRateLimiter uses clock for window arithmetic; nil means wall time.
func NewMemoryRateLimiter(clock Clock) *MemoryRateLimiter {
	if clock == nil {
		clock = realClock{}
	}
	return &MemoryRateLimiter{clock: clock, data: make(map[string]bucket)}
}

// sweepEvery bounds how often stale buckets are dropped.
const sweepEvery = 1024

// Allow checks and increments the counter for key under one lock.
func (rl *MemoryRateLimiter) Allow(_ context.Context, key string, limit int, per time.Duration) (Decision, error) {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.hits++
	if rl.hits%sweepEvery == 0 {
		rl.sweep(now)
	}

	b, ok := rl.data[key]
	if !ok || !now.Before(b.end) {
		if limit < 1 {
			return Decision{Allowed: false, RetryAfter: per}, nil
		}
		rl.data[key] = bucket{end: now.Add(per), count: 1}
		return Decision{Allowed: true, Remaining: limit - 1}, nil
	}
	if b.count >= limit {
		return Decision{Allowed: false, Remaining: 0, RetryAfter: b.end.Sub(now)}, nil
	}
	b.count++
	rl.data[key] = b
	return Decision{Allowed: true, Remaining: limit - b.count}, nil
}

// Clear forgets the counter for key.
func (rl *MemoryRateLimiter) Clear(_ context.Context, key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.data, key)
	return nil
}

func (rl *MemoryRateLimiter) sweep(now time.Time) {
	for k, b := range rl.data {
		if !now.Before(b.end) {
			delete(rl.data, k)
		}
	}
}

// key helpers -----------------------------------------------------------------

// IssueKey is the rate-limit key for issuance to a subject.
func IssueKey(email string) string {
	e := normalizeEmail(email)
	if e == "" {
		return ""
	}
	return "issue:" + e
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

var _ RateLimiter = (*MemoryRateLimiter)(nil)

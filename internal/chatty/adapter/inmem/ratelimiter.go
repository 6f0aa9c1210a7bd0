package inmem

import (
	"context"
	"math"
	"sync"
	"time"

	"chatty/internal/chatty"
)

const staleThreshold = 10 * time.Minute

// RateLimiter is a token bucket limiter keyed by an arbitrary string. The
// server uses one instance keyed by client IP for upgrade requests and one
// keyed by connection id for inbound socket events.
type RateLimiter struct {
	rate  float64 // tokens per second
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a limiter that refills rate tokens per second up to
// burst. A nil clock means time.Now.
func NewRateLimiter(rate float64, burst int, clock func() time.Time) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		rate:    rate,
		burst:   burst,
		now:     clock,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from the bucket for key.
func (rl *RateLimiter) Allow(key string) chatty.RateLimitResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastSeen: now}
		rl.buckets[key] = b
	}

	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens = math.Min(b.tokens+elapsed*rl.rate, float64(rl.burst))
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return chatty.RateLimitResult{Allowed: true}
	}

	deficit := 1.0 - b.tokens
	return chatty.RateLimitResult{
		Allowed:    false,
		RetryAfter: max(int(math.Ceil(deficit/rl.rate)), 1),
	}
}

// Forget drops the bucket for key, typically when a connection closes.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	delete(rl.buckets, key)
	rl.mu.Unlock()
}

// Cleanup removes buckets that have not been touched recently.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > staleThreshold {
			delete(rl.buckets, key)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

// BucketCount returns the number of live buckets.
func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

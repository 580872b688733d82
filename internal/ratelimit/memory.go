package ratelimit

import (
	"context"
	"sync"
	"time"

	"whatsapp-gateway/internal/util"
)

type bucket struct {
	windowStart time.Time
	count       int
}

// MemoryLimiter is the default single-process limiter. Buckets live in one
// map guarded by a mutex; the window resets lazily on the first request
// past the boundary.
type MemoryLimiter struct {
	policies map[Scope]Policy
	mu       sync.Mutex
	buckets  map[string]*bucket
	now      func() time.Time
}

func NewMemoryLimiter(policies map[Scope]Policy) *MemoryLimiter {
	return &MemoryLimiter{
		policies: policies,
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, scope Scope, key string) (Decision, error) {
	policy, ok := l.policies[scope]
	if !ok {
		return Decision{}, ErrUnknownScope
	}

	bucketKey := string(scope) + ":" + key
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[bucketKey]
	if !ok || now.Sub(b.windowStart) >= policy.Window {
		b = &bucket{windowStart: now}
		l.buckets[bucketKey] = b
	}

	if b.count >= policy.Limit {
		retryAfter := policy.Window - now.Sub(b.windowStart)
		util.Debug("rate limit exceeded",
			util.String("scope", string(scope)),
			util.String("key", key),
			util.Int("count", b.count),
			util.Duration("retry_after", retryAfter),
		)
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}

	b.count++
	return Decision{Allowed: true, Remaining: policy.Limit - b.count}, nil
}

// SetClock overrides the time source; tests use this to cross window
// boundaries without sleeping.
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

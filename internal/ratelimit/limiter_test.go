package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testPolicies() map[Scope]Policy {
	return map[Scope]Policy{
		ScopePhone: {Limit: 3, Window: 10 * time.Minute},
		ScopeIP:    {Limit: 10, Window: 10 * time.Minute},
	}
}

func TestMemoryLimiterFixedWindow(t *testing.T) {
	l := NewMemoryLimiter(testPolicies())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, ScopePhone, "+10000000001")
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != 2-i {
			t.Errorf("request %d: remaining = %d, want %d", i+1, d.Remaining, 2-i)
		}
	}

	d, err := l.Allow(ctx, ScopePhone, "+10000000001")
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if d.Allowed {
		t.Fatal("4th request within window should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 10*time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 10m]", d.RetryAfter)
	}

	// Crossing the window boundary resets the bucket.
	now = now.Add(10*time.Minute + time.Second)
	d, err = l.Allow(ctx, ScopePhone, "+10000000001")
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("request after window elapsed should be allowed")
	}
	if d.Remaining != 2 {
		t.Errorf("remaining after reset = %d, want 2", d.Remaining)
	}
}

func TestMemoryLimiterScopesIndependent(t *testing.T) {
	l := NewMemoryLimiter(testPolicies())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d, _ := l.Allow(ctx, ScopePhone, "key"); !d.Allowed {
			t.Fatal("phone scope exhausted early")
		}
	}
	if d, _ := l.Allow(ctx, ScopePhone, "key"); d.Allowed {
		t.Fatal("phone scope should be exhausted")
	}
	// Same key in the IP scope still has quota.
	if d, _ := l.Allow(ctx, ScopeIP, "key"); !d.Allowed {
		t.Fatal("ip scope should be independent of phone scope")
	}
}

func TestMemoryLimiterUnknownScope(t *testing.T) {
	l := NewMemoryLimiter(testPolicies())
	if _, err := l.Allow(context.Background(), Scope("device"), "key"); err == nil {
		t.Fatal("expected error for unknown scope")
	}
}

func TestMemoryLimiterConcurrentExactCount(t *testing.T) {
	policies := map[Scope]Policy{ScopePhone: {Limit: 50, Window: time.Minute}}
	l := NewMemoryLimiter(policies)
	ctx := context.Background()

	const workers = 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, ScopePhone, "+15550001111")
			if err != nil {
				t.Errorf("Allow returned error: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Fatalf("allowed = %d, want exactly 50 under concurrency", allowed)
	}
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter connects to a local Redis instance and clears leftover test
// keys. Tests that call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, "rl:*:test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllow_WithinLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:queue:", Limit: 3, Window: time.Minute}

	for i := 0; i < rule.Limit; i++ {
		allowed, err := limiter.Allow(ctx, "test_within", rule)
		if err != nil {
			t.Fatalf("Allow() #%d error: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("request %d of %d unexpectedly limited", i+1, rule.Limit)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:queue:", Limit: 2, Window: time.Minute}

	limiter.Allow(ctx, "test_over", rule)
	limiter.Allow(ctx, "test_over", rule)

	allowed, err := limiter.Allow(ctx, "test_over", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if allowed {
		t.Error("expected request over the limit to be denied")
	}
}

func TestAllow_IdentifiersAreIndependent(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:sig:", Limit: 1, Window: time.Minute}

	limiter.Allow(ctx, "test_conn_a", rule)

	allowed, err := limiter.Allow(ctx, "test_conn_b", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !allowed {
		t.Error("one identifier's usage must not throttle another")
	}
}

func TestRemaining(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:report:", Limit: 5, Window: time.Hour}

	// No usage yet: full limit.
	remaining, err := limiter.Remaining(ctx, "test_remaining", rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != rule.Limit {
		t.Errorf("expected remaining=%d before any use, got %d", rule.Limit, remaining)
	}

	limiter.Allow(ctx, "test_remaining", rule)
	limiter.Allow(ctx, "test_remaining", rule)

	remaining, err = limiter.Remaining(ctx, "test_remaining", rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != rule.Limit-2 {
		t.Errorf("expected remaining=%d after 2 uses, got %d", rule.Limit-2, remaining)
	}
}

func TestAllow_WindowSetsExpiry(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:conn:", Limit: 5, Window: 30 * time.Second}

	limiter.Allow(ctx, "test_expiry", rule)

	ttl, err := limiter.client.TTL(ctx, rule.Key+"test_expiry").Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > rule.Window {
		t.Errorf("expected TTL in (0, %v], got %v", rule.Window, ttl)
	}
}

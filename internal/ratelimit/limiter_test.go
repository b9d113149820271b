package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestInMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewInMemory(time.Minute).WithClock(func() time.Time { return now })
	key := Key("POST /api/capabilities/proposals", "agent-1")

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key, 2)
	if !second.Allowed || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if got := third.RetryAfterSeconds(now.Add(20 * time.Second)); got != 40 {
		t.Errorf("RetryAfterSeconds = %d, want 40", got)
	}

	if other := limiter.Allow(ctx, Key("POST /api/capabilities/proposals", "agent-2"), 2); !other.Allowed {
		t.Error("keys must be independent")
	}

	now = now.Add(time.Minute)
	reset := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	d := NewInMemory(time.Minute).Allow(context.Background(), "k", 0)
	if !d.Allowed || d.Limit != 1 {
		t.Fatalf("expected limit floor of 1, got %+v", d)
	}
}

func TestRetryAfterSecondsFloor(t *testing.T) {
	now := time.Now()
	if got := (Decision{ResetAt: now.Add(-time.Second)}).RetryAfterSeconds(now); got != 1 {
		t.Errorf("expected floor of 1, got %d", got)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client, 25*time.Millisecond, zap.NewNop())
	ctx := context.Background()
	key := Key("POST /api/capabilities/policy/kill-switch", "staff-1")

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	limiter.Allow(ctx, key, 2)
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	mr.FastForward(30 * time.Millisecond)
	reset := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestRedisLimiterUnavailableFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	limiter := NewRedis(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	if d := limiter.Allow(ctx, "k", 1); !d.Allowed {
		t.Fatalf("first call should be allowed by fallback: %+v", d)
	}
	if d := limiter.Allow(ctx, "k", 1); d.Allowed {
		t.Fatalf("fallback must still enforce the limit: %+v", d)
	}
}

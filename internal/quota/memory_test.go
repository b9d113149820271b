package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestConsume_FixedWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	const limit = 3
	window := time.Hour

	for i := 0; i < limit; i++ {
		res, err := s.Consume(ctx, "cap:tenant", limit, window, t0.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if res.Remaining != limit-i-1 {
			t.Errorf("call %d: expected remaining %d, got %d", i+1, limit-i-1, res.Remaining)
		}
	}

	res, _ := s.Consume(ctx, "cap:tenant", limit, window, t0.Add(10*time.Minute))
	if res.Allowed {
		t.Fatal("limit+1 call should be denied")
	}
	if res.RetryAfterSeconds != 50*60 {
		t.Errorf("expected retry after 3000s, got %d", res.RetryAfterSeconds)
	}

	res, _ = s.Consume(ctx, "cap:tenant", limit, window, t0.Add(window))
	if !res.Allowed {
		t.Fatal("call after window elapsed should be allowed")
	}
	if res.Remaining != limit-1 {
		t.Errorf("window should reset, got remaining %d", res.Remaining)
	}
}

func TestConsume_RetryAfterRoundsUp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Consume(ctx, "b", 1, time.Minute, t0) //nolint:errcheck

	res, _ := s.Consume(ctx, "b", 1, time.Minute, t0.Add(59*time.Second+100*time.Millisecond))
	if res.Allowed {
		t.Fatal("expected denial")
	}
	if res.RetryAfterSeconds != 1 {
		t.Errorf("expected retry 1s, got %d", res.RetryAfterSeconds)
	}
}

func TestConsume_BucketsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Consume(ctx, "a", 1, time.Hour, t0) //nolint:errcheck

	res, _ := s.Consume(ctx, "b", 1, time.Hour, t0)
	if !res.Allowed {
		t.Error("different bucket should not share a counter")
	}
}

func TestConsume_ZeroLimitDenies(t *testing.T) {
	res, _ := NewMemoryStore().Consume(context.Background(), "b", 0, time.Hour, t0)
	if res.Allowed {
		t.Error("zero limit should deny")
	}
	if res.RetryAfterSeconds <= 0 {
		t.Error("expected positive retry hint")
	}
}

func TestConsume_ConcurrentNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	const limit = 10
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := s.Consume(ctx, "hot", limit, time.Hour, t0)
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != limit {
		t.Errorf("expected exactly %d allowed, got %d", limit, got)
	}
}

func TestListAndReset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Consume(ctx, "older", 5, time.Hour, t0)                  //nolint:errcheck
	s.Consume(ctx, "newer", 5, time.Hour, t0.Add(time.Minute)) //nolint:errcheck

	buckets, err := s.ListBuckets(ctx, 10)
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Bucket != "newer" {
		t.Fatalf("expected newest first, got %+v", buckets)
	}

	limited, _ := s.ListBuckets(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}

	if err := s.ResetBucket(ctx, "newer"); err != nil {
		t.Fatalf("ResetBucket: %v", err)
	}
	buckets, _ = s.ListBuckets(ctx, 10)
	if len(buckets) != 1 || buckets[0].Bucket != "older" {
		t.Errorf("expected only older bucket after reset, got %+v", buckets)
	}
}

func TestBucketKey(t *testing.T) {
	if got := BucketKey("hubitat.devices.read", "tenant-1"); got != "hubitat.devices.read:tenant-1" {
		t.Errorf("unexpected key %q", got)
	}
}

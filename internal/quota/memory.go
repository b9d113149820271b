package quota

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a single-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]Bucket
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]Bucket)}
}

func (s *MemoryStore) Consume(_ context.Context, bucket string, limit int, window time.Duration, now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *Bucket
	if b, ok := s.buckets[bucket]; ok {
		current = &b
	}
	next, res, changed := Decide(current, bucket, limit, window, now)
	if changed {
		s.buckets[bucket] = next
	}
	return res, nil
}

// ListBuckets returns buckets with the most recent window first.
func (s *MemoryStore) ListBuckets(_ context.Context, limit int) ([]Bucket, error) {
	s.mu.Lock()
	out := make([]Bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, b)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].Bucket < out[j].Bucket
		}
		return out[i].WindowStart.After(out[j].WindowStart)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ResetBucket(_ context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, bucket)
	return nil
}

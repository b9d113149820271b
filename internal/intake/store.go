package intake

import (
	"context"
	"sort"
	"sync"
)

// Store persists review records and overrides. Both are append-only.
type Store interface {
	AppendRecord(ctx context.Context, r Record) error
	// GetRecord returns nil, nil when the record does not exist.
	GetRecord(ctx context.Context, id string) (*Record, error)
	// LatestRecord returns the newest record for a fingerprint, or nil.
	LatestRecord(ctx context.Context, fingerprint string) (*Record, error)
	// ListRecords returns records newest first.
	ListRecords(ctx context.Context, limit int) ([]Record, error)
	AppendOverride(ctx context.Context, o Override) error
	// LatestOverride returns the newest override for a fingerprint, or nil.
	LatestOverride(ctx context.Context, fingerprint string) (*Override, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	records   []Record
	overrides []Override
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendRecord(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.records {
		if s.records[i].ID == id {
			r := s.records[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) LatestRecord(_ context.Context, fingerprint string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Fingerprint == fingerprint {
			r := s.records[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListRecords(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[len(s.records)-1-i] = r
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendOverride(_ context.Context, o Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = append(s.overrides, o)
	return nil
}

func (s *MemoryStore) LatestOverride(_ context.Context, fingerprint string) (*Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Override
	for i := range s.overrides {
		o := s.overrides[i]
		if o.Fingerprint != fingerprint {
			continue
		}
		if latest == nil || !o.CreatedAt.Before(latest.CreatedAt) {
			latest = &o
		}
	}
	return latest, nil
}

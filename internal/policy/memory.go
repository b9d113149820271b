package policy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the ledgers in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	killSwitch []KillSwitchEvent
	exemptions []ExemptionEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendKillSwitchEvent(_ context.Context, ev KillSwitchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killSwitch = append(s.killSwitch, ev)
	return nil
}

// LatestKillSwitchEvent returns the event with the greatest CreatedAt. Ties go
// to the event appended last.
func (s *MemoryStore) LatestKillSwitchEvent(_ context.Context) (*KillSwitchEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *KillSwitchEvent
	for i := range s.killSwitch {
		ev := s.killSwitch[i]
		if latest == nil || !ev.CreatedAt.Before(latest.CreatedAt) {
			latest = &ev
		}
	}
	return latest, nil
}

func (s *MemoryStore) AppendExemptionEvent(_ context.Context, ev ExemptionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exemptions = append(s.exemptions, ev)
	return nil
}

func (s *MemoryStore) ListExemptionEvents(_ context.Context, limit int) ([]ExemptionEvent, error) {
	s.mu.RLock()
	out := make([]ExemptionEvent, len(s.exemptions))
	// Reverse insertion order first so the stable sort keeps later appends ahead on ties.
	for i, ev := range s.exemptions {
		out[len(s.exemptions)-1-i] = ev
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListActiveExemptionEvents(ctx context.Context, now time.Time) ([]ExemptionEvent, error) {
	all, _ := s.ListExemptionEvents(ctx, 0)
	revoked := make(map[string]bool)
	for _, ev := range all {
		if ev.Type == ExemptionRevoked {
			revoked[ev.ExemptionID] = true
		}
	}
	out := make([]ExemptionEvent, 0, len(all))
	for _, ev := range all {
		if ev.Type == ExemptionCreated && !revoked[ev.ExemptionID] && now.Before(ev.ExpiresAt) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListExemptionEventsByID(ctx context.Context, exemptionID string) ([]ExemptionEvent, error) {
	all, _ := s.ListExemptionEvents(ctx, 0)
	out := make([]ExemptionEvent, 0, 2)
	for _, ev := range all {
		if ev.ExemptionID == exemptionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

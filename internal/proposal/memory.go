package proposal

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Stored proposals are copied on the way
// in and out so callers cannot mutate shared state.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]*Proposal)}
}

func (s *MemoryStore) Create(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[p.ID]; exists {
		return ErrAlreadyExists
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proposals[id].Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, p *Proposal, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.proposals[p.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expected {
		return ErrStatusConflict
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Proposal, error) {
	s.mu.RLock()
	out := make([]*Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		if f.TenantID != "" && p.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.CapabilityID != "" && p.CapabilityID != f.CapabilityID {
			continue
		}
		if f.VisibleTo != "" && p.RequestedBy != f.VisibleTo && p.OwnerUID != f.VisibleTo {
			continue
		}
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

package pilot

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu    sync.Mutex
	execs map[string]Execution
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{execs: make(map[string]Execution)}
}

func (l *MemoryLedger) Get(_ context.Context, key string) (*Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.execs[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (l *MemoryLedger) Insert(_ context.Context, e Execution) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.execs[e.IdempotencyKey]; exists {
		return ErrIdempotencyConflict
	}
	l.execs[e.IdempotencyKey] = e
	return nil
}

func (l *MemoryLedger) MarkRolledBack(_ context.Context, key, reason, actorUID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.execs[key]
	if !ok {
		return ErrExecutionNotFound
	}
	if e.Status == ExecutionRolledBack {
		return ErrAlreadyRolledBack
	}
	e.Status = ExecutionRolledBack
	e.RolledBackAt = &at
	e.RolledBackBy = actorUID
	e.RollbackReason = reason
	l.execs[key] = e
	return nil
}

// MemoryBackend simulates the batch store. Apply is idempotent per key.
type MemoryBackend struct {
	mu      sync.Mutex
	applied map[string]string // key -> resource pointer
	closed  map[string]bool   // resource -> closed
	applies int
	reverts int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{applied: make(map[string]string), closed: make(map[string]bool)}
}

func (b *MemoryBackend) Apply(_ context.Context, key string, plan Plan, _ map[string]any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ptr, ok := b.applied[key]; ok {
		return ptr, nil
	}
	b.applies++
	b.applied[key] = plan.Resource
	b.closed[plan.Resource] = true
	return plan.Resource, nil
}

func (b *MemoryBackend) Revert(_ context.Context, _ string, resourcePointer, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reverts++
	b.closed[resourcePointer] = false
	return nil
}

// Closed reports whether the resource is currently closed.
func (b *MemoryBackend) Closed(resource string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed[resource]
}

// Counts returns how many distinct applies and reverts reached the backend.
func (b *MemoryBackend) Counts() (applies, reverts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applies, b.reverts
}

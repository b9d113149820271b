package proposal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusPendingApproval, true},
		{StatusDraft, StatusApproved, true},
		{StatusPendingApproval, StatusApproved, true},
		{StatusApproved, StatusExecuted, true},
		{StatusDraft, StatusRejected, true},
		{StatusPendingApproval, StatusRejected, true},
		{StatusApproved, StatusRejected, true},
		{StatusRejected, StatusPendingApproval, true},
		{StatusRejected, StatusApproved, true},
		{StatusApproved, StatusExecuting, true},
		{StatusExecuting, StatusExecuted, true},
		{StatusExecuting, StatusApproved, true},

		{StatusPendingApproval, StatusExecuted, false},
		{StatusDraft, StatusExecuted, false},
		{StatusRejected, StatusExecuted, false},
		{StatusRejected, StatusRejected, false},
		{StatusExecuted, StatusRejected, false},
		{StatusExecuted, StatusApproved, false},
		{StatusExecuted, StatusPendingApproval, false},
		{StatusExecuted, StatusExecuted, false},
		{StatusExecuting, StatusRejected, false},
		{StatusExecuting, StatusExecuting, false},
		{StatusPendingApproval, StatusExecuting, false},
		{Status("bogus"), StatusApproved, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTransition(t *testing.T) {
	p := &Proposal{Status: StatusApproved}
	if err := Transition(p, StatusExecuted); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := Transition(p, StatusRejected); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from executed, got %v", err)
	}
	if p.Status != StatusExecuted {
		t.Errorf("failed transition must not change status, got %s", p.Status)
	}
}

func TestInitialStatus(t *testing.T) {
	if InitialStatus(true) != StatusPendingApproval {
		t.Error("approval-required capability should start pending")
	}
	if InitialStatus(false) != StatusApproved {
		t.Error("no-approval capability should start approved")
	}
}

func TestMemoryStore_SaveIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := &Proposal{ID: "p1", Status: StatusPendingApproval, CreatedAt: time.Now()}
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, p); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	next := p.Clone()
	next.Status = StatusApproved
	if err := s.Save(ctx, next, StatusPendingApproval); err != nil {
		t.Fatalf("Save: %v", err)
	}

	stale := p.Clone()
	stale.Status = StatusRejected
	if err := s.Save(ctx, stale, StatusPendingApproval); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict for stale expected status, got %v", err)
	}

	if err := s.Save(ctx, &Proposal{ID: "nope"}, StatusDraft); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, &Proposal{ID: "p1", Status: StatusApproved, Preview: Preview{Input: map[string]any{"batchId": "b1"}}}) //nolint:errcheck

	got, _ := s.Get(ctx, "p1")
	got.Status = StatusExecuted
	got.Preview.Input["batchId"] = "tampered"

	again, _ := s.Get(ctx, "p1")
	if again.Status != StatusApproved || again.Preview.Input["batchId"] != "b1" {
		t.Errorf("store leaked internal state: %+v", again)
	}

	missing, err := s.Get(ctx, "missing")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing proposal, got %v, %v", missing, err)
	}
}

func TestMemoryStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.Create(ctx, &Proposal{ID: "a", TenantID: "t1", RequestedBy: "agent-1", OwnerUID: "o1", Status: StatusApproved, CreatedAt: base})                            //nolint:errcheck
	s.Create(ctx, &Proposal{ID: "b", TenantID: "t1", RequestedBy: "staff-1", OwnerUID: "staff-1", Status: StatusPendingApproval, CreatedAt: base.Add(time.Hour)}) //nolint:errcheck
	s.Create(ctx, &Proposal{ID: "c", TenantID: "t2", RequestedBy: "agent-2", OwnerUID: "o1", Status: StatusApproved, CreatedAt: base.Add(2 * time.Hour)})         //nolint:errcheck

	all, _ := s.List(ctx, ListFilter{})
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("expected newest first, got %v", ids(all))
	}

	t1, _ := s.List(ctx, ListFilter{TenantID: "t1"})
	if len(t1) != 2 {
		t.Errorf("expected 2 for tenant t1, got %v", ids(t1))
	}

	owned, _ := s.List(ctx, ListFilter{VisibleTo: "o1"})
	if len(owned) != 2 || owned[0].ID != "c" || owned[1].ID != "a" {
		t.Errorf("expected proposals owned by o1, got %v", ids(owned))
	}
	requested, _ := s.List(ctx, ListFilter{VisibleTo: "agent-1"})
	if len(requested) != 1 || requested[0].ID != "a" {
		t.Errorf("expected proposals requested by agent-1, got %v", ids(requested))
	}

	approved, _ := s.List(ctx, ListFilter{Status: StatusApproved, Limit: 1})
	if len(approved) != 1 || approved[0].ID != "c" {
		t.Errorf("expected newest approved only, got %v", ids(approved))
	}
}

func ids(ps []*Proposal) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

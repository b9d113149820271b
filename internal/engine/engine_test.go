package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/studio-brain/capabilities/internal/proposal"
	"go.uber.org/zap"
)

type mockGuard struct {
	name     string
	decision *Decision
	err      error
	calls    atomic.Int32
}

func (m *mockGuard) Name() string { return m.name }

func (m *mockGuard) Check(context.Context, *EvalContext) (*Decision, error) {
	m.calls.Add(1)
	return m.decision, m.err
}

func TestChain_AllPass(t *testing.T) {
	a := &mockGuard{name: "a"}
	b := &mockGuard{name: "b"}
	chain := NewChain([]Guard{a, b}, zap.NewNop())

	d, err := chain.Evaluate(context.Background(), &EvalContext{Proposal: &proposal.Proposal{Status: proposal.StatusApproved}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed || d.ReasonCode != ReasonAllowed {
		t.Errorf("expected ALLOWED, got %+v", d)
	}
	if d.ApprovalState != "approved" {
		t.Errorf("expected approval state approved, got %q", d.ApprovalState)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Error("every guard should run once")
	}
}

func TestChain_FirstDenialWins(t *testing.T) {
	a := &mockGuard{name: "a", decision: &Decision{ReasonCode: ReasonTenantMismatch}}
	b := &mockGuard{name: "b", decision: &Decision{ReasonCode: ReasonRateLimited}}
	chain := NewChain([]Guard{a, b}, zap.NewNop())

	d, err := chain.Evaluate(context.Background(), &EvalContext{Proposal: &proposal.Proposal{Status: proposal.StatusApproved}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed || d.ReasonCode != ReasonTenantMismatch || d.Guard != "a" {
		t.Errorf("expected first guard's denial, got %+v", d)
	}
	if b.calls.Load() != 0 {
		t.Error("guards after a denial must not run")
	}
}

func TestChain_ErrorStopsEvaluation(t *testing.T) {
	boom := errors.New("db down")
	a := &mockGuard{name: "a", err: boom}
	b := &mockGuard{name: "b"}
	chain := NewChain([]Guard{a, b}, zap.NewNop())

	_, err := chain.Evaluate(context.Background(), &EvalContext{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped guard error, got %v", err)
	}
	if b.calls.Load() != 0 {
		t.Error("guards after an error must not run")
	}
}

func TestChain_Guards(t *testing.T) {
	chain := NewChain([]Guard{&mockGuard{name: "x"}, &mockGuard{name: "y"}}, zap.NewNop())
	names := chain.Guards()
	if len(names) != 2 || names[0] != "x" || names[1] != "y" {
		t.Errorf("unexpected guard names %v", names)
	}
}

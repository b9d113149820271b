package guards

import (
	"context"
	"testing"
	"time"

	"github.com/studio-brain/capabilities/internal/actor"
	"github.com/studio-brain/capabilities/internal/capability"
	"github.com/studio-brain/capabilities/internal/engine"
	"github.com/studio-brain/capabilities/internal/policy"
	"github.com/studio-brain/capabilities/internal/proposal"
	"github.com/studio-brain/capabilities/internal/quota"
	"go.uber.org/zap"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	chain *engine.Chain
	reg   *capability.Registry
	quota *quota.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := capability.Load([]byte(`
capabilities:
  - id: kiln.close
    target: firestore
    riskTier: high
    requiresApproval: true
    maxCallsPerHour: 2
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return &fixture{
		chain: engine.NewChain(Default(), zap.NewNop()),
		reg:   reg,
		quota: quota.NewMemoryStore(),
	}
}

func (f *fixture) ctx() *engine.EvalContext {
	return &engine.EvalContext{
		Capabilities: f.reg,
		Actor:        actor.Context{ActorType: actor.TypeStaff, ActorID: "s1", OwnerUID: "s1", TenantID: "tenant-a"},
		Proposal: &proposal.Proposal{
			ID:           "p1",
			CapabilityID: "kiln.close",
			OwnerUID:     "owner-1",
			TenantID:     "tenant-a",
			Status:       proposal.StatusApproved,
		},
		Quota:       f.quota,
		QuotaWindow: time.Hour,
		Now:         now,
	}
}

func evaluate(t *testing.T, f *fixture, ec *engine.EvalContext) engine.Decision {
	t.Helper()
	d, err := f.chain.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return d
}

func TestDefault_Order(t *testing.T) {
	names := engine.NewChain(Default(), zap.NewNop()).Guards()
	want := []string{"capability", "approval", "tenant", "kill_switch", "quota"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestChain_Allowed(t *testing.T) {
	f := newFixture(t)
	d := evaluate(t, f, f.ctx())
	if !d.Allowed || d.ReasonCode != engine.ReasonAllowed {
		t.Fatalf("expected ALLOWED, got %+v", d)
	}
	if d.QuotaRemaining == nil || *d.QuotaRemaining != 1 {
		t.Errorf("expected 1 remaining, got %v", d.QuotaRemaining)
	}
}

func TestChain_Denials(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ec *engine.EvalContext)
		want   engine.ReasonCode
	}{
		{"unknown capability", func(ec *engine.EvalContext) { ec.Proposal.CapabilityID = "nope" }, engine.ReasonCapabilityUnknown},
		{"pending", func(ec *engine.EvalContext) { ec.Proposal.Status = proposal.StatusPendingApproval }, engine.ReasonProposalNotApproved},
		{"rejected", func(ec *engine.EvalContext) { ec.Proposal.Status = proposal.StatusRejected }, engine.ReasonProposalNotApproved},
		{"tenant mismatch", func(ec *engine.EvalContext) { ec.Actor.TenantID = "tenant-b" }, engine.ReasonTenantMismatch},
		{"empty actor tenant", func(ec *engine.EvalContext) { ec.Actor.TenantID = "" }, engine.ReasonTenantMismatch},
		{"kill switch", func(ec *engine.EvalContext) { ec.Policy.KillSwitch.Enabled = true }, engine.ReasonBlockedByPolicy},
		{"exemption for other owner", func(ec *engine.EvalContext) {
			ec.Policy.KillSwitch.Enabled = true
			ec.Policy.Exemptions = []policy.Exemption{{CapabilityID: "kiln.close", OwnerUID: "owner-2", Status: policy.StatusActive}}
		}, engine.ReasonBlockedByPolicy},
		{"revoked exemption", func(ec *engine.EvalContext) {
			ec.Policy.KillSwitch.Enabled = true
			ec.Policy.Exemptions = []policy.Exemption{{CapabilityID: "kiln.close", OwnerUID: "owner-1", Status: policy.StatusRevoked}}
		}, engine.ReasonBlockedByPolicy},
		{"unknown beats not approved", func(ec *engine.EvalContext) {
			ec.Proposal.CapabilityID = "nope"
			ec.Proposal.Status = proposal.StatusPendingApproval
		}, engine.ReasonCapabilityUnknown},
		{"not approved beats tenant", func(ec *engine.EvalContext) {
			ec.Proposal.Status = proposal.StatusPendingApproval
			ec.Actor.TenantID = "tenant-b"
		}, engine.ReasonProposalNotApproved},
		{"tenant beats kill switch", func(ec *engine.EvalContext) {
			ec.Actor.TenantID = "tenant-b"
			ec.Policy.KillSwitch.Enabled = true
		}, engine.ReasonTenantMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ec := f.ctx()
			tt.mutate(ec)
			d := evaluate(t, f, ec)
			if d.Allowed || d.ReasonCode != tt.want {
				t.Errorf("expected %s, got %+v", tt.want, d)
			}
			buckets, _ := f.quota.ListBuckets(context.Background(), 10)
			if len(buckets) != 0 {
				t.Error("denied evaluations must not consume quota")
			}
		})
	}
}

func TestChain_ExemptionBypassesKillSwitch(t *testing.T) {
	f := newFixture(t)
	ec := f.ctx()
	ec.Policy.KillSwitch.Enabled = true
	ec.Policy.Exemptions = []policy.Exemption{{CapabilityID: "kiln.close", OwnerUID: "owner-1", Status: policy.StatusActive}}

	if d := evaluate(t, f, ec); !d.Allowed {
		t.Errorf("active exemption should bypass kill switch, got %+v", d)
	}
}

func TestChain_KillSwitchBlocksPreviouslyAllowed(t *testing.T) {
	f := newFixture(t)
	if d := evaluate(t, f, f.ctx()); !d.Allowed {
		t.Fatalf("expected allow before kill switch, got %+v", d)
	}
	ec := f.ctx()
	ec.Policy.KillSwitch.Enabled = true
	if d := evaluate(t, f, ec); d.ReasonCode != engine.ReasonBlockedByPolicy {
		t.Errorf("expected BLOCKED_BY_POLICY after kill switch, got %+v", d)
	}
}

func TestChain_RateLimited(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		if d := evaluate(t, f, f.ctx()); !d.Allowed {
			t.Fatalf("call %d should be allowed, got %+v", i+1, d)
		}
	}
	d := evaluate(t, f, f.ctx())
	if d.ReasonCode != engine.ReasonRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %+v", d)
	}
	if d.RetryAfterSeconds <= 0 {
		t.Errorf("expected positive retry hint, got %d", d.RetryAfterSeconds)
	}
	if d.Guard != "quota" {
		t.Errorf("expected quota guard, got %q", d.Guard)
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/studio-brain/capabilities/internal/actor"
	"github.com/studio-brain/capabilities/internal/audit"
	"github.com/studio-brain/capabilities/internal/auth"
	"github.com/studio-brain/capabilities/internal/capability"
	"github.com/studio-brain/capabilities/internal/connector"
	"github.com/studio-brain/capabilities/internal/intake"
	"github.com/studio-brain/capabilities/internal/pilot"
	"github.com/studio-brain/capabilities/internal/policy"
	"github.com/studio-brain/capabilities/internal/proposal"
	"github.com/studio-brain/capabilities/internal/quota"
)

const testCatalog = `
capabilities:
  - id: firestore.batch.close
    target: firestore
    riskTier: high
    requiresApproval: true
    maxCallsPerHour: 5
    inputSchema:
      type: object
      required: [batchId]
      properties:
        batchId: {type: string, minLength: 1}
        kilnId: {type: string}
  - id: studio.status.read
    target: studio
    riskTier: low
    readOnly: true
    maxCallsPerHour: 2
  - id: finance.reconciliation.adjust
    target: finance
    riskTier: high
    requiresApproval: true
    maxCallsPerHour: 5
`

var (
	staff = &auth.Principal{UID: "staff-1", IsStaff: true, Roles: []string{"staff"}}
	admin = &auth.Principal{UID: "admin-1", IsStaff: true, Roles: []string{"staff", "admin"}}
	owner = &auth.Principal{UID: "owner-1"}
)

type fixture struct {
	rt      *Runtime
	now     time.Time
	audit   *audit.MemoryStore
	quotas  *quota.MemoryStore
	backend *pilot.MemoryBackend
}

func newFixture(t *testing.T, opts ...func(*fixture, *Deps)) *fixture {
	t.Helper()
	reg, err := capability.Load([]byte(testCatalog))
	require.NoError(t, err)

	f := &fixture{
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		audit:   audit.NewMemoryStore(),
		quotas:  quota.NewMemoryStore(),
		backend: pilot.NewMemoryBackend(),
	}
	clock := func() time.Time { return f.now }
	logger := zap.NewNop()

	connectors := connector.NewRegistry()
	connectors.Register("studio", connector.NewStaticConnector("studio-static", map[string]any{"kilnsOnline": 2}))

	deps := Deps{
		Capabilities: reg,
		Proposals:    proposal.NewMemoryStore(),
		Quotas:       f.quotas,
		Policy:       policy.NewLedger(policy.NewMemoryStore()),
		Intake:       intake.NewMemoryStore(),
		Screener:     intake.NewScreener(intake.DefaultDetectors(), intake.Config{BlockThreshold: 0.8, Timeout: time.Second}, logger),
		Audit:        audit.NewRecorder(f.audit, nil, logger).WithClock(clock),
		Exporter:     audit.NewExporter(f.audit, []byte("export-key")).WithClock(clock),
		Pilot:        pilot.NewExecutor(f.backend, pilot.NewMemoryLedger(), logger).WithClock(clock),
		Connectors:   connectors,
		Logger:       logger,
	}
	for _, opt := range opts {
		opt(f, &deps)
	}
	f.rt = New(deps).WithClock(clock)
	return f
}

// withBackend swaps the pilot backend, keeping a fresh ledger.
func withBackend(b pilot.Backend) func(*fixture, *Deps) {
	return func(f *fixture, d *Deps) {
		d.Pilot = pilot.NewExecutor(b, pilot.NewMemoryLedger(), zap.NewNop()).WithClock(func() time.Time { return f.now })
	}
}

// slowBackend holds each apply long enough for concurrent executes to overlap.
type slowBackend struct {
	*pilot.MemoryBackend
	delay time.Duration
}

func (b *slowBackend) Apply(ctx context.Context, key string, plan pilot.Plan, input map[string]any) (string, error) {
	time.Sleep(b.delay)
	return b.MemoryBackend.Apply(ctx, key, plan, input)
}

// flakyBackend fails the first apply.
type flakyBackend struct {
	*pilot.MemoryBackend
	failed bool
}

func (b *flakyBackend) Apply(ctx context.Context, key string, plan pilot.Plan, input map[string]any) (string, error) {
	if !b.failed {
		b.failed = true
		return "", errors.New("batch store unavailable")
	}
	return b.MemoryBackend.Apply(ctx, key, plan, input)
}

func (f *fixture) actions(t *testing.T) []string {
	t.Helper()
	events, err := f.audit.ListRecent(context.Background(), 1000)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Action)
	}
	return out
}

func (f *fixture) lastEvent(t *testing.T, action string) audit.Event {
	t.Helper()
	events, err := f.audit.ListFiltered(context.Background(), audit.Filter{ActionPrefix: action, Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, events, "no %s event", action)
	return events[0]
}

func staffClaim(tenant string) Claim {
	return Claim{ActorType: "staff", TenantID: tenant}
}

func batchInput(t *testing.T, f *fixture, tenant string) *proposal.Proposal {
	t.Helper()
	p, err := f.rt.CreateProposal(context.Background(), staff, CreateInput{
		Claim:        staffClaim(tenant),
		CapabilityID: pilot.CapabilityID,
		Rationale:    "Batch 42 finished its glaze firing and can close.",
		Input:        map[string]any{"batchId": "b-42", "kilnId": "k-1"},
	})
	require.NoError(t, err)
	return p
}

func requireReason(t *testing.T, err error, kind Kind, reason string) *Error {
	t.Helper()
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok, "expected *Error, got %T: %v", err, err)
	assert.Equal(t, kind, e.Kind)
	assert.Equal(t, reason, e.ReasonCode)
	return e
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rt.CreateProposal(ctx, staff, CreateInput{Claim: staffClaim("t1"), CapabilityID: pilot.CapabilityID, Rationale: "short"})
	requireReason(t, err, KindValidation, ReasonRationaleTooShort)

	_, err = f.rt.CreateProposal(ctx, staff, CreateInput{Claim: staffClaim("t1"), CapabilityID: "kiln.explode", Rationale: "a perfectly fine rationale"})
	requireReason(t, err, KindNotFound, "CAPABILITY_UNKNOWN")

	_, err = f.rt.CreateProposal(ctx, staff, CreateInput{
		Claim:        staffClaim("t1"),
		CapabilityID: pilot.CapabilityID,
		Rationale:    "a perfectly fine rationale",
		Input:        map[string]any{"kilnId": "k-1"},
	})
	requireReason(t, err, KindValidation, ReasonInputInvalid)
}

func TestCreate_PilotPreviewAndStatus(t *testing.T) {
	f := newFixture(t)
	p := batchInput(t, f, "tenant-a")

	assert.Equal(t, proposal.StatusPendingApproval, p.Status)
	assert.Equal(t, "tenant-a", p.TenantID)
	assert.Equal(t, "staff-1", p.RequestedBy)
	assert.Equal(t, "Close batch b-42 on kiln k-1", p.Preview.Summary)
	assert.NotEmpty(t, p.Preview.ExpectedEffects)
	assert.Len(t, p.InputHash, 64)

	created := f.lastEvent(t, audit.ActionProposalCreated)
	assert.Equal(t, p.InputHash, created.InputHash)
	assert.Equal(t, string(proposal.StatusPendingApproval), created.ApprovalState)
}

func TestCreate_ActorClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("non-staff may not act as staff", func(t *testing.T) {
		_, err := f.rt.CreateProposal(ctx, owner, CreateInput{Claim: staffClaim("t1"), CapabilityID: "studio.status.read", Rationale: "check the studio status"})
		requireReason(t, err, KindForbidden, ReasonActorClaimForbidden)
	})

	t.Run("agent without delegation is denied and audited", func(t *testing.T) {
		_, err := f.rt.CreateProposal(ctx, owner, CreateInput{
			Claim:        Claim{ActorType: "agent", ActorUID: "agent-1", OwnerUID: "owner-1"},
			CapabilityID: "studio.status.read",
			Rationale:    "check the studio status",
		})
		requireReason(t, err, KindForbidden, string(actor.ReasonDelegationMissing))
		ev := f.lastEvent(t, audit.ActionCreateDenied)
		assert.Equal(t, string(actor.ReasonDelegationMissing), ev.Metadata["reasonCode"])
	})

	t.Run("unrelated principal may not act for agent", func(t *testing.T) {
		stranger := &auth.Principal{UID: "someone-else"}
		_, err := f.rt.CreateProposal(ctx, stranger, CreateInput{
			Claim:        Claim{ActorType: "agent", ActorUID: "agent-1", OwnerUID: "owner-1"},
			CapabilityID: "studio.status.read",
			Rationale:    "check the studio status",
		})
		requireReason(t, err, KindForbidden, ReasonActorClaimForbidden)
	})
}

func TestAgentReadOnlyExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claim := Claim{
		ActorType: "agent",
		ActorUID:  "agent-1",
		OwnerUID:  "owner-1",
		Delegation: &actor.Delegation{
			DelegationID: "d-1",
			AgentUID:     "agent-1",
			OwnerUID:     "owner-1",
			Scopes:       []string{actor.ScopeFor("studio.status.read")},
			ExpiresAt:    f.now.Add(time.Hour).Format(time.RFC3339),
		},
	}

	p, err := f.rt.CreateProposal(ctx, owner, CreateInput{Claim: claim, CapabilityID: "studio.status.read", Rationale: "check whether kilns are online"})
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, p.Status)
	assert.Equal(t, "owner-1", p.TenantID)
	assert.Equal(t, "d-1", p.DelegationID)

	res, err := f.rt.Execute(ctx, owner, p.ID, ExecuteInput{Claim: claim})
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, res.Proposal.Status)
	assert.Equal(t, 2, res.Output["kilnsOnline"])
	assert.Equal(t, "studio-static", res.Output["source"])

	ev := f.lastEvent(t, audit.ActionExecuted)
	assert.Equal(t, p.InputHash, ev.InputHash)
	assert.NotEmpty(t, ev.OutputHash)

	// Delegation expires before the second proposal runs.
	p2, err := f.rt.CreateProposal(ctx, owner, CreateInput{Claim: claim, CapabilityID: "studio.status.read", Rationale: "check whether kilns are online"})
	require.NoError(t, err)
	f.now = f.now.Add(2 * time.Hour)
	_, err = f.rt.Execute(ctx, owner, p2.ID, ExecuteInput{Claim: claim})
	requireReason(t, err, KindForbidden, string(actor.ReasonDelegationExpired))
	assert.Equal(t, string(actor.ReasonDelegationExpired), f.lastEvent(t, audit.ActionExecuteDenied).Metadata["reasonCode"])
}

func TestExecute_PilotLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := batchInput(t, f, "tenant-a")
	exec := ExecuteInput{Claim: staffClaim("tenant-a"), IdempotencyKey: "key-1"}

	_, err := f.rt.Execute(ctx, staff, p.ID, exec)
	requireReason(t, err, KindConflict, "PROPOSAL_NOT_APPROVED")
	applies, _ := f.backend.Counts()
	assert.Zero(t, applies, "backend must not run before approval")

	_, err = f.rt.Approve(ctx, staff, p.ID, "short")
	requireReason(t, err, KindValidation, ReasonRationaleTooShort)
	_, err = f.rt.Approve(ctx, owner, p.ID, "looks right to me")
	requireReason(t, err, KindForbidden, ReasonStaffRequired)

	approved, err := f.rt.Approve(ctx, staff, p.ID, "Firing log confirms the batch is done.")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, approved.Status)
	assert.Equal(t, "staff-1", approved.ApprovedBy)

	res, err := f.rt.Execute(ctx, staff, p.ID, exec)
	require.NoError(t, err)
	require.NotNil(t, res.Pilot)
	assert.Equal(t, "batches/b-42", res.Pilot.ResourcePointer)
	assert.True(t, f.backend.Closed("batches/b-42"))

	// A retry with the same key is refused by the proposal state, not replayed.
	_, err = f.rt.Execute(ctx, staff, p.ID, exec)
	requireReason(t, err, KindConflict, "PROPOSAL_NOT_APPROVED")
	applies, _ = f.backend.Counts()
	assert.Equal(t, 1, applies)

	_, err = f.rt.Rollback(ctx, staff, p.ID, RollbackInput{IdempotencyKey: "key-1", Reason: "oops"})
	requireReason(t, err, KindValidation, ReasonReasonTooShort)

	rb, err := f.rt.Rollback(ctx, staff, p.ID, RollbackInput{IdempotencyKey: "key-1", Reason: "Batch was closed on the wrong kiln."})
	require.NoError(t, err)
	assert.Equal(t, "batches/b-42", rb.ResourcePointer)
	assert.False(t, f.backend.Closed("batches/b-42"))
	assert.Equal(t, "Batch was closed on the wrong kiln.", f.lastEvent(t, audit.ActionRollback).Rationale)

	_, err = f.rt.Rollback(ctx, staff, p.ID, RollbackInput{IdempotencyKey: "key-1", Reason: "Batch was closed on the wrong kiln."})
	requireReason(t, err, KindConflict, ReasonAlreadyRolledBack)

	_, err = f.rt.Rollback(ctx, staff, p.ID, RollbackInput{IdempotencyKey: "unknown-key", Reason: "Batch was closed on the wrong kiln."})
	requireReason(t, err, KindNotFound, ReasonExecutionNotFound)

	stored, err := f.rt.GetProposal(ctx, staff, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, stored.Status, "rollback never reopens a proposal")
}

func TestExecute_TenantMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := batchInput(t, f, "tenant-a")
	_, err := f.rt.Approve(ctx, staff, p.ID, "Firing log confirms the batch is done.")
	require.NoError(t, err)

	_, err = f.rt.Execute(ctx, staff, p.ID, ExecuteInput{Claim: staffClaim("tenant-b")})
	requireReason(t, err, KindForbidden, "TENANT_MISMATCH")

	ev := f.lastEvent(t, audit.ActionCrossTenantDenied)
	assert.Equal(t, "TENANT_MISMATCH", ev.Metadata["reasonCode"])
	assert.Equal(t, p.ID, ev.Metadata["proposalId"])
}

func agentClaim(f *fixture, agentUID, ownerUID, tenant string) Claim {
	return Claim{
		ActorType: "agent",
		ActorUID:  agentUID,
		OwnerUID:  ownerUID,
		TenantID:  tenant,
		Delegation: &actor.Delegation{
			DelegationID: "d-" + agentUID,
			AgentUID:     agentUID,
			OwnerUID:     ownerUID,
			Scopes:       []string{actor.WildcardScope},
			ExpiresAt:    f.now.Add(time.Hour).Format(time.RFC3339),
		},
	}
}

func TestExecute_AgentTenantComesFromDelegationOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := &auth.Principal{UID: "agent-1"}
	evil := &auth.Principal{UID: "agent-evil"}

	p, err := f.rt.CreateProposal(ctx, agent, CreateInput{
		Claim:        agentClaim(f, "agent-1", "owner-1", ""),
		CapabilityID: "studio.status.read",
		Rationale:    "check whether kilns are online",
	})
	require.NoError(t, err)
	require.Equal(t, "owner-1", p.TenantID)

	t.Run("other owner's agent cannot execute", func(t *testing.T) {
		_, err := f.rt.Execute(ctx, evil, p.ID, ExecuteInput{Claim: agentClaim(f, "agent-evil", "owner-evil", "owner-1")})
		requireReason(t, err, KindNotFound, ReasonProposalNotFound)
		ev := f.lastEvent(t, audit.ActionExecuteDenied)
		assert.Equal(t, ReasonProposalAccessForbidden, ev.Metadata["reasonCode"])
	})

	t.Run("claimed tenant must match the owner", func(t *testing.T) {
		_, err := f.rt.Execute(ctx, agent, p.ID, ExecuteInput{Claim: agentClaim(f, "agent-1", "owner-1", "tenant-victim")})
		requireReason(t, err, KindForbidden, string(actor.ReasonTenantMismatch))
		ev := f.lastEvent(t, audit.ActionCrossTenantDenied)
		assert.Equal(t, p.ID, ev.Metadata["proposalId"])
	})

	t.Run("proposals cannot be filed into another tenant", func(t *testing.T) {
		_, err := f.rt.CreateProposal(ctx, evil, CreateInput{
			Claim:        agentClaim(f, "agent-evil", "owner-evil", "owner-1"),
			CapabilityID: "studio.status.read",
			Rationale:    "check whether kilns are online",
		})
		requireReason(t, err, KindForbidden, string(actor.ReasonTenantMismatch))
	})

	stored, err := f.rt.GetProposal(ctx, staff, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, stored.Status)
	buckets, err := f.quotas.ListBuckets(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, buckets, "denied executes must not reach quota")

	res, err := f.rt.Execute(ctx, agent, p.ID, ExecuteInput{Claim: agentClaim(f, "agent-1", "owner-1", "owner-1")})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", res.Proposal.ExecutedBy)
}

func TestExecute_ConcurrentCallsApplyOnce(t *testing.T) {
	backend := &slowBackend{MemoryBackend: pilot.NewMemoryBackend(), delay: 50 * time.Millisecond}
	f := newFixture(t, withBackend(backend))
	ctx := context.Background()
	p := batchInput(t, f, "tenant-a")
	_, err := f.rt.Approve(ctx, staff, p.ID, "Firing log confirms the batch is done.")
	require.NoError(t, err)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.rt.Execute(ctx, staff, p.ID, ExecuteInput{
				Claim:          staffClaim("tenant-a"),
				IdempotencyKey: fmt.Sprintf("key-%d", i),
			})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		e, ok := AsError(err)
		require.True(t, ok, "unexpected error %v", err)
		assert.Equal(t, KindConflict, e.Kind)
	}
	assert.Equal(t, 1, successes)

	applies, _ := backend.Counts()
	assert.Equal(t, 1, applies, "the pilot write must run once")

	executed := 0
	for _, a := range f.actions(t) {
		if a == audit.ActionExecuted {
			executed++
		}
	}
	assert.Equal(t, 1, executed)

	stored, err := f.rt.GetProposal(ctx, staff, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, stored.Status)
}

func TestExecute_FailedWriteReleasesClaim(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: pilot.NewMemoryBackend()}
	f := newFixture(t, withBackend(backend))
	ctx := context.Background()
	p := batchInput(t, f, "tenant-a")
	_, err := f.rt.Approve(ctx, staff, p.ID, "Firing log confirms the batch is done.")
	require.NoError(t, err)

	_, err = f.rt.Execute(ctx, staff, p.ID, ExecuteInput{Claim: staffClaim("tenant-a"), IdempotencyKey: "key-1"})
	require.Error(t, err)
	stored, err := f.rt.GetProposal(ctx, staff, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, stored.Status)

	res, err := f.rt.Execute(ctx, staff, p.ID, ExecuteInput{Claim: staffClaim("tenant-a"), IdempotencyKey: "key-2"})
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, res.Proposal.Status)
	assert.True(t, backend.Closed("batches/b-42"))
}

func TestExecute_KillSwitchAndExemption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := batchInput(t, f, "tenant-a")
	_, err := f.rt.Approve(ctx, staff, p.ID, "Firing log confirms the batch is done.")
	require.NoError(t, err)

	_, err = f.rt.SetKillSwitch(ctx, staff, KillSwitchInput{Enabled: true, Rationale: "short"})
	requireReason(t, err, KindValidation, ReasonRationaleTooShort)
	state, err := f.rt.SetKillSwitch(ctx, staff, KillSwitchInput{Enabled: true, Rationale: "Investigating a runaway agent."})
	require.NoError(t, err)
	assert.True(t, state.Enabled)

	_, err = f.rt.Execute(ctx, staff, p.ID, ExecuteInput{Claim: staffClaim("tenant-a")})
	requireReason(t, err, KindForbidden, "BLOCKED_BY_POLICY")

	_, err = f.rt.CreateExemption(ctx, staff, ExemptionInput{
		CapabilityID: pilot.CapabilityID,
		OwnerUID:     "staff-1",
		Reason:       "Kiln room must close tonight.",
		ExpiresAt:    f.now.Add(-time.Minute),
	})
	requireReason(t, err, KindValidation, ReasonInputInvalid)

	ex, err := f.rt.CreateExemption(ctx, staff, ExemptionInput{
		CapabilityID: pilot.CapabilityID,
		OwnerUID:     "staff-1",
		Reason:       "Kiln room must close tonight.",
		ExpiresAt:    f.now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, policy.StatusActive, ex.Status)

	_, err = f.rt.Execute(ctx, staff, p.ID, ExecuteInput{Claim: staffClaim("tenant-a")})
	require.NoError(t, err)

	revoked, err := f.rt.RevokeExemption(ctx, staff, ex.ExemptionID, "Batch closed, no longer needed.")
	require.NoError(t, err)
	assert.Equal(t, policy.StatusRevoked, revoked.Status)
	_, err = f.rt.RevokeExemption(ctx, staff, ex.ExemptionID, "Batch closed, no longer needed.")
	requireReason(t, err, KindConflict, ReasonExemptionRevoked)

	ps, err := f.rt.PolicyState(ctx, staff)
	require.NoError(t, err)
	assert.True(t, ps.KillSwitch.Enabled)
	require.Len(t, ps.Exemptions, 1)
}

func TestExecute_QuotaAndReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := func() error {
		p, err := f.rt.CreateProposal(ctx, staff, CreateInput{Claim: staffClaim("tenant-a"), CapabilityID: "studio.status.read", Rationale: "check the studio status"})
		require.NoError(t, err)
		_, err = f.rt.Execute(ctx, staff, p.ID, ExecuteInput{Claim: staffClaim("tenant-a")})
		return err
	}
	require.NoError(t, run())
	require.NoError(t, run())
	e := requireReason(t, run(), KindRateLimited, "RATE_LIMITED")
	assert.Positive(t, e.RetryAfterSeconds)

	buckets, err := f.rt.ListQuotas(ctx, staff, 10)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "studio.status.read:tenant-a", buckets[0].Bucket)

	require.NoError(t, f.rt.ResetQuota(ctx, staff, buckets[0].Bucket, "Connector outage skewed the counts."))
	require.NoError(t, run())
	assert.Equal(t, "studio.status.read:tenant-a", f.lastEvent(t, audit.ActionQuotaReset).Target)

	// Window elapses without a reset.
	require.NoError(t, run())
	require.Error(t, run())
	f.now = f.now.Add(time.Hour)
	require.NoError(t, run())
}

func TestExecute_NotExecutableDoesNotBurnQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.rt.CreateProposal(ctx, staff, CreateInput{
		Claim:        staffClaim("tenant-a"),
		CapabilityID: "finance.reconciliation.adjust",
		Rationale:    "Correct the March reconciliation entry.",
	})
	require.NoError(t, err)
	_, err = f.rt.Approve(ctx, staff, p.ID, "Matches the bank statement.")
	require.NoError(t, err)

	_, err = f.rt.Execute(ctx, staff, p.ID, ExecuteInput{Claim: staffClaim("tenant-a")})
	requireReason(t, err, KindConflict, ReasonNotExecutable)
	buckets, err := f.quotas.ListBuckets(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, buckets)
}

func TestRejectReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := batchInput(t, f, "tenant-a")

	_, err := f.rt.Reject(ctx, staff, p.ID, "nope")
	requireReason(t, err, KindValidation, ReasonReasonTooShort)
	rejected, err := f.rt.Reject(ctx, staff, p.ID, "Batch is still cooling down.")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusRejected, rejected.Status)

	// Approving a rejected proposal is a no-op, not an error.
	same, err := f.rt.Approve(ctx, staff, p.ID, "Firing log confirms the batch is done.")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusRejected, same.Status)

	_, err = f.rt.Reopen(ctx, staff, p.ID, "Batch has now cooled down.")
	requireReason(t, err, KindForbidden, ReasonAdminRequired)

	reopened, err := f.rt.Reopen(ctx, admin, p.ID, "Batch has now cooled down.")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusPendingApproval, reopened.Status)

	_, err = f.rt.Reopen(ctx, admin, p.ID, "Batch has now cooled down.")
	requireReason(t, err, KindConflict, ReasonInvalidTransition)

	adminToken := auth.AdminPrincipal()
	_, err = f.rt.Reject(ctx, adminToken, p.ID, "Batch is still cooling down.")
	require.NoError(t, err)
	_, err = f.rt.Reopen(ctx, adminToken, p.ID, "Batch has now cooled down.")
	require.NoError(t, err)
}

func TestReject_ExecutedIsFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.rt.CreateProposal(ctx, staff, CreateInput{Claim: staffClaim("tenant-a"), CapabilityID: "studio.status.read", Rationale: "check the studio status"})
	require.NoError(t, err)
	_, err = f.rt.Execute(ctx, staff, p.ID, ExecuteInput{Claim: staffClaim("tenant-a")})
	require.NoError(t, err)

	_, err = f.rt.Reject(ctx, staff, p.ID, "Too late but trying anyway.")
	requireReason(t, err, KindConflict, ReasonInvalidTransition)
}

func TestIntakeOverrideFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := CreateInput{
		Claim:        staffClaim("tenant-a"),
		CapabilityID: "studio.status.read",
		Rationale:    "Customer wants an exact replica Disney logo on mugs",
	}

	_, err := f.rt.CreateProposal(ctx, staff, in)
	requireReason(t, err, KindForbidden, ReasonBlockedByIntake)
	_, err = f.rt.CreateProposal(ctx, staff, in)
	requireReason(t, err, KindForbidden, ReasonBlockedByIntake)

	queue, err := f.rt.ListReviewQueue(ctx, staff, 10)
	require.NoError(t, err)
	require.Len(t, queue, 1, "identical pending requests share one record")
	assert.Equal(t, ReviewPending, queue[0].Status)
	assert.Equal(t, intake.CategoryIPInfringement, queue[0].Record.Category)

	_, err = f.rt.OverrideIntake(ctx, staff, queue[0].Record.ID, OverrideInput{
		Decision:   intake.DecisionGranted,
		ReasonCode: "policy_context_verified",
		Rationale:  "Licensed artwork on file.",
	})
	requireReason(t, err, KindValidation, ReasonOverrideInvalid)

	_, err = f.rt.OverrideIntake(ctx, owner, queue[0].Record.ID, OverrideInput{})
	requireReason(t, err, KindForbidden, ReasonStaffRequired)

	ov, err := f.rt.OverrideIntake(ctx, staff, queue[0].Record.ID, OverrideInput{
		Decision:   intake.DecisionGranted,
		ReasonCode: "staff_override_context_verified",
		Rationale:  "Licensed artwork on file.",
	})
	require.NoError(t, err)
	assert.Equal(t, queue[0].Record.Fingerprint, ov.Fingerprint)

	p, err := f.rt.CreateProposal(ctx, staff, in)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, p.Status)

	_, err = f.rt.OverrideIntake(ctx, staff, queue[0].Record.ID, OverrideInput{
		Decision:   intake.DecisionDenied,
		ReasonCode: "policy_trademark",
		Rationale:  "License expired last month.",
	})
	require.NoError(t, err)
	_, err = f.rt.CreateProposal(ctx, staff, in)
	requireReason(t, err, KindForbidden, ReasonBlockedByIntake)

	queue, err = f.rt.ListReviewQueue(ctx, staff, 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, string(intake.DecisionDenied), queue[0].Status)

	acts := f.actions(t)
	assert.Contains(t, acts, audit.ActionIntakeRouted)
	assert.Contains(t, acts, audit.ActionIntakeOverrideGrant)
	assert.Contains(t, acts, audit.ActionIntakeOverrideDeny)
}

func TestDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := batchInput(t, f, "tenant-a")

	res, err := f.rt.DryRun(ctx, staff, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "batches/b-42", res.Plan.Resource)
	assert.True(t, res.Plan.Reversible)
	applies, _ := f.backend.Counts()
	assert.Zero(t, applies)
	assert.Contains(t, f.actions(t), audit.ActionDryRun)

	_, err = f.rt.DryRun(ctx, &auth.Principal{UID: "stranger"}, p.ID)
	requireReason(t, err, KindNotFound, ReasonProposalNotFound)
}

func TestListProposals_ScopedForNonStaff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchInput(t, f, "owner-1")
	_, err := f.rt.CreateProposal(ctx, &auth.Principal{UID: "agent-1"}, CreateInput{
		Claim:        agentClaim(f, "agent-1", "owner-1", ""),
		CapabilityID: "studio.status.read",
		Rationale:    "check whether kilns are online",
	})
	require.NoError(t, err)

	all, err := f.rt.ListProposals(ctx, staff, proposal.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	for _, uid := range []string{"owner-1", "agent-1"} {
		mine, err := f.rt.ListProposals(ctx, &auth.Principal{UID: uid}, proposal.ListFilter{VisibleTo: "staff-1"})
		require.NoError(t, err)
		require.Len(t, mine, 1, uid)
		assert.Equal(t, "agent-1", mine[0].RequestedBy)
	}

	none, err := f.rt.ListProposals(ctx, &auth.Principal{UID: "stranger"}, proposal.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestExportAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchInput(t, f, "tenant-a")

	b, err := f.rt.ExportAudit(ctx, staff, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, b.Manifest.Signature)
	for _, row := range b.Rows {
		assert.NotEqual(t, audit.ActionExported, row.Action)
	}
	assert.Equal(t, audit.ActionExported, f.actions(t)[0])

	res, err := f.rt.VerifyBundle(staff, b)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	b.Rows[0].Rationale = "tampered"
	res, err = f.rt.VerifyBundle(staff, b)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)

	_, err = f.rt.ExportAudit(ctx, owner, 10)
	requireReason(t, err, KindForbidden, ReasonStaffRequired)
}

func TestRecordRateLimit(t *testing.T) {
	f := newFixture(t)
	f.rt.RecordRateLimit(context.Background(), "owner-1", "POST /api/capabilities/proposals", 31, 30)
	ev := f.lastEvent(t, audit.ActionRateLimitTriggered)
	assert.Equal(t, "owner-1", ev.ActorID)
	assert.Equal(t, 30, ev.Metadata["limit"])
}

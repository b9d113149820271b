// Package orchestrator is the capability runtime: it sequences actor
// resolution, intake screening, the execution guard chain, side effects and
// audit for every proposal operation.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/studio-brain/capabilities/internal/actor"
	"github.com/studio-brain/capabilities/internal/audit"
	"github.com/studio-brain/capabilities/internal/auth"
	"github.com/studio-brain/capabilities/internal/capability"
	"github.com/studio-brain/capabilities/internal/connector"
	"github.com/studio-brain/capabilities/internal/engine"
	"github.com/studio-brain/capabilities/internal/engine/guards"
	"github.com/studio-brain/capabilities/internal/intake"
	"github.com/studio-brain/capabilities/internal/pilot"
	"github.com/studio-brain/capabilities/internal/policy"
	"github.com/studio-brain/capabilities/internal/proposal"
	"github.com/studio-brain/capabilities/internal/quota"
)

const (
	minTextLen       = 10
	DefaultAdminRole = "admin"
)

// Deps are the collaborators the runtime needs. Pilot and Connectors may be
// nil, in which case the matching capabilities are not executable.
type Deps struct {
	Capabilities *capability.Registry
	Proposals    proposal.Store
	Quotas       quota.Store
	Policy       *policy.Ledger
	Intake       intake.Store
	Screener     *intake.Screener
	Audit        *audit.Recorder
	Exporter     *audit.Exporter
	Pilot        *pilot.Executor
	Connectors   *connector.Registry
	AdminRole    string
	QuotaWindow  time.Duration
	Logger       *zap.Logger
}

// Runtime implements every capability operation.
type Runtime struct {
	caps        *capability.Registry
	proposals   proposal.Store
	quotas      quota.Store
	policy      *policy.Ledger
	intake      intake.Store
	screener    *intake.Screener
	audit       *audit.Recorder
	exporter    *audit.Exporter
	pilot       *pilot.Executor
	connectors  *connector.Registry
	chain       *engine.Chain
	adminRole   string
	quotaWindow time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a Runtime.
func New(d Deps) *Runtime {
	if d.AdminRole == "" {
		d.AdminRole = DefaultAdminRole
	}
	if d.QuotaWindow <= 0 {
		d.QuotaWindow = quota.DefaultWindow
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	r := &Runtime{
		caps:        d.Capabilities,
		proposals:   d.Proposals,
		quotas:      d.Quotas,
		policy:      d.Policy,
		intake:      d.Intake,
		screener:    d.Screener,
		audit:       d.Audit,
		exporter:    d.Exporter,
		pilot:       d.Pilot,
		connectors:  d.Connectors,
		adminRole:   d.AdminRole,
		quotaWindow: d.QuotaWindow,
		logger:      d.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	r.chain = engine.NewChain(r.guards(), d.Logger)
	return r
}

// WithClock overrides the time source.
func (r *Runtime) WithClock(now func() time.Time) *Runtime {
	r.now = now
	return r
}

// guards inserts the executability check ahead of quota so a capability
// with no executor never burns quota.
func (r *Runtime) guards() []engine.Guard {
	base := guards.Default()
	out := make([]engine.Guard, 0, len(base)+1)
	for _, g := range base {
		if g.Name() == "quota" {
			out = append(out, &executableGuard{rt: r})
		}
		out = append(out, g)
	}
	return out
}

// ListCapabilities returns the catalog in load order.
func (r *Runtime) ListCapabilities() []capability.Definition {
	return r.caps.List()
}

// Claim is the actor a request says it acts as.
type Claim struct {
	ActorType  string            `json:"actorType"`
	ActorUID   string            `json:"actorUid"`
	OwnerUID   string            `json:"ownerUid"`
	TenantID   string            `json:"tenantId"`
	Delegation *actor.Delegation `json:"delegation,omitempty"`
}

// resolveActor checks the authenticated caller may present claim, then runs
// actor resolution. A denial is returned as a Result, not an error.
func (r *Runtime) resolveActor(caller *auth.Principal, claim Claim, capabilityID string) (actor.Result, *Error) {
	if actor.Type(claim.ActorType) == actor.TypeAgent {
		if !caller.IsStaff && caller.UID != claim.ActorUID && caller.UID != claim.OwnerUID {
			return actor.Result{}, forbidden(ReasonActorClaimForbidden, "caller may not act for this agent")
		}
	} else if !caller.IsStaff {
		return actor.Result{}, forbidden(ReasonActorClaimForbidden, "only staff may act as staff")
	}

	return actor.Resolve(actor.Request{
		ActorType:    claim.ActorType,
		ActorUID:     claim.ActorUID,
		OwnerUID:     claim.OwnerUID,
		CapabilityID: capabilityID,
		PrincipalUID: caller.UID,
		TenantID:     claim.TenantID,
		Delegation:   claim.Delegation,
		Now:          r.now(),
	}), nil
}

func requireStaff(caller *auth.Principal) *Error {
	if caller == nil || !caller.IsStaff {
		return forbidden(ReasonStaffRequired, "staff role required")
	}
	return nil
}

func (r *Runtime) requireAdmin(caller *auth.Principal) *Error {
	if caller == nil || !(caller.Admin || caller.HasRole(r.adminRole)) {
		return forbidden(ReasonAdminRequired, "admin role required")
	}
	return nil
}

// canView lets staff see everything and everyone else only proposals they
// requested or own.
func canView(caller *auth.Principal, p *proposal.Proposal) bool {
	return caller.IsStaff || caller.UID == p.RequestedBy || caller.UID == p.OwnerUID
}

func longEnough(s string) bool {
	return len(strings.TrimSpace(s)) >= minTextLen
}

// record appends an audit event. The recorder logs append failures; the
// operation that triggered the event is not undone.
func (r *Runtime) record(ctx context.Context, ev audit.Event) {
	if r.audit == nil {
		return
	}
	_, _ = r.audit.Record(ctx, ev)
}

func actorType(caller *auth.Principal) string {
	if caller.IsStaff {
		return string(actor.TypeStaff)
	}
	return string(actor.TypeAgent)
}

func (r *Runtime) loadProposal(ctx context.Context, id string) (*proposal.Proposal, *Error) {
	p, err := r.proposals.Get(ctx, id)
	if err != nil {
		return nil, internal("load proposal", err)
	}
	if p == nil {
		return nil, notFound(ReasonProposalNotFound, "proposal not found")
	}
	return p, nil
}

// saveError maps a conditional save failure.
func saveError(err error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, proposal.ErrNotFound):
		return notFound(ReasonProposalNotFound, "proposal not found")
	case errors.Is(err, proposal.ErrStatusConflict):
		return conflict(ReasonStatusConflict, "proposal status changed concurrently")
	default:
		return internal("save proposal", err)
	}
}

func proposalMeta(p *proposal.Proposal) map[string]any {
	return map[string]any{
		"proposalId":   p.ID,
		"tenantId":     p.TenantID,
		"capabilityId": p.CapabilityID,
		"ownerUid":     p.OwnerUID,
	}
}

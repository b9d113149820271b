package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/studio-brain/capabilities/internal/actor"
	"github.com/studio-brain/capabilities/internal/audit"
	"github.com/studio-brain/capabilities/internal/auth"
	"github.com/studio-brain/capabilities/internal/capability"
	"github.com/studio-brain/capabilities/internal/connector"
	"github.com/studio-brain/capabilities/internal/engine"
	"github.com/studio-brain/capabilities/internal/pilot"
	"github.com/studio-brain/capabilities/internal/proposal"
)

// executableGuard denies capabilities that have no way to run: the pilot
// write without an executor, or a read-only capability without a connector
// for its target.
type executableGuard struct {
	rt *Runtime
}

func (g *executableGuard) Name() string {
	return "executable"
}

func (g *executableGuard) Check(_ context.Context, ec *engine.EvalContext) (*engine.Decision, error) {
	if g.rt.executable(*ec.Capability) {
		return nil, nil
	}
	return &engine.Decision{
		ReasonCode: ReasonNotExecutable,
		Details:    "no executor for " + ec.Capability.ID,
	}, nil
}

func (r *Runtime) executable(def capability.Definition) bool {
	if def.ID == pilot.CapabilityID {
		return r.pilot != nil
	}
	if def.ReadOnly && r.connectors != nil {
		_, ok := r.connectors.Get(def.Target)
		return ok
	}
	return false
}

// ExecuteInput is a request to run an approved proposal.
type ExecuteInput struct {
	Claim
	IdempotencyKey string `json:"idempotencyKey"`
}

// ExecuteResult is what a successful execute returns.
type ExecuteResult struct {
	Proposal *proposal.Proposal   `json:"proposal"`
	Decision engine.Decision      `json:"decision"`
	Output   map[string]any       `json:"output"`
	Pilot    *pilot.ExecuteResult `json:"pilot,omitempty"`
}

// Execute evaluates the guard chain and, when allowed, claims the proposal,
// performs the side effect and marks the proposal executed. Non-staff callers
// must be the proposal's requester or owner. The side effect's input is always
// the input recorded on the proposal.
func (r *Runtime) Execute(ctx context.Context, caller *auth.Principal, id string, in ExecuteInput) (*ExecuteResult, error) {
	p, lerr := r.loadProposal(ctx, id)
	if lerr != nil {
		return nil, lerr
	}
	if !canView(caller, p) {
		meta := proposalMeta(p)
		meta["reasonCode"] = ReasonProposalAccessForbidden
		meta["callerUid"] = caller.UID
		r.record(ctx, audit.Event{
			ActorType:     actorType(caller),
			ActorID:       caller.UID,
			Action:        audit.ActionExecuteDenied,
			Target:        p.CapabilityID,
			ApprovalState: string(p.Status),
			InputHash:     p.InputHash,
			Metadata:      meta,
		})
		return nil, notFound(ReasonProposalNotFound, "proposal not found")
	}

	res, claimErr := r.resolveActor(caller, in.Claim, p.CapabilityID)
	if claimErr != nil {
		return nil, claimErr
	}
	if !res.Allowed {
		action := audit.ActionExecuteDenied
		if res.ReasonCode == actor.ReasonTenantMismatch {
			action = audit.ActionCrossTenantDenied
		}
		meta := proposalMeta(p)
		meta["reasonCode"] = string(res.ReasonCode)
		meta["actor"] = res.Trace.AsMap()
		r.record(ctx, audit.Event{
			ActorType:     string(res.Trace.ActorType),
			ActorID:       res.Trace.ActorUID,
			Action:        action,
			Target:        p.CapabilityID,
			ApprovalState: string(p.Status),
			InputHash:     p.InputHash,
			Metadata:      meta,
		})
		return nil, forbidden(string(res.ReasonCode), "actor resolution denied")
	}
	act := res.Actor

	now := r.now()
	state, err := r.policy.State(ctx, now)
	if err != nil {
		return nil, internal("load policy state", err)
	}
	ec := &engine.EvalContext{
		Capabilities: r.caps,
		Actor:        *act,
		Proposal:     p,
		Policy:       state,
		Quota:        r.quotas,
		QuotaWindow:  r.quotaWindow,
		Now:          now,
	}
	decision, err := r.chain.Evaluate(ctx, ec)
	if err != nil {
		return nil, internal("evaluate", err)
	}
	if !decision.Allowed {
		r.recordDenial(ctx, p, res.Trace.AsMap(), decision)
		return nil, denialError(decision)
	}

	def := *ec.Capability
	claimed, cerr := r.claimExecution(ctx, p, res.Trace.AsMap())
	if cerr != nil {
		return nil, cerr
	}
	output, pilotRes, xerr := r.perform(ctx, def, claimed, act.ActorID, in.IdempotencyKey)
	if xerr != nil {
		r.releaseExecution(ctx, claimed)
		return nil, xerr
	}

	next := claimed.Clone()
	if err := proposal.Transition(next, proposal.StatusExecuted); err != nil {
		return nil, conflict(ReasonInvalidTransition, err.Error())
	}
	done := r.now()
	next.ExecutedBy = act.ActorID
	next.ExecutedAt = &done
	next.UpdatedAt = done
	finalizeErr := saveError(r.proposals.Save(ctx, next, proposal.StatusExecuting))

	outputHash, err := audit.HashJSON(output)
	if err != nil {
		r.logger.Error("hash execute output", zap.String("proposal_id", p.ID), zap.Error(err))
	}
	meta := proposalMeta(next)
	meta["actor"] = res.Trace.AsMap()
	if decision.QuotaRemaining != nil {
		meta["quotaRemaining"] = *decision.QuotaRemaining
	}
	if pilotRes != nil {
		meta["idempotencyKey"] = pilotRes.IdempotencyKey
		meta["replayed"] = pilotRes.Replayed
		meta["resourcePointer"] = pilotRes.ResourcePointer
	}
	if finalizeErr != nil {
		// The side effect already happened; it is audited even though the
		// proposal could not be marked executed.
		meta["finalizeError"] = finalizeErr.Message
		r.logger.Error("finalize execution",
			zap.String("proposal_id", next.ID),
			zap.String("reason_code", finalizeErr.ReasonCode),
		)
	}
	r.record(ctx, audit.Event{
		ActorType:     string(act.ActorType),
		ActorID:       act.ActorID,
		Action:        audit.ActionExecuted,
		Rationale:     next.Rationale,
		Target:        next.CapabilityID,
		ApprovalState: string(next.Status),
		InputHash:     next.InputHash,
		OutputHash:    outputHash,
		Metadata:      meta,
	})
	if finalizeErr != nil {
		return nil, finalizeErr
	}
	r.logger.Info("proposal executed",
		zap.String("proposal_id", next.ID),
		zap.String("capability_id", next.CapabilityID),
	)
	return &ExecuteResult{Proposal: next, Decision: decision, Output: output, Pilot: pilotRes}, nil
}

// claimExecution moves p from approved to executing. Only one caller can win
// the claim, so the side effect runs at most once per approval. Losers are
// denied with STATUS_CONFLICT and audited.
func (r *Runtime) claimExecution(ctx context.Context, p *proposal.Proposal, trace map[string]any) (*proposal.Proposal, *Error) {
	claimed := p.Clone()
	if err := proposal.Transition(claimed, proposal.StatusExecuting); err != nil {
		return nil, conflict(ReasonInvalidTransition, err.Error())
	}
	claimed.UpdatedAt = r.now()
	serr := saveError(r.proposals.Save(ctx, claimed, proposal.StatusApproved))
	if serr == nil {
		return claimed, nil
	}
	if serr.Kind == KindConflict {
		r.recordDenial(ctx, p, trace, engine.Decision{
			ReasonCode:    engine.ReasonCode(serr.ReasonCode),
			Guard:         "claim",
			Details:       serr.Message,
			ApprovalState: string(p.Status),
		})
	}
	return nil, serr
}

// releaseExecution returns a claimed proposal to approved after its side
// effect failed.
func (r *Runtime) releaseExecution(ctx context.Context, claimed *proposal.Proposal) {
	back := claimed.Clone()
	if err := proposal.Transition(back, proposal.StatusApproved); err != nil {
		return
	}
	back.UpdatedAt = r.now()
	if err := r.proposals.Save(ctx, back, proposal.StatusExecuting); err != nil {
		r.logger.Error("release execution claim", zap.String("proposal_id", back.ID), zap.Error(err))
	}
}

// perform runs the side effect for def.
func (r *Runtime) perform(ctx context.Context, def capability.Definition, p *proposal.Proposal, actorID, key string) (map[string]any, *pilot.ExecuteResult, *Error) {
	if def.ID == pilot.CapabilityID {
		if key == "" {
			key = pilot.DefaultIdempotencyKey(p.ID)
		}
		res, err := r.pilot.Execute(ctx, pilot.ExecuteRequest{
			ProposalID:     p.ID,
			IdempotencyKey: key,
			ActorUID:       actorID,
			TenantID:       p.TenantID,
			Input:          p.Preview.Input,
		})
		if err != nil {
			return nil, nil, pilotError("pilot execute", err)
		}
		return map[string]any{
			"idempotencyKey":  res.IdempotencyKey,
			"resourcePointer": res.ResourcePointer,
			"replayed":        res.Replayed,
			"executedAt":      res.ExecutedAt.UTC().Format(time.RFC3339Nano),
		}, res, nil
	}

	out, err := r.connectors.Read(ctx, def.Target, connector.Request{
		CapabilityID: def.ID,
		TenantID:     p.TenantID,
		ActorID:      actorID,
		Input:        p.Preview.Input,
	})
	if err != nil {
		if errors.Is(err, connector.ErrNoConnector) {
			return nil, nil, conflict(ReasonNotExecutable, "no connector for "+def.Target)
		}
		return nil, nil, internal("connector read", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil, nil
}

func pilotError(op string, err error) *Error {
	switch {
	case errors.Is(err, pilot.ErrIdempotencyConflict):
		return conflict(ReasonIdempotencyConflict, "idempotency key belongs to another proposal")
	case errors.Is(err, pilot.ErrAlreadyRolledBack):
		return conflict(ReasonAlreadyRolledBack, "execution already rolled back")
	case errors.Is(err, pilot.ErrExecutionNotFound):
		return notFound(ReasonExecutionNotFound, "no execution recorded for idempotency key")
	case errors.Is(err, pilot.ErrInvalidPlanInput):
		return validation(ReasonInputInvalid, err.Error())
	default:
		return internal(op, err)
	}
}

// recordDenial audits an evaluator denial. Tenant mismatches get their own
// action so cross-tenant attempts can be queried directly.
func (r *Runtime) recordDenial(ctx context.Context, p *proposal.Proposal, trace map[string]any, d engine.Decision) {
	action := audit.ActionExecuteDenied
	if d.ReasonCode == engine.ReasonTenantMismatch {
		action = audit.ActionCrossTenantDenied
	}
	meta := proposalMeta(p)
	meta["reasonCode"] = string(d.ReasonCode)
	meta["guard"] = d.Guard
	meta["details"] = d.Details
	meta["actor"] = trace
	if d.RetryAfterSeconds > 0 {
		meta["retryAfterSeconds"] = d.RetryAfterSeconds
	}
	actorType, _ := trace["actorType"].(string)
	actorID, _ := trace["actorUid"].(string)
	r.record(ctx, audit.Event{
		ActorType:     actorType,
		ActorID:       actorID,
		Action:        action,
		Target:        p.CapabilityID,
		ApprovalState: d.ApprovalState,
		InputHash:     p.InputHash,
		Metadata:      meta,
	})
}

func denialError(d engine.Decision) *Error {
	code := string(d.ReasonCode)
	msg := "execution denied"
	if d.Details != "" {
		msg = d.Details
	}
	switch d.ReasonCode {
	case engine.ReasonCapabilityUnknown:
		return notFound(code, msg)
	case engine.ReasonProposalNotApproved, ReasonNotExecutable:
		return conflict(code, msg)
	case engine.ReasonRateLimited:
		return &Error{Kind: KindRateLimited, ReasonCode: code, Message: msg, RetryAfterSeconds: d.RetryAfterSeconds}
	default:
		return forbidden(code, msg)
	}
}

// DryRunResult is the plan for a pilot write.
type DryRunResult struct {
	ProposalID string     `json:"proposalId"`
	Plan       pilot.Plan `json:"plan"`
}

// DryRun describes what executing the proposal would do. It performs no
// write and consumes no quota.
func (r *Runtime) DryRun(ctx context.Context, caller *auth.Principal, id string) (*DryRunResult, error) {
	p, lerr := r.loadProposal(ctx, id)
	if lerr != nil {
		return nil, lerr
	}
	if !canView(caller, p) {
		return nil, notFound(ReasonProposalNotFound, "proposal not found")
	}
	if p.CapabilityID != pilot.CapabilityID {
		return nil, conflict(ReasonNotExecutable, "dry run is only available for "+pilot.CapabilityID)
	}
	plan, err := pilot.DryRun(p.Preview.Input)
	if err != nil {
		return nil, pilotError("dry run", err)
	}

	meta := proposalMeta(p)
	meta["resource"] = plan.Resource
	r.record(ctx, audit.Event{
		ActorType:     actorType(caller),
		ActorID:       caller.UID,
		Action:        audit.ActionDryRun,
		Target:        p.CapabilityID,
		ApprovalState: string(p.Status),
		InputHash:     p.InputHash,
		Metadata:      meta,
	})
	return &DryRunResult{ProposalID: p.ID, Plan: plan}, nil
}

// RollbackInput is a request to reverse a pilot write.
type RollbackInput struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Reason         string `json:"reason"`
}

// Rollback reverses the pilot write recorded under the idempotency key. The
// proposal stays executed.
func (r *Runtime) Rollback(ctx context.Context, caller *auth.Principal, id string, in RollbackInput) (*pilot.RollbackResult, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	if !longEnough(in.Reason) {
		return nil, validation(ReasonReasonTooShort, "reason must be at least 10 characters")
	}
	p, lerr := r.loadProposal(ctx, id)
	if lerr != nil {
		return nil, lerr
	}
	if p.CapabilityID != pilot.CapabilityID || r.pilot == nil {
		return nil, conflict(ReasonNotExecutable, "rollback is only available for "+pilot.CapabilityID)
	}
	key := in.IdempotencyKey
	if key == "" {
		key = pilot.DefaultIdempotencyKey(p.ID)
	}

	res, err := r.pilot.Rollback(ctx, pilot.RollbackRequest{
		ProposalID:     p.ID,
		IdempotencyKey: key,
		Reason:         in.Reason,
		ActorUID:       caller.UID,
	})
	if err != nil {
		return nil, pilotError("pilot rollback", err)
	}

	meta := proposalMeta(p)
	meta["idempotencyKey"] = key
	meta["resourcePointer"] = res.ResourcePointer
	outputHash, _ := audit.HashJSON(res)
	r.record(ctx, audit.Event{
		ActorType:     actorType(caller),
		ActorID:       caller.UID,
		Action:        audit.ActionRollback,
		Rationale:     in.Reason,
		Target:        p.CapabilityID,
		ApprovalState: string(p.Status),
		InputHash:     p.InputHash,
		OutputHash:    outputHash,
		Metadata:      meta,
	})
	return res, nil
}

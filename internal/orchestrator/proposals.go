package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studio-brain/capabilities/internal/actor"
	"github.com/studio-brain/capabilities/internal/audit"
	"github.com/studio-brain/capabilities/internal/auth"
	"github.com/studio-brain/capabilities/internal/capability"
	"github.com/studio-brain/capabilities/internal/engine"
	"github.com/studio-brain/capabilities/internal/pilot"
	"github.com/studio-brain/capabilities/internal/proposal"
)

// CreateInput is a request to record a new proposal.
type CreateInput struct {
	Claim
	CapabilityID    string         `json:"capabilityId"`
	Rationale       string         `json:"rationale"`
	PreviewSummary  string         `json:"previewSummary"`
	ExpectedEffects []string       `json:"expectedEffects"`
	Input           map[string]any `json:"input"`
	Notes           string         `json:"notes"`
}

// CreateProposal validates, resolves the actor, screens the request text and
// stores the proposal in its initial status.
func (r *Runtime) CreateProposal(ctx context.Context, caller *auth.Principal, in CreateInput) (*proposal.Proposal, error) {
	if !longEnough(in.Rationale) {
		return nil, validation(ReasonRationaleTooShort, "rationale must be at least 10 characters")
	}
	def, ok := r.caps.Get(in.CapabilityID)
	if !ok {
		return nil, notFound(string(engine.ReasonCapabilityUnknown), "unknown capability: "+in.CapabilityID)
	}
	if in.Input == nil {
		in.Input = map[string]any{}
	}
	if err := r.caps.ValidateInput(def.ID, in.Input); err != nil {
		if errors.Is(err, capability.ErrInvalidInput) {
			return nil, validation(ReasonInputInvalid, err.Error())
		}
		return nil, internal("validate input", err)
	}

	res, claimErr := r.resolveActor(caller, in.Claim, def.ID)
	if claimErr != nil {
		return nil, claimErr
	}
	if !res.Allowed {
		r.record(ctx, audit.Event{
			ActorType: string(res.Trace.ActorType),
			ActorID:   res.Trace.ActorUID,
			Action:    audit.ActionCreateDenied,
			Rationale: in.Rationale,
			Target:    def.ID,
			Metadata: map[string]any{
				"reasonCode":   string(res.ReasonCode),
				"capabilityId": def.ID,
				"tenantId":     res.Trace.TenantID,
				"actor":        res.Trace.AsMap(),
			},
		})
		return nil, forbidden(string(res.ReasonCode), "actor resolution denied")
	}
	act := res.Actor

	inputHash, err := audit.HashJSON(in.Input)
	if err != nil {
		return nil, validation(ReasonInputInvalid, "input is not canonical JSON")
	}

	if err := r.screen(ctx, act, def.ID, in, inputHash); err != nil {
		return nil, err
	}

	now := r.now()
	p := &proposal.Proposal{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
		RequestedBy:  act.ActorID,
		ActorType:    string(act.ActorType),
		OwnerUID:     act.OwnerUID,
		TenantID:     act.TenantID,
		DelegationID: act.DelegationID,
		CapabilityID: def.ID,
		Rationale:    in.Rationale,
		InputHash:    inputHash,
		Preview:      buildPreview(def, in),
		Status:       proposal.InitialStatus(def.RequiresApproval),
	}
	if err := r.proposals.Create(ctx, p); err != nil {
		return nil, internal("create proposal", err)
	}

	meta := proposalMeta(p)
	meta["actor"] = res.Trace.AsMap()
	meta["riskTier"] = string(def.RiskTier)
	r.record(ctx, audit.Event{
		ActorType:     string(act.ActorType),
		ActorID:       act.ActorID,
		Action:        audit.ActionProposalCreated,
		Rationale:     p.Rationale,
		Target:        def.ID,
		ApprovalState: string(p.Status),
		InputHash:     inputHash,
		Metadata:      meta,
	})
	r.logger.Info("proposal created",
		zap.String("proposal_id", p.ID),
		zap.String("capability_id", def.ID),
		zap.String("status", string(p.Status)),
	)
	return p, nil
}

// buildPreview fills summary and effects from the pilot plan when the caller
// left them empty.
func buildPreview(def capability.Definition, in CreateInput) proposal.Preview {
	pv := proposal.Preview{
		Summary:         in.PreviewSummary,
		Input:           in.Input,
		ExpectedEffects: append([]string(nil), in.ExpectedEffects...),
	}
	if def.ID == pilot.CapabilityID {
		if plan, err := pilot.DryRun(in.Input); err == nil {
			if pv.Summary == "" {
				pv.Summary = plan.Summary
			}
			if len(pv.ExpectedEffects) == 0 {
				pv.ExpectedEffects = plan.Effects
			}
		}
	}
	if pv.Summary == "" {
		pv.Summary = def.Description
	}
	if pv.ExpectedEffects == nil {
		pv.ExpectedEffects = []string{}
	}
	return pv
}

// GetProposal returns one proposal the caller may see.
func (r *Runtime) GetProposal(ctx context.Context, caller *auth.Principal, id string) (*proposal.Proposal, error) {
	p, err := r.loadProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(caller, p) {
		return nil, notFound(ReasonProposalNotFound, "proposal not found")
	}
	return p, nil
}

// ListProposals lists proposals newest first. Non-staff callers only see
// proposals they requested or own.
func (r *Runtime) ListProposals(ctx context.Context, caller *auth.Principal, f proposal.ListFilter) ([]*proposal.Proposal, error) {
	f.VisibleTo = ""
	if !caller.IsStaff {
		f.VisibleTo = caller.UID
	}
	out, err := r.proposals.List(ctx, f)
	if err != nil {
		return nil, internal("list proposals", err)
	}
	if out == nil {
		out = []*proposal.Proposal{}
	}
	return out, nil
}

// Approve moves a pending proposal to approved. Rejected, executed and
// already approved proposals are returned unchanged.
func (r *Runtime) Approve(ctx context.Context, caller *auth.Principal, id, rationale string) (*proposal.Proposal, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	if !longEnough(rationale) {
		return nil, validation(ReasonRationaleTooShort, "rationale must be at least 10 characters")
	}
	p, lerr := r.loadProposal(ctx, id)
	if lerr != nil {
		return nil, lerr
	}
	switch p.Status {
	case proposal.StatusRejected, proposal.StatusExecuted, proposal.StatusApproved:
		return p, nil
	case proposal.StatusPendingApproval:
	default:
		return nil, conflict(ReasonInvalidTransition, "proposal is "+string(p.Status))
	}

	expected := p.Status
	next := p.Clone()
	if err := proposal.Transition(next, proposal.StatusApproved); err != nil {
		return nil, conflict(ReasonInvalidTransition, err.Error())
	}
	now := r.now()
	next.ApprovedBy = caller.UID
	next.ApprovedAt = &now
	next.UpdatedAt = now
	if err := saveError(r.proposals.Save(ctx, next, expected)); err != nil {
		return nil, err
	}

	r.record(ctx, audit.Event{
		ActorType:     string(actor.TypeStaff),
		ActorID:       caller.UID,
		Action:        audit.ActionProposalApproved,
		Rationale:     rationale,
		Target:        next.CapabilityID,
		ApprovalState: string(next.Status),
		InputHash:     next.InputHash,
		Metadata:      proposalMeta(next),
	})
	return next, nil
}

// Reject moves any non-executed proposal to rejected.
func (r *Runtime) Reject(ctx context.Context, caller *auth.Principal, id, reason string) (*proposal.Proposal, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	if !longEnough(reason) {
		return nil, validation(ReasonReasonTooShort, "reason must be at least 10 characters")
	}
	p, lerr := r.loadProposal(ctx, id)
	if lerr != nil {
		return nil, lerr
	}

	expected := p.Status
	next := p.Clone()
	if err := proposal.Transition(next, proposal.StatusRejected); err != nil {
		return nil, conflict(ReasonInvalidTransition, err.Error())
	}
	now := r.now()
	next.RejectedBy = caller.UID
	next.RejectedAt = &now
	next.RejectionReason = reason
	next.UpdatedAt = now
	if err := saveError(r.proposals.Save(ctx, next, expected)); err != nil {
		return nil, err
	}

	r.record(ctx, audit.Event{
		ActorType:     string(actor.TypeStaff),
		ActorID:       caller.UID,
		Action:        audit.ActionProposalRejected,
		Rationale:     reason,
		Target:        next.CapabilityID,
		ApprovalState: string(next.Status),
		InputHash:     next.InputHash,
		Metadata:      proposalMeta(next),
	})
	return next, nil
}

// Reopen returns a rejected proposal to the status a new proposal for the
// same capability would start in. Admin only.
func (r *Runtime) Reopen(ctx context.Context, caller *auth.Principal, id, reason string) (*proposal.Proposal, error) {
	if err := r.requireAdmin(caller); err != nil {
		return nil, err
	}
	if !longEnough(reason) {
		return nil, validation(ReasonReasonTooShort, "reason must be at least 10 characters")
	}
	p, lerr := r.loadProposal(ctx, id)
	if lerr != nil {
		return nil, lerr
	}
	if p.Status != proposal.StatusRejected {
		return nil, conflict(ReasonInvalidTransition, "only rejected proposals can be reopened")
	}

	requiresApproval := true
	if def, ok := r.caps.Get(p.CapabilityID); ok {
		requiresApproval = def.RequiresApproval
	}
	next := p.Clone()
	if err := proposal.Transition(next, proposal.InitialStatus(requiresApproval)); err != nil {
		return nil, conflict(ReasonInvalidTransition, err.Error())
	}
	next.ApprovedBy = ""
	next.ApprovedAt = nil
	next.UpdatedAt = r.now()
	if err := saveError(r.proposals.Save(ctx, next, proposal.StatusRejected)); err != nil {
		return nil, err
	}

	r.record(ctx, audit.Event{
		ActorType:     string(actor.TypeStaff),
		ActorID:       caller.UID,
		Action:        audit.ActionProposalReopened,
		Rationale:     reason,
		Target:        next.CapabilityID,
		ApprovalState: string(next.Status),
		InputHash:     next.InputHash,
		Metadata:      proposalMeta(next),
	})
	return next, nil
}

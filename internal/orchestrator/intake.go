package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studio-brain/capabilities/internal/actor"
	"github.com/studio-brain/capabilities/internal/audit"
	"github.com/studio-brain/capabilities/internal/auth"
	"github.com/studio-brain/capabilities/internal/intake"
)

// Review queue statuses. Decided items carry the decision name.
const ReviewPending = "pending"

// screen runs intake policy for a new proposal. A prior staff decision for
// the same fingerprint is applied without running the detectors again.
func (r *Runtime) screen(ctx context.Context, act *actor.Context, capabilityID string, in CreateInput, inputHash string) *Error {
	if r.screener == nil || r.intake == nil {
		return nil
	}
	sin := intake.Input{
		CapabilityID: capabilityID,
		TenantID:     act.TenantID,
		Rationale:    in.Rationale,
		Summary:      in.PreviewSummary,
		Notes:        in.Notes,
		InputHash:    inputHash,
	}
	fp, err := intake.Fingerprint(sin)
	if err != nil {
		return internal("intake fingerprint", err)
	}
	base := audit.Event{
		ActorType: string(act.ActorType),
		ActorID:   act.ActorID,
		Rationale: in.Rationale,
		Target:    capabilityID,
		InputHash: inputHash,
	}

	ov, err := r.intake.LatestOverride(ctx, fp)
	if err != nil {
		return internal("intake override lookup", err)
	}
	if ov != nil {
		ev := base
		if ov.Decision == intake.DecisionGranted {
			ev.Action = audit.ActionIntakeClassified
			ev.Metadata = map[string]any{
				"fingerprint":  fp,
				"overrideId":   ov.ID,
				"decision":     string(ov.Decision),
				"capabilityId": capabilityID,
				"tenantId":     act.TenantID,
			}
			r.record(ctx, ev)
			return nil
		}
		ev.Action = audit.ActionCreateDenied
		ev.Metadata = map[string]any{
			"reasonCode":   ReasonBlockedByIntake,
			"fingerprint":  fp,
			"overrideId":   ov.ID,
			"decision":     string(ov.Decision),
			"capabilityId": capabilityID,
			"tenantId":     act.TenantID,
		}
		r.record(ctx, ev)
		return forbidden(ReasonBlockedByIntake, "request blocked by intake policy")
	}

	c := r.screener.Screen(ctx, sin)
	ev := base
	ev.Action = audit.ActionIntakeClassified
	ev.Metadata = map[string]any{
		"fingerprint":  fp,
		"category":     string(c.Category),
		"confidence":   c.Confidence,
		"blocked":      c.Blocked,
		"incomplete":   c.Incomplete,
		"signals":      len(c.Signals),
		"capabilityId": capabilityID,
		"tenantId":     act.TenantID,
	}
	r.record(ctx, ev)
	if !c.Blocked {
		return nil
	}

	rec, err := r.intake.LatestRecord(ctx, fp)
	if err != nil {
		return internal("intake record lookup", err)
	}
	if rec == nil {
		rec = &intake.Record{
			ID:           uuid.NewString(),
			Fingerprint:  fp,
			CapabilityID: capabilityID,
			ActorID:      act.ActorID,
			OwnerUID:     act.OwnerUID,
			TenantID:     act.TenantID,
			Category:     c.Category,
			Confidence:   c.Confidence,
			Details:      signalDetails(c.Signals),
			Excerpt:      intake.Excerpt(sin.Text()),
			CreatedAt:    r.now(),
		}
		if err := r.intake.AppendRecord(ctx, *rec); err != nil {
			return internal("append intake record", err)
		}
	}

	routed := base
	routed.Action = audit.ActionIntakeRouted
	routed.Metadata = map[string]any{
		"reasonCode":   ReasonBlockedByIntake,
		"recordId":     rec.ID,
		"fingerprint":  fp,
		"category":     string(c.Category),
		"confidence":   c.Confidence,
		"capabilityId": capabilityID,
		"tenantId":     act.TenantID,
	}
	r.record(ctx, routed)
	r.logger.Info("intake blocked proposal",
		zap.String("record_id", rec.ID),
		zap.String("category", string(c.Category)),
	)
	return forbidden(ReasonBlockedByIntake, "request blocked by intake policy and routed to staff review")
}

func signalDetails(signals []intake.Signal) string {
	parts := make([]string, 0, len(signals))
	for _, s := range signals {
		parts = append(parts, s.Detector+": "+s.Details)
	}
	return strings.Join(parts, "; ")
}

// ListReviewQueue returns blocked requests newest first with the latest
// decision for each.
func (r *Runtime) ListReviewQueue(ctx context.Context, caller *auth.Principal, limit int) ([]intake.ReviewItem, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	records, err := r.intake.ListRecords(ctx, audit.ClampLimit(limit))
	if err != nil {
		return nil, internal("list intake records", err)
	}
	out := make([]intake.ReviewItem, 0, len(records))
	for _, rec := range records {
		ov, err := r.intake.LatestOverride(ctx, rec.Fingerprint)
		if err != nil {
			return nil, internal("intake override lookup", err)
		}
		item := intake.ReviewItem{Record: rec, Override: ov, Status: ReviewPending}
		if ov != nil {
			item.Status = string(ov.Decision)
		}
		out = append(out, item)
	}
	return out, nil
}

// OverrideInput is a staff ruling on a review-queue record.
type OverrideInput struct {
	Decision   intake.Decision `json:"decision"`
	ReasonCode string          `json:"reasonCode"`
	Rationale  string          `json:"rationale"`
}

// OverrideIntake records a staff decision for the record's fingerprint.
func (r *Runtime) OverrideIntake(ctx context.Context, caller *auth.Principal, recordID string, in OverrideInput) (*intake.Override, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	if err := intake.ValidateOverride(in.Decision, in.ReasonCode, in.Rationale); err != nil {
		return nil, validation(ReasonOverrideInvalid, err.Error())
	}
	rec, err := r.intake.GetRecord(ctx, recordID)
	if err != nil {
		return nil, internal("get intake record", err)
	}
	if rec == nil {
		return nil, notFound(ReasonIntakeRecordNotFound, "intake record not found")
	}

	ov := intake.Override{
		ID:          uuid.NewString(),
		RecordID:    rec.ID,
		Fingerprint: rec.Fingerprint,
		Decision:    in.Decision,
		ReasonCode:  in.ReasonCode,
		Rationale:   in.Rationale,
		DecidedBy:   caller.UID,
		CreatedAt:   r.now(),
	}
	if err := r.intake.AppendOverride(ctx, ov); err != nil {
		return nil, internal("append intake override", err)
	}

	action := audit.ActionIntakeOverrideGrant
	if in.Decision == intake.DecisionDenied {
		action = audit.ActionIntakeOverrideDeny
	}
	r.record(ctx, audit.Event{
		ActorType: string(actor.TypeStaff),
		ActorID:   caller.UID,
		Action:    action,
		Rationale: in.Rationale,
		Target:    rec.CapabilityID,
		Metadata: map[string]any{
			"recordId":     rec.ID,
			"overrideId":   ov.ID,
			"fingerprint":  rec.Fingerprint,
			"reasonCode":   in.ReasonCode,
			"capabilityId": rec.CapabilityID,
			"tenantId":     rec.TenantID,
		},
	})
	return &ov, nil
}

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/studio-brain/capabilities/internal/actor"
	"github.com/studio-brain/capabilities/internal/audit"
	"github.com/studio-brain/capabilities/internal/auth"
	"github.com/studio-brain/capabilities/internal/engine"
	"github.com/studio-brain/capabilities/internal/policy"
	"github.com/studio-brain/capabilities/internal/quota"
)

// KillSwitchInput is a request to flip the kill switch.
type KillSwitchInput struct {
	Enabled   bool   `json:"enabled"`
	Rationale string `json:"rationale"`
}

// SetKillSwitch appends a kill-switch event.
func (r *Runtime) SetKillSwitch(ctx context.Context, caller *auth.Principal, in KillSwitchInput) (policy.KillSwitchState, error) {
	if err := requireStaff(caller); err != nil {
		return policy.KillSwitchState{}, err
	}
	if !longEnough(in.Rationale) {
		return policy.KillSwitchState{}, validation(ReasonRationaleTooShort, "rationale must be at least 10 characters")
	}
	state, err := r.policy.SetKillSwitch(ctx, policy.KillSwitchInput{
		Enabled:   in.Enabled,
		ChangedBy: caller.UID,
		Rationale: in.Rationale,
		At:        r.now(),
	})
	if err != nil {
		return policy.KillSwitchState{}, internal("set kill switch", err)
	}
	r.record(ctx, audit.Event{
		ActorType: string(actor.TypeStaff),
		ActorID:   caller.UID,
		Action:    audit.ActionKillSwitchSet,
		Rationale: in.Rationale,
		Target:    "kill_switch",
		Metadata:  map[string]any{"enabled": in.Enabled},
	})
	return state, nil
}

// ExemptionInput is a request to exempt one capability and owner from the
// kill switch until ExpiresAt.
type ExemptionInput struct {
	CapabilityID string    `json:"capabilityId"`
	OwnerUID     string    `json:"ownerUid"`
	Reason       string    `json:"reason"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// CreateExemption appends a created exemption event.
func (r *Runtime) CreateExemption(ctx context.Context, caller *auth.Principal, in ExemptionInput) (policy.Exemption, error) {
	if err := requireStaff(caller); err != nil {
		return policy.Exemption{}, err
	}
	if _, ok := r.caps.Get(in.CapabilityID); !ok {
		return policy.Exemption{}, notFound(string(engine.ReasonCapabilityUnknown), "unknown capability: "+in.CapabilityID)
	}
	if strings.TrimSpace(in.OwnerUID) == "" {
		return policy.Exemption{}, validation(ReasonInputInvalid, "ownerUid is required")
	}
	if !longEnough(in.Reason) {
		return policy.Exemption{}, validation(ReasonReasonTooShort, "reason must be at least 10 characters")
	}
	now := r.now()
	if !in.ExpiresAt.After(now) {
		return policy.Exemption{}, validation(ReasonInputInvalid, "expiresAt must be in the future")
	}

	ex, err := r.policy.CreateExemption(ctx, policy.ExemptionInput{
		CapabilityID: in.CapabilityID,
		OwnerUID:     in.OwnerUID,
		Reason:       in.Reason,
		CreatedBy:    caller.UID,
		ExpiresAt:    in.ExpiresAt.UTC(),
		At:           now,
	})
	if err != nil {
		return policy.Exemption{}, internal("create exemption", err)
	}
	r.record(ctx, audit.Event{
		ActorType: string(actor.TypeStaff),
		ActorID:   caller.UID,
		Action:    audit.ActionExemptionCreated,
		Rationale: in.Reason,
		Target:    in.CapabilityID,
		Metadata: map[string]any{
			"exemptionId":  ex.ExemptionID,
			"capabilityId": in.CapabilityID,
			"ownerUid":     in.OwnerUID,
			"expiresAt":    ex.ExpiresAt.Format(time.RFC3339),
		},
	})
	return ex, nil
}

// RevokeExemption appends a revoked event for an exemption.
func (r *Runtime) RevokeExemption(ctx context.Context, caller *auth.Principal, exemptionID, reason string) (policy.Exemption, error) {
	if err := requireStaff(caller); err != nil {
		return policy.Exemption{}, err
	}
	if !longEnough(reason) {
		return policy.Exemption{}, validation(ReasonReasonTooShort, "reason must be at least 10 characters")
	}
	ex, err := r.policy.RevokeExemption(ctx, exemptionID, reason, caller.UID, r.now())
	switch {
	case errors.Is(err, policy.ErrExemptionNotFound):
		return policy.Exemption{}, notFound(ReasonExemptionNotFound, "exemption not found")
	case errors.Is(err, policy.ErrExemptionRevoked):
		return policy.Exemption{}, conflict(ReasonExemptionRevoked, "exemption already revoked")
	case err != nil:
		return policy.Exemption{}, internal("revoke exemption", err)
	}
	r.record(ctx, audit.Event{
		ActorType: string(actor.TypeStaff),
		ActorID:   caller.UID,
		Action:    audit.ActionExemptionRevoked,
		Rationale: reason,
		Target:    ex.CapabilityID,
		Metadata: map[string]any{
			"exemptionId":  ex.ExemptionID,
			"capabilityId": ex.CapabilityID,
			"ownerUid":     ex.OwnerUID,
		},
	})
	return ex, nil
}

// PolicyState returns the kill switch and the most recent exemptions in
// every status.
func (r *Runtime) PolicyState(ctx context.Context, caller *auth.Principal) (policy.State, error) {
	if err := requireStaff(caller); err != nil {
		return policy.State{}, err
	}
	ks, err := r.policy.KillSwitchState(ctx)
	if err != nil {
		return policy.State{}, internal("load kill switch", err)
	}
	exemptions, err := r.policy.ListExemptions(ctx, policy.DefaultListLimit, r.now())
	if err != nil {
		return policy.State{}, internal("list exemptions", err)
	}
	if exemptions == nil {
		exemptions = []policy.Exemption{}
	}
	return policy.State{KillSwitch: ks, Exemptions: exemptions}, nil
}

// ListQuotas returns quota buckets, most recent window first.
func (r *Runtime) ListQuotas(ctx context.Context, caller *auth.Principal, limit int) ([]quota.Bucket, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	buckets, err := r.quotas.ListBuckets(ctx, audit.ClampLimit(limit))
	if err != nil {
		return nil, internal("list quota buckets", err)
	}
	if buckets == nil {
		buckets = []quota.Bucket{}
	}
	return buckets, nil
}

// ResetQuota clears one bucket. The store does not audit; this does.
func (r *Runtime) ResetQuota(ctx context.Context, caller *auth.Principal, bucket, reason string) error {
	if err := requireStaff(caller); err != nil {
		return err
	}
	if strings.TrimSpace(bucket) == "" {
		return validation(ReasonInputInvalid, "bucket is required")
	}
	if !longEnough(reason) {
		return validation(ReasonReasonTooShort, "reason must be at least 10 characters")
	}
	if err := r.quotas.ResetBucket(ctx, bucket); err != nil {
		return internal("reset quota bucket", err)
	}
	r.record(ctx, audit.Event{
		ActorType: string(actor.TypeStaff),
		ActorID:   caller.UID,
		Action:    audit.ActionQuotaReset,
		Rationale: reason,
		Target:    bucket,
		Metadata:  map[string]any{"bucket": bucket},
	})
	return nil
}

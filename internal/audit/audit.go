// Package audit is the append-only event log for every capability decision
// and mutation, plus signed export bundles and time-boxed retention.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Action names written by the runtime.
const (
	ActionProposalCreated     = "capability.proposal_created"
	ActionProposalApproved    = "capability.proposal_approved"
	ActionProposalRejected    = "capability.proposal_rejected"
	ActionProposalReopened    = "capability.proposal_reopened"
	ActionExecuted            = "capability.executed"
	ActionExecuteDenied       = "capability.execute_denied"
	ActionCreateDenied        = "capability.create_denied"
	ActionDryRun              = "capability.dry_run"
	ActionRollback            = "capability.rollback"
	ActionCrossTenantDenied   = "studio_ops.cross_tenant_denied"
	ActionKillSwitchSet       = "policy.kill_switch_set"
	ActionExemptionCreated    = "policy.exemption_created"
	ActionExemptionRevoked    = "policy.exemption_revoked"
	ActionQuotaReset          = "quota.bucket_reset"
	ActionIntakeClassified    = "intake.classified"
	ActionIntakeRouted        = "intake.routed_to_review"
	ActionIntakeOverrideGrant = "intake.override_granted"
	ActionIntakeOverrideDeny  = "intake.override_denied"
	ActionRateLimitTriggered  = "rate_limit_triggered"
	ActionExported            = "audit.exported"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 5000
)

// Event is one audit row. Events are never mutated after Append.
type Event struct {
	ID            string         `json:"id"`
	ActorType     string         `json:"actorType"`
	ActorID       string         `json:"actorId"`
	Action        string         `json:"action"`
	Rationale     string         `json:"rationale"`
	Target        string         `json:"target"`
	ApprovalState string         `json:"approvalState"`
	InputHash     string         `json:"inputHash"`
	OutputHash    string         `json:"outputHash"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Filter narrows ListFiltered.
type Filter struct {
	ActionPrefix string
	ActorID      string
	Limit        int
}

// Matches reports whether ev passes the filter (ignoring Limit).
func (f Filter) Matches(ev Event) bool {
	if f.ActionPrefix != "" && !strings.HasPrefix(ev.Action, f.ActionPrefix) {
		return false
	}
	if f.ActorID != "" && ev.ActorID != f.ActorID {
		return false
	}
	return true
}

// Store persists audit events. Lists are newest first.
type Store interface {
	Append(ctx context.Context, ev Event) error
	ListRecent(ctx context.Context, limit int) ([]Event, error)
	ListFiltered(ctx context.Context, f Filter) ([]Event, error)
	// Prune deletes events created strictly before cutoff and returns the
	// number removed. Only the retention job calls it.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// ClampLimit applies the default and maximum list sizes.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// HashJSON returns the hex SHA-256 of the RFC 8785 canonical JSON encoding
// of v. Key order and number formatting in v do not affect the result.
func HashJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("HashJSON: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("HashJSON: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

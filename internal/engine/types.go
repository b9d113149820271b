package engine

import (
	"time"

	"github.com/studio-brain/capabilities/internal/actor"
	"github.com/studio-brain/capabilities/internal/capability"
	"github.com/studio-brain/capabilities/internal/policy"
	"github.com/studio-brain/capabilities/internal/proposal"
	"github.com/studio-brain/capabilities/internal/quota"
)

// ReasonCode is the machine-readable outcome of an evaluation.
type ReasonCode string

const (
	ReasonAllowed             ReasonCode = "ALLOWED"
	ReasonCapabilityUnknown   ReasonCode = "CAPABILITY_UNKNOWN"
	ReasonProposalNotApproved ReasonCode = "PROPOSAL_NOT_APPROVED"
	ReasonTenantMismatch      ReasonCode = "TENANT_MISMATCH"
	ReasonBlockedByPolicy     ReasonCode = "BLOCKED_BY_POLICY"
	ReasonRateLimited         ReasonCode = "RATE_LIMITED"
)

// Decision is the single verdict produced for an execute request.
type Decision struct {
	Allowed           bool       `json:"allowed"`
	ReasonCode        ReasonCode `json:"reasonCode"`
	ApprovalState     string     `json:"approvalState"`
	Guard             string     `json:"guard,omitempty"`
	Details           string     `json:"details,omitempty"`
	RetryAfterSeconds int        `json:"retryAfterSeconds,omitempty"`
	QuotaRemaining    *int       `json:"quotaRemaining,omitempty"`
}

// CapabilityLookup resolves capability definitions.
type CapabilityLookup interface {
	Get(id string) (capability.Definition, bool)
}

// EvalContext carries everything the guards need. Guards may fill in
// Capability and QuotaRemaining for the guards that follow.
type EvalContext struct {
	Capabilities CapabilityLookup
	Actor        actor.Context
	Proposal     *proposal.Proposal
	Policy       policy.State
	Quota        quota.Store
	QuotaWindow  time.Duration
	Now          time.Time

	Capability     *capability.Definition
	QuotaRemaining *int
}

package proposal

import (
	"context"
	"errors"
	"time"
)

// Status is a proposal lifecycle state.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusExecuting       Status = "executing"
	StatusExecuted        Status = "executed"
	StatusRejected        Status = "rejected"
)

var (
	ErrNotFound          = errors.New("proposal not found")
	ErrAlreadyExists     = errors.New("proposal already exists")
	ErrStatusConflict    = errors.New("proposal status changed concurrently")
	ErrInvalidTransition = errors.New("invalid proposal status transition")
)

// Preview is what reviewers see before approving.
type Preview struct {
	Summary         string         `json:"summary"`
	Input           map[string]any `json:"input"`
	ExpectedEffects []string       `json:"expectedEffects"`
}

// Proposal is a recorded request to exercise a capability. TenantID is fixed
// at creation and never changes.
type Proposal struct {
	ID              string     `json:"id"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	RequestedBy     string     `json:"requestedBy"`
	ActorType       string     `json:"actorType"`
	OwnerUID        string     `json:"ownerUid"`
	TenantID        string     `json:"tenantId"`
	DelegationID    string     `json:"delegationId,omitempty"`
	CapabilityID    string     `json:"capabilityId"`
	Rationale       string     `json:"rationale"`
	InputHash       string     `json:"inputHash"`
	Preview         Preview    `json:"preview"`
	Status          Status     `json:"status"`
	ApprovedBy      string     `json:"approvedBy,omitempty"`
	ApprovedAt      *time.Time `json:"approvedAt,omitempty"`
	RejectedBy      string     `json:"rejectedBy,omitempty"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	ExecutedBy      string     `json:"executedBy,omitempty"`
	ExecutedAt      *time.Time `json:"executedAt,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Preview.Input = cloneMap(p.Preview.Input)
	c.Preview.ExpectedEffects = append([]string(nil), p.Preview.ExpectedEffects...)
	c.ApprovedAt = cloneTime(p.ApprovedAt)
	c.RejectedAt = cloneTime(p.RejectedAt)
	c.ExecutedAt = cloneTime(p.ExecutedAt)
	return &c
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	TenantID     string
	Status       Status
	CapabilityID string
	// VisibleTo keeps only proposals this uid requested or owns.
	VisibleTo    string
	Limit        int
}

// Store is the system of record for proposals.
type Store interface {
	Create(ctx context.Context, p *Proposal) error
	// Get returns nil, nil when the proposal does not exist.
	Get(ctx context.Context, id string) (*Proposal, error)
	// Save persists p only if the stored status still equals expected.
	Save(ctx context.Context, p *Proposal, expected Status) error
	// List returns proposals newest first.
	List(ctx context.Context, f ListFilter) ([]*Proposal, error)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

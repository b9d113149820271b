package policy

import "time"

// KillSwitchEvent is one entry in the append-only kill-switch ledger.
type KillSwitchEvent struct {
	ID        string    `json:"id"`
	Enabled   bool      `json:"enabled"`
	ChangedBy string    `json:"changedBy"`
	Rationale string    `json:"rationale"`
	CreatedAt time.Time `json:"createdAt"`
}

// KillSwitchState is derived from the most recent ledger event.
type KillSwitchState struct {
	Enabled   bool       `json:"enabled"`
	ChangedBy string     `json:"changedBy,omitempty"`
	Rationale string     `json:"rationale,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ExemptionEventType distinguishes ledger entries for one exemption.
type ExemptionEventType string

const (
	ExemptionCreated ExemptionEventType = "created"
	ExemptionRevoked ExemptionEventType = "revoked"
)

// ExemptionEvent is one entry in the append-only exemption ledger.
// CapabilityID, OwnerUID and ExpiresAt are only meaningful on created events.
type ExemptionEvent struct {
	ID           string             `json:"id"`
	ExemptionID  string             `json:"exemptionId"`
	Type         ExemptionEventType `json:"eventType"`
	CapabilityID string             `json:"capabilityId,omitempty"`
	OwnerUID     string             `json:"ownerUid,omitempty"`
	Reason       string             `json:"reason"`
	ActorUID     string             `json:"actorUid"`
	ExpiresAt    time.Time          `json:"expiresAt"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// ExemptionStatus is the folded state of an exemption.
type ExemptionStatus string

const (
	StatusActive  ExemptionStatus = "active"
	StatusExpired ExemptionStatus = "expired"
	StatusRevoked ExemptionStatus = "revoked"
)

// Exemption is the current view of one exemption.
type Exemption struct {
	ExemptionID  string          `json:"exemptionId"`
	CapabilityID string          `json:"capabilityId"`
	OwnerUID     string          `json:"ownerUid"`
	Reason       string          `json:"reason"`
	CreatedBy    string          `json:"createdBy"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	RevokedBy    string          `json:"revokedBy,omitempty"`
	RevokedAt    *time.Time      `json:"revokedAt,omitempty"`
	RevokeReason string          `json:"revokeReason,omitempty"`
	Status       ExemptionStatus `json:"status"`
}

// State is the enforcement view consumed by the execution evaluator.
type State struct {
	KillSwitch KillSwitchState `json:"killSwitch"`
	Exemptions []Exemption     `json:"exemptions"`
}

// Covers reports whether an active exemption matches the capability and owner.
func (s State) Covers(capabilityID, ownerUID string) bool {
	for _, e := range s.Exemptions {
		if e.Status == StatusActive && e.CapabilityID == capabilityID && e.OwnerUID == ownerUID {
			return true
		}
	}
	return false
}

package intake

import (
	"errors"
	"strings"
	"time"
)

// Category is a risk class assigned to free-text request content.
type Category string

const (
	CategoryIllegalContent Category = "illegal_content"
	CategoryWeaponization  Category = "weaponization"
	CategoryIPInfringement Category = "ip_infringement"
	CategoryFraudRisk      Category = "fraud_risk"
	CategoryUnknown        Category = "unknown"
)

// CategoryScreeningIncomplete marks a request some detector never cleared,
// by error or timeout. It goes to the review queue.
const CategoryScreeningIncomplete Category = "screening_incomplete"

// Decision is a staff ruling on a blocked request.
type Decision string

const (
	DecisionGranted Decision = "override_granted"
	DecisionDenied  Decision = "override_denied"
)

const (
	GrantReasonPrefix = "staff_override_"
	DenyReasonPrefix  = "policy_"
	minRationaleLen   = 10
)

var (
	ErrInvalidDecision   = errors.New("decision must be override_granted or override_denied")
	ErrInvalidReasonCode = errors.New("reason code prefix does not match decision")
	ErrRationaleTooShort = errors.New("override rationale must be at least 10 characters")
	ErrRecordNotFound    = errors.New("intake record not found")
)

// Signal is one detector hit.
type Signal struct {
	Detector   string   `json:"detector"`
	Category   Category `json:"category"`
	Confidence float32  `json:"confidence"`
	Details    string   `json:"details"`
}

// Classification is the screener's verdict for one request.
type Classification struct {
	Category   Category `json:"category"`
	Confidence float32  `json:"confidence"`
	Blocked    bool     `json:"blocked"`
	Incomplete bool     `json:"incomplete,omitempty"`
	Signals    []Signal `json:"signals"`
}

// Input is the request content the screener inspects.
type Input struct {
	CapabilityID string
	TenantID     string
	Rationale    string
	Summary      string
	Notes        string
	InputHash    string
}

// Text joins the free-text fields that are screened.
func (in Input) Text() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{in.Rationale, in.Summary, in.Notes} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// Record is an immutable review-queue entry for a blocked request.
type Record struct {
	ID           string    `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	CapabilityID string    `json:"capabilityId"`
	ActorID      string    `json:"actorId"`
	OwnerUID     string    `json:"ownerUid"`
	TenantID     string    `json:"tenantId"`
	Category     Category  `json:"category"`
	Confidence   float32   `json:"confidence"`
	Details      string    `json:"details"`
	Excerpt      string    `json:"excerpt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Override is a staff decision keyed by request fingerprint.
type Override struct {
	ID          string    `json:"id"`
	RecordID    string    `json:"recordId"`
	Fingerprint string    `json:"fingerprint"`
	Decision    Decision  `json:"decision"`
	ReasonCode  string    `json:"reasonCode"`
	Rationale   string    `json:"rationale"`
	DecidedBy   string    `json:"decidedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ReviewItem pairs a record with the latest decision for its fingerprint.
type ReviewItem struct {
	Record   Record    `json:"record"`
	Override *Override `json:"override,omitempty"`
	Status   string    `json:"status"`
}

// ValidateOverride checks decision, reason code prefix and rationale.
func ValidateOverride(decision Decision, reasonCode, rationale string) error {
	switch decision {
	case DecisionGranted:
		if !strings.HasPrefix(reasonCode, GrantReasonPrefix) || len(reasonCode) == len(GrantReasonPrefix) {
			return ErrInvalidReasonCode
		}
	case DecisionDenied:
		if !strings.HasPrefix(reasonCode, DenyReasonPrefix) || len(reasonCode) == len(DenyReasonPrefix) {
			return ErrInvalidReasonCode
		}
	default:
		return ErrInvalidDecision
	}
	if len(strings.TrimSpace(rationale)) < minRationaleLen {
		return ErrRationaleTooShort
	}
	return nil
}

// ExcerptLength is the max runes of request text kept on a record.
const ExcerptLength = 280

// Excerpt truncates text without splitting a multi-byte character.
func Excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= ExcerptLength {
		return text
	}
	return string(runes[:ExcerptLength])
}

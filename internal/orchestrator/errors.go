package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for transport mapping.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindRateLimited  Kind = "rate_limited"
	KindUnauthorized Kind = "unauthorized"
	KindInternal     Kind = "internal"
)

// Reason codes produced by the runtime itself. Evaluator and actor reason
// codes are passed through unchanged.
const (
	ReasonRationaleTooShort       = "RATIONALE_TOO_SHORT"
	ReasonReasonTooShort          = "REASON_TOO_SHORT"
	ReasonInputInvalid            = "INPUT_INVALID"
	ReasonProposalNotFound        = "PROPOSAL_NOT_FOUND"
	ReasonStaffRequired           = "STAFF_REQUIRED"
	ReasonAdminRequired           = "ADMIN_REQUIRED"
	ReasonActorClaimForbidden     = "ACTOR_CLAIM_FORBIDDEN"
	ReasonInvalidTransition       = "INVALID_TRANSITION"
	ReasonStatusConflict          = "STATUS_CONFLICT"
	ReasonBlockedByIntake         = "BLOCKED_BY_INTAKE_POLICY"
	ReasonNotExecutable           = "CAPABILITY_NOT_EXECUTABLE"
	ReasonIdempotencyConflict     = "IDEMPOTENCY_KEY_CONFLICT"
	ReasonExecutionNotFound       = "EXECUTION_NOT_FOUND"
	ReasonAlreadyRolledBack       = "ALREADY_ROLLED_BACK"
	ReasonExemptionNotFound       = "EXEMPTION_NOT_FOUND"
	ReasonExemptionRevoked        = "EXEMPTION_ALREADY_REVOKED"
	ReasonIntakeRecordNotFound    = "INTAKE_RECORD_NOT_FOUND"
	ReasonOverrideInvalid         = "OVERRIDE_INVALID"
	ReasonBundleInvalid           = "BUNDLE_INVALID"
	ReasonProposalAccessForbidden = "PROPOSAL_ACCESS_FORBIDDEN"
)

// Error is the runtime's typed failure. Message is safe to show callers;
// internal causes stay in Err and in logs.
type Error struct {
	Kind              Kind
	ReasonCode        string
	Message           string
	RetryAfterSeconds int
	Err               error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.ReasonCode != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.ReasonCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func validation(reason, msg string) *Error {
	return &Error{Kind: KindValidation, ReasonCode: reason, Message: msg}
}

func notFound(reason, msg string) *Error {
	return &Error{Kind: KindNotFound, ReasonCode: reason, Message: msg}
}

func forbidden(reason, msg string) *Error {
	return &Error{Kind: KindForbidden, ReasonCode: reason, Message: msg}
}

func conflict(reason, msg string) *Error {
	return &Error{Kind: KindConflict, ReasonCode: reason, Message: msg}
}

func internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: fmt.Errorf("%s: %w", op, err)}
}

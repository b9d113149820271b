package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultListLimit bounds how many exemption events ListExemptions folds.
// Enforcement state is not bounded by it.
const DefaultListLimit = 500

var (
	ErrExemptionNotFound = errors.New("exemption not found")
	ErrExemptionRevoked  = errors.New("exemption already revoked")
)

// Store persists ledger events. Events are never updated or deleted.
type Store interface {
	AppendKillSwitchEvent(ctx context.Context, ev KillSwitchEvent) error
	// LatestKillSwitchEvent returns nil when the ledger is empty.
	LatestKillSwitchEvent(ctx context.Context) (*KillSwitchEvent, error)
	AppendExemptionEvent(ctx context.Context, ev ExemptionEvent) error
	// ListExemptionEvents returns events newest first.
	ListExemptionEvents(ctx context.Context, limit int) ([]ExemptionEvent, error)
	// ListActiveExemptionEvents returns the created event of every exemption
	// not revoked and not expired at now, newest first.
	ListActiveExemptionEvents(ctx context.Context, now time.Time) ([]ExemptionEvent, error)
	// ListExemptionEventsByID returns every event for one exemption, newest first.
	ListExemptionEventsByID(ctx context.Context, exemptionID string) ([]ExemptionEvent, error)
}

// Ledger derives kill-switch and exemption state from a Store.
type Ledger struct {
	store Store
}

// NewLedger wraps a Store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// KillSwitchInput is a request to change the kill switch.
type KillSwitchInput struct {
	Enabled   bool
	ChangedBy string
	Rationale string
	At        time.Time
}

// SetKillSwitch appends an event and returns the resulting state.
func (l *Ledger) SetKillSwitch(ctx context.Context, in KillSwitchInput) (KillSwitchState, error) {
	ev := KillSwitchEvent{
		ID:        uuid.NewString(),
		Enabled:   in.Enabled,
		ChangedBy: in.ChangedBy,
		Rationale: in.Rationale,
		CreatedAt: in.At,
	}
	if err := l.store.AppendKillSwitchEvent(ctx, ev); err != nil {
		return KillSwitchState{}, fmt.Errorf("SetKillSwitch: %w", err)
	}
	return CurrentKillSwitch(&ev), nil
}

// KillSwitchState returns the latest state, disabled when no event exists.
func (l *Ledger) KillSwitchState(ctx context.Context) (KillSwitchState, error) {
	ev, err := l.store.LatestKillSwitchEvent(ctx)
	if err != nil {
		return KillSwitchState{}, fmt.Errorf("KillSwitchState: %w", err)
	}
	return CurrentKillSwitch(ev), nil
}

// ExemptionInput is a request to create an exemption.
type ExemptionInput struct {
	CapabilityID string
	OwnerUID     string
	Reason       string
	CreatedBy    string
	ExpiresAt    time.Time
	At           time.Time
}

// CreateExemption appends a created event and returns the folded exemption.
func (l *Ledger) CreateExemption(ctx context.Context, in ExemptionInput) (Exemption, error) {
	ev := ExemptionEvent{
		ID:           uuid.NewString(),
		ExemptionID:  uuid.NewString(),
		Type:         ExemptionCreated,
		CapabilityID: in.CapabilityID,
		OwnerUID:     in.OwnerUID,
		Reason:       in.Reason,
		ActorUID:     in.CreatedBy,
		ExpiresAt:    in.ExpiresAt,
		CreatedAt:    in.At,
	}
	if err := l.store.AppendExemptionEvent(ctx, ev); err != nil {
		return Exemption{}, fmt.Errorf("CreateExemption: %w", err)
	}
	return FoldExemptions([]ExemptionEvent{ev}, in.At)[0], nil
}

// RevokeExemption appends a revoked event for an existing active or expired
// exemption.
func (l *Ledger) RevokeExemption(ctx context.Context, exemptionID, reason, actorUID string, at time.Time) (Exemption, error) {
	events, err := l.store.ListExemptionEventsByID(ctx, exemptionID)
	if err != nil {
		return Exemption{}, fmt.Errorf("RevokeExemption: %w", err)
	}
	folded := FoldExemptions(events, at)
	if len(folded) == 0 {
		return Exemption{}, ErrExemptionNotFound
	}
	found := &folded[0]
	if found.Status == StatusRevoked {
		return Exemption{}, ErrExemptionRevoked
	}

	ev := ExemptionEvent{
		ID:          uuid.NewString(),
		ExemptionID: exemptionID,
		Type:        ExemptionRevoked,
		Reason:      reason,
		ActorUID:    actorUID,
		CreatedAt:   at,
	}
	if err := l.store.AppendExemptionEvent(ctx, ev); err != nil {
		return Exemption{}, fmt.Errorf("RevokeExemption: %w", err)
	}

	out := *found
	applyRevoke(&out, ev)
	out.Status = StatusRevoked
	return out, nil
}

// ListExemptions folds the ledger into current exemptions.
func (l *Ledger) ListExemptions(ctx context.Context, limit int, now time.Time) ([]Exemption, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	events, err := l.store.ListExemptionEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("ListExemptions: %w", err)
	}
	return FoldExemptions(events, now), nil
}

// State returns the full enforcement view at now.
func (l *Ledger) State(ctx context.Context, now time.Time) (State, error) {
	ks, err := l.KillSwitchState(ctx)
	if err != nil {
		return State{}, err
	}
	events, err := l.store.ListActiveExemptionEvents(ctx, now)
	if err != nil {
		return State{}, fmt.Errorf("State: %w", err)
	}
	return State{KillSwitch: ks, Exemptions: FoldExemptions(events, now)}, nil
}

// CurrentKillSwitch converts the latest event into state.
func CurrentKillSwitch(latest *KillSwitchEvent) KillSwitchState {
	if latest == nil {
		return KillSwitchState{Enabled: false}
	}
	at := latest.CreatedAt
	return KillSwitchState{
		Enabled:   latest.Enabled,
		ChangedBy: latest.ChangedBy,
		Rationale: latest.Rationale,
		UpdatedAt: &at,
	}
}

// FoldExemptions reduces newest-first events to one Exemption per id. For each
// id the first created and first revoked event seen win. Revocations without a
// matching created event are dropped.
func FoldExemptions(events []ExemptionEvent, now time.Time) []Exemption {
	created := make(map[string]ExemptionEvent)
	revoked := make(map[string]ExemptionEvent)
	var order []string

	for _, ev := range events {
		switch ev.Type {
		case ExemptionCreated:
			if _, seen := created[ev.ExemptionID]; !seen {
				created[ev.ExemptionID] = ev
				order = append(order, ev.ExemptionID)
			}
		case ExemptionRevoked:
			if _, seen := revoked[ev.ExemptionID]; !seen {
				revoked[ev.ExemptionID] = ev
			}
		}
	}

	out := make([]Exemption, 0, len(order))
	for _, id := range order {
		c := created[id]
		ex := Exemption{
			ExemptionID:  id,
			CapabilityID: c.CapabilityID,
			OwnerUID:     c.OwnerUID,
			Reason:       c.Reason,
			CreatedBy:    c.ActorUID,
			CreatedAt:    c.CreatedAt,
			ExpiresAt:    c.ExpiresAt,
		}
		switch r, isRevoked := revoked[id]; {
		case isRevoked:
			applyRevoke(&ex, r)
			ex.Status = StatusRevoked
		case !now.Before(c.ExpiresAt):
			ex.Status = StatusExpired
		default:
			ex.Status = StatusActive
		}
		out = append(out, ex)
	}
	return out
}

func applyRevoke(ex *Exemption, ev ExemptionEvent) {
	at := ev.CreatedAt
	ex.RevokedAt = &at
	ex.RevokedBy = ev.ActorUID
	ex.RevokeReason = ev.Reason
}

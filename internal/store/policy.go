package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/studio-brain/capabilities/internal/policy"
)

// PolicyStore is the append-only kill-switch and exemption ledger.
type PolicyStore struct {
	db *sql.DB
}

var _ policy.Store = (*PolicyStore)(nil)

func (s *PolicyStore) AppendKillSwitchEvent(ctx context.Context, ev policy.KillSwitchEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_kill_switch_events (id, enabled, changed_by, rationale, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.Enabled, ev.ChangedBy, ev.Rationale, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("AppendKillSwitchEvent: %w", err)
	}
	return nil
}

// LatestKillSwitchEvent returns the newest event, or nil if none exist.
func (s *PolicyStore) LatestKillSwitchEvent(ctx context.Context) (*policy.KillSwitchEvent, error) {
	var ev policy.KillSwitchEvent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, enabled, changed_by, rationale, created_at
		FROM capability_kill_switch_events
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
	).Scan(&ev.ID, &ev.Enabled, &ev.ChangedBy, &ev.Rationale, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LatestKillSwitchEvent: %w", err)
	}
	return &ev, nil
}

func (s *PolicyStore) AppendExemptionEvent(ctx context.Context, ev policy.ExemptionEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_exemption_events
			(id, exemption_id, event_type, capability_id, owner_uid, reason, actor_uid, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.ExemptionID, string(ev.Type), nullString(ev.CapabilityID), nullString(ev.OwnerUID),
		ev.Reason, ev.ActorUID, nullTime(&ev.ExpiresAt), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("AppendExemptionEvent: %w", err)
	}
	return nil
}

const exemptionEventColumns = `id, exemption_id, event_type, capability_id, owner_uid, reason, actor_uid, expires_at, created_at`

// ListExemptionEvents returns up to limit events, newest first.
func (s *PolicyStore) ListExemptionEvents(ctx context.Context, limit int) ([]policy.ExemptionEvent, error) {
	return s.queryExemptionEvents(ctx, "ListExemptionEvents", `
		SELECT `+exemptionEventColumns+`
		FROM capability_exemption_events
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, clampLimit(limit, policy.DefaultListLimit, policy.DefaultListLimit*4),
	)
}

// ListActiveExemptionEvents returns the created event of every exemption that
// is neither revoked nor expired at now, however old it is.
func (s *PolicyStore) ListActiveExemptionEvents(ctx context.Context, now time.Time) ([]policy.ExemptionEvent, error) {
	return s.queryExemptionEvents(ctx, "ListActiveExemptionEvents", `
		SELECT `+exemptionEventColumns+`
		FROM capability_exemption_events c
		WHERE c.event_type = 'created'
		  AND c.expires_at > $1
		  AND NOT EXISTS (
			SELECT 1 FROM capability_exemption_events r
			WHERE r.exemption_id = c.exemption_id AND r.event_type = 'revoked'
		  )
		ORDER BY c.created_at DESC, c.id DESC`, now,
	)
}

// ListExemptionEventsByID returns every event for one exemption, newest first.
func (s *PolicyStore) ListExemptionEventsByID(ctx context.Context, exemptionID string) ([]policy.ExemptionEvent, error) {
	return s.queryExemptionEvents(ctx, "ListExemptionEventsByID", `
		SELECT `+exemptionEventColumns+`
		FROM capability_exemption_events
		WHERE exemption_id = $1
		ORDER BY created_at DESC, id DESC`, exemptionID,
	)
}

func (s *PolicyStore) queryExemptionEvents(ctx context.Context, op, query string, args ...any) ([]policy.ExemptionEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []policy.ExemptionEvent
	for rows.Next() {
		var (
			ev              policy.ExemptionEvent
			eventType       string
			capID, ownerUID sql.NullString
			expiresAt       sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.ExemptionID, &eventType, &capID, &ownerUID,
			&ev.Reason, &ev.ActorUID, &expiresAt, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ev.Type = policy.ExemptionEventType(eventType)
		ev.CapabilityID = capID.String
		ev.OwnerUID = ownerUID.String
		if expiresAt.Valid {
			ev.ExpiresAt = expiresAt.Time
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

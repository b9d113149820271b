package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/studio-brain/capabilities/internal/audit"
)

// AuditStore is the append-only audit log. Rows are only ever removed by
// Prune.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func (s *AuditStore) Append(ctx context.Context, ev audit.Event) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("AppendAuditEvent: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capability_audit_events
			(id, actor_type, actor_id, action, rationale, target, approval_state,
			 input_hash, output_hash, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.ActorType, ev.ActorID, ev.Action, ev.Rationale, ev.Target, ev.ApprovalState,
		ev.InputHash, ev.OutputHash, meta, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("AppendAuditEvent: %w", err)
	}
	return nil
}

func (s *AuditStore) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	return s.ListFiltered(ctx, audit.Filter{Limit: limit})
}

// ListFiltered matches ActionPrefix literally; LIKE is avoided because
// action names contain underscores.
func (s *AuditStore) ListFiltered(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_type, actor_id, action, rationale, target, approval_state,
		       input_hash, output_hash, metadata, created_at
		FROM capability_audit_events
		WHERE ($1 = '' OR left(action, length($1)) = $1)
		  AND ($2 = '' OR actor_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`,
		f.ActionPrefix, f.ActorID, audit.ClampLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("ListAuditEvents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Event
	for rows.Next() {
		var (
			ev   audit.Event
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ActorType, &ev.ActorID, &ev.Action, &ev.Rationale, &ev.Target,
			&ev.ApprovalState, &ev.InputHash, &ev.OutputHash, &meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListAuditEvents: %w", err)
		}
		ev.Metadata = map[string]any{}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("ListAuditEvents: decode metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListAuditEvents: %w", err)
	}
	return out, nil
}

func (s *AuditStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM capability_audit_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("PruneAuditEvents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("PruneAuditEvents: %w", err)
	}
	return n, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/studio-brain/capabilities/internal/intake"
)

const (
	defaultIntakeLimit = 100
	maxIntakeLimit     = 1000
)

// IntakeStore persists blocked-request records and staff overrides. Both
// tables are append-only.
type IntakeStore struct {
	db *sql.DB
}

var _ intake.Store = (*IntakeStore)(nil)

const intakeRecordColumns = `id, fingerprint, capability_id, actor_id, owner_uid, tenant_id,
		       category, confidence, details, excerpt, created_at`

func (s *IntakeStore) AppendRecord(ctx context.Context, r intake.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intake_records (`+intakeRecordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.Fingerprint, r.CapabilityID, r.ActorID, r.OwnerUID, r.TenantID,
		string(r.Category), r.Confidence, r.Details, r.Excerpt, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("AppendIntakeRecord: %w", err)
	}
	return nil
}

// GetRecord returns the record, or nil if not found.
func (s *IntakeStore) GetRecord(ctx context.Context, id string) (*intake.Record, error) {
	r, err := scanIntakeRecord(s.db.QueryRowContext(ctx, `
		SELECT `+intakeRecordColumns+`
		FROM intake_records WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetIntakeRecord: %w", err)
	}
	return r, nil
}

// LatestRecord returns the newest record for fingerprint, or nil.
func (s *IntakeStore) LatestRecord(ctx context.Context, fingerprint string) (*intake.Record, error) {
	r, err := scanIntakeRecord(s.db.QueryRowContext(ctx, `
		SELECT `+intakeRecordColumns+`
		FROM intake_records WHERE fingerprint = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, fingerprint))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LatestIntakeRecord: %w", err)
	}
	return r, nil
}

// ListRecords returns records newest first.
func (s *IntakeStore) ListRecords(ctx context.Context, limit int) ([]intake.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+intakeRecordColumns+`
		FROM intake_records
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, clampLimit(limit, defaultIntakeLimit, maxIntakeLimit))
	if err != nil {
		return nil, fmt.Errorf("ListIntakeRecords: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []intake.Record
	for rows.Next() {
		r, err := scanIntakeRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ListIntakeRecords: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListIntakeRecords: %w", err)
	}
	return out, nil
}

func (s *IntakeStore) AppendOverride(ctx context.Context, o intake.Override) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intake_overrides
			(id, record_id, fingerprint, decision, reason_code, rationale, decided_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.RecordID, o.Fingerprint, string(o.Decision), o.ReasonCode, o.Rationale, o.DecidedBy, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("AppendIntakeOverride: %w", err)
	}
	return nil
}

// LatestOverride returns the newest override for fingerprint, or nil.
func (s *IntakeStore) LatestOverride(ctx context.Context, fingerprint string) (*intake.Override, error) {
	var (
		o        intake.Override
		decision string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, record_id, fingerprint, decision, reason_code, rationale, decided_by, created_at
		FROM intake_overrides WHERE fingerprint = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, fingerprint,
	).Scan(&o.ID, &o.RecordID, &o.Fingerprint, &decision, &o.ReasonCode, &o.Rationale, &o.DecidedBy, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LatestIntakeOverride: %w", err)
	}
	o.Decision = intake.Decision(decision)
	return &o, nil
}

func scanIntakeRecord(row rowScanner) (*intake.Record, error) {
	var (
		r        intake.Record
		category string
	)
	if err := row.Scan(&r.ID, &r.Fingerprint, &r.CapabilityID, &r.ActorID, &r.OwnerUID, &r.TenantID,
		&category, &r.Confidence, &r.Details, &r.Excerpt, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Category = intake.Category(category)
	return &r, nil
}

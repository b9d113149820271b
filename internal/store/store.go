// Package store holds the PostgreSQL implementations of every durable
// store: proposals, quota buckets, the policy ledger, intake records,
// audit events, pilot executions and service tokens.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"
)

//go:embed schema.sql
var schemaSQL string

// Store provides access to the PostgreSQL database.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates all tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

// Proposals returns the proposal.Store implementation.
func (s *Store) Proposals() *ProposalStore { return &ProposalStore{db: s.db} }

// Quotas returns the quota.Store implementation.
func (s *Store) Quotas() *QuotaStore { return &QuotaStore{db: s.db} }

// Policy returns the policy.Store implementation.
func (s *Store) Policy() *PolicyStore { return &PolicyStore{db: s.db} }

// Intake returns the intake.Store implementation.
func (s *Store) Intake() *IntakeStore { return &IntakeStore{db: s.db} }

// Audit returns the audit.Store implementation.
func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

// Executions returns the pilot.Ledger implementation.
func (s *Store) Executions() *ExecutionStore { return &ExecutionStore{db: s.db} }

// ServiceTokens returns the service token table accessor.
func (s *Store) ServiceTokens() *ServiceTokenStore { return &ServiceTokenStore{db: s.db} }

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps nil or the zero time to SQL NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

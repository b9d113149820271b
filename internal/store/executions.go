package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/studio-brain/capabilities/internal/pilot"
)

// ExecutionStore is the pilot write idempotency ledger.
type ExecutionStore struct {
	db *sql.DB
}

var _ pilot.Ledger = (*ExecutionStore)(nil)

// Get returns the execution for key, or nil if none was recorded.
func (s *ExecutionStore) Get(ctx context.Context, key string) (*pilot.Execution, error) {
	var (
		e                         pilot.Execution
		status                    string
		rolledBackAt              sql.NullTime
		rolledBackBy, rollbackWhy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, proposal_id, actor_uid, resource_pointer, status,
		       executed_at, rolled_back_at, rolled_back_by, rollback_reason
		FROM pilot_executions WHERE idempotency_key = $1`, key,
	).Scan(&e.IdempotencyKey, &e.ProposalID, &e.ActorUID, &e.ResourcePointer, &status,
		&e.ExecutedAt, &rolledBackAt, &rolledBackBy, &rollbackWhy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetExecution: %w", err)
	}
	e.Status = pilot.ExecutionStatus(status)
	e.RolledBackAt = timePtr(rolledBackAt)
	e.RolledBackBy = rolledBackBy.String
	e.RollbackReason = rollbackWhy.String
	return &e, nil
}

// Insert records a new execution. A duplicate key yields
// pilot.ErrIdempotencyConflict.
func (s *ExecutionStore) Insert(ctx context.Context, e pilot.Execution) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pilot_executions
			(idempotency_key, proposal_id, actor_uid, resource_pointer, status, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.IdempotencyKey, e.ProposalID, e.ActorUID, e.ResourcePointer, string(e.Status), e.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("InsertExecution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("InsertExecution: %w", err)
	}
	if n == 0 {
		return pilot.ErrIdempotencyConflict
	}
	return nil
}

// MarkRolledBack flips an applied execution to rolled_back exactly once.
func (s *ExecutionStore) MarkRolledBack(ctx context.Context, key, reason, actorUID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pilot_executions SET
			status          = $2,
			rolled_back_at  = $3,
			rolled_back_by  = $4,
			rollback_reason = $5
		WHERE idempotency_key = $1 AND status = $6`,
		key, string(pilot.ExecutionRolledBack), at, actorUID, reason, string(pilot.ExecutionApplied),
	)
	if err != nil {
		return fmt.Errorf("MarkRolledBack: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkRolledBack: %w", err)
	}
	if n == 1 {
		return nil
	}
	existing, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return pilot.ErrExecutionNotFound
	}
	return pilot.ErrAlreadyRolledBack
}

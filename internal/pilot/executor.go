package pilot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different proposal")
	ErrExecutionNotFound   = errors.New("no execution recorded for idempotency key")
	ErrAlreadyRolledBack   = errors.New("execution already rolled back")
	ErrMissingKey          = errors.New("idempotency key is required")
)

// ExecutionStatus is the lifecycle of one pilot write.
type ExecutionStatus string

const (
	ExecutionApplied    ExecutionStatus = "executed"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// Execution is the ledger entry for one idempotency key.
type Execution struct {
	IdempotencyKey  string          `json:"idempotencyKey"`
	ProposalID      string          `json:"proposalId"`
	ActorUID        string          `json:"actorUid"`
	ResourcePointer string          `json:"resourcePointer"`
	Status          ExecutionStatus `json:"status"`
	ExecutedAt      time.Time       `json:"executedAt"`
	RolledBackAt    *time.Time      `json:"rolledBackAt,omitempty"`
	RolledBackBy    string          `json:"rolledBackBy,omitempty"`
	RollbackReason  string          `json:"rollbackReason,omitempty"`
}

// Ledger records executions by idempotency key.
type Ledger interface {
	// Get returns nil, nil when the key is unknown.
	Get(ctx context.Context, key string) (*Execution, error)
	// Insert fails with ErrIdempotencyConflict if the key already exists.
	Insert(ctx context.Context, e Execution) error
	MarkRolledBack(ctx context.Context, key, reason, actorUID string, at time.Time) error
}

// Backend performs the external write.
type Backend interface {
	Apply(ctx context.Context, key string, plan Plan, input map[string]any) (resourcePointer string, err error)
	Revert(ctx context.Context, key, resourcePointer, reason string) error
}

// ExecuteRequest asks for one pilot write.
type ExecuteRequest struct {
	ProposalID     string
	IdempotencyKey string
	ActorUID       string
	TenantID       string
	Input          map[string]any
}

// ExecuteResult describes a completed or replayed write.
type ExecuteResult struct {
	IdempotencyKey  string    `json:"idempotencyKey"`
	ProposalID      string    `json:"proposalId"`
	Replayed        bool      `json:"replayed"`
	ResourcePointer string    `json:"resourcePointer"`
	ExecutedAt      time.Time `json:"executedAt"`
}

// RollbackRequest reverses the execution recorded under IdempotencyKey.
type RollbackRequest struct {
	ProposalID     string
	IdempotencyKey string
	Reason         string
	ActorUID       string
}

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	IdempotencyKey  string    `json:"idempotencyKey"`
	ProposalID      string    `json:"proposalId"`
	ResourcePointer string    `json:"resourcePointer"`
	RolledBackAt    time.Time `json:"rolledBackAt"`
}

// DefaultIdempotencyKey derives the key used when a caller supplies none.
func DefaultIdempotencyKey(proposalID string) string {
	return "proposal:" + proposalID
}

// Executor bridges approved proposals to the pilot backend. Retries of the
// same execute call are absorbed by the ledger; whether a proposal may be
// executed at all is decided by the caller.
type Executor struct {
	backend Backend
	ledger  Ledger
	logger  *zap.Logger
	now     func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(backend Backend, ledger Ledger, logger *zap.Logger) *Executor {
	return &Executor{backend: backend, ledger: ledger, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Plan is the dry-run entry point.
func (e *Executor) Plan(input map[string]any) (Plan, error) {
	return DryRun(input)
}

// Execute applies the write once per idempotency key.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}
	plan, err := DryRun(req.Input)
	if err != nil {
		return nil, err
	}

	if res, err := e.replay(ctx, req); res != nil || err != nil {
		return res, err
	}

	ptr, err := e.backend.Apply(ctx, req.IdempotencyKey, plan, req.Input)
	if err != nil {
		return nil, fmt.Errorf("Execute: backend apply: %w", err)
	}

	exec := Execution{
		IdempotencyKey:  req.IdempotencyKey,
		ProposalID:      req.ProposalID,
		ActorUID:        req.ActorUID,
		ResourcePointer: ptr,
		Status:          ExecutionApplied,
		ExecutedAt:      e.now().UTC(),
	}
	if err := e.ledger.Insert(ctx, exec); err != nil {
		if errors.Is(err, ErrIdempotencyConflict) {
			// A concurrent retry won the insert. The backend saw the same key.
			if res, rerr := e.replay(ctx, req); res != nil || rerr != nil {
				return res, rerr
			}
		}
		return nil, fmt.Errorf("Execute: record execution: %w", err)
	}

	e.logger.Info("pilot write executed",
		zap.String("proposal_id", req.ProposalID),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("resource", ptr),
	)
	return &ExecuteResult{
		IdempotencyKey:  req.IdempotencyKey,
		ProposalID:      req.ProposalID,
		ResourcePointer: ptr,
		ExecutedAt:      exec.ExecutedAt,
	}, nil
}

// replay returns a replayed result when the key is already recorded.
func (e *Executor) replay(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	existing, err := e.ledger.Get(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("Execute: ledger lookup: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.ProposalID != req.ProposalID {
		return nil, ErrIdempotencyConflict
	}
	if existing.Status == ExecutionRolledBack {
		return nil, ErrAlreadyRolledBack
	}
	return &ExecuteResult{
		IdempotencyKey:  existing.IdempotencyKey,
		ProposalID:      existing.ProposalID,
		Replayed:        true,
		ResourcePointer: existing.ResourcePointer,
		ExecutedAt:      existing.ExecutedAt,
	}, nil
}

// Rollback reverses the execution recorded under the key.
func (e *Executor) Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}
	existing, err := e.ledger.Get(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("Rollback: ledger lookup: %w", err)
	}
	if existing == nil {
		return nil, ErrExecutionNotFound
	}
	if existing.ProposalID != req.ProposalID {
		return nil, ErrIdempotencyConflict
	}
	if existing.Status == ExecutionRolledBack {
		return nil, ErrAlreadyRolledBack
	}

	if err := e.backend.Revert(ctx, req.IdempotencyKey, existing.ResourcePointer, req.Reason); err != nil {
		return nil, fmt.Errorf("Rollback: backend revert: %w", err)
	}
	at := e.now().UTC()
	if err := e.ledger.MarkRolledBack(ctx, req.IdempotencyKey, req.Reason, req.ActorUID, at); err != nil {
		return nil, fmt.Errorf("Rollback: record rollback: %w", err)
	}

	e.logger.Info("pilot write rolled back",
		zap.String("proposal_id", req.ProposalID),
		zap.String("idempotency_key", req.IdempotencyKey),
	)
	return &RollbackResult{
		IdempotencyKey:  req.IdempotencyKey,
		ProposalID:      req.ProposalID,
		ResourcePointer: existing.ResourcePointer,
		RolledBackAt:    at,
	}, nil
}

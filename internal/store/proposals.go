package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/studio-brain/capabilities/internal/proposal"
)

const (
	defaultProposalLimit = 100
	maxProposalLimit     = 500
)

// ProposalStore persists proposals in capability_proposals.
type ProposalStore struct {
	db *sql.DB
}

var _ proposal.Store = (*ProposalStore)(nil)

const proposalColumns = `id, created_at, updated_at, requested_by, actor_type, owner_uid, tenant_id,
		       delegation_id, capability_id, rationale, input_hash, preview, status,
		       approved_by, approved_at, rejected_by, rejected_at, rejection_reason,
		       executed_by, executed_at`

// Create inserts p. It returns proposal.ErrAlreadyExists if the id is taken.
func (s *ProposalStore) Create(ctx context.Context, p *proposal.Proposal) error {
	preview, err := json.Marshal(p.Preview)
	if err != nil {
		return fmt.Errorf("CreateProposal: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_proposals (`+proposalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.CreatedAt, p.UpdatedAt, p.RequestedBy, p.ActorType, p.OwnerUID, p.TenantID,
		nullString(p.DelegationID), p.CapabilityID, p.Rationale, p.InputHash, preview, string(p.Status),
		nullString(p.ApprovedBy), nullTime(p.ApprovedAt), nullString(p.RejectedBy), nullTime(p.RejectedAt),
		nullString(p.RejectionReason), nullString(p.ExecutedBy), nullTime(p.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("CreateProposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("CreateProposal: %w", err)
	}
	if n == 0 {
		return proposal.ErrAlreadyExists
	}
	return nil
}

// Get returns the proposal, or nil if not found.
func (s *ProposalStore) Get(ctx context.Context, id string) (*proposal.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM capability_proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetProposal: %w", err)
	}
	return p, nil
}

// Save writes the mutable fields of p in a single conditional UPDATE, so
// two replicas racing on the same proposal cannot both win.
func (s *ProposalStore) Save(ctx context.Context, p *proposal.Proposal, expected proposal.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capability_proposals SET
			status           = $3,
			updated_at       = $4,
			approved_by      = $5,
			approved_at      = $6,
			rejected_by      = $7,
			rejected_at      = $8,
			rejection_reason = $9,
			executed_by      = $10,
			executed_at      = $11
		WHERE id = $1 AND status = $2`,
		p.ID, string(expected), string(p.Status), p.UpdatedAt,
		nullString(p.ApprovedBy), nullTime(p.ApprovedAt),
		nullString(p.RejectedBy), nullTime(p.RejectedAt), nullString(p.RejectionReason),
		nullString(p.ExecutedBy), nullTime(p.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("SaveProposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("SaveProposal: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM capability_proposals WHERE id = $1)`, p.ID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("SaveProposal: %w", err)
	}
	if !exists {
		return proposal.ErrNotFound
	}
	return proposal.ErrStatusConflict
}

// List returns proposals newest first. Empty filter fields match everything.
func (s *ProposalStore) List(ctx context.Context, f proposal.ListFilter) ([]*proposal.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM capability_proposals
		WHERE ($1 = '' OR tenant_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR capability_id = $3)
		  AND ($4 = '' OR requested_by = $4 OR owner_uid = $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $5`,
		f.TenantID, string(f.Status), f.CapabilityID, f.VisibleTo, clampLimit(f.Limit, defaultProposalLimit, maxProposalLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("ListProposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*proposal.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("ListProposals: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListProposals: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*proposal.Proposal, error) {
	var (
		p                                    proposal.Proposal
		status                               string
		preview                              []byte
		delegationID, approvedBy, rejectedBy sql.NullString
		rejectionReason, executedBy          sql.NullString
		approvedAt, rejectedAt, executedAt   sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.CreatedAt, &p.UpdatedAt, &p.RequestedBy, &p.ActorType, &p.OwnerUID, &p.TenantID,
		&delegationID, &p.CapabilityID, &p.Rationale, &p.InputHash, &preview, &status,
		&approvedBy, &approvedAt, &rejectedBy, &rejectedAt, &rejectionReason,
		&executedBy, &executedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(preview) > 0 {
		if err := json.Unmarshal(preview, &p.Preview); err != nil {
			return nil, fmt.Errorf("decode preview: %w", err)
		}
	}
	p.Status = proposal.Status(status)
	p.DelegationID = delegationID.String
	p.ApprovedBy = approvedBy.String
	p.ApprovedAt = timePtr(approvedAt)
	p.RejectedBy = rejectedBy.String
	p.RejectedAt = timePtr(rejectedAt)
	p.RejectionReason = rejectionReason.String
	p.ExecutedBy = executedBy.String
	p.ExecutedAt = timePtr(executedAt)
	return &p, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/studio-brain/capabilities/internal/auth"
)

var ErrServiceTokenNotFound = errors.New("service token not found")

// ServiceToken is a row in service_tokens. The hash never leaves the store
// in API responses.
type ServiceToken struct {
	ID        string     `json:"id"`
	UID       string     `json:"uid"`
	Prefix    string     `json:"prefix"`
	Roles     []string   `json:"roles"`
	IsStaff   bool       `json:"isStaff"`
	CreatedBy string     `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	Hash      string     `json:"-"`
}

// ServiceTokenStore manages bearer tokens issued to agents and internal
// callers.
type ServiceTokenStore struct {
	db *sql.DB
}

var _ auth.TokenLookup = (*ServiceTokenStore)(nil)

const serviceTokenColumns = `id, uid, token_hash, token_prefix, roles, is_staff, created_by, created_at, revoked_at`

// Create issues a new token for uid. The plaintext token is returned once
// and never stored.
func (s *ServiceTokenStore) Create(ctx context.Context, uid string, roles []string, isStaff bool, createdBy string) (*ServiceToken, string, error) {
	fullToken, hash, prefix, err := auth.GenerateServiceToken()
	if err != nil {
		return nil, "", fmt.Errorf("CreateServiceToken: %w", err)
	}
	if roles == nil {
		roles = []string{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return nil, "", fmt.Errorf("CreateServiceToken: %w", err)
	}

	t, err := scanServiceToken(s.db.QueryRowContext(ctx, `
		INSERT INTO service_tokens (id, uid, token_hash, token_prefix, roles, is_staff, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+serviceTokenColumns,
		uuid.NewString(), uid, hash, prefix, rolesJSON, isStaff, createdBy,
	))
	if err != nil {
		return nil, "", fmt.Errorf("CreateServiceToken: %w", err)
	}
	return t, fullToken, nil
}

// List returns all tokens, newest first.
func (s *ServiceTokenStore) List(ctx context.Context) ([]*ServiceToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+serviceTokenColumns+`
		FROM service_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListServiceTokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ServiceToken
	for rows.Next() {
		t, err := scanServiceToken(rows)
		if err != nil {
			return nil, fmt.Errorf("ListServiceTokens: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Revoke marks a token revoked. Revoking twice keeps the first timestamp.
func (s *ServiceTokenStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE service_tokens SET revoked_at = COALESCE(revoked_at, now())
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("RevokeServiceToken: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrServiceTokenNotFound
	}
	return nil
}

// LookupServiceToken finds a token by prefix for bcrypt verification.
// It returns nil, nil when no token has that prefix.
func (s *ServiceTokenStore) LookupServiceToken(ctx context.Context, prefix string) (*auth.TokenRecord, error) {
	t, err := scanServiceToken(s.db.QueryRowContext(ctx, `
		SELECT `+serviceTokenColumns+`
		FROM service_tokens WHERE token_prefix = $1`, prefix))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupServiceToken: %w", err)
	}
	return &auth.TokenRecord{
		UID:     t.UID,
		Hash:    t.Hash,
		Roles:   t.Roles,
		IsStaff: t.IsStaff,
		Revoked: t.RevokedAt != nil,
	}, nil
}

func scanServiceToken(row rowScanner) (*ServiceToken, error) {
	var (
		t         ServiceToken
		roles     []byte
		revokedAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.UID, &t.Hash, &t.Prefix, &roles, &t.IsStaff,
		&t.CreatedBy, &t.CreatedAt, &revokedAt); err != nil {
		return nil, err
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &t.Roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
	}
	t.RevokedAt = timePtr(revokedAt)
	return &t, nil
}

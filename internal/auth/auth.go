// Package auth resolves bearer credentials into principals.
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
)

var (
	ErrMissingToken    = errors.New("missing authorization header")
	ErrInvalidToken    = errors.New("invalid bearer token")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// Principal is the authenticated caller.
type Principal struct {
	UID     string   `json:"uid"`
	IsStaff bool     `json:"isStaff"`
	Roles   []string `json:"roles"`
	// Admin is set when the request carried a valid admin token. It bypasses
	// staff and role checks.
	Admin bool `json:"-"`
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Roles, role)
}

// Verifier turns a bearer token into a principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// ExtractBearer returns the token from an Authorization header value.
// RFC 6750: the "Bearer" scheme is case-insensitive.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(header[7:])
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

// Multi routes service tokens to one verifier and everything else to
// another. Either may be nil, in which case those tokens are rejected.
type Multi struct {
	jwt     Verifier
	service Verifier
}

func NewMulti(jwt, service Verifier) *Multi {
	return &Multi{jwt: jwt, service: service}
}

func (m *Multi) Verify(ctx context.Context, token string) (*Principal, error) {
	if strings.HasPrefix(token, ServiceTokenPrefix) {
		if m.service == nil {
			return nil, ErrInvalidToken
		}
		return m.service.Verify(ctx, token)
	}
	if m.jwt == nil {
		return nil, ErrInvalidToken
	}
	return m.jwt.Verify(ctx, token)
}

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// ServiceTokenPrefix marks tokens issued from the service_tokens table.
	ServiceTokenPrefix = "sbk_"
	// tokenPrefixLen is how much of the token is stored in clear for lookup.
	tokenPrefixLen = 12
)

// TokenRecord is what the token table holds for one service token.
type TokenRecord struct {
	UID     string
	Hash    string
	Roles   []string
	IsStaff bool
	Revoked bool
}

// TokenLookup abstracts DB queries for testability.
type TokenLookup interface {
	// LookupServiceToken returns nil, nil when no token has the prefix.
	LookupServiceToken(ctx context.Context, prefix string) (*TokenRecord, error)
}

// GenerateServiceToken creates a new sbk_ token with its bcrypt hash and
// lookup prefix. The full token is shown to the operator once.
func GenerateServiceToken() (fullToken, hash, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateServiceToken: %w", err)
	}
	fullToken = ServiceTokenPrefix + hex.EncodeToString(raw)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullToken), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateServiceToken: %w", err)
	}
	return fullToken, string(hashBytes), fullToken[:tokenPrefixLen], nil
}

// ServiceTokenVerifier validates sbk_ tokens against the token table, using
// AuthCache with stale-while-revalidate to keep bcrypt off the hot path.
type ServiceTokenVerifier struct {
	store  TokenLookup
	cache  *AuthCache
	logger *zap.Logger
}

// NewServiceTokenVerifier creates a verifier. A zero ttl defaults to 30s.
func NewServiceTokenVerifier(store TokenLookup, ttl time.Duration, logger *zap.Logger) *ServiceTokenVerifier {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &ServiceTokenVerifier{store: store, cache: NewAuthCache(ttl), logger: logger}
}

// Verify checks the cache first. A stale hit is served immediately and
// refreshed in the background; a miss does the full lookup synchronously.
func (v *ServiceTokenVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	if len(token) < tokenPrefixLen {
		return nil, ErrInvalidToken
	}

	if res := v.cache.Get(token); res.Hit {
		if res.NeedsRefresh {
			go v.backgroundRefresh(token)
		}
		return res.Principal, nil
	}

	p, err := v.lookupAndVerify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, ErrInvalidToken
		}
		v.logger.Warn("service token store unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	v.cache.Set(token, p)
	return p, nil
}

// backgroundRefresh re-verifies a stale entry. On failure the entry is
// dropped so the next request re-verifies synchronously; this is how a
// revoked token stops working.
func (v *ServiceTokenVerifier) backgroundRefresh(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := v.lookupAndVerify(ctx, token)
	if err != nil {
		v.logger.Warn("background token refresh failed", zap.Error(err))
		v.cache.Delete(token)
		return
	}
	v.cache.Set(token, p)
}

func (v *ServiceTokenVerifier) lookupAndVerify(ctx context.Context, token string) (*Principal, error) {
	rec, err := v.store.LookupServiceToken(ctx, token[:tokenPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if rec == nil || rec.Revoked {
		return nil, ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(token)); err != nil {
		return nil, ErrInvalidToken
	}
	return &Principal{UID: rec.UID, IsStaff: rec.IsStaff, Roles: rec.Roles}, nil
}

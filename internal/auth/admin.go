package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
)

// AdminTokenHeader carries the shared secret used by trusted internal
// callers to bypass staff checks.
const AdminTokenHeader = "x-studio-brain-admin-token"

// AdminToken checks the admin header against a bcrypt hash. The last
// matching token's digest is remembered so repeated calls skip bcrypt.
type AdminToken struct {
	hash     []byte
	verified atomic.Pointer[[32]byte]
}

// NewAdminToken returns nil when bcryptHash is empty, which disables the
// header entirely.
func NewAdminToken(bcryptHash string) *AdminToken {
	if bcryptHash == "" {
		return nil
	}
	return &AdminToken{hash: []byte(bcryptHash)}
}

// Enabled reports whether an admin token is configured.
func (a *AdminToken) Enabled() bool {
	return a != nil
}

// Check reports whether token matches the configured hash.
func (a *AdminToken) Check(token string) bool {
	if a == nil || token == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))
	if last := a.verified.Load(); last != nil && subtle.ConstantTimeCompare(last[:], digest[:]) == 1 {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.verified.Store(&digest)
	return true
}

// AdminPrincipal is the principal attached to admin-token requests.
func AdminPrincipal() *Principal {
	return &Principal{UID: "admin-token", IsStaff: true, Admin: true}
}

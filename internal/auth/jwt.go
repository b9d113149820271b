package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims issued by the studio identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
	Staff bool     `json:"staff,omitempty"`
}

// JWTVerifier validates HS256 tokens. A principal is staff when the staff
// claim is set or it holds the configured staff role.
type JWTVerifier struct {
	secret    []byte
	issuer    string
	staffRole string
	now       func() time.Time
}

func NewJWTVerifier(secret []byte, issuer, staffRole string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer, staffRole: staffRole, now: time.Now}
}

// WithClock overrides the time used for expiry checks.
func (v *JWTVerifier) WithClock(now func() time.Time) *JWTVerifier {
	v.now = now
	return v
}

func (v *JWTVerifier) Verify(_ context.Context, tokenStr string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &Principal{
		UID:     claims.Subject,
		IsStaff: claims.Staff || (v.staffRole != "" && slices.Contains(claims.Roles, v.staffRole)),
		Roles:   claims.Roles,
	}, nil
}

// Issue signs a token for uid. The server never calls this; it exists for
// local tooling and tests.
func (v *JWTVerifier) Issue(uid string, roles []string, staff bool, ttl time.Duration) (string, error) {
	if uid == "" {
		return "", errors.New("uid is required")
	}
	now := v.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
		Staff: staff,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

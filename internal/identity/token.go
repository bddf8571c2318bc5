// Package identity authenticates the principals that act on the ledger:
// requesters, approvers and operators. Principals present an HS256 Bearer
// token whose subject is the principal name recorded as the ledger actor.
package identity

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles understood by the HTTP surface.
const (
	RoleRequester = "requester"
	RoleApprover  = "approver"
	RoleOperator  = "operator"
)

// ErrNoSecret is returned when issuing tokens without a signing secret.
var ErrNoSecret = errors.New("token signing secret is not configured")

// PrincipalClaims are the JWT claims of a principal token.
type PrincipalClaims struct {
	jwt.RegisteredClaims
	Principal string   `json:"principal"`
	Roles     []string `json:"roles,omitempty"`
}

// HasRole reports whether the claims carry role.
func (c *PrincipalClaims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Roles, role)
}

// TokenIssuer issues and verifies principal tokens signed with a shared secret.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	secret: HMAC key; must be non-empty to issue tokens.
//	issuer: the "iss" claim value.
//	ttl:    token lifetime (default: 8 hours).
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return &TokenIssuer{secret: secret, issuer: issuer, ttl: ttl}
}

// Issue creates a signed token for principal with the given roles.
func (t *TokenIssuer) Issue(principal string, roles []string) (string, error) {
	if len(t.secret) == 0 {
		return "", ErrNoSecret
	}
	if principal == "" {
		return "", fmt.Errorf("principal is required")
	}
	now := time.Now().UTC()
	claims := PrincipalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Principal: principal,
		Roles:     roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign principal token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a principal token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*PrincipalClaims, error) {
	if len(t.secret) == 0 {
		return nil, ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&PrincipalClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify principal token: %w", err)
	}
	claims, ok := token.Claims.(*PrincipalClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid principal token claims")
	}
	if claims.Principal == "" || claims.Principal != claims.Subject {
		return nil, fmt.Errorf("principal token subject mismatch")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

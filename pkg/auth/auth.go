// Package auth issues and validates the bearer tokens used by API clients
// and remote agents, and carries the caller's identity through contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is the coarse permission level carried in a token.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleViewer    Role = "viewer"
	// RoleAgent is issued to remote agents connecting over the bridge.
	RoleAgent Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDeveloper, RoleViewer, RoleAgent:
		return true
	}
	return false
}

// Claims extends jwt.RegisteredClaims with the caller's role.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// ErrMissingSecret is returned when no signing secret is configured.
var ErrMissingSecret = errors.New("auth: signing secret is required")

// JWTManager issues and validates HS256 tokens.
type JWTManager struct {
	secret     []byte
	issuer     string
	expiration time.Duration
}

// NewJWTManager creates a manager signing with secret.
func NewJWTManager(secret, issuer string, expiration time.Duration) (*JWTManager, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if issuer == "" {
		issuer = "liveprobe"
	}
	return &JWTManager{secret: []byte(secret), issuer: issuer, expiration: expiration}, nil
}

// IssueToken returns a signed token for subject with role. A ttl of zero
// uses the manager's default expiration.
func (m *JWTManager) IssueToken(subject string, role Role, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("auth: subject is required")
	}
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("auth: unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = m.expiration
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a token string.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("auth: token carries unknown role %q", claims.Role)
	}
	return claims, nil
}

// Identity is the authenticated caller of an operation.
type Identity struct {
	Subject string `json:"subject"`
	Role    Role   `json:"role"`
}

// Anonymous is used when authentication is disabled.
var Anonymous = Identity{Subject: "anonymous", Role: RoleAdmin}

// IdentityFromClaims converts validated claims to an identity.
func IdentityFromClaims(c *Claims) Identity {
	return Identity{Subject: c.Subject, Role: c.Role}
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored in ctx.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

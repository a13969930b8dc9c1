// Package authn implements the two authentication mechanisms named by
// spec.md §6/§7: a signed session cookie for the REST catalog surface
// (browser UI), and an opaque, bcrypt-hashed API key for the ingestion
// endpoint and service-to-service callers. Neither has a direct teacher
// analog; the JWT shape is grounded on r3e-network-service_layer's
// applications/auth/manager.go.
package authn

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/argus-observability/agentcore/internal/apperr"
)

// SessionCookieName is the cookie the REST catalog surface reads on
// every authenticated request.
const SessionCookieName = "argus_session"

// Claims is the JWT payload for a signed-in session.
type Claims struct {
	Subject string `json:"sub"`
	Tenant  string `json:"tenant,omitempty"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// SessionManager issues and verifies HS256 session tokens.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionManager constructs a SessionManager. secret must be
// non-empty; ttl defaults to 24h when zero.
func NewSessionManager(secret string, ttl time.Duration) (*SessionManager, error) {
	if secret == "" {
		return nil, errors.New("authn: session secret must not be empty")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &SessionManager{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a new session token for subject/role, returning the
// signed token and its expiry.
func (m *SessionManager) Issue(subject, tenant, role string) (token string, expiresAt time.Time, err error) {
	exp := time.Now().Add(m.ttl)
	claims := Claims{
		Subject: subject,
		Tenant:  tenant,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses and validates a session token, returning its claims.
func (m *SessionManager) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthorized, "invalid session", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, apperr.New(apperr.Unauthorized, "invalid session")
	}
	return claims, nil
}

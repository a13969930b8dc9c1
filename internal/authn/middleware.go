package authn

import (
	"context"
	"net/http"
)

// IngestKeyHeader is the header name spec.md §6 assigns to ingestion
// authentication.
const IngestKeyHeader = "x-argus-key"

type contextKey string

const (
	sessionClaimsKey contextKey = "authn.session_claims"
	credentialKey    contextKey = "authn.credential"
)

// SessionFromContext returns the verified session claims attached by
// RequireSession, if any.
func SessionFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(sessionClaimsKey).(*Claims)
	return c, ok
}

// CredentialFromContext returns the verified API-key credential
// attached by RequireAPIKey, if any.
func CredentialFromContext(ctx context.Context) (Credential, bool) {
	c, ok := ctx.Value(credentialKey).(Credential)
	return c, ok
}

// RequireSession wraps next, rejecting requests whose session cookie
// is missing, malformed, or expired with 401 before next ever runs.
func (m *SessionManager) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		claims, err := m.Verify(cookie.Value)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), sessionClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAPIKey wraps next, rejecting requests whose x-argus-key
// header is missing or does not verify against a live credential.
func (m *APIKeyManager) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(IngestKeyHeader)
		if token == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		cred, err := m.Verify(r.Context(), token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), credentialKey, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

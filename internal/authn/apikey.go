package authn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/argus-observability/agentcore/internal/apperr"
)

// apiKeyPrefix marks the opaque token format so misrouted secrets are
// recognizable in logs without decoding them.
const apiKeyPrefix = "ak"

// secretBytes is the length of the random secret portion of a key,
// before hex encoding.
const secretBytes = 24

// Credential mirrors internal/catalog.Credential without importing
// that package, keeping authn storage-agnostic.
type Credential struct {
	KeyID       string
	HashedKey   string
	Tenant      string
	Description string
	CreatedAt   time.Time
	Revoked     bool
}

// CredentialStore is the subset of internal/catalog.Store's API-key
// surface authn needs. Implemented by catalog.CredentialAdapter, which
// wraps *catalog.Store.
type CredentialStore interface {
	InsertCredential(ctx context.Context, c Credential) error
	GetCredential(ctx context.Context, keyID string) (Credential, error)
	RevokeCredential(ctx context.Context, keyID string) error
}

// APIKeyManager issues and verifies opaque x-argus-key tokens, storing
// only a bcrypt hash of the secret half.
type APIKeyManager struct {
	store CredentialStore
}

// NewAPIKeyManager constructs an APIKeyManager backed by store.
func NewAPIKeyManager(store CredentialStore) *APIKeyManager {
	return &APIKeyManager{store: store}
}

// Issue mints a new API key for tenant, persists its bcrypt hash, and
// returns the full opaque token — the only time the plaintext secret
// is ever available.
func (m *APIKeyManager) Issue(ctx context.Context, tenant, description string) (token string, keyID string, err error) {
	keyID = uuid.NewString()

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("generate api key secret: %w", err)
	}
	secretHex := hex.EncodeToString(secret)

	hashed, err := bcrypt.GenerateFromPassword([]byte(secretHex), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if err := m.store.InsertCredential(ctx, Credential{
		KeyID:       keyID,
		HashedKey:   string(hashed),
		Tenant:      tenant,
		Description: description,
	}); err != nil {
		return "", "", fmt.Errorf("persist credential: %w", err)
	}

	return fmt.Sprintf("%s_%s_%s", apiKeyPrefix, keyID, secretHex), keyID, nil
}

// Verify checks a raw x-argus-key header value against the stored hash
// and returns the credential if it is valid and not revoked.
func (m *APIKeyManager) Verify(ctx context.Context, token string) (Credential, error) {
	keyID, secretHex, err := splitToken(token)
	if err != nil {
		return Credential{}, apperr.Wrap(apperr.Unauthorized, "malformed api key", err)
	}

	cred, err := m.store.GetCredential(ctx, keyID)
	if err != nil {
		return Credential{}, apperr.Wrap(apperr.Unauthorized, "unknown api key", err)
	}
	if cred.Revoked {
		return Credential{}, apperr.New(apperr.Unauthorized, "api key revoked")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.HashedKey), []byte(secretHex)); err != nil {
		return Credential{}, apperr.New(apperr.Unauthorized, "invalid api key")
	}
	return cred, nil
}

// Revoke marks keyID as no longer valid.
func (m *APIKeyManager) Revoke(ctx context.Context, keyID string) error {
	return m.store.RevokeCredential(ctx, keyID)
}

func splitToken(token string) (keyID, secretHex string, err error) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyPrefix {
		return "", "", fmt.Errorf("unrecognized token format")
	}
	return parts[1], parts[2], nil
}

package authn

import (
	"context"
	"sync"
	"testing"

	"github.com/argus-observability/agentcore/internal/apperr"
)

type memCredentialStore struct {
	mu   sync.Mutex
	byID map[string]Credential
}

func newMemCredentialStore() *memCredentialStore {
	return &memCredentialStore{byID: make(map[string]Credential)}
}

func (s *memCredentialStore) InsertCredential(ctx context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.KeyID] = c
	return nil
}

func (s *memCredentialStore) GetCredential(ctx context.Context, keyID string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[keyID]
	if !ok {
		return Credential{}, context.Canceled
	}
	return c, nil
}

func (s *memCredentialStore) RevokeCredential(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[keyID]
	if !ok {
		return context.Canceled
	}
	c.Revoked = true
	s.byID[keyID] = c
	return nil
}

func TestAPIKeyIssueAndVerify(t *testing.T) {
	store := newMemCredentialStore()
	m := NewAPIKeyManager(store)

	token, keyID, err := m.Issue(t.Context(), "tenant-a", "ingestion key")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if keyID == "" {
		t.Fatal("keyID is empty")
	}

	cred, err := m.Verify(t.Context(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if cred.KeyID != keyID || cred.Tenant != "tenant-a" {
		t.Errorf("cred = %+v", cred)
	}
}

func TestAPIKeyVerifyRejectsWrongSecret(t *testing.T) {
	store := newMemCredentialStore()
	m := NewAPIKeyManager(store)

	_, keyID, err := m.Issue(t.Context(), "tenant-a", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	forged := "ak_" + keyID + "_0000000000000000000000000000000000000000000000"
	if _, err := m.Verify(t.Context(), forged); err == nil {
		t.Fatal("expected error for forged secret")
	}
}

func TestAPIKeyVerifyRejectsMalformedToken(t *testing.T) {
	store := newMemCredentialStore()
	m := NewAPIKeyManager(store)

	_, err := m.Verify(t.Context(), "not-a-valid-token")
	if err == nil {
		t.Fatal("expected error for malformed token")
	}
	if apperr.KindOf(err) != apperr.Unauthorized {
		t.Errorf("kind = %v, want Unauthorized", apperr.KindOf(err))
	}
}

func TestAPIKeyVerifyRejectsRevoked(t *testing.T) {
	store := newMemCredentialStore()
	m := NewAPIKeyManager(store)

	token, keyID, err := m.Issue(t.Context(), "tenant-a", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := m.Revoke(t.Context(), keyID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, err := m.Verify(t.Context(), token); err == nil {
		t.Fatal("expected error for revoked credential")
	}
}

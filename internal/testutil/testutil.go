package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/memory"
	"github.com/giantswarm/oauth-server/tokens"
)

// Test client fixtures.
const (
	ConfidentialClientID = "confidential-client"
	ConfidentialSecret   = "confidential-secret-value"
	PublicClientID       = "public-client"
	RedirectURI          = "https://client.example.com/callback"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// GenerateRandomString returns a random URL-safe string of length characters.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// NewStore returns an in-memory store stopped when the test ends.
func NewStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	return store
}

// NewProtector returns a sealed token format with a random key.
func NewProtector(t *testing.T) tokens.Protector {
	t.Helper()
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	f, err := tokens.NewSealedFormat(enc)
	if err != nil {
		t.Fatalf("failed to create token format: %v", err)
	}
	return f
}

// CodeFlowPermissions are the permissions of a client using the
// authorization code flow with refresh tokens.
func CodeFlowPermissions() []string {
	return []string{
		protocol.PermissionEndpointAuthorization,
		protocol.PermissionEndpointToken,
		protocol.PermissionEndpointIntrospection,
		protocol.PermissionEndpointRevocation,
		protocol.PermissionPrefixGrantType + protocol.GrantTypeAuthorizationCode,
		protocol.PermissionPrefixGrantType + protocol.GrantTypeRefreshToken,
		protocol.PermissionPrefixResponseType + protocol.ResponseTypeCode,
		protocol.PermissionPrefixScope + "api",
	}
}

// AddConfidentialClient registers ConfidentialClientID with
// ConfidentialSecret. Extra permissions are appended to
// CodeFlowPermissions.
func AddConfidentialClient(t *testing.T, store *memory.Store, permissions ...string) *storage.Application {
	t.Helper()
	app := &storage.Application{
		ClientID:     ConfidentialClientID,
		ClientType:   protocol.ClientTypeConfidential,
		RedirectURIs: []string{RedirectURI},
		Permissions:  append(CodeFlowPermissions(), permissions...),
	}
	if err := store.SaveApplication(context.Background(), app, ConfidentialSecret); err != nil {
		t.Fatalf("failed to save application: %v", err)
	}
	return app
}

// AddPublicClient registers PublicClientID, which must use PKCE.
func AddPublicClient(t *testing.T, store *memory.Store, permissions ...string) *storage.Application {
	t.Helper()
	app := &storage.Application{
		ClientID:     PublicClientID,
		ClientType:   protocol.ClientTypePublic,
		RedirectURIs: []string{RedirectURI},
		Permissions:  append(CodeFlowPermissions(), permissions...),
		Requirements: []string{protocol.RequirementPKCE},
	}
	if err := store.SaveApplication(context.Background(), app, ""); err != nil {
		t.Fatalf("failed to save application: %v", err)
	}
	return app
}

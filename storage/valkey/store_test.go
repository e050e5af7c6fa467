package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if no server answers at VALKEY_TEST_ADDR.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauthtest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	assert.Error(t, err)
}

func TestTtlSeconds(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Duration
		want int64
	}{
		{"sub second rounds up", 200 * time.Millisecond, 1},
		{"exact", 3 * time.Second, 3},
		{"fraction rounds up", 3*time.Second + time.Millisecond, 4},
		{"negative clamps", -time.Second, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ttlSeconds(tt.ttl))
		})
	}
}

func TestTokenJSON_RoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	tok := &storage.Token{
		ID:              "id-1",
		ReferenceID:     "ref-1",
		AuthorizationID: "auth-1",
		ApplicationID:   "client",
		Subject:         "alice",
		Type:            "device_code",
		Status:          storage.TokenStatusInactive,
		Payload:         "payload",
		Properties:      map[string]string{"k": "v"},
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}
	got := fromTokenJSON(toTokenJSON(tok))
	assert.Equal(t, tok, got)
}

func newToken(id string) *storage.Token {
	return &storage.Token{
		ID:              id,
		AuthorizationID: "auth-" + id,
		ApplicationID:   "client",
		Subject:         "alice",
		Type:            "authorization_code",
		ExpiresAt:       time.Now().Add(time.Hour),
	}
}

func TestStore_CreateAndFind(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tok := newToken("t1")
	tok.ReferenceID = "ref-1"
	tok.Payload = "opaque"
	require.NoError(t, s.Create(ctx, tok))

	got, err := s.FindByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, storage.TokenStatusValid, got.Status)
	assert.Equal(t, "opaque", got.Payload)
	assert.False(t, got.CreatedAt.IsZero())

	byRef, err := s.FindByReferenceID(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", byRef.ID)

	assert.Error(t, s.Create(ctx, newToken("t1")), "duplicate id must fail")

	dup := newToken("t2")
	dup.ReferenceID = "ref-1"
	assert.Error(t, s.Create(ctx, dup), "duplicate reference must fail")
	_, err = s.FindByID(ctx, "t2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_FindNotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.FindByReferenceID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Redeem(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newToken("code")))

	tok, err := s.Redeem(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, storage.TokenStatusRedeemed, tok.Status)
	assert.False(t, tok.RedeemedAt.IsZero())

	tok, err = s.Redeem(ctx, "code")
	assert.ErrorIs(t, err, storage.ErrAlreadyRedeemed)
	require.NotNil(t, tok)
	assert.Equal(t, "auth-code", tok.AuthorizationID)

	_, err = s.Redeem(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Revoke(ctx, "code"))
	_, err = s.Redeem(ctx, "code")
	assert.ErrorIs(t, err, storage.ErrInvalidStatus)
}

func TestStore_Redeem_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newToken("code")))

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Redeem(ctx, "code"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, storage.ErrAlreadyRedeemed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestStore_RevokeByAuthorizationAndSubject(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := newToken("a")
	a.AuthorizationID = "shared"
	b := newToken("b")
	b.AuthorizationID = "shared"
	c := newToken("c")
	c.ApplicationID = "other"
	for _, tok := range []*storage.Token{a, b, c} {
		require.NoError(t, s.Create(ctx, tok))
	}

	n, err := s.RevokeByAuthorization(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.RevokeByAuthorization(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already revoked entries are not counted")

	n, err = s.RevokeBySubject(ctx, "alice", "other")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.FindByID(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, storage.TokenStatusRevoked, got.Status)

	_, err = s.RevokeBySubject(ctx, "", "")
	assert.Error(t, err)
	assert.ErrorIs(t, s.Revoke(ctx, "missing"), storage.ErrNotFound)
}

func TestStore_Update(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tok := newToken("dev")
	tok.ReferenceID = "old-ref"
	tok.Status = storage.TokenStatusInactive
	require.NoError(t, s.Create(ctx, tok))

	tok.Status = storage.TokenStatusValid
	tok.ReferenceID = "new-ref"
	tok.Payload = "approved"
	require.NoError(t, s.Update(ctx, tok))

	got, err := s.FindByReferenceID(ctx, "new-ref")
	require.NoError(t, err)
	assert.Equal(t, storage.TokenStatusValid, got.Status)
	assert.Equal(t, "approved", got.Payload)

	_, err = s.FindByReferenceID(ctx, "old-ref")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, s.Update(ctx, newToken("missing")), storage.ErrNotFound)
}

func TestStore_PayloadEncryption(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	s.SetEncryptor(enc)

	tok := newToken("sealed")
	tok.Payload = "secret-payload"
	require.NoError(t, s.Create(ctx, tok))

	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey("sealed")).Build()).ToString()
	require.NoError(t, err)
	assert.NotContains(t, raw, "secret-payload")

	got, err := s.FindByID(ctx, "sealed")
	require.NoError(t, err)
	assert.Equal(t, "secret-payload", got.Payload)
}

func TestStore_Cache(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "request:authorization:abc", []byte("client_id=app"), time.Minute))

	got, err := s.Get(ctx, "request:authorization:abc")
	require.NoError(t, err)
	assert.Equal(t, "client_id=app", string(got))

	require.NoError(t, s.Remove(ctx, "request:authorization:abc"))
	_, err = s.Get(ctx, "request:authorization:abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Error(t, s.Set(ctx, "", nil, time.Minute))
}

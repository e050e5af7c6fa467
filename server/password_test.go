package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/giantswarm/oauth-server/internal/testutil"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/mock"
)

func setupMockServer(t *testing.T, grantTypes []string) (*Server, *mock.MockTokenStore, *mock.MockResourceOwnerValidator) {
	t.Helper()

	store := testutil.NewStore(t)
	testutil.AddConfidentialClient(t, store, protocol.PermissionPrefixGrantType+protocol.GrantTypePassword)

	tokens := mock.NewMockTokenStore(store)
	owners := &mock.MockResourceOwnerValidator{Users: map[string]string{"alice": "wonderland"}}

	srv, err := New(Stores{
		Applications:   store,
		Scopes:         store,
		Tokens:         tokens,
		ResourceOwners: owners,
	}, testutil.NewProtector(t), &Config{
		Issuer:     testIssuer,
		Scopes:     []string{protocol.ScopeOpenID, protocol.ScopeOfflineAccess, "api"},
		GrantTypes: grantTypes,
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Build(); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return srv, tokens, owners
}

func passwordRequest(username, password string) *http.Request {
	return postRequest(DefaultEndpoints.Token, url.Values{
		"grant_type":    {protocol.GrantTypePassword},
		"client_id":     {testutil.ConfidentialClientID},
		"client_secret": {testutil.ConfidentialSecret},
		"username":      {username},
		"password":      {password},
		"scope":         {"api"},
	})
}

func TestServer_PasswordGrant(t *testing.T) {
	srv, tokens, _ := setupMockServer(t, []string{
		protocol.GrantTypeAuthorizationCode,
		protocol.GrantTypePassword,
	})

	tx, outcome := process(t, srv, passwordRequest("alice", "wonderland"))
	if outcome.Kind != pipeline.Handled || tx.HTTPResponse.StatusCode != http.StatusOK {
		t.Fatalf("outcome = %v, status = %d, body %s", outcome.Kind, tx.HTTPResponse.StatusCode, tx.HTTPResponse.Body.String())
	}
	body := decodeJSON(t, tx)
	if body["access_token"] == nil {
		t.Fatalf("response %v has no access_token", body)
	}
	if body["scope"] != "api" {
		t.Errorf("scope = %v, want api", body["scope"])
	}
	if tokens.CallCount("Create") == 0 {
		t.Error("no token entry was created")
	}

	tx, _ = process(t, srv, passwordRequest("alice", "looking-glass"))
	expectError(t, tx, http.StatusBadRequest, protocol.ErrorInvalidGrant)

	tx, _ = process(t, srv, postRequest(DefaultEndpoints.Token, url.Values{
		"grant_type":    {protocol.GrantTypePassword},
		"client_id":     {testutil.ConfidentialClientID},
		"client_secret": {testutil.ConfidentialSecret},
		"username":      {"alice"},
	}))
	expectError(t, tx, http.StatusBadRequest, protocol.ErrorInvalidRequest)
}

func TestServer_ResourceOwnerValidatorFault(t *testing.T) {
	srv, _, owners := setupMockServer(t, []string{
		protocol.GrantTypeAuthorizationCode,
		protocol.GrantTypePassword,
	})
	owners.Err = errors.New("directory unavailable")

	tx := srv.CreateTransaction(passwordRequest("alice", "wonderland"))
	_, err := srv.ProcessRequest(context.Background(), tx)
	if !pipeline.IsInternal(err) {
		t.Fatalf("ProcessRequest() error = %v, want an internal error", err)
	}
	if !errors.Is(err, owners.Err) {
		t.Errorf("ProcessRequest() error = %v, want it to wrap the validator error", err)
	}
}

func TestServer_TokenStoreFault(t *testing.T) {
	srv, tokens, _ := setupMockServer(t, []string{
		protocol.GrantTypeAuthorizationCode,
		protocol.GrantTypePassword,
	})
	errStore := errors.New("connection reset")
	tokens.CreateFunc = func(context.Context, *storage.Token) error { return errStore }

	tx := srv.CreateTransaction(passwordRequest("alice", "wonderland"))
	_, err := srv.ProcessRequest(context.Background(), tx)
	if !errors.Is(err, errStore) {
		t.Fatalf("ProcessRequest() error = %v, want the store error", err)
	}
	if !pipeline.IsInternal(err) {
		t.Errorf("ProcessRequest() error = %v, want an internal error", err)
	}
	if tx.HTTPResponse.Body.Len() != 0 {
		t.Errorf("a failed request must not produce a response, got %s", tx.HTTPResponse.Body.String())
	}
}

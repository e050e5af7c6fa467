package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/internal/testutil"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage/memory"
)

const testIssuer = "https://auth.example.com"

func setupTestServer(t *testing.T, mutate func(*Config)) (*Server, *memory.Store) {
	t.Helper()

	store := testutil.NewStore(t)
	config := &Config{
		Issuer: testIssuer,
		Scopes: []string{protocol.ScopeOpenID, protocol.ScopeOfflineAccess, "api"},
	}
	if mutate != nil {
		mutate(config)
	}

	srv, err := New(Stores{
		Applications: store,
		Scopes:       store,
		Tokens:       store,
		RequestCache: store,
	}, testutil.NewProtector(t), config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Build(); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return srv, store
}

func process(t *testing.T, srv *Server, r *http.Request) (*pipeline.Transaction, pipeline.Outcome) {
	t.Helper()
	tx := srv.CreateTransaction(r)
	outcome, err := srv.ProcessRequest(context.Background(), tx)
	if err != nil {
		t.Fatalf("ProcessRequest() error = %v", err)
	}
	return tx, outcome
}

func getRequest(path string, params url.Values) *http.Request {
	return httptest.NewRequest(http.MethodGet, testIssuer+path+"?"+params.Encode(), nil)
}

func postRequest(path string, params url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, testIssuer+path, strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func decodeJSON(t *testing.T, tx *pipeline.Transaction) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(tx.HTTPResponse.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", tx.HTTPResponse.Body.String(), err)
	}
	return body
}

func expectError(t *testing.T, tx *pipeline.Transaction, status int, code string) map[string]any {
	t.Helper()
	if tx.HTTPResponse.StatusCode != status {
		t.Errorf("status = %d, want %d (body %s)", tx.HTTPResponse.StatusCode, status, tx.HTTPResponse.Body.String())
	}
	body := decodeJSON(t, tx)
	if body["error"] != code {
		t.Fatalf("error = %v, want %s (description %v)", body["error"], code, body["error_description"])
	}
	return body
}

// authorize runs an authorization request for the public client and signs
// in alice, returning the issued code.
func authorize(t *testing.T, srv *Server, challenge, scope string) string {
	t.Helper()
	return authorizeClient(t, srv, testutil.PublicClientID, challenge, scope)
}

func authorizeClient(t *testing.T, srv *Server, clientID, challenge, scope string) string {
	t.Helper()
	tx, outcome := process(t, srv, getRequest(DefaultEndpoints.Authorization, url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {testutil.RedirectURI},
		"response_type":         {"code"},
		"scope":                 {scope},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}))
	if outcome.Kind != pipeline.Skipped {
		t.Fatalf("authorization outcome = %v (%s: %s), want skipped", outcome.Kind, outcome.Error, outcome.Description)
	}

	outcome, err := srv.SignIn(context.Background(), tx, protocol.NewPrincipal("alice"))
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if outcome.Kind != pipeline.Handled {
		t.Fatalf("sign-in outcome = %v (%s: %s), want handled", outcome.Kind, outcome.Error, outcome.Description)
	}
	if tx.HTTPResponse.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", tx.HTTPResponse.StatusCode)
	}

	location, err := url.Parse(tx.HTTPResponse.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location header: %v", err)
	}
	if !strings.HasPrefix(location.String(), testutil.RedirectURI+"?") {
		t.Fatalf("Location = %s, want a redirect to %s", location, testutil.RedirectURI)
	}
	q := location.Query()
	if q.Get("state") != "xyz" {
		t.Errorf("state = %q, want xyz", q.Get("state"))
	}
	if q.Get("iss") != testIssuer {
		t.Errorf("iss = %q, want %s", q.Get("iss"), testIssuer)
	}
	code := q.Get("code")
	if code == "" {
		t.Fatal("no code in the authorization response")
	}
	return code
}

func redeemCode(t *testing.T, srv *Server, code, verifier string) *pipeline.Transaction {
	t.Helper()
	tx, _ := process(t, srv, postRequest(DefaultEndpoints.Token, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testutil.PublicClientID},
		"code":          {code},
		"redirect_uri":  {testutil.RedirectURI},
		"code_verifier": {verifier},
	}))
	return tx
}

func TestServer_AuthorizationCodeFlow(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddPublicClient(t, store)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorize(t, srv, challenge, "openid offline_access api")

	tx := redeemCode(t, srv, code, verifier)
	if tx.HTTPResponse.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", tx.HTTPResponse.StatusCode, tx.HTTPResponse.Body.String())
	}
	if cc := tx.HTTPResponse.Header.Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	body := decodeJSON(t, tx)
	for _, name := range []string{"access_token", "refresh_token", "id_token"} {
		if s, _ := body[name].(string); s == "" {
			t.Errorf("response has no %s: %v", name, body)
		}
	}
	if body["token_type"] != "Bearer" {
		t.Errorf("token_type = %v, want Bearer", body["token_type"])
	}
	if exp, ok := body["expires_in"].(float64); !ok || exp <= 0 || exp > 3600 {
		t.Errorf("expires_in = %v, want a positive number of seconds", body["expires_in"])
	}
	if body["scope"] != "openid offline_access api" {
		t.Errorf("scope = %v", body["scope"])
	}
}

func TestServer_AuthorizationCodeReuseRevokesTokens(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddPublicClient(t, store)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorize(t, srv, challenge, "api")

	tx := redeemCode(t, srv, code, verifier)
	if tx.HTTPResponse.StatusCode != http.StatusOK {
		t.Fatalf("first redemption status = %d (body %s)", tx.HTTPResponse.StatusCode, tx.HTTPResponse.Body.String())
	}
	accessToken, _ := decodeJSON(t, tx)["access_token"].(string)

	tx = redeemCode(t, srv, code, verifier)
	expectError(t, tx, http.StatusBadRequest, protocol.ErrorInvalidGrant)

	if accessToken == "" {
		t.Fatal("no access token issued")
	}

	// Every token of the replayed authorization is already revoked.
	n, err := store.RevokeBySubject(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("RevokeBySubject() error = %v", err)
	}
	if n != 0 {
		t.Errorf("%d tokens survived the code replay", n)
	}
}

func TestServer_MissingCodeVerifier(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddConfidentialClient(t, store)

	// The confidential client has no PKCE requirement, so the stored
	// challenge is what rejects the request.
	challenge, _ := testutil.GeneratePKCEPair()
	code := authorizeClient(t, srv, testutil.ConfidentialClientID, challenge, "api")

	tx, _ := process(t, srv, postRequest(DefaultEndpoints.Token, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testutil.ConfidentialClientID},
		"client_secret": {testutil.ConfidentialSecret},
		"code":          {code},
		"redirect_uri":  {testutil.RedirectURI},
	}))
	body := expectError(t, tx, http.StatusBadRequest, protocol.ErrorInvalidRequest)
	if !strings.Contains(body["error_description"].(string), "code_verifier") {
		t.Errorf("error_description = %v, want a reference to code_verifier", body["error_description"])
	}
}

func TestServer_WrongCodeVerifier(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddPublicClient(t, store)

	challenge, _ := testutil.GeneratePKCEPair()
	code := authorize(t, srv, challenge, "api")

	_, otherVerifier := testutil.GeneratePKCEPair()
	tx := redeemCode(t, srv, code, otherVerifier)
	expectError(t, tx, http.StatusBadRequest, protocol.ErrorInvalidGrant)
}

func TestServer_RedirectURIMismatch(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddPublicClient(t, store)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorize(t, srv, challenge, "api")

	tx, _ := process(t, srv, postRequest(DefaultEndpoints.Token, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testutil.PublicClientID},
		"code":          {code},
		"redirect_uri":  {"https://client.example.com/Callback"},
		"code_verifier": {verifier},
	}))
	expectError(t, tx, http.StatusBadRequest, protocol.ErrorInvalidGrant)
}

func TestServer_RefreshTokenRotation(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddPublicClient(t, store)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorize(t, srv, challenge, "offline_access api")
	tx := redeemCode(t, srv, code, verifier)
	refreshToken, _ := decodeJSON(t, tx)["refresh_token"].(string)
	if refreshToken == "" {
		t.Fatalf("no refresh token issued: %s", tx.HTTPResponse.Body.String())
	}

	refresh := func(token string) *pipeline.Transaction {
		tx, _ := process(t, srv, postRequest(DefaultEndpoints.Token, url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {testutil.PublicClientID},
			"refresh_token": {token},
		}))
		return tx
	}

	tx = refresh(refreshToken)
	if tx.HTTPResponse.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d (body %s)", tx.HTTPResponse.StatusCode, tx.HTTPResponse.Body.String())
	}
	rotated, _ := decodeJSON(t, tx)["refresh_token"].(string)
	if rotated == "" || rotated == refreshToken {
		t.Fatalf("refresh token was not rotated: %q", rotated)
	}

	// Replaying the first token revokes the whole authorization, including
	// the rotated token.
	expectError(t, refresh(refreshToken), http.StatusBadRequest, protocol.ErrorInvalidGrant)
	expectError(t, refresh(rotated), http.StatusBadRequest, protocol.ErrorInvalidGrant)
}

func TestServer_RefreshTokenNarrowedScopes(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddPublicClient(t, store)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorize(t, srv, challenge, "openid offline_access api")
	refreshToken, _ := decodeJSON(t, redeemCode(t, srv, code, verifier))["refresh_token"].(string)
	if refreshToken == "" {
		t.Fatal("no refresh token issued")
	}

	refresh := func(token, scope string) map[string]any {
		t.Helper()
		tx, _ := process(t, srv, postRequest(DefaultEndpoints.Token, url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {testutil.PublicClientID},
			"refresh_token": {token},
			"scope":         {scope},
		}))
		if tx.HTTPResponse.StatusCode != http.StatusOK {
			t.Fatalf("refresh with scope %q: status = %d (body %s)", scope, tx.HTTPResponse.StatusCode, tx.HTTPResponse.Body.String())
		}
		return decodeJSON(t, tx)
	}

	body := refresh(refreshToken, "offline_access api")
	if body["scope"] != "offline_access api" {
		t.Errorf("narrowed scope = %v, want offline_access api", body["scope"])
	}
	rotated, _ := body["refresh_token"].(string)
	if rotated == "" {
		t.Fatalf("no rotated refresh token in %v", body)
	}

	// The rotated token still carries the original grant.
	body = refresh(rotated, "openid offline_access api")
	if body["scope"] != "openid offline_access api" {
		t.Errorf("scope = %v, want the originally granted scopes", body["scope"])
	}
}

func TestServer_StateIsEchoedVerbatim(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddPublicClient(t, store)

	const state = "\x00json:abc"
	challenge, _ := testutil.GeneratePKCEPair()
	tx, _ := process(t, srv, getRequest(DefaultEndpoints.Authorization, url.Values{
		"client_id":             {testutil.PublicClientID},
		"redirect_uri":          {testutil.RedirectURI},
		"response_type":         {"code"},
		"scope":                 {"api"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}))
	if _, err := srv.SignIn(context.Background(), tx, protocol.NewPrincipal("alice")); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	location, err := url.Parse(tx.HTTPResponse.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location header: %v", err)
	}
	if got := location.Query().Get("state"); got != state {
		t.Errorf("state = %q, want %q", got, state)
	}
}

func TestServer_ClientCredentialsPublicClient(t *testing.T) {
	srv, store := setupTestServer(t, func(c *Config) {
		c.GrantTypes = []string{
			protocol.GrantTypeAuthorizationCode,
			protocol.GrantTypeRefreshToken,
			protocol.GrantTypeClientCredentials,
		}
	})
	testutil.AddPublicClient(t, store, protocol.PermissionPrefixGrantType+protocol.GrantTypeClientCredentials)

	tx, _ := process(t, srv, postRequest(DefaultEndpoints.Token, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {testutil.PublicClientID},
		"client_secret": {"anything"},
	}))
	body := expectError(t, tx, http.StatusBadRequest, protocol.ErrorUnauthorizedClient)
	if !strings.Contains(body["error_description"].(string), "grant_type") {
		t.Errorf("error_description = %v, want a reference to grant_type", body["error_description"])
	}
}

func TestServer_ClientCredentialsConfidentialClient(t *testing.T) {
	srv, store := setupTestServer(t, func(c *Config) {
		c.GrantTypes = []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeClientCredentials}
	})
	testutil.AddConfidentialClient(t, store, protocol.PermissionPrefixGrantType+protocol.GrantTypeClientCredentials)

	r := postRequest(DefaultEndpoints.Token, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"api"},
	})
	r.SetBasicAuth(testutil.ConfidentialClientID, testutil.ConfidentialSecret)
	tx, _ := process(t, srv, r)
	if tx.HTTPResponse.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", tx.HTTPResponse.StatusCode, tx.HTTPResponse.Body.String())
	}
	body := decodeJSON(t, tx)
	if s, _ := body["access_token"].(string); s == "" {
		t.Errorf("no access token issued: %v", body)
	}
	if _, ok := body["id_token"]; ok {
		t.Errorf("client_credentials must not issue an identity token: %v", body)
	}

	// Wrong Basic credentials answer 401 with a challenge.
	r = postRequest(DefaultEndpoints.Token, url.Values{"grant_type": {"client_credentials"}})
	r.SetBasicAuth(testutil.ConfidentialClientID, "wrong")
	tx, _ = process(t, srv, r)
	expectError(t, tx, http.StatusUnauthorized, protocol.ErrorInvalidClient)
	if got := tx.HTTPResponse.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, "Basic") {
		t.Errorf("WWW-Authenticate = %q, want a Basic challenge", got)
	}
}

func TestServer_TokenRequestMissingParameters(t *testing.T) {
	srv, store := setupTestServer(t, func(c *Config) {
		c.GrantTypes = []string{
			protocol.GrantTypeAuthorizationCode,
			protocol.GrantTypeRefreshToken,
			protocol.GrantTypeClientCredentials,
			protocol.GrantTypeDeviceCode,
		}
	})
	testutil.AddPublicClient(t, store)

	tests := []struct {
		name   string
		params url.Values
		param  string
	}{
		{"grant_type", url.Values{"client_id": {testutil.PublicClientID}}, "grant_type"},
		{"code", url.Values{"grant_type": {"authorization_code"}, "client_id": {testutil.PublicClientID}}, "code"},
		{"client_id", url.Values{"grant_type": {"client_credentials"}}, "client_id"},
		{"client_secret", url.Values{"grant_type": {"client_credentials"}, "client_id": {testutil.PublicClientID}}, "client_secret"},
		{"device_code", url.Values{"grant_type": {protocol.GrantTypeDeviceCode}, "client_id": {testutil.PublicClientID}}, "device_code"},
		{"refresh_token", url.Values{"grant_type": {"refresh_token"}, "client_id": {testutil.PublicClientID}}, "refresh_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, outcome := process(t, srv, postRequest(DefaultEndpoints.Token, tt.params))
			if outcome.Kind != pipeline.Rejected {
				t.Fatalf("outcome = %v, want rejected", outcome.Kind)
			}
			body := expectError(t, tx, http.StatusBadRequest, protocol.ErrorInvalidRequest)
			if !strings.Contains(body["error_description"].(string), "'"+tt.param+"'") {
				t.Errorf("error_description = %v, want a reference to %s", body["error_description"], tt.param)
			}
		})
	}
}

func TestServer_UnsupportedGrantType(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddPublicClient(t, store)

	tx, _ := process(t, srv, postRequest(DefaultEndpoints.Token, url.Values{
		"grant_type": {"password"},
		"client_id":  {testutil.PublicClientID},
	}))
	expectError(t, tx, http.StatusBadRequest, protocol.ErrorUnsupportedGrantType)
}

func TestServer_AuthorizationErrors(t *testing.T) {
	srv, store := setupTestServer(t, func(c *Config) {
		c.GrantTypes = []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeImplicit}
	})
	testutil.AddPublicClient(t, store,
		protocol.PermissionPrefixGrantType+protocol.GrantTypeImplicit,
		protocol.PermissionPrefixResponseType+"code id_token")
	challenge, _ := testutil.GeneratePKCEPair()

	t.Run("unknown client renders locally", func(t *testing.T) {
		tx, _ := process(t, srv, getRequest(DefaultEndpoints.Authorization, url.Values{
			"client_id":     {"unknown"},
			"redirect_uri":  {testutil.RedirectURI},
			"response_type": {"code"},
		}))
		if tx.HTTPResponse.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", tx.HTTPResponse.StatusCode)
		}
		if tx.HTTPResponse.Header.Get("Location") != "" {
			t.Error("errors for unknown clients must not be redirected")
		}
		if !strings.Contains(tx.HTTPResponse.Body.String(), "error: invalid_client") {
			t.Errorf("body = %q", tx.HTTPResponse.Body.String())
		}
	})

	t.Run("hybrid flow without nonce", func(t *testing.T) {
		tx, outcome := process(t, srv, getRequest(DefaultEndpoints.Authorization, url.Values{
			"client_id":             {testutil.PublicClientID},
			"redirect_uri":          {testutil.RedirectURI},
			"response_type":         {"code id_token"},
			"scope":                 {"openid"},
			"code_challenge":        {challenge},
			"code_challenge_method": {"S256"},
		}))
		if outcome.Error != protocol.ErrorInvalidRequest || !strings.Contains(outcome.Description, "nonce") {
			t.Fatalf("outcome = %+v, want invalid_request referencing nonce", outcome)
		}
		location, err := url.Parse(tx.HTTPResponse.Header.Get("Location"))
		if err != nil || location.Fragment == "" {
			t.Fatalf("Location = %q, want a fragment redirect", tx.HTTPResponse.Header.Get("Location"))
		}
		fragment, _ := url.ParseQuery(location.Fragment)
		if fragment.Get("error") != protocol.ErrorInvalidRequest {
			t.Errorf("error = %q", fragment.Get("error"))
		}
	})

	t.Run("missing code_challenge", func(t *testing.T) {
		tx, _ := process(t, srv, getRequest(DefaultEndpoints.Authorization, url.Values{
			"client_id":     {testutil.PublicClientID},
			"redirect_uri":  {testutil.RedirectURI},
			"response_type": {"code"},
			"state":         {"s1"},
		}))
		location, err := url.Parse(tx.HTTPResponse.Header.Get("Location"))
		if err != nil {
			t.Fatal(err)
		}
		q := location.Query()
		if q.Get("error") != protocol.ErrorInvalidRequest || q.Get("state") != "s1" {
			t.Errorf("query = %v", q)
		}
	})
}

func TestServer_Challenge(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddPublicClient(t, store)
	challenge, _ := testutil.GeneratePKCEPair()

	tx, outcome := process(t, srv, getRequest(DefaultEndpoints.Authorization, url.Values{
		"client_id":             {testutil.PublicClientID},
		"redirect_uri":          {testutil.RedirectURI},
		"response_type":         {"code"},
		"response_mode":         {"form_post"},
		"state":                 {"st"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}))
	if outcome.Kind != pipeline.Skipped {
		t.Fatalf("outcome = %v, want skipped", outcome.Kind)
	}

	outcome, err := srv.Challenge(context.Background(), tx, "", "")
	if err != nil {
		t.Fatalf("Challenge() error = %v", err)
	}
	if outcome.Kind != pipeline.Handled {
		t.Fatalf("outcome = %v, want handled", outcome.Kind)
	}
	body := tx.HTTPResponse.Body.String()
	for _, want := range []string{`action="` + testutil.RedirectURI + `"`, `value="access_denied"`, `value="st"`} {
		if !strings.Contains(body, want) {
			t.Errorf("form_post body misses %s:\n%s", want, body)
		}
	}
	if csp := tx.HTTPResponse.Header.Get("Content-Security-Policy"); !strings.Contains(csp, "form-action https://client.example.com") {
		t.Errorf("Content-Security-Policy = %q", csp)
	}
}

func TestServer_RequestCaching(t *testing.T) {
	srv, store := setupTestServer(t, func(c *Config) { c.EnableRequestCaching = true })
	testutil.AddPublicClient(t, store)
	challenge, _ := testutil.GeneratePKCEPair()

	tx, outcome := process(t, srv, getRequest(DefaultEndpoints.Authorization, url.Values{
		"client_id":             {testutil.PublicClientID},
		"redirect_uri":          {testutil.RedirectURI},
		"response_type":         {"code"},
		"state":                 {"cached"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}))
	if outcome.Kind != pipeline.Handled || tx.HTTPResponse.StatusCode != http.StatusFound {
		t.Fatalf("outcome = %v status = %d, want a handled redirect", outcome.Kind, tx.HTTPResponse.StatusCode)
	}
	location, err := url.Parse(tx.HTTPResponse.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if location.Path != DefaultEndpoints.Authorization || len(location.Query()) != 1 {
		t.Fatalf("Location = %s, want only request_id", location)
	}
	requestID := location.Query().Get("request_id")
	if len(requestID) != 43 {
		t.Errorf("request_id length = %d, want 43", len(requestID))
	}

	tx, outcome = process(t, srv, getRequest(DefaultEndpoints.Authorization, url.Values{"request_id": {requestID}}))
	if outcome.Kind != pipeline.Skipped {
		t.Fatalf("outcome = %v (%s), want skipped", outcome.Kind, outcome.Description)
	}
	if tx.Request.State() != "cached" {
		t.Errorf("restored state = %q, want cached", tx.Request.State())
	}
	if _, err := srv.SignIn(context.Background(), tx, protocol.NewPrincipal("alice")); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	// The cached request is removed once answered.
	tx, _ = process(t, srv, getRequest(DefaultEndpoints.Authorization, url.Values{"request_id": {requestID}}))
	if tx.HTTPResponse.StatusCode != http.StatusBadRequest {
		t.Errorf("replayed request_id status = %d, want 400", tx.HTTPResponse.StatusCode)
	}
}

func deviceConfig(c *Config) {
	c.GrantTypes = []string{
		protocol.GrantTypeAuthorizationCode,
		protocol.GrantTypeRefreshToken,
		protocol.GrantTypeDeviceCode,
	}
}

func addDeviceClient(t *testing.T, store *memory.Store) {
	t.Helper()
	testutil.AddConfidentialClient(t, store,
		protocol.PermissionEndpointDevice,
		protocol.PermissionPrefixGrantType+protocol.GrantTypeDeviceCode)
}

func startDeviceFlow(t *testing.T, srv *Server) (deviceCode, userCode string) {
	t.Helper()
	tx, _ := process(t, srv, postRequest(DefaultEndpoints.Device, url.Values{
		"client_id":     {testutil.ConfidentialClientID},
		"client_secret": {testutil.ConfidentialSecret},
		"scope":         {"api"},
	}))
	if tx.HTTPResponse.StatusCode != http.StatusOK {
		t.Fatalf("device status = %d (body %s)", tx.HTTPResponse.StatusCode, tx.HTTPResponse.Body.String())
	}
	body := decodeJSON(t, tx)
	deviceCode, _ = body["device_code"].(string)
	userCode, _ = body["user_code"].(string)
	if deviceCode == "" || len(userCode) != 9 || userCode[4] != '-' {
		t.Fatalf("unexpected device response: %v", body)
	}
	if body["verification_uri"] != testIssuer+DefaultEndpoints.Verification {
		t.Errorf("verification_uri = %v", body["verification_uri"])
	}
	if body["interval"] != float64(5) {
		t.Errorf("interval = %v, want 5", body["interval"])
	}
	return deviceCode, userCode
}

func pollDevice(t *testing.T, srv *Server, deviceCode string) *pipeline.Transaction {
	t.Helper()
	tx, _ := process(t, srv, postRequest(DefaultEndpoints.Token, url.Values{
		"grant_type":    {protocol.GrantTypeDeviceCode},
		"client_id":     {testutil.ConfidentialClientID},
		"client_secret": {testutil.ConfidentialSecret},
		"device_code":   {deviceCode},
	}))
	return tx
}

func TestServer_DeviceFlow(t *testing.T) {
	srv, store := setupTestServer(t, deviceConfig)
	addDeviceClient(t, store)

	deviceCode, userCode := startDeviceFlow(t, srv)
	expectError(t, pollDevice(t, srv, deviceCode), http.StatusBadRequest, protocol.ErrorAuthorizationPending)

	// Users may type the code in lower case without the separator.
	typed := strings.ToLower(strings.ReplaceAll(userCode, "-", ""))
	tx, outcome := process(t, srv, getRequest(DefaultEndpoints.Verification, url.Values{"user_code": {typed}}))
	if outcome.Kind != pipeline.Skipped {
		t.Fatalf("verification outcome = %v (%s), want skipped", outcome.Kind, outcome.Description)
	}
	principal, ok := pipeline.Property(tx, events.PropertyPrincipal)
	if !ok || principal.Presenters()[0] != testutil.ConfidentialClientID {
		t.Fatal("the verification request does not expose the device principal")
	}

	outcome, err := srv.SignIn(context.Background(), tx, protocol.NewPrincipal("alice"))
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if outcome.Kind != pipeline.Handled || tx.HTTPResponse.StatusCode != http.StatusOK {
		t.Fatalf("approval outcome = %v status = %d", outcome.Kind, tx.HTTPResponse.StatusCode)
	}

	tx = pollDevice(t, srv, deviceCode)
	if tx.HTTPResponse.StatusCode != http.StatusOK {
		t.Fatalf("poll status = %d (body %s)", tx.HTTPResponse.StatusCode, tx.HTTPResponse.Body.String())
	}
	if s, _ := decodeJSON(t, tx)["access_token"].(string); s == "" {
		t.Fatal("no access token issued for the approved device")
	}

	expectError(t, pollDevice(t, srv, deviceCode), http.StatusBadRequest, protocol.ErrorInvalidGrant)

	// The user code is single use.
	tx, _ = process(t, srv, getRequest(DefaultEndpoints.Verification, url.Values{"user_code": {userCode}}))
	expectError(t, tx, http.StatusBadRequest, protocol.ErrorInvalidToken)
}

func TestServer_DeviceFlowDenied(t *testing.T) {
	srv, store := setupTestServer(t, deviceConfig)
	addDeviceClient(t, store)

	deviceCode, userCode := startDeviceFlow(t, srv)
	tx, _ := process(t, srv, getRequest(DefaultEndpoints.Verification, url.Values{"user_code": {userCode}}))
	if _, err := srv.Challenge(context.Background(), tx, "", ""); err != nil {
		t.Fatalf("Challenge() error = %v", err)
	}
	expectError(t, tx, http.StatusBadRequest, protocol.ErrorAccessDenied)

	expectError(t, pollDevice(t, srv, deviceCode), http.StatusBadRequest, protocol.ErrorAccessDenied)
}

func TestServer_VerificationWithoutPassthrough(t *testing.T) {
	srv, store := setupTestServer(t, func(c *Config) {
		deviceConfig(c)
		c.Passthrough = []pipeline.Endpoint{pipeline.EndpointAuthorization}
	})
	addDeviceClient(t, store)

	_, userCode := startDeviceFlow(t, srv)
	tx, outcome := process(t, srv, getRequest(DefaultEndpoints.Verification, url.Values{"user_code": {userCode}}))
	if outcome.Kind != pipeline.Handled {
		t.Fatalf("outcome = %v (%s), want handled", outcome.Kind, outcome.Description)
	}
	body := decodeJSON(t, tx)
	if body["client_id"] != testutil.ConfidentialClientID || body["scope"] != "api" {
		t.Errorf("local verification response = %v", body)
	}
}

func TestServer_IntrospectionAndRevocation(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddConfidentialClient(t, store)
	testutil.AddPublicClient(t, store)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorize(t, srv, challenge, "offline_access api")
	tokens := decodeJSON(t, redeemCode(t, srv, code, verifier))
	accessToken := tokens["access_token"].(string)
	refreshToken := tokens["refresh_token"].(string)

	// Public clients cannot introspect.
	tx, _ := process(t, srv, postRequest(DefaultEndpoints.Introspection, url.Values{
		"client_id": {testutil.PublicClientID},
		"token":     {accessToken},
	}))
	expectError(t, tx, http.StatusUnauthorized, protocol.ErrorInvalidClient)

	// Confidential clients cannot introspect tokens issued to other clients.
	r := postRequest(DefaultEndpoints.Introspection, url.Values{"token": {accessToken}})
	r.SetBasicAuth(testutil.ConfidentialClientID, testutil.ConfidentialSecret)
	tx, _ = process(t, srv, r)
	if body := decodeJSON(t, tx); body["active"] != false {
		t.Errorf("foreign token introspection = %v, want inactive", body)
	}

	tx, _ = process(t, srv, postRequest(DefaultEndpoints.Revocation, url.Values{
		"client_id": {testutil.PublicClientID},
		"token":     {refreshToken},
	}))
	if tx.HTTPResponse.StatusCode != http.StatusOK || tx.HTTPResponse.Body.Len() != 0 {
		t.Fatalf("revocation status = %d body = %q", tx.HTTPResponse.StatusCode, tx.HTTPResponse.Body.String())
	}

	// Revoking the refresh token revoked the access token of the same
	// authorization.
	n, err := store.RevokeBySubject(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("RevokeBySubject() error = %v", err)
	}
	if n != 0 {
		t.Errorf("%d tokens were still active after revocation", n)
	}

	// Revoking an unknown token succeeds silently.
	tx, _ = process(t, srv, postRequest(DefaultEndpoints.Revocation, url.Values{
		"client_id": {testutil.PublicClientID},
		"token":     {"unknown"},
	}))
	if tx.HTTPResponse.StatusCode != http.StatusOK {
		t.Errorf("unknown token revocation status = %d", tx.HTTPResponse.StatusCode)
	}
}

func TestServer_SignOut(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	testutil.AddPublicClient(t, store)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorize(t, srv, challenge, "offline_access api")
	redeemCode(t, srv, code, verifier)

	n, err := srv.SignOut(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	// authorization code, access token and refresh token
	if n != 3 {
		t.Errorf("SignOut() revoked %d tokens, want 3", n)
	}

	if _, err := srv.SignOut(context.Background(), "", ""); err == nil {
		t.Error("SignOut() without subject should fail")
	}
}

func TestServer_UnknownPathIsSkipped(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	tx, outcome := process(t, srv, getRequest("/healthz", nil))
	if outcome.Kind != pipeline.Skipped {
		t.Errorf("outcome = %v, want skipped", outcome.Kind)
	}
	if tx.HTTPResponse.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", tx.HTTPResponse.Body.String())
	}
}

func TestServer_RequiresHTTPS(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	r := httptest.NewRequest(http.MethodPost, "http://auth.example.com/oauth/token", strings.NewReader("grant_type=authorization_code"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tx, outcome := process(t, srv, r)
	if outcome.Kind != pipeline.Rejected {
		t.Fatalf("outcome = %v, want rejected", outcome.Kind)
	}
	if tx.HTTPResponse.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", tx.HTTPResponse.StatusCode)
	}
}

func TestServer_NotBuilt(t *testing.T) {
	store := testutil.NewStore(t)
	srv, err := New(Stores{Applications: store, Tokens: store}, testutil.NewProtector(t), nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = srv.ProcessRequest(context.Background(), srv.CreateTransaction(getRequest("/oauth/token", nil)))
	if !errors.Is(err, ErrNotBuilt) {
		t.Errorf("ProcessRequest() error = %v, want ErrNotBuilt", err)
	}
}

func TestServer_CustomHandler(t *testing.T) {
	store := testutil.NewStore(t)
	srv, err := New(Stores{Applications: store, Tokens: store}, testutil.NewProtector(t), &Config{Issuer: testIssuer}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	err = srv.Registry().Add(pipeline.Describe[*events.ValidateTokenRequest]("custom.RejectAll").
		Order(500).
		Custom().
		UseFunc(func(_ context.Context, e *events.ValidateTokenRequest) error {
			e.Reject(protocol.ErrorInvalidRequest, "maintenance", "")
			return nil
		}).
		Build())
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := srv.Build(); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tx, outcome := process(t, srv, postRequest(DefaultEndpoints.Token, url.Values{"grant_type": {"nonsense"}}))
	if outcome.Description != "maintenance" {
		t.Errorf("outcome = %+v, want the custom rejection", outcome)
	}
	expectError(t, tx, http.StatusBadRequest, protocol.ErrorInvalidRequest)
}

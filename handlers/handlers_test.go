package handlers

import (
	"context"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/internal/testutil"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage"
)

func newTestServices(t *testing.T) *Services {
	t.Helper()
	store := testutil.NewStore(t)
	svc := &Services{
		Options: Options{
			TokenEndpointPath:         "/token",
			AuthorizationEndpointPath: "/authorize",
			IntrospectionEndpointPath: "/introspect",
			RevocationEndpointPath:    "/revoke",
			GrantTypes:                []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken},
			CodeChallengeMethods:      []string{protocol.CodeChallengeMethodS256},
			Scopes:                    []string{protocol.ScopeOpenID},
			RequirePKCE:               true,
		},
		Applications: store,
		Scopes:       store,
		Tokens:       store,
		Protector:    testutil.NewProtector(t),
	}

	reg := pipeline.NewRegistry()
	if err := reg.Add(Defaults(svc)...); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	d, err := pipeline.NewDispatcher(reg)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	svc.SetDispatcher(d)
	return svc
}

func tokenRequest(params map[string]string) *events.ValidateTokenRequest {
	tx := pipeline.NewTransaction(nil, nil)
	tx.SetEndpoint(pipeline.EndpointToken)
	msg := protocol.NewMessage()
	for k, v := range params {
		msg.Set(k, v)
	}
	tx.Request = msg
	return events.NewValidateTokenRequest(tx)
}

func TestDefaults_HandlerOrder(t *testing.T) {
	svc := newTestServices(t)
	d, ok := svc.dispatcher.(*pipeline.Dispatcher)
	if !ok {
		t.Fatalf("dispatcher has type %T", svc.dispatcher)
	}

	names := d.Handlers(tokenRequest(nil))
	if len(names) == 0 || names[0] != "ValidateTokenRequest.ValidateGrantType" {
		t.Fatalf("Handlers() = %v", names)
	}
	index := func(name string) int {
		for i, n := range names {
			if n == name {
				return i
			}
		}
		t.Fatalf("handler %s is not registered", name)
		return -1
	}
	if index("ValidateTokenRequest.ValidateClientType") > index("ValidateTokenRequest.ValidateClientSecret") {
		t.Error("the client type must be checked before the client secret")
	}
	if index("ValidateTokenRequest.ValidateToken") > index("ValidateTokenRequest.ValidateCodeVerifier") {
		t.Error("the token must be validated before the code verifier")
	}
}

func TestValidateCodeVerifier(t *testing.T) {
	svc := newTestServices(t)
	challenge, verifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name       string
		challenge  string
		method     string
		verifier   string
		wantError  string
		wantInDesc string
	}{
		{name: "no challenge no verifier"},
		{name: "verifier without challenge", verifier: verifier,
			wantError: protocol.ErrorInvalidRequest, wantInDesc: "code_verifier"},
		{name: "challenge without verifier", challenge: challenge, method: protocol.CodeChallengeMethodS256,
			wantError: protocol.ErrorInvalidRequest, wantInDesc: "'code_verifier'"},
		{name: "matching verifier", challenge: challenge, method: protocol.CodeChallengeMethodS256, verifier: verifier},
		{name: "wrong verifier", challenge: challenge, method: protocol.CodeChallengeMethodS256,
			verifier: strings.Repeat("a", 43), wantError: protocol.ErrorInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tokenRequest(map[string]string{
				protocol.ParamGrantType:    protocol.GrantTypeAuthorizationCode,
				protocol.ParamCodeVerifier: tt.verifier,
			})
			e.Principal = protocol.NewPrincipal("alice").
				SetClaim(protocol.ClaimPrivateCodeChallenge, tt.challenge).
				SetClaim(protocol.ClaimPrivateCodeChallengeMethod, tt.method)

			if err := svc.validateCodeVerifier(context.Background(), e); err != nil {
				t.Fatalf("validateCodeVerifier() error = %v", err)
			}
			if e.ErrorCode() != tt.wantError {
				t.Fatalf("error = %q (%s), want %q", e.ErrorCode(), e.ErrorDescription(), tt.wantError)
			}
			if !strings.Contains(e.ErrorDescription(), tt.wantInDesc) {
				t.Errorf("description = %q, want it to contain %q", e.ErrorDescription(), tt.wantInDesc)
			}
		})
	}
}

func TestValidateCodeVerifier_MissingMethod(t *testing.T) {
	svc := newTestServices(t)
	challenge, verifier := testutil.GeneratePKCEPair()

	e := tokenRequest(map[string]string{
		protocol.ParamGrantType:    protocol.GrantTypeAuthorizationCode,
		protocol.ParamCodeVerifier: verifier,
	})
	e.Principal = protocol.NewPrincipal("alice").SetClaim(protocol.ClaimPrivateCodeChallenge, challenge)

	err := svc.validateCodeVerifier(context.Background(), e)
	if !pipeline.IsInternal(err) {
		t.Fatalf("validateCodeVerifier() error = %v, want an internal error", err)
	}
	if e.IsTerminal() {
		t.Error("internal faults must not set an outcome")
	}
}

func TestValidatePresenters(t *testing.T) {
	t.Run("missing presenters is an internal fault", func(t *testing.T) {
		e := tokenRequest(map[string]string{
			protocol.ParamGrantType: protocol.GrantTypeAuthorizationCode,
			protocol.ParamClientID:  "client",
		})
		e.Principal = protocol.NewPrincipal("alice").SetClaim(protocol.ClaimPrivateTokenType, protocol.TokenTypeAuthorizationCode)
		if err := validatePresenters(context.Background(), e); !pipeline.IsInternal(err) {
			t.Errorf("validatePresenters() error = %v, want an internal error", err)
		}
	})

	t.Run("other client", func(t *testing.T) {
		e := tokenRequest(map[string]string{
			protocol.ParamGrantType: protocol.GrantTypeAuthorizationCode,
			protocol.ParamClientID:  "client",
		})
		e.Principal = protocol.NewPrincipal("alice").SetPresenters([]string{"other"})
		if err := validatePresenters(context.Background(), e); err != nil {
			t.Fatal(err)
		}
		if e.ErrorCode() != protocol.ErrorInvalidGrant {
			t.Errorf("error = %q, want invalid_grant", e.ErrorCode())
		}
	})

	t.Run("refresh token without presenters", func(t *testing.T) {
		e := tokenRequest(map[string]string{
			protocol.ParamGrantType: protocol.GrantTypeRefreshToken,
			protocol.ParamClientID:  "client",
		})
		e.Principal = protocol.NewPrincipal("alice")
		if err := validatePresenters(context.Background(), e); err != nil || e.IsTerminal() {
			t.Errorf("validatePresenters() = %v, outcome %v", err, e.Outcome().Kind)
		}
	})
}

func TestValidateGrantedScopes(t *testing.T) {
	tests := []struct {
		name      string
		granted   []string
		requested string
		wantError string
	}{
		{"no scope parameter", []string{"api"}, "", ""},
		{"subset", []string{"api", "openid"}, "api", ""},
		{"superset", []string{"api"}, "api admin", protocol.ErrorInvalidGrant},
		{"nothing granted", nil, "api", protocol.ErrorInvalidGrant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tokenRequest(map[string]string{
				protocol.ParamGrantType: protocol.GrantTypeRefreshToken,
				protocol.ParamScope:     tt.requested,
			})
			e.Principal = protocol.NewPrincipal("alice").SetScopes(tt.granted)
			if err := validateGrantedScopes(context.Background(), e); err != nil {
				t.Fatal(err)
			}
			if e.ErrorCode() != tt.wantError {
				t.Errorf("error = %q, want %q", e.ErrorCode(), tt.wantError)
			}
		})
	}
}

func TestValidateScopes(t *testing.T) {
	svc := newTestServices(t)
	store := testutil.NewStore(t)
	if err := store.SaveScope(context.Background(), &storage.Scope{Name: "api"}); err != nil {
		t.Fatalf("SaveScope() error = %v", err)
	}
	svc.Scopes = store

	tests := []struct {
		scope     string
		wantError string
	}{
		{"openid", ""},
		{"openid api", ""},
		{"api admin", protocol.ErrorInvalidScope},
	}
	for _, tt := range tests {
		e := tokenRequest(map[string]string{protocol.ParamScope: tt.scope})
		if err := svc.validateScopes(context.Background(), e.Validation()); err != nil {
			t.Fatalf("validateScopes(%q) error = %v", tt.scope, err)
		}
		if e.ErrorCode() != tt.wantError {
			t.Errorf("validateScopes(%q) error = %q, want %q", tt.scope, e.ErrorCode(), tt.wantError)
		}
	}
}

func TestGenerateUserCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := generateUserCode()
		if err != nil {
			t.Fatalf("generateUserCode() error = %v", err)
		}
		if len(code) != UserCodeLength+1 || code[UserCodeLength/2] != '-' {
			t.Fatalf("user code %q does not match XXXX-XXXX", code)
		}
		for _, r := range strings.ReplaceAll(code, "-", "") {
			if !strings.ContainsRune(UserCodeCharset, r) {
				t.Fatalf("user code %q contains %q", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 95 {
		t.Errorf("only %d distinct user codes out of 100", len(seen))
	}
}

func TestNormalizeUserCode(t *testing.T) {
	for in, want := range map[string]string{
		"BCDF-GHJK":  "BCDFGHJK",
		"bcdf-ghjk":  "BCDFGHJK",
		"bcdf ghjk":  "BCDFGHJK",
		"BCDFGHJK":   "BCDFGHJK",
		" b-c-d-f ": "BCDF",
	} {
		if got := NormalizeUserCode(in); got != want {
			t.Errorf("NormalizeUserCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSignIn_RequiresSubject(t *testing.T) {
	svc := newTestServices(t)
	tx := pipeline.NewTransaction(nil, nil)
	tx.SetEndpoint(pipeline.EndpointAuthorization)
	tx.Request = protocol.NewMessage()

	e := events.NewProcessSignIn(tx, protocol.NewPrincipal(""))
	if err := svc.dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !e.IsRejected() {
		t.Fatalf("outcome = %v, want rejected", e.Outcome().Kind)
	}
}

func TestSignIn_UnsupportedEndpoint(t *testing.T) {
	svc := newTestServices(t)
	tx := pipeline.NewTransaction(nil, nil)
	tx.SetEndpoint(pipeline.EndpointIntrospection)
	tx.Request = protocol.NewMessage()

	err := svc.dispatch(context.Background(), events.NewProcessSignIn(tx, protocol.NewPrincipal("alice")))
	if !pipeline.IsInternal(err) {
		t.Errorf("Dispatch() error = %v, want an internal error", err)
	}
}

func TestProcessError_WithoutRequest(t *testing.T) {
	svc := newTestServices(t)
	tx := pipeline.NewTransaction(nil, nil)
	tx.SetEndpoint(pipeline.EndpointToken)

	e := events.NewProcessError(tx, pipeline.Outcome{
		Kind:        pipeline.Rejected,
		Error:       protocol.ErrorInvalidRequest,
		Description: "The specified HTTP method is not valid.",
	})
	if err := svc.dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if tx.HTTPResponse.StatusCode != 400 {
		t.Errorf("status = %d, want 400", tx.HTTPResponse.StatusCode)
	}
	if !strings.Contains(tx.HTTPResponse.Body.String(), `"error":"invalid_request"`) {
		t.Errorf("body = %s", tx.HTTPResponse.Body.String())
	}
}

package events

import (
	"reflect"
	"testing"

	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
)

func TestNewApply(t *testing.T) {
	tests := []struct {
		endpoint pipeline.Endpoint
		want     reflect.Type
	}{
		{pipeline.EndpointAuthorization, reflect.TypeFor[*ApplyAuthorizationResponse]()},
		{pipeline.EndpointToken, reflect.TypeFor[*ApplyTokenResponse]()},
		{pipeline.EndpointDevice, reflect.TypeFor[*ApplyDeviceResponse]()},
		{pipeline.EndpointVerification, reflect.TypeFor[*ApplyVerificationResponse]()},
		{pipeline.EndpointIntrospection, reflect.TypeFor[*ApplyIntrospectionResponse]()},
		{pipeline.EndpointRevocation, reflect.TypeFor[*ApplyRevocationResponse]()},
	}
	for _, tt := range tests {
		tx := pipeline.NewTransaction(nil, nil)
		tx.SetEndpoint(tt.endpoint)
		if got := reflect.TypeOf(NewApply(tx)); got != tt.want {
			t.Errorf("NewApply(%s) = %v, want %v", tt.endpoint, got, tt.want)
		}
	}

	if e := NewApply(pipeline.NewTransaction(nil, nil)); e != nil {
		t.Errorf("NewApply(unknown) = %T, want nil", e)
	}
}

func TestApplyingContext_IsError(t *testing.T) {
	tx := pipeline.NewTransaction(nil, nil)
	tx.SetEndpoint(pipeline.EndpointToken)
	e := NewApplyTokenResponse(tx)
	if e.IsError() {
		t.Fatal("empty response reported as error")
	}
	e.Response().Set(protocol.ParamError, protocol.ErrorInvalidGrant)
	if !e.IsError() {
		t.Error("error response not reported as error")
	}
}

func TestHandlingContext_Completed(t *testing.T) {
	tx := pipeline.NewTransaction(nil, nil)
	tx.Request = protocol.NewMessage()
	e := NewHandleTokenRequest(tx)
	if e.Completed() {
		t.Fatal("handle event without principal reported as completed")
	}
	e.Principal = protocol.NewPrincipal("alice")
	if !e.Completed() {
		t.Error("handle event with principal not reported as completed")
	}
}

func TestProcessAuthentication_Principal(t *testing.T) {
	tx := pipeline.NewTransaction(nil, nil)
	auth := NewProcessAuthentication(tx)
	if auth.Principal() != nil {
		t.Fatal("Principal() of an empty authentication is not nil")
	}

	generic := protocol.NewPrincipal("alice").SetClaim(protocol.ClaimPrivateTokenType, protocol.TokenTypeAccessToken)
	auth.GenericTokenPrincipal = generic
	if auth.Principal() != generic {
		t.Error("Principal() did not fall back to the generic token")
	}

	code := protocol.NewPrincipal("alice")
	auth.AuthorizationCodePrincipal = code
	if auth.Principal() != code {
		t.Error("the authorization code principal must take precedence")
	}

	all := auth.Principals()
	if len(all) != 2 || all[protocol.TokenTypeAuthorizationCode] != code || all[protocol.TokenTypeAccessToken] != generic {
		t.Errorf("Principals() = %v", all)
	}
}

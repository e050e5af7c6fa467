package handlers

import (
	"context"
	"fmt"
	"slices"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
)

// Built-in orders of the ValidateTokenRequest chain.
const (
	OrderValidateGrantType                          = 1000
	OrderValidateClientIDParameter                  = 2000
	OrderValidateAuthorizationCodeParameter         = 3000
	OrderValidateClientCredentialsParameters        = 4000
	OrderValidateDeviceCodeParameter                = 5000
	OrderValidateRefreshTokenParameter              = 6000
	OrderValidateResourceOwnerCredentialsParameters = 7000
	OrderValidateProofKeyForCodeExchangeParameters  = 8000
	OrderValidateScopes                             = 9000
	OrderValidateClientID                           = 10000
	OrderValidateClientType                         = 11000
	OrderValidateClientSecret                       = 12000
	OrderValidateEndpointPermissions                = 13000
	OrderValidateGrantTypePermissions               = 14000
	OrderValidateScopePermissions                   = 15000
	OrderValidateProofKeyForCodeExchangeRequirement = 16000
	OrderValidateToken                              = 17000
	OrderValidatePresenters                         = 18000
	OrderValidateRedirectURI                        = 19000
	OrderValidateCodeVerifier                       = 20000
	OrderValidateGrantedScopes                      = 21000
)

type tokenValidation = func(context.Context, *events.ValidateTokenRequest) error

func validateToken(name string, order int, fn tokenValidation) *pipeline.DescriptorBuilder[*events.ValidateTokenRequest] {
	return pipeline.Describe[*events.ValidateTokenRequest]("ValidateTokenRequest." + name).
		Order(order).
		UseFunc(fn)
}

// missingParameter rejects e because param is absent.
func missingParameter(e *pipeline.BaseContext, param string) {
	e.Reject(protocol.ErrorInvalidRequest, fmt.Sprintf("The mandatory '%s' parameter is missing.", param), "")
}

func exchangeHandlers(svc *Services) []pipeline.Descriptor {
	o := &svc.Options
	ds := []pipeline.Descriptor{
		validateToken("ValidateGrantType", OrderValidateGrantType, svc.validateGrantType).Build(),
		validateToken("ValidateClientIDParameter", OrderValidateClientIDParameter, svc.validateClientIDParameter).Build(),
		validateToken("ValidateAuthorizationCodeParameter", OrderValidateAuthorizationCodeParameter,
			requireGrantParameters(protocol.GrantTypeAuthorizationCode, protocol.ParamCode)).Build(),
		validateToken("ValidateClientCredentialsParameters", OrderValidateClientCredentialsParameters,
			requireGrantParameters(protocol.GrantTypeClientCredentials, protocol.ParamClientID, protocol.ParamClientSecret)).Build(),
		validateToken("ValidateDeviceCodeParameter", OrderValidateDeviceCodeParameter,
			requireGrantParameters(protocol.GrantTypeDeviceCode, protocol.ParamDeviceCode)).Build(),
		validateToken("ValidateRefreshTokenParameter", OrderValidateRefreshTokenParameter,
			requireGrantParameters(protocol.GrantTypeRefreshToken, protocol.ParamRefreshToken)).Build(),
		validateToken("ValidateResourceOwnerCredentialsParameters", OrderValidateResourceOwnerCredentialsParameters,
			requireGrantParameters(protocol.GrantTypePassword, protocol.ParamUsername, protocol.ParamPassword)).Build(),
		validateToken("ValidateProofKeyForCodeExchangeParameters", OrderValidateProofKeyForCodeExchangeParameters,
			validateCodeVerifierParameter).Build(),
		validation[*events.ValidateTokenRequest]("ValidateScopes", OrderValidateScopes, svc.validateScopes).
			Filter(RequireScopeValidationEnabled(o)).
			Build(),
	}

	ds = append(ds, clientValidation[*events.ValidateTokenRequest](svc, OrderValidateClientID, protocol.PermissionEndpointToken)...)

	return append(ds,
		validateToken("ValidateGrantTypePermissions", OrderValidateGrantTypePermissions,
			func(ctx context.Context, e *events.ValidateTokenRequest) error {
				return svc.validateGrantTypePermission(ctx, e.Validation(), e.Request().GrantType())
			}).
			Filter(RequireDegradedModeDisabled(o), RequireClientIDParameter(), RequireGrantTypePermissionsEnabled(o)).
			Build(),
		validation[*events.ValidateTokenRequest]("ValidateScopePermissions", OrderValidateScopePermissions, svc.validateScopePermissions).
			Filter(RequireDegradedModeDisabled(o), RequireClientIDParameter(), RequireScopePermissionsEnabled(o)).
			Build(),
		validateToken("ValidateProofKeyForCodeExchangeRequirement", OrderValidateProofKeyForCodeExchangeRequirement,
			svc.validatePKCERequirement).
			Filter(RequireDegradedModeDisabled(o), RequireClientIDParameter()).
			Build(),
		validateToken("ValidateToken", OrderValidateToken, svc.validateTokenGrant).Build(),
		validateToken("ValidatePresenters", OrderValidatePresenters, validatePresenters).Build(),
		validateToken("ValidateRedirectURI", OrderValidateRedirectURI, validateRedirectURIBinding).Build(),
		validateToken("ValidateCodeVerifier", OrderValidateCodeVerifier, svc.validateCodeVerifier).Build(),
		validateToken("ValidateGrantedScopes", OrderValidateGrantedScopes, validateGrantedScopes).Build(),

		pipeline.Describe[*events.HandleTokenRequest]("HandleTokenRequest.EnablePassthroughMode").
			Order(1000).
			Filter(RequirePassthroughEnabled(o, pipeline.EndpointToken)).
			UseFunc(func(_ context.Context, e *events.HandleTokenRequest) error {
				e.SkipRequest()
				return nil
			}).
			Build(),
		pipeline.Describe[*events.HandleTokenRequest]("HandleTokenRequest.AttachPrincipal").
			Order(2000).
			UseFunc(attachTokenPrincipal).
			Build(),
		pipeline.Describe[*events.HandleTokenRequest]("HandleTokenRequest.AttachClientCredentialsPrincipal").
			Order(3000).
			UseFunc(attachClientCredentialsPrincipal).
			Build(),
		pipeline.Describe[*events.HandleTokenRequest]("HandleTokenRequest.AttachResourceOwnerPrincipal").
			Order(4000).
			UseFunc(svc.attachResourceOwnerPrincipal).
			Build(),
	)
}

func (s *Services) validateGrantType(_ context.Context, e *events.ValidateTokenRequest) error {
	req := e.Request()
	grantType := req.GrantType()
	switch {
	case grantType == "":
		missingParameter(e.BaseContext, protocol.ParamGrantType)
	case !s.Options.IsGrantTypeEnabled(grantType):
		e.Reject(protocol.ErrorUnsupportedGrantType, "The specified 'grant_type' parameter is not supported.", "")
	case req.HasScope(protocol.ScopeOfflineAccess) && !s.Options.IsGrantTypeEnabled(protocol.GrantTypeRefreshToken):
		e.Reject(protocol.ErrorInvalidRequest, "The 'offline_access' scope is not allowed.", "")
	}
	return nil
}

func (s *Services) validateClientIDParameter(_ context.Context, e *events.ValidateTokenRequest) error {
	if e.ClientID != "" {
		return nil
	}
	// client_credentials is checked by ValidateClientCredentialsParameters.
	if s.Options.AcceptAnonymousClients || e.Request().IsClientCredentialsGrantType() {
		return nil
	}
	missingParameter(e.BaseContext, protocol.ParamClientID)
	return nil
}

// requireGrantParameters rejects requests of grantType lacking one of params.
func requireGrantParameters(grantType string, params ...string) tokenValidation {
	return func(_ context.Context, e *events.ValidateTokenRequest) error {
		req := e.Request()
		if req.GrantType() != grantType {
			return nil
		}
		for _, param := range params {
			if req.Get(param) == "" {
				missingParameter(e.BaseContext, param)
				return nil
			}
		}
		return nil
	}
}

func validateCodeVerifierParameter(_ context.Context, e *events.ValidateTokenRequest) error {
	req := e.Request()
	verifier := req.CodeVerifier()
	if verifier == "" {
		return nil
	}
	if !req.IsAuthorizationCodeGrantType() {
		e.Reject(protocol.ErrorInvalidRequest, "The 'code_verifier' parameter is not valid for this grant type.", "")
		return nil
	}
	if !isValidCodeVerifier(verifier) {
		e.Reject(protocol.ErrorInvalidRequest, "The specified 'code_verifier' parameter is invalid.", "")
	}
	return nil
}

func (s *Services) validatePKCERequirement(ctx context.Context, e *events.ValidateTokenRequest) error {
	req := e.Request()
	if !req.IsAuthorizationCodeGrantType() || req.CodeVerifier() != "" {
		return nil
	}
	app, err := application(e.Validation())
	if err != nil {
		return err
	}
	if s.Applications.HasRequirement(ctx, app, protocol.RequirementPKCE) {
		s.reject(ctx, e.BaseContext, e.ClientID, protocol.ErrorInvalidRequest,
			"The mandatory 'code_verifier' parameter is missing.")
	}
	return nil
}

// validateTokenGrant runs the authentication sub-pipeline for grants
// presenting a token and keeps its result on the transaction.
func (s *Services) validateTokenGrant(ctx context.Context, e *events.ValidateTokenRequest) error {
	req := e.Request()
	if !req.IsAuthorizationCodeGrantType() && !req.IsDeviceCodeGrantType() && !req.IsRefreshTokenGrantType() {
		return nil
	}

	auth := events.NewProcessAuthentication(e.Transaction)
	if ok, err := s.runStage(ctx, e.BaseContext, auth); !ok || err != nil {
		return err
	}
	principal := auth.Principal()
	if principal == nil {
		return pipeline.Internalf("no principal was resolved for the %s grant", req.GrantType())
	}

	e.Principal = principal
	pipeline.SetProperty(e.Transaction, events.PropertyPrincipal, principal)
	pipeline.SetProperty(e.Transaction, events.PropertyAuthentication, auth)
	return nil
}

func validatePresenters(_ context.Context, e *events.ValidateTokenRequest) error {
	if e.Principal == nil {
		return nil
	}
	req := e.Request()
	presenters := e.Principal.Presenters()
	if len(presenters) == 0 {
		if req.IsAuthorizationCodeGrantType() || req.IsDeviceCodeGrantType() {
			return pipeline.Internalf("the %s principal has no presenters", e.Principal.TokenType())
		}
		return nil
	}
	if e.ClientID == "" {
		// Tokens bound to a client cannot be redeemed anonymously.
		e.Reject(protocol.ErrorInvalidGrant, "The specified token cannot be used without client authentication.", "")
		return nil
	}
	if !slices.Contains(presenters, e.ClientID) {
		e.Reject(protocol.ErrorInvalidGrant, "The specified token was not issued to this client application.", "")
	}
	return nil
}

func validateRedirectURIBinding(_ context.Context, e *events.ValidateTokenRequest) error {
	if e.Principal == nil || !e.Request().IsAuthorizationCodeGrantType() {
		return nil
	}
	expected := e.Principal.Claim(protocol.ClaimPrivateRedirectURI)
	if expected == "" {
		return nil
	}
	actual := e.Request().RedirectURI()
	switch {
	case actual == "":
		missingParameter(e.BaseContext, protocol.ParamRedirectURI)
	case actual != expected:
		e.Reject(protocol.ErrorInvalidGrant, "The specified 'redirect_uri' parameter doesn't match the client redirection endpoint the authorization code was initially sent to.", "")
	default:
		e.RedirectURI = actual
	}
	return nil
}

func (s *Services) validateCodeVerifier(ctx context.Context, e *events.ValidateTokenRequest) error {
	if e.Principal == nil || !e.Request().IsAuthorizationCodeGrantType() {
		return nil
	}
	challenge := e.Principal.Claim(protocol.ClaimPrivateCodeChallenge)
	method := e.Principal.Claim(protocol.ClaimPrivateCodeChallengeMethod)
	verifier := e.Request().CodeVerifier()

	switch {
	case challenge == "" && verifier == "":
		return nil
	case challenge == "":
		e.Reject(protocol.ErrorInvalidRequest, "The 'code_verifier' parameter is uncalled for in this request.", "")
		return nil
	case verifier == "":
		missingParameter(e.BaseContext, protocol.ParamCodeVerifier)
		return nil
	}

	ok, err := VerifyCodeChallenge(challenge, method, verifier)
	if err != nil {
		return err
	}
	if !ok {
		s.metrics().RecordPKCEValidationFailed(ctx, method)
		s.Auditor.LogPKCEValidationFailed(ctx, e.ClientID, clientIP(e.Transaction), method)
		e.Reject(protocol.ErrorInvalidGrant, "The specified 'code_verifier' parameter is invalid.", "")
	}
	return nil
}

func validateGrantedScopes(_ context.Context, e *events.ValidateTokenRequest) error {
	requested := e.Request().Scopes()
	if e.Principal == nil || len(requested) == 0 {
		return nil
	}
	granted := e.Principal.Scopes()
	if len(granted) == 0 {
		e.Reject(protocol.ErrorInvalidGrant, "The 'scope' parameter is not valid in this context.", "")
		return nil
	}
	for _, scope := range requested {
		if !slices.Contains(granted, scope) {
			e.Reject(protocol.ErrorInvalidGrant, "The specified 'scope' parameter is invalid.", "")
			return nil
		}
	}
	return nil
}

// attachTokenPrincipal threads the principal resolved during validation. It
// keeps the originally granted scopes; a narrower scope parameter only
// applies to the access token.
func attachTokenPrincipal(_ context.Context, e *events.HandleTokenRequest) error {
	validated, ok := pipeline.Property(e.Transaction, events.PropertyPrincipal)
	if !ok || validated == nil || e.Principal != nil {
		return nil
	}
	e.Principal = validated.Clone()
	return nil
}

func attachClientCredentialsPrincipal(_ context.Context, e *events.HandleTokenRequest) error {
	req := e.Request()
	if e.Principal != nil || !req.IsClientCredentialsGrantType() {
		return nil
	}
	clientID := req.ClientID()
	p := protocol.NewPrincipal(clientID)
	p.SetPresenters([]string{clientID})
	p.SetScopes(req.Scopes())
	e.Principal = p
	return nil
}

func (s *Services) attachResourceOwnerPrincipal(ctx context.Context, e *events.HandleTokenRequest) error {
	req := e.Request()
	if e.Principal != nil || !req.IsPasswordGrantType() {
		return nil
	}
	if s.ResourceOwners == nil {
		// The host handles the grant itself in passthrough mode.
		return pipeline.Internalf("no resource owner validator is registered for the password grant")
	}

	subject, ok, err := s.ResourceOwners.ValidateCredentials(ctx, req.Username(), req.Password())
	if err != nil {
		return fmt.Errorf("failed to validate resource owner credentials: %w", err)
	}
	if !ok {
		s.reject(ctx, e.BaseContext, req.ClientID(), protocol.ErrorInvalidGrant,
			"The specified resource owner credentials are invalid.")
		return nil
	}

	p := protocol.NewPrincipal(subject)
	if clientID := req.ClientID(); clientID != "" {
		p.SetPresenters([]string{clientID})
	}
	p.SetScopes(req.Scopes())
	p.SetClaim(protocol.ClaimUsername, req.Username())
	e.Principal = p
	return nil
}

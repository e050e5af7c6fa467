package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage"
)

type authorizationValidation = func(context.Context, *events.ValidateAuthorizationRequest) error

func validateAuthorization(name string, order int, fn authorizationValidation) *pipeline.DescriptorBuilder[*events.ValidateAuthorizationRequest] {
	return pipeline.Describe[*events.ValidateAuthorizationRequest]("ValidateAuthorizationRequest." + name).
		Order(order).
		UseFunc(fn)
}

type authorizationApply = func(context.Context, *events.ApplyAuthorizationResponse) error

func applyAuthorization(name string, order int, fn authorizationApply) *pipeline.DescriptorBuilder[*events.ApplyAuthorizationResponse] {
	return pipeline.Describe[*events.ApplyAuthorizationResponse]("ApplyAuthorizationResponse." + name).
		Order(order).
		UseFunc(fn)
}

func authorizationHandlers(svc *Services) []pipeline.Descriptor {
	o := &svc.Options
	clientChecks := []pipeline.Filter{RequireDegradedModeDisabled(o), RequireClientIDParameter()}
	with := func(extra ...pipeline.Filter) []pipeline.Filter {
		return append(slices.Clone(clientChecks), extra...)
	}

	return []pipeline.Descriptor{
		validateAuthorization("ValidateRequestParameter", 1000, validateRequestObjectParameters).Build(),
		validateAuthorization("ValidateClientIDParameter", 2000, func(_ context.Context, e *events.ValidateAuthorizationRequest) error {
			if e.ClientID == "" {
				missingParameter(e.BaseContext, protocol.ParamClientID)
			}
			return nil
		}).Build(),
		validateAuthorization("ValidateRedirectURIParameter", 3000, validateRedirectURIParameter).Build(),
		validation[*events.ValidateAuthorizationRequest]("ValidateClientID", 4000, svc.validateClientID).
			Filter(clientChecks...).
			Build(),
		validateAuthorization("ValidateClientRedirectURI", 5000, svc.validateClientRedirectURI).Build(),
		validateAuthorization("ValidateResponseTypeParameter", 6000, svc.validateResponseTypeParameter).Build(),
		validateAuthorization("ValidateResponseModeParameter", 7000, svc.validateResponseModeParameter).Build(),
		validateAuthorization("ValidateNonceParameter", 8000, validateNonceParameter).Build(),
		validateAuthorization("ValidatePromptParameter", 9000, validatePromptParameter).Build(),
		validateAuthorization("ValidateIdentityTokenScope", 10000, func(_ context.Context, e *events.ValidateAuthorizationRequest) error {
			req := e.Request()
			if req.HasResponseType(protocol.ResponseTypeIDToken) && !req.HasScope(protocol.ScopeOpenID) {
				e.Reject(protocol.ErrorInvalidRequest, "The 'openid' scope is required when using the 'id_token' response type.", "")
			}
			return nil
		}).Build(),
		validation[*events.ValidateAuthorizationRequest]("ValidateScopes", 11000, svc.validateScopes).
			Filter(RequireScopeValidationEnabled(o)).
			Build(),
		validateAuthorization("ValidateProofKeyForCodeExchangeParameters", 12000, svc.validateCodeChallengeParameters).Build(),
		validation[*events.ValidateAuthorizationRequest]("ValidateEndpointPermissions", 13000,
			svc.validateEndpointPermission(protocol.PermissionEndpointAuthorization)).
			Filter(with(RequireEndpointPermissionsEnabled(o))...).
			Build(),
		validateAuthorization("ValidateGrantTypePermissions", 14000, svc.validateAuthorizationGrantPermissions).
			Filter(with(RequireGrantTypePermissionsEnabled(o))...).
			Build(),
		validateAuthorization("ValidateResponseTypePermissions", 15000, svc.validateResponseTypePermissions).
			Filter(with(RequireResponseTypePermissionsEnabled(o))...).
			Build(),
		validation[*events.ValidateAuthorizationRequest]("ValidateScopePermissions", 16000, svc.validateScopePermissions).
			Filter(with(RequireScopePermissionsEnabled(o))...).
			Build(),
		validateAuthorization("ValidateProofKeyForCodeExchangeRequirement", 17000, svc.validateAuthorizationPKCERequirement).
			Filter(clientChecks...).
			Build(),

		pipeline.Describe[*events.HandleAuthorizationRequest]("HandleAuthorizationRequest.EnablePassthroughMode").
			Order(1000).
			Filter(RequirePassthroughEnabled(o, pipeline.EndpointAuthorization)).
			UseFunc(func(_ context.Context, e *events.HandleAuthorizationRequest) error {
				e.SkipRequest()
				return nil
			}).
			Build(),

		applyAuthorization("AttachRedirectURI", 1000, attachRedirectURI).Build(),
		applyAuthorization("InferResponseMode", 2000, svc.inferResponseMode).Build(),
		applyAuthorization("AttachResponseState", 3000, attachResponseState).Build(),
		applyAuthorization("AttachIssuer", 4000, attachIssuer).Build(),
		pipeline.Describe[*events.ApplyAuthorizationResponse]("ApplyAuthorizationResponse.RemoveCachedRequest").
			Order(5000).
			Filter(RequireRequestCachingEnabled(o)).
			UseSingleton(svc.newRemoveCachedRequest).
			Build(),
		applyAuthorization("ProcessLocalResponse", 6000, processLocalAuthorizationResponse).Build(),
		applyAuthorization("ProcessQueryResponse", 7000, processQueryResponse).Build(),
		applyAuthorization("ProcessFragmentResponse", 8000, processFragmentResponse).Build(),
		applyAuthorization("ProcessFormPostResponse", 9000, processFormPostResponse).Build(),
	}
}

func validateRequestObjectParameters(_ context.Context, e *events.ValidateAuthorizationRequest) error {
	req := e.Request()
	switch {
	case req.Has(protocol.ParamRequest):
		e.Reject(protocol.ErrorRequestNotSupported, "The 'request' parameter is not supported.", "")
	case req.Has(protocol.ParamRequestURI):
		e.Reject(protocol.ErrorRequestURINotSupported, "The 'request_uri' parameter is not supported.", "")
	}
	return nil
}

func validateRedirectURIParameter(_ context.Context, e *events.ValidateAuthorizationRequest) error {
	req := e.Request()
	raw := req.RedirectURI()
	if raw == "" {
		// OpenID Connect requests must always specify their redirect_uri.
		if req.HasScope(protocol.ScopeOpenID) {
			missingParameter(e.BaseContext, protocol.ParamRedirectURI)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		e.Reject(protocol.ErrorInvalidRequest, "The 'redirect_uri' parameter must be a valid absolute URL.", "")
		return nil
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		e.Reject(protocol.ErrorInvalidRequest, "The 'redirect_uri' parameter must not include a fragment.", "")
	}
	return nil
}

// validateClientRedirectURI resolves the redirect target. Errors raised
// before this handler are rendered locally; later ones are returned to the
// client.
func (s *Services) validateClientRedirectURI(ctx context.Context, e *events.ValidateAuthorizationRequest) error {
	requested := e.Request().RedirectURI()

	if s.Options.DegradedMode {
		if requested == "" {
			missingParameter(e.BaseContext, protocol.ParamRedirectURI)
			return nil
		}
		s.setRedirectURI(e, requested)
		return nil
	}

	app, err := application(e.Validation())
	if err != nil {
		return err
	}

	if requested != "" {
		ok, err := s.Applications.ValidateRedirectURI(ctx, app, requested)
		if err != nil {
			return fmt.Errorf("failed to validate redirect URI: %w", err)
		}
		if !ok {
			s.reject(ctx, e.BaseContext, e.ClientID, protocol.ErrorInvalidRequest,
				"The specified 'redirect_uri' parameter is not valid for this client application.")
			return nil
		}
		s.setRedirectURI(e, requested)
		return nil
	}

	uris, err := s.Applications.GetRedirectURIs(ctx, app)
	if err != nil {
		return fmt.Errorf("failed to get redirect URIs: %w", err)
	}
	if len(uris) != 1 {
		missingParameter(e.BaseContext, protocol.ParamRedirectURI)
		return nil
	}
	s.setRedirectURI(e, uris[0])
	return nil
}

func (s *Services) setRedirectURI(e *events.ValidateAuthorizationRequest, uri string) {
	e.RedirectURI = uri
	pipeline.SetProperty(e.Transaction, events.PropertyRedirectURI, uri)
}

// isSupportedResponseType reports whether types is a response_type
// combination defined by OAuth 2.0 or OpenID Connect.
func isSupportedResponseType(types []string) bool {
	if len(types) == 0 {
		return false
	}
	if slices.Contains(types, protocol.ResponseTypeNone) {
		return len(types) == 1
	}
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		switch t {
		case protocol.ResponseTypeCode, protocol.ResponseTypeIDToken, protocol.ResponseTypeToken:
		default:
			return false
		}
		if seen[t] {
			return false
		}
		seen[t] = true
	}
	return true
}

// requiredGrantTypes returns the grant types a response_type relies on.
func requiredGrantTypes(req *protocol.Message) []string {
	var grants []string
	if req.HasResponseType(protocol.ResponseTypeCode) || req.IsNoneFlow() {
		grants = append(grants, protocol.GrantTypeAuthorizationCode)
	}
	if req.HasResponseType(protocol.ResponseTypeToken) || req.HasResponseType(protocol.ResponseTypeIDToken) {
		grants = append(grants, protocol.GrantTypeImplicit)
	}
	return grants
}

func (s *Services) validateResponseTypeParameter(_ context.Context, e *events.ValidateAuthorizationRequest) error {
	req := e.Request()
	if req.ResponseType() == "" {
		missingParameter(e.BaseContext, protocol.ParamResponseType)
		return nil
	}
	if !isSupportedResponseType(req.ResponseTypes()) {
		e.Reject(protocol.ErrorUnsupportedResponseType, "The specified 'response_type' parameter is not supported.", "")
		return nil
	}
	for _, grant := range requiredGrantTypes(req) {
		if !s.Options.IsGrantTypeEnabled(grant) {
			e.Reject(protocol.ErrorUnsupportedResponseType, "The specified 'response_type' parameter is not allowed.", "")
			return nil
		}
	}
	return nil
}

func (s *Services) validateResponseModeParameter(_ context.Context, e *events.ValidateAuthorizationRequest) error {
	req := e.Request()
	mode := req.ResponseMode()
	if mode == "" {
		return nil
	}
	switch mode {
	case protocol.ResponseModeQuery, protocol.ResponseModeFragment, protocol.ResponseModeFormPost:
	default:
		e.Reject(protocol.ErrorInvalidRequest, "The specified 'response_mode' parameter is not supported.", "")
		return nil
	}
	if len(s.Options.ResponseModes) > 0 && !s.Options.isResponseModeEnabled(mode) {
		e.Reject(protocol.ErrorInvalidRequest, "The specified 'response_mode' parameter is not supported.", "")
		return nil
	}
	// Tokens must not leak through the query string (OAuth 2.0 Multiple
	// Response Type Encoding Practices, section 5).
	if mode == protocol.ResponseModeQuery &&
		(req.HasResponseType(protocol.ResponseTypeToken) || req.HasResponseType(protocol.ResponseTypeIDToken)) {
		e.Reject(protocol.ErrorInvalidRequest, "The specified 'response_type'/'response_mode' combination is invalid.", "")
	}
	return nil
}

func validateNonceParameter(_ context.Context, e *events.ValidateAuthorizationRequest) error {
	req := e.Request()
	if req.Nonce() != "" {
		return nil
	}
	required := req.HasResponseType(protocol.ResponseTypeIDToken) ||
		((req.IsImplicitFlow() || req.IsHybridFlow()) && req.HasScope(protocol.ScopeOpenID))
	if required {
		missingParameter(e.BaseContext, protocol.ParamNonce)
	}
	return nil
}

func validatePromptParameter(_ context.Context, e *events.ValidateAuthorizationRequest) error {
	req := e.Request()
	if req.HasPrompt(protocol.PromptNone) && len(strings.Fields(req.Prompt())) > 1 {
		e.Reject(protocol.ErrorInvalidRequest, "The specified 'prompt' parameter is invalid.", "")
	}
	return nil
}

// isValidS256Challenge reports whether challenge is a base64url encoded
// SHA-256 digest.
func isValidS256Challenge(challenge string) bool {
	if len(challenge) != 43 {
		return false
	}
	for i := 0; i < len(challenge); i++ {
		c := challenge[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

func (s *Services) validateCodeChallengeParameters(_ context.Context, e *events.ValidateAuthorizationRequest) error {
	req := e.Request()
	challenge := req.CodeChallenge()
	method := req.CodeChallengeMethod()

	if challenge == "" {
		switch {
		case method != "":
			e.Reject(protocol.ErrorInvalidRequest, "The 'code_challenge_method' parameter cannot be used without 'code_challenge'.", "")
		case s.Options.RequirePKCE && req.HasResponseType(protocol.ResponseTypeCode):
			missingParameter(e.BaseContext, protocol.ParamCodeChallenge)
		}
		return nil
	}

	if !req.HasResponseType(protocol.ResponseTypeCode) {
		e.Reject(protocol.ErrorInvalidRequest, "The 'code_challenge' parameter is not valid for this response type.", "")
		return nil
	}
	// RFC 7636 section 4.3: an absent method means plain.
	if method == "" {
		method = protocol.CodeChallengeMethodPlain
	}
	if !s.Options.IsCodeChallengeMethodEnabled(method) {
		e.Reject(protocol.ErrorInvalidRequest, "The specified 'code_challenge_method' parameter is not allowed.", "")
		return nil
	}

	valid := isValidCodeVerifier(challenge)
	if method == protocol.CodeChallengeMethodS256 {
		valid = isValidS256Challenge(challenge)
	}
	if !valid {
		e.Reject(protocol.ErrorInvalidRequest, "The specified 'code_challenge' parameter is invalid.", "")
	}
	return nil
}

func (s *Services) validateAuthorizationGrantPermissions(ctx context.Context, e *events.ValidateAuthorizationRequest) error {
	for _, grant := range requiredGrantTypes(e.Request()) {
		if err := s.validateGrantTypePermission(ctx, e.Validation(), grant); err != nil || e.IsTerminal() {
			return err
		}
	}
	return nil
}

func (s *Services) validateResponseTypePermissions(ctx context.Context, e *events.ValidateAuthorizationRequest) error {
	app, err := application(e.Validation())
	if err != nil {
		return err
	}
	types := slices.Sorted(slices.Values(e.Request().ResponseTypes()))
	permission := protocol.PermissionPrefixResponseType + strings.Join(types, " ")
	if !s.Applications.HasPermission(ctx, app, permission) {
		s.reject(ctx, e.BaseContext, e.ClientID, protocol.ErrorUnauthorizedClient,
			"The client application is not allowed to use the specified 'response_type'.")
	}
	return nil
}

func (s *Services) validateAuthorizationPKCERequirement(ctx context.Context, e *events.ValidateAuthorizationRequest) error {
	req := e.Request()
	if req.CodeChallenge() != "" || !req.HasResponseType(protocol.ResponseTypeCode) {
		return nil
	}
	app, err := application(e.Validation())
	if err != nil {
		return err
	}
	if s.Applications.HasRequirement(ctx, app, protocol.RequirementPKCE) {
		s.reject(ctx, e.BaseContext, e.ClientID, protocol.ErrorInvalidRequest,
			"The mandatory 'code_challenge' parameter is missing.")
	}
	return nil
}

func attachRedirectURI(_ context.Context, e *events.ApplyAuthorizationResponse) error {
	if e.RedirectURI != "" {
		return nil
	}
	if uri, ok := pipeline.Property(e.Transaction, events.PropertyRedirectURI); ok {
		e.RedirectURI = uri
	}
	return nil
}

func (s *Services) inferResponseMode(_ context.Context, e *events.ApplyAuthorizationResponse) error {
	if e.ResponseMode != "" {
		return nil
	}
	req := e.Request()
	mode := req.ResponseMode()
	switch mode {
	case protocol.ResponseModeQuery, protocol.ResponseModeFragment, protocol.ResponseModeFormPost:
		if len(s.Options.ResponseModes) == 0 || s.Options.isResponseModeEnabled(mode) {
			e.ResponseMode = mode
			return nil
		}
	}
	if req.HasResponseType(protocol.ResponseTypeToken) || req.HasResponseType(protocol.ResponseTypeIDToken) {
		e.ResponseMode = protocol.ResponseModeFragment
		return nil
	}
	e.ResponseMode = protocol.ResponseModeQuery
	return nil
}

func attachResponseState(_ context.Context, e *events.ApplyAuthorizationResponse) error {
	resp := e.Response()
	if state := e.Request().State(); state != "" && !resp.Has(protocol.ParamState) {
		resp.Set(protocol.ParamState, state)
	}
	return nil
}

// attachIssuer adds the RFC 9207 iss parameter to redirected responses.
func attachIssuer(_ context.Context, e *events.ApplyAuthorizationResponse) error {
	if e.RedirectURI == "" || e.Transaction.Issuer == nil {
		return nil
	}
	resp := e.Response()
	if !resp.Has(protocol.ParamIssuer) {
		resp.Set(protocol.ParamIssuer, e.Transaction.Issuer.String())
	}
	return nil
}

func (s *Services) newRemoveCachedRequest() (pipeline.Handler[*events.ApplyAuthorizationResponse], error) {
	cache, err := s.requireRequestCache("ApplyAuthorizationResponse.RemoveCachedRequest")
	if err != nil {
		return nil, err
	}
	return pipeline.HandlerFunc[*events.ApplyAuthorizationResponse](func(ctx context.Context, e *events.ApplyAuthorizationResponse) error {
		id, ok := pipeline.Property(e.Transaction, events.PropertyRequestID)
		if !ok || id == "" {
			return nil
		}
		if err := cache.Remove(ctx, RequestCachePrefix+id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to remove cached authorization request: %w", err)
		}
		return nil
	}), nil
}

// errorStatus maps an error code to the status of locally rendered errors.
func errorStatus(code string) int {
	if code == protocol.ErrorRateLimitExceeded {
		return http.StatusTooManyRequests
	}
	return http.StatusBadRequest
}

// processLocalAuthorizationResponse renders errors that cannot be returned
// to the client because no redirect target was validated.
func processLocalAuthorizationResponse(_ context.Context, e *events.ApplyAuthorizationResponse) error {
	if e.RedirectURI != "" {
		return nil
	}
	resp := e.Response()
	if !e.IsError() {
		return pipeline.Internalf("an authorization response cannot be returned without a redirect_uri")
	}

	var text strings.Builder
	for _, p := range resp.Parameters() {
		for _, v := range p.Values {
			fmt.Fprintf(&text, "%s: %s\n", p.Name, v)
		}
	}
	e.Transaction.HTTPResponse.WriteText(errorStatus(resp.Get(protocol.ParamError)), text.String())
	e.HandleRequest()
	return nil
}

func processQueryResponse(_ context.Context, e *events.ApplyAuthorizationResponse) error {
	if e.RedirectURI == "" || e.ResponseMode != protocol.ResponseModeQuery {
		return nil
	}
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return pipeline.Internalf("the validated redirect_uri cannot be parsed: %v", err)
	}
	if encoded := e.Response().Encode(); encoded != "" {
		if u.RawQuery != "" {
			u.RawQuery += "&"
		}
		u.RawQuery += encoded
	}
	e.Transaction.HTTPResponse.Redirect(u.String())
	e.HandleRequest()
	return nil
}

func processFragmentResponse(_ context.Context, e *events.ApplyAuthorizationResponse) error {
	if e.RedirectURI == "" || e.ResponseMode != protocol.ResponseModeFragment {
		return nil
	}
	location := e.RedirectURI
	if encoded := e.Response().Encode(); encoded != "" {
		location += "#" + encoded
	}
	e.Transaction.HTTPResponse.Redirect(location)
	e.HandleRequest()
	return nil
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><title>Working...</title></head>
<body>
<form name="form" method="post" action="{{.Action}}">
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}" />
{{- end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
<script nonce="{{.Nonce}}">document.form.submit();</script>
</body>
</html>
`))

type formPostField struct {
	Name  string
	Value string
}

func processFormPostResponse(_ context.Context, e *events.ApplyAuthorizationResponse) error {
	if e.RedirectURI == "" || e.ResponseMode != protocol.ResponseModeFormPost {
		return nil
	}

	var fields []formPostField
	for _, p := range e.Response().Parameters() {
		for _, v := range p.Values {
			fields = append(fields, formPostField{Name: p.Name, Value: v})
		}
	}
	nonce := generateRandomToken()

	var buf bytes.Buffer
	err := formPostTemplate.Execute(&buf, struct {
		Action template.URL
		Fields []formPostField
		Nonce  string
	}{
		// Validated redirect URIs may use the private schemes of native
		// clients, which html/template would otherwise filter.
		Action: template.URL(e.RedirectURI),
		Fields: fields,
		Nonce:  nonce,
	})
	if err != nil {
		return fmt.Errorf("failed to render form_post response: %w", err)
	}

	resp := e.Transaction.HTTPResponse
	resp.WriteHTML(http.StatusOK, buf.Bytes())
	resp.Header.Set("Content-Security-Policy",
		"default-src 'none'; script-src 'nonce-"+nonce+"'; form-action "+formAction(e.RedirectURI)+"; frame-ancestors 'none'")
	resp.Header.Set("Cache-Control", "no-store")
	e.HandleRequest()
	return nil
}

// formAction returns the CSP source matching the redirect target.
func formAction(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Host == "" {
		return "*"
	}
	return u.Scheme + "://" + u.Host
}

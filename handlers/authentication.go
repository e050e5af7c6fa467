package handlers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

type authHandler = func(context.Context, *events.ProcessAuthentication) error

func authentication(name string, order int, fn authHandler) *pipeline.DescriptorBuilder[*events.ProcessAuthentication] {
	return pipeline.Describe[*events.ProcessAuthentication]("ProcessAuthentication." + name).
		Order(order).
		UseFunc(fn)
}

func authenticationHandlers(svc *Services) []pipeline.Descriptor {
	o := &svc.Options
	return []pipeline.Descriptor{
		authentication("ValidateAuthenticationDemand", 1000, validateAuthenticationDemand).Build(),
		authentication("EvaluateValidatedTokens", 2000, evaluateValidatedTokens).Build(),
		authentication("ResolveValidatedTokens", 3000, resolveValidatedTokens).Build(),
		authentication("ValidateRequiredTokens", 4000, validateRequiredTokens).Build(),
		authentication("ValidateAuthorizationCode", 5000, svc.validateAuthorizationCode).Build(),
		pipeline.Describe[*events.ProcessAuthentication]("ProcessAuthentication.ValidateDeviceCode").
			Order(6000).
			UseSingleton(func() (pipeline.Handler[*events.ProcessAuthentication], error) {
				if err := svc.requireDeviceStorage("ProcessAuthentication.ValidateDeviceCode"); err != nil {
					return nil, err
				}
				return pipeline.HandlerFunc[*events.ProcessAuthentication](svc.validateDeviceCode), nil
			}).
			Build(),
		authentication("ValidateRefreshToken", 7000, svc.validateRefreshToken).Build(),
		pipeline.Describe[*events.ProcessAuthentication]("ProcessAuthentication.ValidateUserCode").
			Order(8000).
			UseSingleton(func() (pipeline.Handler[*events.ProcessAuthentication], error) {
				if err := svc.requireDeviceStorage("ProcessAuthentication.ValidateUserCode"); err != nil {
					return nil, err
				}
				return pipeline.HandlerFunc[*events.ProcessAuthentication](svc.validateUserCode), nil
			}).
			Build(),
		authentication("ValidateGenericToken", 9000, svc.validateGenericToken).Build(),
		authentication("ValidateExpiration", 10000, svc.validateExpiration).Build(),
		authentication("ValidateTokenEntry", 11000, svc.validateTokenEntry).
			Filter(RequireTokenStorageEnabled(o)).
			Build(),
	}
}

// deviceFlowEnabled reports whether device and user codes can be issued.
func (s *Services) deviceFlowEnabled() bool {
	return s.Options.DeviceEndpointPath != "" || s.Options.IsGrantTypeEnabled(protocol.GrantTypeDeviceCode)
}

// requireDeviceStorage fails when the device flow is enabled without a
// token store: device and user codes are reference tokens.
func (s *Services) requireDeviceStorage(component string) error {
	if s.deviceFlowEnabled() && s.Tokens == nil {
		return pipeline.Misconfigured(component, "the device flow requires a token store")
	}
	return nil
}

func validateAuthenticationDemand(_ context.Context, a *events.ProcessAuthentication) error {
	switch a.Endpoint() {
	case pipeline.EndpointToken, pipeline.EndpointVerification,
		pipeline.EndpointIntrospection, pipeline.EndpointRevocation:
		return nil
	default:
		return pipeline.Internalf("authentication is not supported at the %q endpoint", a.Endpoint())
	}
}

func evaluateValidatedTokens(_ context.Context, a *events.ProcessAuthentication) error {
	req := a.Request()
	switch a.Endpoint() {
	case pipeline.EndpointToken:
		switch {
		case req.IsAuthorizationCodeGrantType():
			a.ExtractAuthorizationCode, a.RequireAuthorizationCode = true, true
		case req.IsDeviceCodeGrantType():
			a.ExtractDeviceCode, a.RequireDeviceCode = true, true
		case req.IsRefreshTokenGrantType():
			a.ExtractRefreshToken, a.RequireRefreshToken = true, true
		}
	case pipeline.EndpointVerification:
		a.ExtractUserCode = true
	case pipeline.EndpointIntrospection, pipeline.EndpointRevocation:
		a.ExtractGenericToken, a.RequireGenericToken = true, true
	}
	return nil
}

func resolveValidatedTokens(_ context.Context, a *events.ProcessAuthentication) error {
	req := a.Request()
	if a.ExtractAuthorizationCode && a.AuthorizationCode == "" {
		a.AuthorizationCode = req.Code()
	}
	if a.ExtractDeviceCode && a.DeviceCode == "" {
		a.DeviceCode = req.DeviceCode()
	}
	if a.ExtractRefreshToken && a.RefreshToken == "" {
		a.RefreshToken = req.RefreshToken()
	}
	if a.ExtractUserCode && a.UserCode == "" {
		a.UserCode = req.UserCode()
	}
	if a.ExtractGenericToken && a.GenericToken == "" {
		a.GenericToken = req.Token()
		a.GenericTokenTypeHint = req.TokenTypeHint()
	}
	return nil
}

func validateRequiredTokens(_ context.Context, a *events.ProcessAuthentication) error {
	for _, required := range []struct {
		require bool
		value   string
		param   string
	}{
		{a.RequireAuthorizationCode, a.AuthorizationCode, protocol.ParamCode},
		{a.RequireDeviceCode, a.DeviceCode, protocol.ParamDeviceCode},
		{a.RequireRefreshToken, a.RefreshToken, protocol.ParamRefreshToken},
		{a.RequireUserCode, a.UserCode, protocol.ParamUserCode},
		{a.RequireGenericToken, a.GenericToken, protocol.ParamToken},
	} {
		if required.require && required.value == "" {
			a.Reject(protocol.ErrorInvalidRequest, fmt.Sprintf("The mandatory '%s' parameter is missing.", required.param), "")
			return nil
		}
	}
	return nil
}

// unprotect decodes a self-contained token. It returns nil when the token
// cannot be read or is not of one of the expected types.
func (s *Services) unprotect(ctx context.Context, a *events.ProcessAuthentication, token string, types ...string) *protocol.Principal {
	principal, err := s.Protector.Unprotect(ctx, token)
	if err != nil {
		a.Logger().Debug("Token could not be unprotected",
			"token_prefix", util.SafeTruncate(token, 8),
			"error", err)
		return nil
	}
	if !slices.Contains(types, principal.TokenType()) {
		a.Logger().Debug("Token has an unexpected type", "token_type", principal.TokenType())
		return nil
	}
	return principal
}

func (s *Services) validateAuthorizationCode(ctx context.Context, a *events.ProcessAuthentication) error {
	if a.AuthorizationCode == "" || a.AuthorizationCodePrincipal != nil {
		return nil
	}
	p := s.unprotect(ctx, a, a.AuthorizationCode, protocol.TokenTypeAuthorizationCode)
	if p == nil {
		a.Reject(invalidTokenError(a.Transaction), "The specified authorization code is invalid.", "")
		return nil
	}
	a.AuthorizationCodePrincipal = p
	return nil
}

func (s *Services) validateRefreshToken(ctx context.Context, a *events.ProcessAuthentication) error {
	if a.RefreshToken == "" || a.RefreshTokenPrincipal != nil {
		return nil
	}
	p := s.unprotect(ctx, a, a.RefreshToken, protocol.TokenTypeRefreshToken)
	if p == nil {
		a.Reject(invalidTokenError(a.Transaction), "The specified refresh token is invalid.", "")
		return nil
	}
	a.RefreshTokenPrincipal = p
	return nil
}

func (s *Services) validateGenericToken(ctx context.Context, a *events.ProcessAuthentication) error {
	if a.GenericToken == "" || a.GenericTokenPrincipal != nil {
		return nil
	}
	p := s.unprotect(ctx, a, a.GenericToken, protocol.TokenTypeAccessToken, protocol.TokenTypeRefreshToken)
	if p == nil {
		a.Reject(protocol.ErrorInvalidToken, "The specified token is invalid.", "")
		return nil
	}
	a.GenericTokenPrincipal = p
	return nil
}

// findReference resolves a reference token entry of the given type.
func (s *Services) findReference(ctx context.Context, reference, tokenType string) (*storage.Token, error) {
	entry, err := s.Tokens.FindByReferenceID(ctx, reference)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", tokenType, err)
	}
	if entry.Type != tokenType {
		return nil, nil
	}
	return entry, nil
}

// readPayload unprotects the principal stored in a reference entry.
func (s *Services) readPayload(ctx context.Context, entry *storage.Token) (*protocol.Principal, error) {
	p, err := s.Protector.Unprotect(ctx, entry.Payload)
	if err != nil {
		return nil, pipeline.Internalf("the payload of token entry %s cannot be read: %v", entry.ID, err)
	}
	return p, nil
}

func (s *Services) validateDeviceCode(ctx context.Context, a *events.ProcessAuthentication) error {
	if a.DeviceCode == "" || a.DeviceCodePrincipal != nil {
		return nil
	}
	entry, err := s.findReference(ctx, a.DeviceCode, protocol.TokenTypeDeviceCode)
	if err != nil {
		return err
	}

	switch {
	case entry == nil:
		a.Reject(invalidTokenError(a.Transaction), "The specified device code is invalid.", "")
		return nil
	case entry.IsExpired(s.now()):
		a.Reject(protocol.ErrorExpiredToken, "The specified device code has expired.", "")
		return nil
	case entry.Status == storage.TokenStatusInactive:
		a.Reject(protocol.ErrorAuthorizationPending, "The authorization has not been completed yet.", "")
		return nil
	case entry.Status == storage.TokenStatusRejected:
		a.Reject(protocol.ErrorAccessDenied, "The authorization was denied by the user.", "")
		return nil
	case entry.Status != storage.TokenStatusValid:
		a.Reject(invalidTokenError(a.Transaction), "The specified device code is no longer valid.", "")
		return nil
	}

	p, err := s.readPayload(ctx, entry)
	if err != nil {
		return err
	}
	a.DeviceCodePrincipal = p
	a.Entries[protocol.TokenTypeDeviceCode] = entry
	return nil
}

func (s *Services) validateUserCode(ctx context.Context, a *events.ProcessAuthentication) error {
	if a.UserCode == "" || a.UserCodePrincipal != nil {
		return nil
	}
	entry, err := s.findReference(ctx, NormalizeUserCode(a.UserCode), protocol.TokenTypeUserCode)
	if err != nil {
		return err
	}

	switch {
	case entry == nil:
		a.Reject(protocol.ErrorInvalidToken, "The specified user code is invalid.", "")
		return nil
	case entry.IsExpired(s.now()):
		a.Reject(protocol.ErrorExpiredToken, "The specified user code has expired.", "")
		return nil
	case entry.Status != storage.TokenStatusValid:
		a.Reject(protocol.ErrorInvalidToken, "The specified user code is no longer valid.", "")
		return nil
	}

	p, err := s.readPayload(ctx, entry)
	if err != nil {
		return err
	}
	a.UserCodePrincipal = p
	a.Entries[protocol.TokenTypeUserCode] = entry
	return nil
}

func (s *Services) validateExpiration(_ context.Context, a *events.ProcessAuthentication) error {
	now := s.now()
	for tokenType, p := range a.Principals() {
		if !security.IsTokenExpiredAt(p.ExpiresAt(), now, s.Options.gracePeriod()) {
			continue
		}
		code := invalidTokenError(a.Transaction)
		if tokenType == protocol.TokenTypeDeviceCode || tokenType == protocol.TokenTypeUserCode {
			code = protocol.ErrorExpiredToken
		}
		a.Reject(code, fmt.Sprintf("The specified %s is no longer valid.", strings.ReplaceAll(tokenType, "_", " ")), "")
		return nil
	}
	return nil
}

// validateTokenEntry checks the server-side entry of self-contained tokens.
// Presenting a redeemed authorization code, or a rotated refresh token,
// revokes every token of the authorization.
func (s *Services) validateTokenEntry(ctx context.Context, a *events.ProcessAuthentication) error {
	for _, p := range []*protocol.Principal{a.AuthorizationCodePrincipal, a.RefreshTokenPrincipal, a.GenericTokenPrincipal} {
		if p == nil {
			continue
		}
		tokenType := p.TokenType()
		label := strings.ReplaceAll(tokenType, "_", " ")

		id := p.TokenID()
		if id == "" {
			a.Reject(invalidTokenError(a.Transaction), fmt.Sprintf("The specified %s is invalid.", label), "")
			return nil
		}
		entry, err := s.Tokens.FindByID(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			a.Reject(invalidTokenError(a.Transaction), fmt.Sprintf("The specified %s is invalid.", label), "")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to find token entry: %w", err)
		}

		switch entry.Status {
		case storage.TokenStatusValid:
			a.Entries[tokenType] = entry
		case storage.TokenStatusRedeemed:
			if a.Endpoint() == pipeline.EndpointToken {
				if err := s.revokeReusedAuthorization(ctx, a.Transaction, entry); err != nil {
					return err
				}
			}
			a.Reject(invalidTokenError(a.Transaction), fmt.Sprintf("The specified %s has already been redeemed.", label), "")
			return nil
		default:
			a.Reject(invalidTokenError(a.Transaction), fmt.Sprintf("The specified %s is no longer valid.", label), "")
			return nil
		}
	}
	return nil
}

// revokeReusedAuthorization revokes the tokens of an authorization whose
// one-time token was presented twice (OAuth 2.1 section 4.1.2).
func (s *Services) revokeReusedAuthorization(ctx context.Context, tx *pipeline.Transaction, entry *storage.Token) error {
	revoked := 0
	if entry.AuthorizationID != "" {
		n, err := s.Tokens.RevokeByAuthorization(ctx, entry.AuthorizationID)
		if err != nil {
			return fmt.Errorf("failed to revoke reused authorization: %w", err)
		}
		revoked = n
	}

	ip := clientIP(tx)
	if entry.Type == protocol.TokenTypeAuthorizationCode {
		s.metrics().RecordCodeReuseDetected(ctx)
		s.Auditor.LogCodeReuseDetected(ctx, entry.Subject, entry.ApplicationID, ip, revoked)
	} else {
		s.metrics().RecordTokenReuseDetected(ctx)
		s.Auditor.LogTokenReuseDetected(ctx, entry.Subject, entry.ApplicationID, ip, revoked)
	}
	if revoked > 0 {
		s.metrics().RecordTokenRevocation(ctx, entry.ApplicationID, revoked)
	}
	tx.Logger.Warn("Token reuse detected, authorization revoked",
		"token_type", entry.Type,
		"client_id", entry.ApplicationID,
		"revoked", revoked)
	return nil
}

package handlers

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage"
)

// tokenInspection returns the Validate handlers shared by the
// introspection and revocation endpoints.
func tokenInspection[T events.Validating](svc *Services, endpointPermission string) []pipeline.Descriptor {
	o := &svc.Options
	ds := []pipeline.Descriptor{
		validation[T]("ValidateTokenParameter", 1000, func(_ context.Context, v *events.ValidatingContext) error {
			if v.Request().Token() == "" {
				missingParameter(v.BaseContext, protocol.ParamToken)
			}
			return nil
		}).Build(),
		validation[T]("ValidateClientIDParameter", 2000, func(_ context.Context, v *events.ValidatingContext) error {
			if v.ClientID == "" && !o.AcceptAnonymousClients {
				missingParameter(v.BaseContext, protocol.ParamClientID)
			}
			return nil
		}).Build(),
	}
	ds = append(ds, clientValidation[T](svc, 3000, endpointPermission)...)
	return append(ds,
		validation[T]("ValidateToken", 7000, svc.validatePresentedToken).Build(),
		validation[T]("ValidateAuthorizedParty", 8000, validateAuthorizedParty).Build(),
	)
}

func (s *Services) validatePresentedToken(ctx context.Context, v *events.ValidatingContext) error {
	auth := events.NewProcessAuthentication(v.Transaction)
	if ok, err := s.runStage(ctx, v.BaseContext, auth); !ok || err != nil {
		return err
	}
	if auth.GenericTokenPrincipal == nil {
		return pipeline.Internalf("the presented token was not resolved")
	}
	v.Principal = auth.GenericTokenPrincipal
	pipeline.SetProperty(v.Transaction, events.PropertyPrincipal, v.Principal)
	pipeline.SetProperty(v.Transaction, events.PropertyAuthentication, auth)
	return nil
}

// validateAuthorizedParty only lets the clients a token was issued to, or
// is intended for, act upon it.
func validateAuthorizedParty(_ context.Context, v *events.ValidatingContext) error {
	if v.Principal == nil {
		return nil
	}
	presenters := v.Principal.Presenters()
	if len(presenters) == 0 {
		return nil
	}
	if v.ClientID != "" &&
		(slices.Contains(presenters, v.ClientID) || slices.Contains(v.Principal.Audiences(), v.ClientID)) {
		return nil
	}
	v.Reject(protocol.ErrorInvalidToken, "The client application is not allowed to use the specified token.", "")
	return nil
}

// attachValidatedPrincipal threads the token principal resolved during
// validation into a Handle event.
func attachValidatedPrincipal[T events.Handling]() pipeline.Descriptor {
	return pipeline.Describe[T](nameOf[T]("AttachPrincipal")).
		Order(1000).
		UseFunc(func(_ context.Context, e T) error {
			h := e.Handling()
			if p, ok := pipeline.Property(h.Transaction, events.PropertyPrincipal); ok && h.Principal == nil {
				h.Principal = p
			}
			return nil
		}).
		Build()
}

func introspectionHandlers(svc *Services) []pipeline.Descriptor {
	return append(tokenInspection[*events.ValidateIntrospectionRequest](svc, protocol.PermissionEndpointIntrospection),
		attachValidatedPrincipal[*events.HandleIntrospectionRequest](),
		pipeline.Describe[*events.HandleIntrospectionRequest]("HandleIntrospectionRequest.AttachMetadataClaims").
			Order(2000).
			UseFunc(attachMetadataClaims).
			Build(),
	)
}

// attachMetadataClaims builds the RFC 7662 section 2.2 response.
func attachMetadataClaims(_ context.Context, e *events.HandleIntrospectionRequest) error {
	p := e.Principal
	if p == nil {
		return pipeline.Internalf("no principal is available for introspection")
	}
	resp := e.Response()
	resp.SetJSON(protocol.ParamActive, "true")
	if issuer := e.Transaction.Issuer; issuer != nil {
		resp.Set(protocol.ClaimIssuer, issuer.String())
	}
	if sub := p.Subject(); sub != "" {
		resp.Set(protocol.ClaimSubject, sub)
	}
	if scopes := p.Scopes(); len(scopes) > 0 {
		resp.Set(protocol.ClaimScope, strings.Join(scopes, " "))
	}
	if presenters := p.Presenters(); len(presenters) > 0 {
		resp.Set(protocol.ClaimClientID, presenters[0])
	}
	if aud := p.Audiences(); len(aud) > 0 {
		resp.Set(protocol.ClaimAudience, aud...)
	}
	if exp := p.ExpiresAt(); !exp.IsZero() {
		resp.SetJSON(protocol.ClaimExpiresAt, strconv.FormatInt(exp.Unix(), 10))
	}
	if iat := p.CreatedAt(); !iat.IsZero() {
		resp.SetJSON(protocol.ClaimIssuedAt, strconv.FormatInt(iat.Unix(), 10))
	}
	if id := p.TokenID(); id != "" {
		resp.Set(protocol.ClaimJTI, id)
	}
	if p.TokenType() == protocol.TokenTypeAccessToken {
		resp.Set(protocol.ParamTokenType, protocol.TokenTypeBearer)
	}
	if username := p.Claim(protocol.ClaimUsername); username != "" {
		resp.Set(protocol.ClaimUsername, username)
	}
	return nil
}

func revocationHandlers(svc *Services) []pipeline.Descriptor {
	return append(tokenInspection[*events.ValidateRevocationRequest](svc, protocol.PermissionEndpointRevocation),
		attachValidatedPrincipal[*events.HandleRevocationRequest](),
		pipeline.Describe[*events.HandleRevocationRequest]("HandleRevocationRequest.RevokeToken").
			Order(2000).
			UseSingleton(svc.newRevokeToken).
			Build(),
	)
}

func (s *Services) newRevokeToken() (pipeline.Handler[*events.HandleRevocationRequest], error) {
	if s.Options.RevocationEndpointPath != "" && (s.Options.DisableTokenStorage || s.Tokens == nil) {
		return nil, pipeline.Misconfigured("HandleRevocationRequest.RevokeToken",
			"the revocation endpoint requires token storage")
	}
	return pipeline.HandlerFunc[*events.HandleRevocationRequest](s.revokeToken), nil
}

// revokeToken revokes the presented token. Revoking a refresh token also
// revokes the tokens issued from the same authorization (RFC 7009 section 2.1).
func (s *Services) revokeToken(ctx context.Context, e *events.HandleRevocationRequest) error {
	if e.Principal == nil {
		return pipeline.Internalf("no principal is available for revocation")
	}
	auth, ok := pipeline.Property(e.Transaction, events.PropertyAuthentication)
	if !ok || auth == nil {
		return pipeline.Internalf("the revoked token was not authenticated")
	}
	tokenType := e.Principal.TokenType()
	entry := auth.Entries[tokenType]
	if entry == nil {
		return pipeline.Internalf("no token entry was resolved for the %s", tokenType)
	}

	if err := s.Tokens.Revoke(ctx, entry.ID); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	revoked := 1
	if tokenType == protocol.TokenTypeRefreshToken && entry.AuthorizationID != "" {
		n, err := s.Tokens.RevokeByAuthorization(ctx, entry.AuthorizationID)
		if err != nil {
			return fmt.Errorf("failed to revoke authorization: %w", err)
		}
		revoked += n
	}

	s.recordRevocation(ctx, e.Transaction, entry, revoked)
	return nil
}

func (s *Services) recordRevocation(ctx context.Context, tx *pipeline.Transaction, entry *storage.Token, count int) {
	s.metrics().RecordTokenRevocation(ctx, entry.ApplicationID, count)
	s.Auditor.LogTokenRevoked(ctx, entry.Subject, entry.ApplicationID, clientIP(tx), entry.Type, count)
	tx.Logger.Info("Token revoked",
		"token_type", entry.Type,
		"client_id", entry.ApplicationID,
		"count", count)
}

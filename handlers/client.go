package handlers

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage"
)

// validation describes a handler of the Validate event T working on the
// shared validating context.
func validation[T events.Validating](name string, order int, fn func(context.Context, *events.ValidatingContext) error) *pipeline.DescriptorBuilder[T] {
	return pipeline.Describe[T](nameOf[T](name)).
		Order(order).
		UseFunc(func(ctx context.Context, e T) error {
			return fn(ctx, e.Validation())
		})
}

// reject rejects v and records the failure in the audit log.
func (s *Services) reject(ctx context.Context, v *pipeline.BaseContext, clientID, code, description string) {
	if v.Reject(code, description, "") {
		s.Auditor.LogAuthFailure(ctx, clientID, clientIP(v.Transaction), code, description)
	}
}

func (s *Services) validateClientID(ctx context.Context, v *events.ValidatingContext) error {
	app, err := s.Applications.FindByClientID(ctx, v.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		s.reject(ctx, v.BaseContext, v.ClientID, protocol.ErrorInvalidClient,
			"The specified 'client_id' is invalid.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find client application: %w", err)
	}

	v.Application = app
	pipeline.SetProperty(v.Transaction, events.PropertyApplication, app)
	return nil
}

// application returns the client resolved by validateClientID.
func application(v *events.ValidatingContext) (*storage.Application, error) {
	if v.Application == nil {
		return nil, pipeline.Internalf("the client application of %q was not resolved", v.ClientID)
	}
	return v.Application, nil
}

func (s *Services) validateClientType(ctx context.Context, v *events.ValidatingContext) error {
	app, err := application(v)
	if err != nil {
		return err
	}
	req := v.Request()

	if s.Applications.HasClientType(ctx, app, protocol.ClientTypePublic) {
		switch {
		case req.IsClientCredentialsGrantType():
			s.reject(ctx, v.BaseContext, v.ClientID, protocol.ErrorUnauthorizedClient,
				"The specified 'grant_type' parameter is not valid for this client application.")
		case v.Endpoint() == pipeline.EndpointIntrospection:
			s.reject(ctx, v.BaseContext, v.ClientID, protocol.ErrorInvalidClient,
				"This client application is not allowed to use the introspection endpoint.")
		case req.ClientSecret() != "":
			s.reject(ctx, v.BaseContext, v.ClientID, protocol.ErrorInvalidClient,
				"The 'client_secret' parameter is not valid for this client application.")
		}
		return nil
	}

	if req.ClientSecret() == "" {
		s.reject(ctx, v.BaseContext, v.ClientID, protocol.ErrorInvalidClient,
			"The 'client_secret' parameter required for this client application is missing.")
	}
	return nil
}

func (s *Services) validateClientSecret(ctx context.Context, v *events.ValidatingContext) error {
	app, err := application(v)
	if err != nil {
		return err
	}
	if s.Applications.HasClientType(ctx, app, protocol.ClientTypePublic) {
		return nil
	}

	ok, err := s.Applications.ValidateClientSecret(ctx, app, v.Request().ClientSecret())
	if err != nil {
		return fmt.Errorf("failed to validate client secret: %w", err)
	}
	if !ok {
		s.reject(ctx, v.BaseContext, v.ClientID, protocol.ErrorInvalidClient,
			"The specified client credentials are invalid.")
	}
	return nil
}

func (s *Services) validateEndpointPermission(permission string) func(context.Context, *events.ValidatingContext) error {
	return func(ctx context.Context, v *events.ValidatingContext) error {
		app, err := application(v)
		if err != nil {
			return err
		}
		if !s.Applications.HasPermission(ctx, app, permission) {
			s.reject(ctx, v.BaseContext, v.ClientID, protocol.ErrorUnauthorizedClient,
				"This client application is not allowed to use this endpoint.")
		}
		return nil
	}
}

func (s *Services) validateGrantTypePermission(ctx context.Context, v *events.ValidatingContext, grantType string) error {
	app, err := application(v)
	if err != nil {
		return err
	}
	if !s.Applications.HasPermission(ctx, app, protocol.PermissionPrefixGrantType+grantType) {
		s.reject(ctx, v.BaseContext, v.ClientID, protocol.ErrorUnauthorizedClient,
			"This client application is not allowed to use the specified grant type.")
		return nil
	}

	if v.Request().HasScope(protocol.ScopeOfflineAccess) &&
		!s.Applications.HasPermission(ctx, app, protocol.PermissionPrefixGrantType+protocol.GrantTypeRefreshToken) {
		s.reject(ctx, v.BaseContext, v.ClientID, protocol.ErrorInvalidRequest,
			"The client application is not allowed to use the 'offline_access' scope.")
	}
	return nil
}

func (s *Services) validateScopePermissions(ctx context.Context, v *events.ValidatingContext) error {
	app, err := application(v)
	if err != nil {
		return err
	}
	for _, scope := range v.Request().Scopes() {
		// The standard scopes are governed by the grant type permissions.
		if scope == protocol.ScopeOpenID || scope == protocol.ScopeOfflineAccess {
			continue
		}
		if !s.Applications.HasPermission(ctx, app, protocol.PermissionPrefixScope+scope) {
			s.reject(ctx, v.BaseContext, v.ClientID, protocol.ErrorInvalidRequest,
				"This client application is not allowed to use the specified scope.")
			return nil
		}
	}
	return nil
}

// validateScopes rejects requested scopes that are neither statically
// registered nor known to the scope store.
func (s *Services) validateScopes(ctx context.Context, v *events.ValidatingContext) error {
	var unknown []string
	for _, scope := range v.Request().Scopes() {
		if !slices.Contains(s.Options.Scopes, scope) && !slices.Contains(unknown, scope) {
			unknown = append(unknown, scope)
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	if s.Scopes != nil && !s.Options.DegradedMode {
		for scope, err := range s.Scopes.FindByNames(ctx, unknown) {
			if err != nil {
				return fmt.Errorf("failed to resolve scopes: %w", err)
			}
			name := s.Scopes.GetName(ctx, scope)
			unknown = slices.DeleteFunc(unknown, func(n string) bool { return n == name })
		}
	}

	if len(unknown) > 0 {
		v.Logger().Debug("Unknown scopes requested", "scopes", unknown)
		s.reject(ctx, v.BaseContext, v.ClientID, protocol.ErrorInvalidScope,
			"The specified 'scope' parameter is not valid.")
	}
	return nil
}

// clientValidation returns the client checks shared by the token, device,
// introspection and revocation endpoints, starting at order.
func clientValidation[T events.Validating](svc *Services, order int, endpointPermission string) []pipeline.Descriptor {
	o := &svc.Options
	return []pipeline.Descriptor{
		validation[T]("ValidateClientID", order, svc.validateClientID).
			Filter(RequireDegradedModeDisabled(o), RequireClientIDParameter()).
			Build(),
		validation[T]("ValidateClientType", order+1000, svc.validateClientType).
			Filter(RequireDegradedModeDisabled(o), RequireClientIDParameter()).
			Build(),
		validation[T]("ValidateClientSecret", order+2000, svc.validateClientSecret).
			Filter(RequireDegradedModeDisabled(o), RequireClientIDParameter()).
			Build(),
		validation[T]("ValidateEndpointPermissions", order+3000, svc.validateEndpointPermission(endpointPermission)).
			Filter(RequireDegradedModeDisabled(o), RequireClientIDParameter(), RequireEndpointPermissionsEnabled(o)).
			Build(),
	}
}

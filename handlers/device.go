package handlers

import (
	"context"
	"strings"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
)

// User code alphabet and shape (RFC 8628 section 6.1): consonants only,
// to avoid ambiguous characters and accidental words.
const (
	UserCodeCharset = "BCDFGHJKLMNPQRSTVWXZ"
	UserCodeLength  = 8
)

// NormalizeUserCode uppercases a user code and strips the separators users
// may type, so "bcdf-ghjk" and "BCDFGHJK" match the same entry.
func NormalizeUserCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func deviceHandlers(svc *Services) []pipeline.Descriptor {
	o := &svc.Options
	ds := []pipeline.Descriptor{
		pipeline.Describe[*events.ValidateDeviceRequest]("ValidateDeviceRequest.ValidateClientIDParameter").
			Order(1000).
			UseFunc(func(_ context.Context, e *events.ValidateDeviceRequest) error {
				if e.ClientID == "" {
					missingParameter(e.BaseContext, protocol.ParamClientID)
				}
				return nil
			}).
			Build(),
		validation[*events.ValidateDeviceRequest]("ValidateScopes", 2000, svc.validateScopes).
			Filter(RequireScopeValidationEnabled(o)).
			Build(),
	}
	ds = append(ds, clientValidation[*events.ValidateDeviceRequest](svc, 3000, protocol.PermissionEndpointDevice)...)
	return append(ds,
		pipeline.Describe[*events.ValidateDeviceRequest]("ValidateDeviceRequest.ValidateGrantTypePermissions").
			Order(7000).
			Filter(RequireDegradedModeDisabled(o), RequireClientIDParameter(), RequireGrantTypePermissionsEnabled(o)).
			UseFunc(func(ctx context.Context, e *events.ValidateDeviceRequest) error {
				return svc.validateGrantTypePermission(ctx, e.Validation(), protocol.GrantTypeDeviceCode)
			}).
			Build(),
		validation[*events.ValidateDeviceRequest]("ValidateScopePermissions", 8000, svc.validateScopePermissions).
			Filter(RequireDegradedModeDisabled(o), RequireClientIDParameter(), RequireScopePermissionsEnabled(o)).
			Build(),

		pipeline.Describe[*events.HandleDeviceRequest]("HandleDeviceRequest.AttachDevicePrincipal").
			Order(1000).
			UseFunc(func(_ context.Context, e *events.HandleDeviceRequest) error {
				if e.Principal != nil {
					return nil
				}
				req := e.Request()
				p := protocol.NewPrincipal("")
				p.SetPresenters([]string{req.ClientID()})
				p.SetScopes(req.Scopes())
				e.Principal = p
				return nil
			}).
			Build(),

		pipeline.Describe[*events.ValidateVerificationRequest]("ValidateVerificationRequest.ValidateUserCode").
			Order(1000).
			UseFunc(svc.validateVerificationUserCode).
			Build(),

		pipeline.Describe[*events.HandleVerificationRequest]("HandleVerificationRequest.EnablePassthroughMode").
			Order(1000).
			Filter(RequirePassthroughEnabled(o, pipeline.EndpointVerification)).
			UseFunc(func(_ context.Context, e *events.HandleVerificationRequest) error {
				e.SkipRequest()
				return nil
			}).
			Build(),
		pipeline.Describe[*events.HandleVerificationRequest]("HandleVerificationRequest.AttachLocalVerificationResponse").
			Order(2000).
			Filter(RequirePassthroughDisabled(o, pipeline.EndpointVerification)).
			UseFunc(attachLocalVerificationResponse).
			Build(),
	)
}

// validateVerificationUserCode resolves the device authorization a user
// code points to. Requests without user_code are left to the host, which
// prompts for one.
func (s *Services) validateVerificationUserCode(ctx context.Context, e *events.ValidateVerificationRequest) error {
	if e.Request().UserCode() == "" {
		return nil
	}
	auth := events.NewProcessAuthentication(e.Transaction)
	if ok, err := s.runStage(ctx, e.BaseContext, auth); !ok || err != nil {
		return err
	}
	if auth.UserCodePrincipal == nil {
		return pipeline.Internalf("the user code was not resolved")
	}

	e.Principal = auth.UserCodePrincipal
	if presenters := e.Principal.Presenters(); len(presenters) > 0 && e.ClientID == "" {
		e.ClientID = presenters[0]
	}
	pipeline.SetProperty(e.Transaction, events.PropertyPrincipal, e.Principal)
	pipeline.SetProperty(e.Transaction, events.PropertyAuthentication, auth)
	return nil
}

// attachLocalVerificationResponse describes the pending device request
// when the host did not ask to handle verification itself.
func attachLocalVerificationResponse(_ context.Context, e *events.HandleVerificationRequest) error {
	resp := e.Response()
	if p, ok := pipeline.Property(e.Transaction, events.PropertyPrincipal); ok && p != nil {
		resp.Set(protocol.ParamUserCode, e.Request().UserCode())
		if presenters := p.Presenters(); len(presenters) > 0 {
			resp.Set(protocol.ParamClientID, presenters[0])
		}
		if scopes := p.Scopes(); len(scopes) > 0 {
			resp.Set(protocol.ParamScope, strings.Join(scopes, " "))
		}
	}
	e.LocalResponse = true
	return nil
}

package handlers

import (
	"context"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/pipeline"
)

func optionFilter(active func() bool) pipeline.Filter {
	return pipeline.FilterFunc(func(context.Context, pipeline.Event) (bool, error) {
		return active(), nil
	})
}

// RequireHTTPRequest is active when the transaction wraps an HTTP request.
func RequireHTTPRequest() pipeline.Filter {
	return pipeline.FilterFunc(func(_ context.Context, e pipeline.Event) (bool, error) {
		return e.Base().Transaction.HTTPRequest != nil, nil
	})
}

// RequireDegradedModeDisabled is active unless degraded mode is enabled.
func RequireDegradedModeDisabled(o *Options) pipeline.Filter {
	return optionFilter(func() bool { return !o.DegradedMode })
}

// RequireClientIDParameter is active when the request identifies a client.
func RequireClientIDParameter() pipeline.Filter {
	return pipeline.FilterFunc(func(_ context.Context, e pipeline.Event) (bool, error) {
		if v, ok := e.(events.Validating); ok {
			return v.Validation().ClientID != "", nil
		}
		return e.Base().Request().ClientID() != "", nil
	})
}

// RequireScopeValidationEnabled is active unless scope validation is disabled.
func RequireScopeValidationEnabled(o *Options) pipeline.Filter {
	return optionFilter(func() bool { return !o.DisableScopeValidation })
}

// RequireEndpointPermissionsEnabled is active unless endpoint permissions
// are ignored.
func RequireEndpointPermissionsEnabled(o *Options) pipeline.Filter {
	return optionFilter(func() bool { return !o.IgnoreEndpointPermissions })
}

// RequireGrantTypePermissionsEnabled is active unless grant type
// permissions are ignored.
func RequireGrantTypePermissionsEnabled(o *Options) pipeline.Filter {
	return optionFilter(func() bool { return !o.IgnoreGrantTypePermissions })
}

// RequireResponseTypePermissionsEnabled is active unless response type
// permissions are ignored.
func RequireResponseTypePermissionsEnabled(o *Options) pipeline.Filter {
	return optionFilter(func() bool { return !o.IgnoreResponseTypePermissions })
}

// RequireScopePermissionsEnabled is active unless scope permissions are
// ignored.
func RequireScopePermissionsEnabled(o *Options) pipeline.Filter {
	return optionFilter(func() bool { return !o.IgnoreScopePermissions })
}

// RequireTokenStorageEnabled is active when token entries are persisted.
func RequireTokenStorageEnabled(o *Options) pipeline.Filter {
	return optionFilter(func() bool { return !o.DisableTokenStorage })
}

// RequireRequestCachingEnabled is active when authorization requests are
// cached.
func RequireRequestCachingEnabled(o *Options) pipeline.Filter {
	return optionFilter(func() bool { return o.EnableRequestCaching })
}

// RequirePassthroughEnabled is active when requests to endpoint are handed
// to the host.
func RequirePassthroughEnabled(o *Options, endpoint pipeline.Endpoint) pipeline.Filter {
	return optionFilter(func() bool { return o.IsPassthroughEnabled(endpoint) })
}

// RequirePassthroughDisabled is the negation of RequirePassthroughEnabled.
func RequirePassthroughDisabled(o *Options, endpoint pipeline.Endpoint) pipeline.Filter {
	return pipeline.Not(RequirePassthroughEnabled(o, endpoint))
}

// RequireRateLimitingEnabled is active when a rate limiter is configured.
func RequireRateLimitingEnabled(svc *Services) pipeline.Filter {
	return optionFilter(func() bool { return svc.RateLimiter != nil })
}

// RequireEndpoint is active for transactions targeting endpoint.
func RequireEndpoint(endpoint pipeline.Endpoint) pipeline.Filter {
	return pipeline.FilterFunc(func(_ context.Context, e pipeline.Event) (bool, error) {
		return e.Base().Endpoint() == endpoint, nil
	})
}

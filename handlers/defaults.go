package handlers

import "github.com/giantswarm/oauth-server/pipeline"

// Defaults returns the built-in handlers of every endpoint and lifecycle
// event, bound to svc. Hosts add them to a registry and may remove or
// replace any of them by name before building the dispatcher.
func Defaults(svc *Services) []pipeline.Descriptor {
	var ds []pipeline.Descriptor
	for _, group := range [][]pipeline.Descriptor{
		processRequestHandlers(svc),
		extractHandlers(svc),
		authenticationHandlers(svc),
		authorizationHandlers(svc),
		exchangeHandlers(svc),
		deviceHandlers(svc),
		introspectionHandlers(svc),
		revocationHandlers(svc),
		signInHandlers(svc),
		applyHandlers(),
	} {
		ds = append(ds, group...)
	}
	return ds
}

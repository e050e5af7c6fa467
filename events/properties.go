package events

import (
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage"
)

// Transaction properties shared between stages.
var (
	// PropertyApplication is the client application resolved during validation.
	PropertyApplication = pipeline.NewKey[*storage.Application]("oauth:application")

	// PropertyAuthentication is the result of the authentication
	// sub-pipeline, kept so later stages do not validate tokens again.
	PropertyAuthentication = pipeline.NewKey[*ProcessAuthentication]("oauth:authentication")

	// PropertyBasicAuthentication is true when the client authenticated
	// with the HTTP Authorization header.
	PropertyBasicAuthentication = pipeline.NewKey[bool]("oauth:basic_authentication")

	// PropertyClientIP is the client address used for rate limiting and audit.
	PropertyClientIP = pipeline.NewKey[string]("oauth:client_ip")

	// PropertyPrincipal is the principal validated during the Validate stage.
	PropertyPrincipal = pipeline.NewKey[*protocol.Principal]("oauth:principal")

	// PropertyRedirectURI is the authorization redirect target once validated.
	PropertyRedirectURI = pipeline.NewKey[string]("oauth:redirect_uri")

	// PropertyRequestID is the identifier of a cached authorization request.
	PropertyRequestID = pipeline.NewKey[string]("oauth:request_id")
)

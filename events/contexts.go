package events

import (
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage"
)

// ExtractingContext is embedded by every Extract event.
type ExtractingContext struct {
	*pipeline.BaseContext
}

// Extraction returns c. It lets handlers shared by several endpoints
// accept any Extract event.
func (c *ExtractingContext) Extraction() *ExtractingContext { return c }

// ValidatingContext is embedded by every Validate event.
type ValidatingContext struct {
	*pipeline.BaseContext

	// ClientID is the client_id of the request, or the client resolved from
	// HTTP Basic authentication.
	ClientID string

	// Application is the resolved client application. It stays nil in
	// degraded mode and for anonymous requests.
	Application *storage.Application

	// RedirectURI is the validated redirect_uri. At the authorization
	// endpoint it is only set once it is known to be safe to redirect to.
	RedirectURI string

	// Principal is resolved from the presented token, if any.
	Principal *protocol.Principal
}

// Validation returns c.
func (c *ValidatingContext) Validation() *ValidatingContext { return c }

// HandlingContext is embedded by every Handle event. The stage must end
// with a principal or a terminal outcome.
type HandlingContext struct {
	*pipeline.BaseContext

	// Principal is signed in once the chain completes at the authorization,
	// token, device and verification endpoints. At the introspection and
	// revocation endpoints it is the token being acted upon.
	Principal *protocol.Principal
}

// Handling returns c.
func (c *HandlingContext) Handling() *HandlingContext { return c }

// Completed implements pipeline.Completer.
func (c *HandlingContext) Completed() bool { return c.Principal != nil }

// ApplyingContext is embedded by every Apply event. The stage must end
// with the response written and the outcome Handled.
type ApplyingContext struct {
	*pipeline.BaseContext
}

// Applying returns c.
func (c *ApplyingContext) Applying() *ApplyingContext { return c }

// Completed implements pipeline.Completer.
func (c *ApplyingContext) Completed() bool { return c.IsRequestHandled() }

// IsError reports whether the response carries an error.
func (c *ApplyingContext) IsError() bool {
	return c.Response().Has(protocol.ParamError)
}

// Extracting is implemented by every Extract event.
type Extracting interface {
	pipeline.Event
	Extraction() *ExtractingContext
}

// Validating is implemented by every Validate event.
type Validating interface {
	pipeline.Event
	Validation() *ValidatingContext
}

// Handling is implemented by every Handle event.
type Handling interface {
	pipeline.Event
	Handling() *HandlingContext
}

// Applying is implemented by every Apply event.
type Applying interface {
	pipeline.Event
	Applying() *ApplyingContext
}

func newValidating(tx *pipeline.Transaction) ValidatingContext {
	base := pipeline.NewBaseContext(tx)
	return ValidatingContext{BaseContext: base, ClientID: base.Request().ClientID()}
}

package events

import (
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage"
)

// ProcessRequest is the entry event of an HTTP call. Its chain infers the
// endpoint and runs the endpoint stages; it must end with a terminal
// outcome. Skipped means the request is not for this server or must be
// completed by the host.
type ProcessRequest struct {
	*pipeline.BaseContext
}

func NewProcessRequest(tx *pipeline.Transaction) *ProcessRequest {
	return &ProcessRequest{pipeline.NewBaseContext(tx)}
}

// Completed implements pipeline.Completer.
func (c *ProcessRequest) Completed() bool { return c.IsTerminal() }

// ProcessAuthentication validates the tokens presented with a request.
// Demand flags are set by EvaluateValidatedTokens, the raw tokens by
// ResolveValidatedTokens and the principals by the per-type validators.
type ProcessAuthentication struct {
	*pipeline.BaseContext

	ExtractAuthorizationCode bool
	ExtractDeviceCode        bool
	ExtractRefreshToken      bool
	ExtractUserCode          bool
	ExtractGenericToken      bool

	RequireAuthorizationCode bool
	RequireDeviceCode        bool
	RequireRefreshToken      bool
	RequireUserCode          bool
	RequireGenericToken      bool

	AuthorizationCode    string
	DeviceCode           string
	RefreshToken         string
	UserCode             string
	GenericToken         string
	GenericTokenTypeHint string

	AuthorizationCodePrincipal *protocol.Principal
	DeviceCodePrincipal        *protocol.Principal
	RefreshTokenPrincipal      *protocol.Principal
	UserCodePrincipal          *protocol.Principal
	GenericTokenPrincipal      *protocol.Principal

	// Entries holds the token store entries of the validated tokens, keyed
	// by token type.
	Entries map[string]*storage.Token
}

func NewProcessAuthentication(tx *pipeline.Transaction) *ProcessAuthentication {
	return &ProcessAuthentication{
		BaseContext: pipeline.NewBaseContext(tx),
		Entries:     make(map[string]*storage.Token),
	}
}

// Principal returns the principal the endpoint acts upon.
func (c *ProcessAuthentication) Principal() *protocol.Principal {
	switch {
	case c.AuthorizationCodePrincipal != nil:
		return c.AuthorizationCodePrincipal
	case c.DeviceCodePrincipal != nil:
		return c.DeviceCodePrincipal
	case c.RefreshTokenPrincipal != nil:
		return c.RefreshTokenPrincipal
	case c.UserCodePrincipal != nil:
		return c.UserCodePrincipal
	default:
		return c.GenericTokenPrincipal
	}
}

// Principals yields every validated principal with its token type.
func (c *ProcessAuthentication) Principals() map[string]*protocol.Principal {
	out := make(map[string]*protocol.Principal, 5)
	for typ, p := range map[string]*protocol.Principal{
		protocol.TokenTypeAuthorizationCode: c.AuthorizationCodePrincipal,
		protocol.TokenTypeDeviceCode:        c.DeviceCodePrincipal,
		protocol.TokenTypeRefreshToken:      c.RefreshTokenPrincipal,
		protocol.TokenTypeUserCode:          c.UserCodePrincipal,
	} {
		if p != nil {
			out[typ] = p
		}
	}
	if p := c.GenericTokenPrincipal; p != nil {
		out[p.TokenType()] = p
	}
	return out
}

// ProcessSignIn issues the tokens of a successful request.
type ProcessSignIn struct {
	*pipeline.BaseContext

	// Principal is the authenticated identity. Tokens are minted from
	// per-type copies prepared by the chain.
	Principal *protocol.Principal

	GenerateAccessToken       bool
	GenerateAuthorizationCode bool
	GenerateDeviceCode        bool
	GenerateIdentityToken     bool
	GenerateRefreshToken      bool
	GenerateUserCode          bool

	AccessTokenPrincipal       *protocol.Principal
	AuthorizationCodePrincipal *protocol.Principal
	DeviceCodePrincipal        *protocol.Principal
	IdentityTokenPrincipal     *protocol.Principal
	RefreshTokenPrincipal      *protocol.Principal
	UserCodePrincipal          *protocol.Principal

	AccessToken       string
	AuthorizationCode string
	DeviceCode        string
	IdentityToken     string
	RefreshToken      string
	UserCode          string
}

func NewProcessSignIn(tx *pipeline.Transaction, principal *protocol.Principal) *ProcessSignIn {
	return &ProcessSignIn{BaseContext: pipeline.NewBaseContext(tx), Principal: principal}
}

// Reply implements ResponseProducer.
func (c *ProcessSignIn) Reply() *protocol.Message { return c.Response() }

// Completed implements pipeline.Completer.
func (c *ProcessSignIn) Completed() bool { return c.IsTerminal() }

// ProcessSignOut revokes the tokens of a subject.
type ProcessSignOut struct {
	*pipeline.BaseContext

	Subject string

	// ClientID limits revocation to one client. Empty revokes the tokens
	// issued to every client.
	ClientID string

	// Revoked is the number of token entries revoked.
	Revoked int
}

func NewProcessSignOut(tx *pipeline.Transaction, subject, clientID string) *ProcessSignOut {
	return &ProcessSignOut{BaseContext: pipeline.NewBaseContext(tx), Subject: subject, ClientID: clientID}
}

// ProcessChallenge denies a request deferred to the host, such as an
// authorization the user refused.
type ProcessChallenge struct {
	*pipeline.BaseContext

	// Error, Description and URI default to access_denied.
	Error       string
	Description string
	URI         string
}

func NewProcessChallenge(tx *pipeline.Transaction) *ProcessChallenge {
	return &ProcessChallenge{BaseContext: pipeline.NewBaseContext(tx)}
}

// Reply implements ResponseProducer.
func (c *ProcessChallenge) Reply() *protocol.Message { return c.Response() }

// Completed implements pipeline.Completer.
func (c *ProcessChallenge) Completed() bool { return c.IsTerminal() }

// ProcessError turns a rejection into an error response.
type ProcessError struct {
	*pipeline.BaseContext

	Error       string
	Description string
	URI         string
}

// NewProcessError creates the error event for a rejection outcome.
func NewProcessError(tx *pipeline.Transaction, outcome pipeline.Outcome) *ProcessError {
	return &ProcessError{
		BaseContext: pipeline.NewBaseContext(tx),
		Error:       outcome.Error,
		Description: outcome.Description,
		URI:         outcome.URI,
	}
}

// Reply implements ResponseProducer.
func (c *ProcessError) Reply() *protocol.Message { return c.Response() }

// Completed implements pipeline.Completer.
func (c *ProcessError) Completed() bool { return c.IsTerminal() }

// ResponseProducer is implemented by the lifecycle events whose chain ends
// by applying the endpoint response: sign-in, challenge and error.
type ResponseProducer interface {
	pipeline.Event
	Reply() *protocol.Message
}

var (
	_ ResponseProducer = (*ProcessSignIn)(nil)
	_ ResponseProducer = (*ProcessChallenge)(nil)
	_ ResponseProducer = (*ProcessError)(nil)

	_ pipeline.Completer = (*ProcessRequest)(nil)
	_ pipeline.Completer = (*ProcessSignIn)(nil)
	_ pipeline.Completer = (*ProcessChallenge)(nil)
	_ pipeline.Completer = (*ProcessError)(nil)
	_ pipeline.Completer = (*HandleTokenRequest)(nil)
	_ pipeline.Completer = (*HandleVerificationRequest)(nil)
	_ pipeline.Completer = (*ApplyAuthorizationResponse)(nil)
)

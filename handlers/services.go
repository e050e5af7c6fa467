package handlers

import (
	"context"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/tokens"
)

// Options are the protocol settings the built-in handlers read. They must
// not change once the dispatcher is built.
type Options struct {
	// Issuer is the absolute issuer URL. When nil it is inferred from each
	// request.
	Issuer *url.URL

	// Endpoint paths. An empty path disables the endpoint.
	AuthorizationEndpointPath string
	TokenEndpointPath         string
	DeviceEndpointPath        string
	VerificationEndpointPath  string
	IntrospectionEndpointPath string
	RevocationEndpointPath    string

	GrantTypes           []string
	ResponseModes        []string
	CodeChallengeMethods []string

	// Scopes are accepted without consulting the scope store.
	Scopes []string

	AccessTokenLifetime       time.Duration
	AuthorizationCodeLifetime time.Duration
	DeviceCodeLifetime        time.Duration
	IdentityTokenLifetime     time.Duration
	RefreshTokenLifetime      time.Duration
	RequestLifetime           time.Duration
	UserCodeLifetime          time.Duration

	// DeviceCodeInterval is the polling interval returned to devices.
	DeviceCodeInterval time.Duration

	// ClockSkewGracePeriod is tolerated past token expiration. Zero means
	// security.DefaultClockSkewGracePeriod.
	ClockSkewGracePeriod time.Duration

	// RequirePKCE rejects authorization code requests without code_challenge.
	RequirePKCE bool

	// AcceptAnonymousClients allows token, introspection and revocation
	// requests without client_id.
	AcceptAnonymousClients bool

	// DegradedMode disables every check backed by the application store.
	DegradedMode bool

	EnableRequestCaching bool

	DisableTokenStorage         bool
	DisableRollingRefreshTokens bool
	DisableScopeValidation      bool

	IgnoreEndpointPermissions     bool
	IgnoreGrantTypePermissions    bool
	IgnoreResponseTypePermissions bool
	IgnoreScopePermissions        bool

	// Passthrough lists the endpoints whose requests are handed to the host
	// after validation.
	Passthrough []pipeline.Endpoint

	// AllowInsecureHTTP accepts plain HTTP requests for non-loopback hosts.
	AllowInsecureHTTP bool

	Proxy security.ProxyConfig
}

// IsGrantTypeEnabled reports whether grantType is in GrantTypes.
func (o *Options) IsGrantTypeEnabled(grantType string) bool {
	return slices.Contains(o.GrantTypes, grantType)
}

// IsPassthroughEnabled reports whether requests to e are handed to the host.
func (o *Options) IsPassthroughEnabled(e pipeline.Endpoint) bool {
	return slices.Contains(o.Passthrough, e)
}

// IsCodeChallengeMethodEnabled reports whether method is accepted.
func (o *Options) IsCodeChallengeMethodEnabled(method string) bool {
	return slices.Contains(o.CodeChallengeMethods, method)
}

func (o *Options) gracePeriod() time.Duration {
	if o.ClockSkewGracePeriod > 0 {
		return o.ClockSkewGracePeriod
	}
	return security.DefaultClockSkewGracePeriod
}

func (o *Options) isResponseModeEnabled(mode string) bool {
	return slices.Contains(o.ResponseModes, mode)
}

// Dispatcher runs nested events. *pipeline.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, event pipeline.Event) error
}

// Services are the collaborators shared by the built-in handlers. Optional
// collaborators may be nil; handlers needing them fail at construction.
type Services struct {
	Options Options

	Applications   storage.ApplicationStore
	Scopes         storage.ScopeStore
	Tokens         storage.TokenStore
	RequestCache   storage.RequestCache
	ResourceOwners storage.ResourceOwnerValidator

	Protector tokens.Protector

	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	dispatcher Dispatcher
}

// SetDispatcher sets the dispatcher used by handlers that run nested
// events. It must be called before the first request.
func (s *Services) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

func (s *Services) dispatch(ctx context.Context, event pipeline.Event) error {
	if s.dispatcher == nil {
		return pipeline.Internalf("no dispatcher is available to process %s", pipeline.EventName(event))
	}
	return s.dispatcher.Dispatch(ctx, event)
}

func (s *Services) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Services) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

var noopInstrumentation = sync.OnceValue(instrumentation.NewNoop)

func (s *Services) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return noopInstrumentation().Metrics()
	}
	return s.Instrumentation.Metrics()
}

// clientIP returns the address recorded by the ProcessRequest chain.
func clientIP(tx *pipeline.Transaction) string {
	ip, _ := pipeline.Property(tx, events.PropertyClientIP)
	return ip
}

// runStage dispatches a nested stage event and copies its terminal outcome
// onto parent. It reports whether the caller should go on with the next
// stage.
func (s *Services) runStage(ctx context.Context, parent *pipeline.BaseContext, stage pipeline.Event) (bool, error) {
	if err := s.dispatch(ctx, stage); err != nil {
		return false, err
	}
	outcome := stage.Base().Outcome()
	switch outcome.Kind {
	case pipeline.Rejected:
		parent.Reject(outcome.Error, outcome.Description, outcome.URI)
	case pipeline.Handled:
		parent.HandleRequest()
	case pipeline.Skipped:
		parent.SkipRequest()
	default:
		return true, nil
	}
	return false, nil
}

// invalidTokenError returns the error code used for unusable tokens at the
// endpoint of tx.
func invalidTokenError(tx *pipeline.Transaction) string {
	if tx.Endpoint == pipeline.EndpointToken {
		return protocol.ErrorInvalidGrant
	}
	return protocol.ErrorInvalidToken
}

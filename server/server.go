package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/handlers"
	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/tokens"
)

// ErrNotBuilt is returned when requests are processed before Build.
var ErrNotBuilt = errors.New("server is not built")

// Stores groups the storage collaborators of the server. Scopes,
// RequestCache and ResourceOwners are optional.
type Stores struct {
	Applications   storage.ApplicationStore
	Scopes         storage.ScopeStore
	Tokens         storage.TokenStore
	RequestCache   storage.RequestCache
	ResourceOwners storage.ResourceOwnerValidator
}

// Server implements the OAuth 2.0 / OpenID Connect protocol engine. It owns
// the handler registry and, once built, the dispatcher running it.
type Server struct {
	Config *Config
	Logger *slog.Logger

	services   *handlers.Services
	registry   *pipeline.Registry
	dispatcher *pipeline.Dispatcher
}

// New creates a server with the built-in handlers registered. Custom
// handlers may be added through Registry before Build is called.
func New(stores Stores, protector tokens.Protector, config *Config, logger *slog.Logger) (*Server, error) {
	if protector == nil {
		return nil, fmt.Errorf("token protector is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	opts, err := config.options()
	if err != nil {
		return nil, err
	}
	if err := validate(&opts); err != nil {
		return nil, err
	}
	if !opts.DegradedMode && stores.Applications == nil {
		return nil, pipeline.Misconfigured("server.New", "an application store is required unless degraded mode is enabled")
	}
	if !opts.DisableTokenStorage && stores.Tokens == nil {
		return nil, pipeline.Misconfigured("server.New", "a token store is required unless token storage is disabled")
	}

	svc := &handlers.Services{
		Options:        opts,
		Applications:   stores.Applications,
		Scopes:         stores.Scopes,
		Tokens:         stores.Tokens,
		RequestCache:   stores.RequestCache,
		ResourceOwners: stores.ResourceOwners,
		Protector:      protector,
		Logger:         logger,
	}

	reg := pipeline.NewRegistry()
	if err := reg.Add(handlers.Defaults(svc)...); err != nil {
		return nil, fmt.Errorf("failed to register built-in handlers: %w", err)
	}

	return &Server{
		Config:   config,
		Logger:   logger,
		services: svc,
		registry: reg,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.services.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter applied to every endpoint
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.services.RateLimiter = rl
}

// SetInstrumentation enables tracing and metrics. It must be called before
// Build.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.services.Instrumentation = inst
}

// SetClock replaces time.Now. Intended for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.services.Now = now
}

// Registry returns the handler registry. Changes made after Build have no
// effect.
func (s *Server) Registry() *pipeline.Registry {
	return s.registry
}

// Build validates the handler configuration and freezes the registry into
// the dispatcher. It returns a *pipeline.ConfigurationError when a handler
// cannot be constructed.
func (s *Server) Build() error {
	opts := []pipeline.DispatcherOption{pipeline.WithLogger(s.Logger)}
	if s.services.Instrumentation != nil {
		opts = append(opts, pipeline.WithInstrumentation(s.services.Instrumentation))
	}
	d, err := pipeline.NewDispatcher(s.registry, opts...)
	if err != nil {
		return err
	}
	if o := &s.services.Options; o.IsGrantTypeEnabled(protocol.GrantTypePassword) &&
		s.services.ResourceOwners == nil && !o.IsPassthroughEnabled(pipeline.EndpointToken) {
		return pipeline.Misconfigured("server.Build",
			"the password grant requires a resource owner validator or token endpoint passthrough")
	}

	s.services.SetDispatcher(d)
	s.dispatcher = d
	return nil
}

// CreateTransaction starts the processing of r.
func (s *Server) CreateTransaction(r *http.Request) *pipeline.Transaction {
	return pipeline.NewTransaction(r, s.Logger)
}

// Dispatch runs the handlers of event.
func (s *Server) Dispatch(ctx context.Context, event pipeline.Event) error {
	if s.dispatcher == nil {
		return ErrNotBuilt
	}
	return s.dispatcher.Dispatch(ctx, event)
}

// ProcessRequest runs the pipeline for tx. A rejected request gets its
// error response applied before returning.
//
// The returned outcome is Handled when tx.HTTPResponse holds the response,
// and Skipped when the request is not for this server or must be completed
// by the host with SignIn or Challenge.
func (s *Server) ProcessRequest(ctx context.Context, tx *pipeline.Transaction) (pipeline.Outcome, error) {
	e := events.NewProcessRequest(tx)
	if err := s.Dispatch(ctx, e); err != nil {
		return pipeline.Outcome{}, err
	}
	outcome := e.Outcome()
	if outcome.Kind != pipeline.Rejected {
		return outcome, nil
	}

	tx.Logger.Debug("Request rejected",
		"error", outcome.Error,
		"error_description", outcome.Description)
	pe := events.NewProcessError(tx, outcome)
	if err := s.Dispatch(ctx, pe); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// SignIn completes a request deferred to the host by issuing tokens for
// principal.
func (s *Server) SignIn(ctx context.Context, tx *pipeline.Transaction, principal *protocol.Principal) (pipeline.Outcome, error) {
	e := events.NewProcessSignIn(tx, principal)
	if err := s.Dispatch(ctx, e); err != nil {
		return pipeline.Outcome{}, err
	}
	return s.completeWithError(ctx, tx, e.Outcome())
}

// Challenge completes a request deferred to the host by denying it. An
// empty code means access_denied.
func (s *Server) Challenge(ctx context.Context, tx *pipeline.Transaction, code, description string) (pipeline.Outcome, error) {
	e := events.NewProcessChallenge(tx)
	e.Error = code
	e.Description = description
	if err := s.Dispatch(ctx, e); err != nil {
		return pipeline.Outcome{}, err
	}
	return s.completeWithError(ctx, tx, e.Outcome())
}

// completeWithError applies the error response of a rejected lifecycle
// event.
func (s *Server) completeWithError(ctx context.Context, tx *pipeline.Transaction, outcome pipeline.Outcome) (pipeline.Outcome, error) {
	if outcome.Kind != pipeline.Rejected {
		return outcome, nil
	}
	if err := s.Dispatch(ctx, events.NewProcessError(tx, outcome)); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// SignOut revokes the tokens issued to subject, limited to clientID when it
// is not empty. It returns the number of revoked token entries.
func (s *Server) SignOut(ctx context.Context, subject, clientID string) (int, error) {
	tx := pipeline.NewTransaction(nil, s.Logger)
	e := events.NewProcessSignOut(tx, subject, clientID)
	if err := s.Dispatch(ctx, e); err != nil {
		return 0, err
	}
	if e.IsRejected() {
		return 0, fmt.Errorf("failed to sign out: %s", e.ErrorDescription())
	}
	return e.Revoked, nil
}

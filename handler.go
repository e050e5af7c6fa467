package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/server"
	"github.com/giantswarm/oauth-server/tokens"
)

// Authenticator authenticates the end user of a request the server hands to
// the host. It returns the principal to sign in, or an *OAuthError to deny
// the request. Returning (nil, nil) means the authenticator wrote the
// response itself, e.g. a login page; the transaction is then abandoned.
type Authenticator interface {
	Authenticate(w http.ResponseWriter, r *http.Request, tx *pipeline.Transaction) (*protocol.Principal, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(w http.ResponseWriter, r *http.Request, tx *pipeline.Transaction) (*protocol.Principal, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(w http.ResponseWriter, r *http.Request, tx *pipeline.Transaction) (*protocol.Principal, error) {
	return f(w, r, tx)
}

// Handler serves the OAuth endpoints over net/http. It runs the server
// pipeline for each request and copies the buffered response to the
// http.ResponseWriter.
type Handler struct {
	server        *server.Server
	authenticator Authenticator
	notFound      http.Handler
	logger        *slog.Logger

	instrumentation *instrumentation.Instrumentation
	rateLimiter     *security.RateLimiter
}

// New creates the server described by config, builds it and returns the
// handler serving it. Close releases the background resources.
func New(stores server.Stores, config *Config) (*Handler, error) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	protector, err := newProtector(config, logger)
	if err != nil {
		return nil, err
	}

	srv, err := server.New(stores, protector, &config.Server, logger)
	if err != nil {
		return nil, err
	}
	if config.Authenticate == nil && len(srv.Config.Passthrough) > 0 {
		return nil, pipeline.Misconfigured("oauth.New",
			"an authenticator is required to complete requests of the %v endpoints", srv.Config.Passthrough)
	}

	h := NewHandler(srv, config.Authenticate, logger)
	h.notFound = config.NotFound
	if h.notFound == nil {
		h.notFound = http.NotFoundHandler()
	}

	auditor := security.NewAuditor(logger, config.Security.EnableAuditLogging)
	srv.SetAuditor(auditor)

	if config.Instrumentation.Enabled {
		inst, err := instrumentation.New(config.Instrumentation)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
		h.instrumentation = inst
		srv.SetInstrumentation(inst)
		auditor.SetInstrumentation(inst)
		if sealed, ok := protector.(*tokens.SealedFormat); ok {
			sealed.SetInstrumentation(inst)
		}
	}

	if config.RateLimit.Rate > 0 {
		maxEntries := config.RateLimit.MaxEntries
		if maxEntries == 0 {
			maxEntries = security.DefaultRateLimitMaxEntries
		}
		h.rateLimiter = security.NewRateLimiterWithConfig(
			float64(config.RateLimit.Rate), config.RateLimit.Burst, maxEntries, logger)
		srv.SetRateLimiter(h.rateLimiter)
	}

	if err := srv.Build(); err != nil {
		_ = h.Close(context.Background())
		return nil, err
	}
	return h, nil
}

// newProtector selects the token format: signed JWTs when a signing key is
// configured, sealed tokens otherwise.
func newProtector(config *Config, logger *slog.Logger) (tokens.Protector, error) {
	if config.Security.SigningKey != nil {
		f, err := tokens.NewJWTFormat(config.Security.SigningKey, config.Server.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT token format: %w", err)
		}
		return f, nil
	}

	key := config.Security.EncryptionKey
	if key == nil {
		logger.Warn("No token encryption key configured, generating an ephemeral key",
			"impact", "Issued tokens become invalid when the process restarts")
		var err error
		if key, err = security.GenerateKey(); err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	return tokens.NewSealedFormat(enc)
}

// NewHandler creates a handler for a built server. authenticator may be nil
// when no endpoint is passed through to the host.
func NewHandler(srv *server.Server, authenticator Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:        srv,
		authenticator: authenticator,
		notFound:      http.NotFoundHandler(),
		logger:        logger,
	}
}

// Server returns the protocol engine served by h.
func (h *Handler) Server() *server.Server {
	return h.server
}

// Close stops the rate limiter cleanup and flushes instrumentation.
func (h *Handler) Close(ctx context.Context) error {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
	if h.instrumentation != nil {
		if err := h.instrumentation.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown instrumentation: %w", err)
		}
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	requestID := security.RequestID(r)
	w.Header().Set(security.RequestIDHeader, requestID)
	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	tx := h.server.CreateTransaction(r)
	tx.Logger = tx.Logger.With("request_id", requestID)

	outcome, err := h.server.ProcessRequest(ctx, tx)
	if err == nil && outcome.Kind == pipeline.Skipped {
		if tx.Endpoint == pipeline.EndpointUnknown {
			h.notFound.ServeHTTP(w, r)
			return
		}
		var written bool
		outcome, written, err = h.authenticate(ctx, rw, r, tx)
		if written {
			h.recordRequest(ctx, r, tx, rw.statusCode, start)
			return
		}
	}

	switch {
	case err != nil:
		h.writeServerError(rw, tx, err)
	case outcome.Kind == pipeline.Handled || outcome.Kind == pipeline.Rejected:
		h.writeResponse(rw, tx)
	default:
		h.writeServerError(rw, tx, fmt.Errorf("request to the %s endpoint was not completed", tx.Endpoint))
	}
	h.recordRequest(ctx, r, tx, rw.statusCode, start)
}

// authenticate hands tx to the authenticator and completes it with SignIn
// or Challenge. written reports that the authenticator answered itself.
func (h *Handler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request, tx *pipeline.Transaction) (outcome pipeline.Outcome, written bool, err error) {
	if h.authenticator == nil {
		return pipeline.Outcome{}, false, fmt.Errorf("no authenticator is configured for the %s endpoint", tx.Endpoint)
	}

	principal, err := h.authenticator.Authenticate(w, r, tx)
	var oauthErr *OAuthError
	switch {
	case errors.As(err, &oauthErr):
		tx.Logger.Debug("Authenticator denied the request", "error", oauthErr.Code)
		outcome, err = h.server.Challenge(ctx, tx, oauthErr.Code, oauthErr.Description)
		return outcome, false, err
	case err != nil:
		return pipeline.Outcome{}, false, fmt.Errorf("failed to authenticate user: %w", err)
	case principal == nil:
		return pipeline.Outcome{}, true, nil
	}

	outcome, err = h.server.SignIn(ctx, tx, principal)
	return outcome, false, err
}

// writeResponse copies the transaction response. Pipeline headers override
// the default security headers.
func (h *Handler) writeResponse(w http.ResponseWriter, tx *pipeline.Transaction) {
	header := w.Header()
	security.SetSecurityHeaders(header, tx.Issuer)
	for name, values := range tx.HTTPResponse.Header {
		header[name] = values
	}
	w.WriteHeader(tx.HTTPResponse.StatusCode)
	if _, err := w.Write(tx.HTTPResponse.Body.Bytes()); err != nil {
		tx.Logger.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) writeServerError(w http.ResponseWriter, tx *pipeline.Transaction, err error) {
	if errors.Is(err, pipeline.ErrCancelled) {
		tx.Logger.Debug("Request cancelled", "error", err)
		return
	}
	tx.Logger.Error("Failed to process request", "error", err)
	writeError(w, tx.Issuer, ErrServerError("The authorization server encountered an unexpected error."))
}

func writeError(w http.ResponseWriter, issuer *url.URL, e *OAuthError) {
	security.SetSecurityHeaders(w.Header(), issuer)
	security.SetNoStoreHeaders(w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	})
}

func (h *Handler) recordRequest(ctx context.Context, r *http.Request, tx *pipeline.Transaction, status int, start time.Time) {
	if h.instrumentation == nil {
		return
	}
	h.instrumentation.Metrics().RecordHTTPRequest(ctx, r.Method, string(tx.Endpoint), status,
		float64(time.Since(start).Microseconds())/1000)
}

// responseWriter captures the status code written by authenticators.
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.headerWritten {
		return
	}
	rw.headerWritten = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.headerWritten {
		rw.headerWritten = true
		rw.statusCode = http.StatusOK
	}
	return rw.ResponseWriter.Write(data)
}

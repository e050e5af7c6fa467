package oauth

import (
	"crypto"
	"log/slog"
	"net/http"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/server"
)

// Config holds the OAuth handler configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Server configures the protocol engine (endpoints, grants, TTLs).
	Server server.Config

	// Authenticate completes the requests the server hands to the host
	// (authorization and verification by default). Required unless
	// Server.Passthrough is empty.
	Authenticate Authenticator

	// NotFound serves requests that match no endpoint.
	// Default: http.NotFoundHandler()
	NotFound http.Handler

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Instrumentation configures OpenTelemetry metrics and tracing.
	Instrumentation instrumentation.Config

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries caps the number of tracked IPs.
	// Default: security.DefaultRateLimitMaxEntries
	MaxEntries int
}

// SecurityConfig holds OAuth security settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) sealing tokens.
	// When both keys are nil a random key is generated, so tokens do not
	// survive a restart.
	EncryptionKey []byte

	// SigningKey issues tokens as signed JWTs instead of sealed tokens.
	// Takes precedence over EncryptionKey.
	SigningKey crypto.Signer

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

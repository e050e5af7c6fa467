package server

import (
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/giantswarm/oauth-server/handlers"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/security"
)

// Endpoints holds the request paths of the protocol endpoints. An empty
// path disables the endpoint.
type Endpoints struct {
	Authorization string
	Token         string
	Device        string
	Verification  string
	Introspection string
	Revocation    string
}

// DefaultEndpoints are used when Config.Endpoints is the zero value.
var DefaultEndpoints = Endpoints{
	Authorization: "/oauth/authorize",
	Token:         "/oauth/token",
	Device:        "/oauth/device",
	Verification:  "/oauth/verify",
	Introspection: "/oauth/introspect",
	Revocation:    "/oauth/revoke",
}

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). When empty it is
	// inferred from each request.
	Issuer string

	Endpoints Endpoints

	// GrantTypes lists the enabled grant types.
	// Default: authorization_code, refresh_token
	GrantTypes []string

	// ResponseModes lists the enabled response modes.
	// Default: query, fragment, form_post
	ResponseModes []string

	// Scopes are accepted without consulting the scope store.
	// Default: openid, offline_access
	Scopes []string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 300 (5 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 1209600 (14 days)

	// IdentityTokenTTL is how long identity tokens are valid
	IdentityTokenTTL int64 // seconds, default: 1200 (20 minutes)

	// DeviceCodeTTL is how long device and user codes are valid
	DeviceCodeTTL int64 // seconds, default: 600 (10 minutes)

	// RequestTTL is how long cached authorization requests are kept
	RequestTTL int64 // seconds, default: 3600 (1 hour)

	// DeviceCodeInterval is the minimum polling interval of devices
	DeviceCodeInterval int64 // seconds, default: 5

	// DisableRefreshTokenRotation keeps refresh tokens usable after they are
	// redeemed. When false (default), each refresh token is single use and
	// a replay revokes the whole authorization.
	DisableRefreshTokenRotation bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// When false, only S256 method is accepted (secure by default)
	AllowPKCEPlain bool

	// DisablePKCERequirement makes code_challenge optional for authorization
	// code requests. PKCE is required by default (OAuth 2.1).
	DisablePKCERequirement bool

	// AllowInsecureHTTP accepts plain HTTP requests for non-loopback hosts.
	// WARNING: Only enable in development or behind a TLS-terminating proxy
	AllowInsecureHTTP bool

	// AcceptAnonymousClients allows token, introspection and revocation
	// requests without client_id.
	AcceptAnonymousClients bool

	// DegradedMode disables every check backed by the application store.
	// Custom handlers must then validate clients themselves.
	DegradedMode bool

	// EnableRequestCaching stores authorization requests in the request
	// cache and replaces them with a request_id.
	EnableRequestCaching bool

	// DisableTokenStorage issues self-contained tokens without store
	// entries. Revocation and reuse detection are then unavailable.
	DisableTokenStorage bool

	DisableScopeValidation bool

	IgnoreEndpointPermissions     bool
	IgnoreGrantTypePermissions    bool
	IgnoreResponseTypePermissions bool
	IgnoreScopePermissions        bool

	// Passthrough lists the endpoints whose validated requests are handed
	// to the host, which completes them with SignIn or Challenge.
	// Default: authorization, verification
	Passthrough []pipeline.Endpoint

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	TrustedProxyCount int // default: 1

	// ClockSkewGracePeriod is the grace period for token expiration checks (in seconds)
	ClockSkewGracePeriod int64 // seconds, default: 5
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if len(config.GrantTypes) == 0 {
		config.GrantTypes = []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken}
	}
	if config.Endpoints == (Endpoints{}) {
		config.Endpoints = DefaultEndpoints
		if !slices.Contains(config.GrantTypes, protocol.GrantTypeDeviceCode) {
			config.Endpoints.Device = ""
			config.Endpoints.Verification = ""
		}
	}
	if len(config.ResponseModes) == 0 {
		config.ResponseModes = []string{
			protocol.ResponseModeQuery,
			protocol.ResponseModeFragment,
			protocol.ResponseModeFormPost,
		}
	}
	if len(config.Scopes) == 0 {
		config.Scopes = []string{protocol.ScopeOpenID, protocol.ScopeOfflineAccess}
	}
	if config.Passthrough == nil {
		config.Passthrough = []pipeline.Endpoint{pipeline.EndpointAuthorization, pipeline.EndpointVerification}
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 300 // 5 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 1209600 // 14 days
	}
	if config.IdentityTokenTTL == 0 {
		config.IdentityTokenTTL = 1200 // 20 minutes
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = 600 // 10 minutes
	}
	if config.RequestTTL == 0 {
		config.RequestTTL = 3600 // 1 hour
	}
	if config.DeviceCodeInterval == 0 {
		config.DeviceCodeInterval = 5
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = int64(security.DefaultClockSkewGracePeriod / time.Second)
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.DisablePKCERequirement {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is DISABLED",
			"risk", "Authorization code interception attacks",
			"recommendation", "Leave DisablePKCERequirement=false for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-7.6")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.DisableRefreshTokenRotation {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay usable until they expire",
			"recommendation", "Set DisableRefreshTokenRotation=false")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("⚠️  SECURITY WARNING: Plain HTTP is ALLOWED",
			"risk", "Tokens and credentials sent in clear text",
			"recommendation", "Only enable in development or behind a TLS-terminating proxy")
	}
	if config.DegradedMode {
		logger.Warn("⚠️  SECURITY WARNING: Degraded mode is ENABLED",
			"risk", "Client applications are not validated by the server",
			"recommendation", "Register custom handlers validating client_id, client_secret and redirect_uri")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

// options translates the configuration into handler options.
func (c *Config) options() (handlers.Options, error) {
	var issuer *url.URL
	if c.Issuer != "" {
		u, err := url.Parse(c.Issuer)
		if err != nil || !u.IsAbs() {
			return handlers.Options{}, pipeline.Misconfigured("server.Config", "the issuer %q must be an absolute URL", c.Issuer)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return handlers.Options{}, pipeline.Misconfigured("server.Config", "the issuer %q must not contain a query or fragment", c.Issuer)
		}
		issuer = u
	}

	methods := []string{protocol.CodeChallengeMethodS256}
	if c.AllowPKCEPlain {
		methods = append(methods, protocol.CodeChallengeMethodPlain)
	}

	return handlers.Options{
		Issuer: issuer,

		AuthorizationEndpointPath: c.Endpoints.Authorization,
		TokenEndpointPath:         c.Endpoints.Token,
		DeviceEndpointPath:        c.Endpoints.Device,
		VerificationEndpointPath:  c.Endpoints.Verification,
		IntrospectionEndpointPath: c.Endpoints.Introspection,
		RevocationEndpointPath:    c.Endpoints.Revocation,

		GrantTypes:           slices.Clone(c.GrantTypes),
		ResponseModes:        slices.Clone(c.ResponseModes),
		CodeChallengeMethods: methods,
		Scopes:               slices.Clone(c.Scopes),

		AccessTokenLifetime:       seconds(c.AccessTokenTTL),
		AuthorizationCodeLifetime: seconds(c.AuthorizationCodeTTL),
		DeviceCodeLifetime:        seconds(c.DeviceCodeTTL),
		IdentityTokenLifetime:     seconds(c.IdentityTokenTTL),
		RefreshTokenLifetime:      seconds(c.RefreshTokenTTL),
		RequestLifetime:           seconds(c.RequestTTL),
		UserCodeLifetime:          seconds(c.DeviceCodeTTL),
		DeviceCodeInterval:        seconds(c.DeviceCodeInterval),
		ClockSkewGracePeriod:      seconds(c.ClockSkewGracePeriod),

		RequirePKCE:            !c.DisablePKCERequirement,
		AcceptAnonymousClients: c.AcceptAnonymousClients,
		DegradedMode:           c.DegradedMode,
		EnableRequestCaching:   c.EnableRequestCaching,

		DisableTokenStorage:         c.DisableTokenStorage,
		DisableRollingRefreshTokens: c.DisableRefreshTokenRotation,
		DisableScopeValidation:      c.DisableScopeValidation,

		IgnoreEndpointPermissions:     c.IgnoreEndpointPermissions,
		IgnoreGrantTypePermissions:    c.IgnoreGrantTypePermissions,
		IgnoreResponseTypePermissions: c.IgnoreResponseTypePermissions,
		IgnoreScopePermissions:        c.IgnoreScopePermissions,

		Passthrough: slices.Clone(c.Passthrough),

		AllowInsecureHTTP: c.AllowInsecureHTTP,
		Proxy: security.ProxyConfig{
			TrustProxy:        c.TrustProxy,
			TrustedProxyCount: c.TrustedProxyCount,
		},
	}, nil
}

// validate reports the settings no handler chain can serve.
func validate(o *handlers.Options) error {
	for _, gt := range o.GrantTypes {
		switch gt {
		case protocol.GrantTypeAuthorizationCode, protocol.GrantTypeClientCredentials,
			protocol.GrantTypeDeviceCode, protocol.GrantTypeImplicit,
			protocol.GrantTypePassword, protocol.GrantTypeRefreshToken:
		default:
			return pipeline.Misconfigured("server.Config", "unsupported grant type %q", gt)
		}
	}
	for _, mode := range o.ResponseModes {
		switch mode {
		case protocol.ResponseModeQuery, protocol.ResponseModeFragment, protocol.ResponseModeFormPost:
		default:
			return pipeline.Misconfigured("server.Config", "unsupported response mode %q", mode)
		}
	}
	if o.IsGrantTypeEnabled(protocol.GrantTypeDeviceCode) && o.DeviceEndpointPath == "" {
		return pipeline.Misconfigured("server.Config", "the device_code grant requires the device endpoint")
	}
	if o.DeviceEndpointPath != "" && !o.IsGrantTypeEnabled(protocol.GrantTypeDeviceCode) {
		return pipeline.Misconfigured("server.Config", "the device endpoint requires the device_code grant")
	}
	if o.IsGrantTypeEnabled(protocol.GrantTypeAuthorizationCode) && o.AuthorizationEndpointPath == "" {
		return pipeline.Misconfigured("server.Config", "the authorization_code grant requires the authorization endpoint")
	}
	if o.EnableRequestCaching && o.RequestLifetime <= 0 {
		return pipeline.Misconfigured("server.Config", "request caching requires a positive RequestTTL")
	}
	return nil
}

package protocol

// Request and response parameter names.
const (
	ParamAccessToken             = "access_token"
	ParamActive                  = "active"
	ParamClientID                = "client_id"
	ParamClientSecret            = "client_secret"
	ParamCode                    = "code"
	ParamCodeChallenge           = "code_challenge"
	ParamCodeChallengeMethod     = "code_challenge_method"
	ParamCodeVerifier            = "code_verifier"
	ParamDeviceCode              = "device_code"
	ParamError                   = "error"
	ParamErrorDescription        = "error_description"
	ParamErrorURI                = "error_uri"
	ParamExpiresIn               = "expires_in"
	ParamGrantType               = "grant_type"
	ParamIDToken                 = "id_token"
	ParamInterval                = "interval"
	ParamIssuer                  = "iss"
	ParamNonce                   = "nonce"
	ParamPassword                = "password"
	ParamPrompt                  = "prompt"
	ParamRedirectURI             = "redirect_uri"
	ParamRefreshToken            = "refresh_token"
	ParamRequest                 = "request"
	ParamRequestID               = "request_id"
	ParamRequestURI              = "request_uri"
	ParamResponseMode            = "response_mode"
	ParamResponseType            = "response_type"
	ParamScope                   = "scope"
	ParamState                   = "state"
	ParamToken                   = "token"
	ParamTokenType               = "token_type"
	ParamTokenTypeHint           = "token_type_hint"
	ParamUserCode                = "user_code"
	ParamUsername                = "username"
	ParamVerificationURI         = "verification_uri"
	ParamVerificationURIComplete = "verification_uri_complete"
)

// Grant types (RFC 6749, RFC 8628).
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeImplicit          = "implicit"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
)

// Response types (RFC 6749, OpenID Connect Core).
const (
	ResponseTypeCode    = "code"
	ResponseTypeIDToken = "id_token"
	ResponseTypeNone    = "none"
	ResponseTypeToken   = "token"
)

// Response modes.
const (
	ResponseModeFormPost = "form_post"
	ResponseModeFragment = "fragment"
	ResponseModeQuery    = "query"
)

// PKCE code challenge methods (RFC 7636).
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

// Prompt values.
const (
	PromptConsent       = "consent"
	PromptLogin         = "login"
	PromptNone          = "none"
	PromptSelectAccount = "select_account"
)

// Standard scopes.
const (
	ScopeOfflineAccess = "offline_access"
	ScopeOpenID        = "openid"
)

// Error codes.
const (
	ErrorAccessDenied            = "access_denied"
	ErrorAuthorizationPending    = "authorization_pending"
	ErrorExpiredToken            = "expired_token"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidScope            = "invalid_scope"
	ErrorInvalidToken            = "invalid_token"
	ErrorRateLimitExceeded       = "rate_limit_exceeded"
	ErrorRequestNotSupported     = "request_not_supported"
	ErrorRequestURINotSupported  = "request_uri_not_supported"
	ErrorServerError             = "server_error"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorUnsupportedTokenType    = "unsupported_token_type"
)

// Token type hints (RFC 7009) and token types used by the server.
const (
	TokenTypeAccessToken       = "access_token"
	TokenTypeAuthorizationCode = "authorization_code"
	TokenTypeDeviceCode        = "device_code"
	TokenTypeIDToken           = "id_token"
	TokenTypeRefreshToken      = "refresh_token"
	TokenTypeUserCode          = "user_code"

	TokenTypeBearer = "Bearer"
)

// Client types.
const (
	ClientTypeConfidential = "confidential"
	ClientTypeHybrid       = "hybrid"
	ClientTypePublic       = "public"
)

// Permission prefixes and endpoint permissions.
const (
	PermissionPrefixEndpoint     = "ept:"
	PermissionPrefixGrantType    = "gt:"
	PermissionPrefixResponseType = "rst:"
	PermissionPrefixScope        = "scp:"

	PermissionEndpointAuthorization = PermissionPrefixEndpoint + "authorization"
	PermissionEndpointDevice        = PermissionPrefixEndpoint + "device"
	PermissionEndpointIntrospection = PermissionPrefixEndpoint + "introspection"
	PermissionEndpointRevocation    = PermissionPrefixEndpoint + "revocation"
	PermissionEndpointToken         = PermissionPrefixEndpoint + "token"
)

// Application requirements.
const (
	RequirementPKCE = "ft:pkce"
)

// Standard claims.
const (
	ClaimAudience  = "aud"
	ClaimClientID  = "client_id"
	ClaimExpiresAt = "exp"
	ClaimIssuedAt  = "iat"
	ClaimIssuer    = "iss"
	ClaimJTI       = "jti"
	ClaimNotBefore = "nbf"
	ClaimScope     = "scope"
	ClaimSubject   = "sub"
	ClaimUsername  = "username"
)

// Private claims carried inside protected tokens. They are never returned to
// clients.
const (
	ClaimPrivateAuthorizationID       = "oi_au_id"
	ClaimPrivateCodeChallenge         = "oi_cd_chlg"
	ClaimPrivateCodeChallengeMethod   = "oi_cd_chlg_meth"
	ClaimPrivateCreationDate          = "oi_crt_dt"
	ClaimPrivateDeviceCodeID          = "oi_dvc_id"
	ClaimPrivateExpirationDate        = "oi_exp_dt"
	ClaimPrivateNonce                 = "oi_nce"
	ClaimPrivatePresenter             = "oi_prst"
	ClaimPrivateRedirectURI           = "oi_reduri"
	ClaimPrivateScope                 = "oi_scp"
	ClaimPrivateTokenID               = "oi_tkn_id"
	ClaimPrivateTokenType             = "oi_tkn_typ"
	ClaimPrivateUserCodeDeviceEntryID = "oi_usr_dvc"
)

// IsPrivateClaim reports whether name is reserved for internal use.
func IsPrivateClaim(name string) bool {
	return len(name) > 3 && name[:3] == "oi_"
}

package security

// Event type constants for security audit logging.
const (
	// EventTokenIssued is logged when a token is generated during sign-in.
	EventTokenIssued = "token_issued"

	// EventTokenRevoked is logged when tokens are revoked through the
	// revocation endpoint or a sign-out.
	EventTokenRevoked = "token_revoked"

	// EventAuthorizationCodeReuseDetected is logged when a redeemed
	// authorization code is presented again.
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventTokenReuseDetected is logged when a rotated refresh token is presented again.
	EventTokenReuseDetected = "token_reuse_detected" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventAuthFailure is logged when a request is rejected with a protocol error.
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when the code_verifier does not
	// match the stored code_challenge.
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInsecureTransport is logged when a request arrives over plain HTTP.
	EventInsecureTransport = "insecure_transport"

	// EventDeviceCodeApproved and EventDeviceCodeRejected record the user
	// decision at the verification endpoint.
	EventDeviceCodeApproved = "device_code_approved"
	EventDeviceCodeRejected = "device_code_rejected"
)

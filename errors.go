package oauth

import (
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = protocol.ErrorInvalidRequest
	ErrorCodeInvalidGrant         = protocol.ErrorInvalidGrant
	ErrorCodeInvalidClient        = protocol.ErrorInvalidClient
	ErrorCodeInvalidScope         = protocol.ErrorInvalidScope
	ErrorCodeInvalidToken         = protocol.ErrorInvalidToken
	ErrorCodeUnauthorizedClient   = protocol.ErrorUnauthorizedClient
	ErrorCodeUnsupportedGrantType = protocol.ErrorUnsupportedGrantType
	ErrorCodeServerError          = protocol.ErrorServerError
	ErrorCodeAccessDenied         = protocol.ErrorAccessDenied
	ErrorCodeRateLimitExceeded    = protocol.ErrorRateLimitExceeded
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// FromOutcome returns the error of a rejected outcome, or nil when the
// outcome is not a rejection. The status is the one the JSON endpoints use
// for the error code.
func FromOutcome(outcome pipeline.Outcome) *OAuthError {
	if outcome.Kind != pipeline.Rejected {
		return nil
	}
	return NewOAuthError(outcome.Error, outcome.Description, statusFor(outcome.Error))
}

func statusFor(code string) int {
	switch code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Common OAuth errors. An Authenticator returns them to deny a request
// handed to the host.
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}
)

package security

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// RequestIDHeader is the HTTP header for request IDs
const RequestIDHeader = "X-Request-ID"

// requestIDPattern rejects header injection payloads while accepting the ID
// formats of common load balancers.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// RequestID returns the upstream request ID when it is present and safe,
// or a new random one.
func RequestID(r *http.Request) string {
	if r != nil {
		if id := r.Header.Get(RequestIDHeader); isValidRequestID(id) {
			return id
		}
	}
	return uuid.NewString()
}

func isValidRequestID(requestID string) bool {
	return requestIDPattern.MatchString(requestID)
}

package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets the security headers every endpoint response
// carries. Handlers that need a looser policy (the form_post document)
// override Content-Security-Policy afterwards.
func SetSecurityHeaders(h http.Header, issuer *url.URL) {
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if issuer != nil && issuer.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// SetNoStoreHeaders marks a response as containing credentials that must
// not be cached (RFC 6749 section 5.1).
func SetNoStoreHeaders(h http.Header) {
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

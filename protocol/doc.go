// Package protocol defines the OAuth 2.0 and OpenID Connect wire vocabulary
// used by the pipeline: parameter names, grant and response types, error
// codes, claims and permissions, together with the Message parameter bag and
// the Principal claim set.
//
// Every constant in this package is bit-exact with the RFC that defines it
// (RFC 6749, 7009, 7636, 7662, 8628, 9207 and OpenID Connect Core 1.0).
// Lookups are case-sensitive.
package protocol

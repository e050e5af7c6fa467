// Package tokens provides the token protection formats used by the server
// to turn a principal into the opaque string handed to clients and back.
//
// Two formats are available:
//
//   - [SealedFormat] encrypts the claims with AES-256-GCM. Tokens are opaque
//     to clients and resource servers and can only be read through
//     introspection.
//   - [JWTFormat] signs the claims as a JWS compact serialization. Resource
//     servers can validate tokens locally with the keys returned by
//     [JWTFormat.JWKS].
//
// Both formats only check integrity. Expiration, token type and token
// entry status are checked by the authentication handlers.
package tokens

// Package storage defines the collaborators the server consults while
// processing requests: client applications, scopes, token entries and the
// authorization request cache.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory stores for development and testing
//   - storage/redis: a RequestCache backed by Redis (go-redis)
//   - storage/valkey: a distributed TokenStore and RequestCache backed by Valkey
package storage

// Package valkey provides a Valkey storage backend for token entries and
// cached authorization requests.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// The Store type implements [storage.TokenStore] and [storage.RequestCache],
// making it suitable for deployments running several server replicas.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"):
//
//	{prefix}token:{id}                -> JSON(token entry), TTL until expiry
//	{prefix}token:ref:{ref}           -> token id (reference tokens)
//	{prefix}authorization:{id}        -> SET of token ids
//	{prefix}subject:{sub}             -> SET of token ids
//	{prefix}cache:{key}               -> cached request parameters
//
// # Atomic Operations
//
// Redeem and revocation run as Lua scripts so concurrent redemptions of an
// authorization code, device code or refresh token resolve to exactly one
// winner, the same guarantee the in-memory store gives.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Token Encryption at Rest
//
// Reference token payloads can be sealed with AES-256-GCM before storage:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
package valkey

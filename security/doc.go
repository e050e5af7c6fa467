// Package security provides the security building blocks of the
// authorization server.
//
// # Encryption
//
// Encryptor seals values with AES-256-GCM. The tokens package uses it to
// produce opaque tokens, and the memory store to encrypt reference token
// payloads at rest.
//
//	key, _ := security.GenerateKey()
//	enc, _ := security.NewEncryptor(key)
//	sealed, _ := enc.EncryptString("payload")
//
// # Rate Limiting
//
// RateLimiter is a per-identifier token bucket limiter built on
// golang.org/x/time/rate. The number of tracked identifiers is capped; the
// least recently used identifier is evicted when the cap is reached and
// idle identifiers are removed periodically.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if ok, retryAfter := limiter.Allow(clientIP); !ok {
//	    // answer 429 with Retry-After
//	}
//
// # Audit Logging
//
// Auditor writes security_audit log records. Subjects are hashed before
// logging; client IDs and IP addresses are logged as is.
//
// # Client IP Extraction
//
// GetClientIP honours X-Forwarded-For only when ProxyConfig.TrustProxy is
// set, and picks the entry left of the trusted proxies.
package security

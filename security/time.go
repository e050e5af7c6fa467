package security

import "time"

// DefaultClockSkewGracePeriod is the grace period applied to expiration
// checks to absorb clock drift between the server and its stores.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks if a token is expired with default clock skew grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredAt(expiresAt, time.Now(), DefaultClockSkewGracePeriod)
}

// IsTokenExpiredAt reports whether expiresAt lies more than gracePeriod
// before now. The zero time never expires.
func IsTokenExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

package memory

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-server/storage"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Get returns a copy of the cached value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()

	if !ok || entry.expired(s.now()) {
		return nil, fmt.Errorf("%w: cache key", storage.ErrNotFound)
	}
	return bytes.Clone(entry.value), nil
}

// Set caches value under key. A ttl <= 0 keeps the value until it is removed.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("cache key cannot be empty")
	}

	entry := cacheEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = entry
	return nil
}

// Remove deletes key. Removing an unknown key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	return nil
}

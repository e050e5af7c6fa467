package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-server/storage"
)

// Get returns storage.ErrNotFound for unknown or expired keys.
func (s *Store) Get(ctx context.Context, key string) (value []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "cache_get")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "cache_get", err, startTime)
	}()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.cacheKey(key)).Build()).AsBytes()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: cache key", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return data, nil
}

// Set stores value under key. A ttl <= 0 stores it without expiration.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "cache_set")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "cache_set", err, startTime)
	}()

	if key == "" {
		return errors.New("cache key cannot be empty")
	}

	set := s.client.B().Set().Key(s.cacheKey(key)).Value(string(value))
	if ttl > 0 {
		err = s.client.Do(ctx, set.ExSeconds(ttlSeconds(ttl)).Build()).Error()
	} else {
		err = s.client.Do(ctx, set.Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Remove deletes key. Removing an unknown key is not an error.
func (s *Store) Remove(ctx context.Context, key string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "cache_remove")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "cache_remove", err, startTime)
	}()

	if err = s.client.Do(ctx, s.client.B().Del().Key(s.cacheKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}
	return nil
}

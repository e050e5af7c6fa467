package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/storage"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewWithClient(client, "test:"), mr
}

func TestCache_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	require.NoError(t, cache.Set(ctx, "request:authorization:abc", []byte("client_id=web"), time.Hour))

	// Keys are namespaced with the prefix.
	assert.True(t, mr.Exists("test:request:authorization:abc"))

	got, err := cache.Get(ctx, "request:authorization:abc")
	require.NoError(t, err)
	assert.Equal(t, "client_id=web", string(got))

	require.NoError(t, cache.Remove(ctx, "request:authorization:abc"))
	_, err = cache.Get(ctx, "request:authorization:abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Removing an unknown key is not an error.
	assert.NoError(t, cache.Remove(ctx, "unknown"))
}

func TestCache_Expiry(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("test:k"))

	mr.FastForward(2 * time.Minute)

	_, err := cache.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCache_SetWithoutTTL(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), 0))
	assert.Equal(t, time.Duration(0), mr.TTL("test:k"))
}

func TestCache_SetEmptyKey(t *testing.T) {
	cache, _ := newTestCache(t)
	assert.Error(t, cache.Set(context.Background(), "", []byte("v"), time.Minute))
}

func TestCache_ServerError(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)
	cache.SetInstrumentation(instrumentation.NewNoop())

	mr.SetError("READONLY You can't write against a read only replica.")

	err := cache.Set(ctx, "k", []byte("v"), time.Minute)
	require.Error(t, err)

	_, err = cache.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{})
	assert.Error(t, err, "missing address should fail")

	mr := miniredis.RunT(t)
	cache, err := New(ctx, Config{Addrs: []string{mr.Addr()}, KeyPrefix: "p:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	assert.NoError(t, cache.Ping(ctx))
}

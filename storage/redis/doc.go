// Package redis provides a storage.RequestCache backed by Redis through
// github.com/redis/go-redis/v9.
//
// Cached authorization requests must be visible to every server instance
// that may receive the request_id continuation, so multi-instance
// deployments should use this cache instead of the in-memory one.
//
// Standalone, cluster and Sentinel deployments are supported through
// go-redis' UniversalClient:
//
//	cache, err := redis.New(ctx, redis.Config{
//	    Addrs:     []string{"localhost:6379"},
//	    KeyPrefix: "oauth:",
//	})
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
package redis

package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Config holds the Redis connection configuration.
type Config struct {
	// Addrs is a single address for a standalone server, several for a
	// cluster, or the Sentinel addresses when MasterName is set.
	Addrs []string

	// MasterName selects Sentinel failover mode.
	MasterName string

	Username string
	Password string
	DB       int

	// KeyPrefix namespaces every key, e.g. "oauth:{tenant}:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Cache is a storage.RequestCache stored in Redis.
type Cache struct {
	client    goredis.UniversalClient
	keyPrefix string
	logger    *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.RequestCache = (*Cache)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("at least one redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient creates a cache over a pre-configured client.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *Cache {
	return &Cache{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    slog.Default(),
	}
}

// SetLogger sets a custom logger
func (c *Cache) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetInstrumentation enables storage spans and metrics.
func (c *Cache) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.instrumentation = inst
	if inst != nil {
		c.tracer = inst.Tracer("storage")
	}
}

// Close closes the Redis client connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks Redis connectivity (health check).
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) key(k string) string {
	return c.keyPrefix + k
}

// Get returns storage.ErrNotFound for unknown or expired keys.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := c.startStorageSpan(ctx, "cache_get")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		c.recordStorageOperation(ctx, span, "cache_get", err, startTime)
	}()

	value, getErr := c.client.Get(ctx, c.key(key)).Bytes()
	if getErr != nil {
		if errors.Is(getErr, goredis.Nil) {
			return nil, fmt.Errorf("%w: cache key", storage.ErrNotFound)
		}
		err = fmt.Errorf("failed to get cache entry: %w", getErr)
		return nil, err
	}
	return value, nil
}

// Set stores value under key. A ttl <= 0 stores it without expiration.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := c.startStorageSpan(ctx, "cache_set")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		c.recordStorageOperation(ctx, span, "cache_set", err, startTime)
	}()

	if key == "" {
		err = errors.New("cache key cannot be empty")
		return err
	}
	if ttl < 0 {
		ttl = 0
	}

	if setErr := c.client.Set(ctx, c.key(key), value, ttl).Err(); setErr != nil {
		err = fmt.Errorf("failed to set cache entry: %w", setErr)
		return err
	}
	return nil
}

// Remove deletes key. Removing an unknown key is not an error.
func (c *Cache) Remove(ctx context.Context, key string) error {
	ctx, span := c.startStorageSpan(ctx, "cache_remove")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		c.recordStorageOperation(ctx, span, "cache_remove", err, startTime)
	}()

	if delErr := c.client.Del(ctx, c.key(key)).Err(); delErr != nil {
		err = fmt.Errorf("failed to remove cache entry: %w", delErr)
		return err
	}
	return nil
}

func (c *Cache) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "redis"),
		))
}

func (c *Cache) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if c.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("Redis cache operation failed", "operation", operation, "error", err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	c.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Microseconds())/1000)
}

package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxPayloadSize is the maximum size of a serialized token entry (64KB)
	MaxPayloadSize = 64 * 1024
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed TokenStore and RequestCache.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// encryptor seals token payloads at rest. Access is synchronized via
	// encryptorMu.
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now func() time.Time
}

var (
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.RequestCache = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables encryption at rest of token payloads.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil {
		s.logger.Info("Token payload encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// SetInstrumentation enables storage spans and metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// ============================================================
// Key Helpers
// ============================================================

// tokenKey returns the key for a token entry: {prefix}token:{id}
func (s *Store) tokenKey(id string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, id)
}

// referenceKey returns the key mapping a reference id to a token id: {prefix}token:ref:{ref}
func (s *Store) referenceKey(ref string) string {
	return fmt.Sprintf("%stoken:ref:%s", s.prefix, ref)
}

// authorizationKey returns the SET of token ids of an authorization: {prefix}authorization:{id}
func (s *Store) authorizationKey(authorizationID string) string {
	return fmt.Sprintf("%sauthorization:%s", s.prefix, authorizationID)
}

// subjectKey returns the SET of token ids issued to a subject: {prefix}subject:{sub}
func (s *Store) subjectKey(subject string) string {
	return fmt.Sprintf("%ssubject:%s", s.prefix, subject)
}

// cacheKey returns the key of a request cache entry: {prefix}cache:{key}
func (s *Store) cacheKey(key string) string {
	return fmt.Sprintf("%scache:%s", s.prefix, key)
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Instrumentation
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "valkey"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Microseconds())/1000)
}

// ttlSeconds rounds ttl up to whole seconds.
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

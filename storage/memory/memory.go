package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// tokenIDLogLength is the number of characters of a token identifier that
// may appear in logs.
const tokenIDLogLength = 8

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	applications map[string]*storage.Application
	scopes       map[string]*storage.Scope

	tokens      map[string]*storage.Token
	byReference map[string]string // reference id -> token id

	cache map[string]cacheEntry

	// encryptor seals reference token payloads at rest when set.
	encryptor *security.Encryptor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	tokensCountAtomic       atomic.Int64
	applicationsCountAtomic atomic.Int64

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ApplicationStore = (*Store)(nil)
	_ storage.ScopeStore       = (*Store)(nil)
	_ storage.TokenStore       = (*Store)(nil)
	_ storage.RequestCache     = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		applications:    make(map[string]*storage.Application),
		scopes:          make(map[string]*storage.Scope),
		tokens:          make(map[string]*storage.Token),
		byReference:     make(map[string]string),
		cache:           make(map[string]cacheEntry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables encryption at rest of token payloads. Entries
// created before the call are left as they are.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil {
		s.logger.Info("Token payload encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.applicationsCountAtomic.Store(int64(len(s.applications)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.applicationsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more
// than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired token entries and cache items. Expiry uses the
// clock skew grace period so entries are never dropped while a request
// that just validated them is still in flight.
func (s *Store) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for id, tok := range s.tokens {
		if security.IsTokenExpiredAt(tok.ExpiresAt, now, security.DefaultClockSkewGracePeriod) {
			delete(s.tokens, id)
			if tok.ReferenceID != "" {
				delete(s.byReference, tok.ReferenceID)
			}
			s.tokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	for key, entry := range s.cache {
		if entry.expired(now) {
			delete(s.cache, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
	return cleaned
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

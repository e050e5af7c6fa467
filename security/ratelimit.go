package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter defaults.
const (
	DefaultRateLimitMaxEntries  = 10000
	DefaultRateLimitIdleTimeout = 30 * time.Minute
	defaultRateLimitCleanup     = 5 * time.Minute
)

type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token bucket rate limiting with LRU
// eviction so that the number of tracked identifiers stays bounded.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lruList    *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	idle       time.Duration
	logger     *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once

	totalEvictions int64
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with the
// given burst for each identifier, tracking at most
// DefaultRateLimitMaxEntries identifiers.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultRateLimitMaxEntries, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom identifier
// cap. maxEntries == 0 disables the cap.
func NewRateLimiterWithConfig(requestsPerSecond float64, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
		maxEntries = DefaultRateLimitMaxEntries
	}
	if burst < 1 {
		burst = 1
	}

	rl := &RateLimiter{
		limiters:    make(map[string]*list.Element),
		lruList:     list.New(),
		limit:       rate.Limit(requestsPerSecond),
		burst:       burst,
		maxEntries:  maxEntries,
		idle:        DefaultRateLimitIdleTimeout,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop(defaultRateLimitCleanup)

	return rl
}

// Allow reports whether a request from identifier may proceed now. When it
// may not, retryAfter is how long the caller should wait.
func (rl *RateLimiter) Allow(identifier string) (allowed bool, retryAfter time.Duration) {
	now := time.Now()
	limiter := rl.limiterFor(identifier, now)

	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (rl *RateLimiter) limiterFor(identifier string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)
	return entry.limiter
}

// evictLRU must be called with the mutex held.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(rl.idle)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup forgets identifiers idle for longer than maxIdleTime. The LRU list
// is ordered by last access, so it walks from the back and stops at the
// first recent entry.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdleTime)
	removed := 0
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if entry.lastAccess.After(cutoff) {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

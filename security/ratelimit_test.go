package security

import (
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 5, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if ok, _ := rl.Allow("client"); !ok {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}

	ok, retryAfter := rl.Allow("client")
	if ok {
		t.Fatal("Allow() should return false when the burst is exhausted")
	}
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Errorf("retryAfter = %v, want within (0, 1s]", retryAfter)
	}
}

func TestRateLimiter_RejectedRequestsDoNotConsumeTokens(t *testing.T) {
	rl := NewRateLimiter(10, 1, slog.Default())
	defer rl.Stop()

	if ok, _ := rl.Allow("client"); !ok {
		t.Fatal("first request should be allowed")
	}
	for i := 0; i < 10; i++ {
		rl.Allow("client")
	}

	time.Sleep(150 * time.Millisecond)
	if ok, _ := rl.Allow("client"); !ok {
		t.Error("request after refill should be allowed")
	}
}

func TestRateLimiter_MultipleIdentifiers(t *testing.T) {
	rl := NewRateLimiter(1, 2, slog.Default())
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		rl.Allow("id-1")
	}
	if ok, _ := rl.Allow("id-1"); ok {
		t.Error("id-1 should be limited")
	}
	if ok, _ := rl.Allow("id-2"); !ok {
		t.Error("id-2 should have its own bucket")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 3, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}

	if got := rl.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}

	// id-0 was evicted and starts with a fresh bucket.
	if ok, _ := rl.Allow("id-0"); !ok {
		t.Error("evicted identifier should start with a full bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, slog.Default())
	defer rl.Stop()

	rl.Allow("old")
	time.Sleep(20 * time.Millisecond)
	rl.Allow("new")

	if removed := rl.Cleanup(10 * time.Millisecond); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if got := rl.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.Stop()
	rl.Stop()
}

package security

import (
	"testing"
	"time"
)

func TestIsTokenExpiredAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{name: "zero never expires", expiresAt: time.Time{}, want: false},
		{name: "future", expiresAt: now.Add(time.Minute), want: false},
		{name: "past without grace", expiresAt: now.Add(-time.Second), want: true},
		{name: "past within grace", expiresAt: now.Add(-2 * time.Second), grace: 5 * time.Second, want: false},
		{name: "past beyond grace", expiresAt: now.Add(-10 * time.Second), grace: 5 * time.Second, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpiredAt(tt.expiresAt, now, tt.grace); got != tt.want {
				t.Errorf("IsTokenExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTokenExpired(t *testing.T) {
	if IsTokenExpired(time.Now().Add(-2 * time.Second)) {
		t.Error("token expired 2s ago should be within the default grace period")
	}
	if !IsTokenExpired(time.Now().Add(-time.Minute)) {
		t.Error("token expired a minute ago should be expired")
	}
}

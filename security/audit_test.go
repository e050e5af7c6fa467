package security

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	auditor := NewAuditor(nil, true)
	if auditor.logger == nil {
		t.Error("logger should default to slog.Default()")
	}
	if !auditor.enabled {
		t.Error("enabled = false, want true")
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), tt.enabled)

			auditor.LogEvent(context.Background(), Event{
				Type:      "test_event",
				Subject:   "alice",
				ClientID:  "client-1",
				IPAddress: "192.0.2.1",
			})

			if got := buf.Len() > 0; got != tt.wantLog {
				t.Fatalf("logged = %v, want %v", got, tt.wantLog)
			}
			if tt.wantLog {
				out := buf.String()
				if strings.Contains(out, "alice") {
					t.Error("subject should be hashed, not logged in clear")
				}
				if !strings.Contains(out, hashForLogging("alice")) {
					t.Error("subject hash missing from log output")
				}
				if !strings.Contains(out, "client-1") {
					t.Error("client_id missing from log output")
				}
			}
		})
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var auditor *Auditor
	auditor.LogAuthFailure(context.Background(), "client", "192.0.2.1", "invalid_grant", "")
}

func TestAuditor_EventTypes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		log      func(a *Auditor)
		wantType string
	}{
		{
			name:     "token issued",
			log:      func(a *Auditor) { a.LogTokenIssued(ctx, "alice", "c", "ip", "access_token", "openid") },
			wantType: EventTokenIssued,
		},
		{
			name:     "token revoked",
			log:      func(a *Auditor) { a.LogTokenRevoked(ctx, "alice", "c", "ip", "refresh_token", 2) },
			wantType: EventTokenRevoked,
		},
		{
			name:     "auth failure",
			log:      func(a *Auditor) { a.LogAuthFailure(ctx, "c", "ip", "invalid_grant", "expired") },
			wantType: EventAuthFailure,
		},
		{
			name:     "code reuse",
			log:      func(a *Auditor) { a.LogCodeReuseDetected(ctx, "alice", "c", "ip", 3) },
			wantType: EventAuthorizationCodeReuseDetected,
		},
		{
			name:     "refresh token reuse",
			log:      func(a *Auditor) { a.LogTokenReuseDetected(ctx, "alice", "c", "ip", 1) },
			wantType: EventTokenReuseDetected,
		},
		{
			name:     "pkce failure",
			log:      func(a *Auditor) { a.LogPKCEValidationFailed(ctx, "c", "ip", "S256") },
			wantType: EventPKCEValidationFailed,
		},
		{
			name:     "rate limit",
			log:      func(a *Auditor) { a.LogRateLimitExceeded(ctx, "ip") },
			wantType: EventRateLimitExceeded,
		},
		{
			name:     "device approved",
			log:      func(a *Auditor) { a.LogDeviceCodeDecision(ctx, "alice", "c", "ip", true) },
			wantType: EventDeviceCodeApproved,
		},
		{
			name:     "device rejected",
			log:      func(a *Auditor) { a.LogDeviceCodeDecision(ctx, "alice", "c", "ip", false) },
			wantType: EventDeviceCodeRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true))

			if !strings.Contains(buf.String(), "event_type="+tt.wantType) {
				t.Errorf("log output %q does not contain event_type=%s", buf.String(), tt.wantType)
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	h := hashForLogging("alice")
	if len(h) != 16 {
		t.Errorf("len(hashForLogging()) = %d, want 16", len(h))
	}
	if h != hashForLogging("alice") {
		t.Error("hashForLogging() is not deterministic")
	}
	if h == hashForLogging("bob") {
		t.Error("hashForLogging() collided for different inputs")
	}
}

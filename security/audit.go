package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-server/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger          *slog.Logger
	enabled         bool
	instrumentation *instrumentation.Instrumentation
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetInstrumentation counts audit events in the audit events metric.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.instrumentation = inst
}

// Event represents a security audit event
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with the subject hashed.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.logger.InfoContext(ctx, "security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.instrumentation != nil {
		a.instrumentation.Metrics().RecordAuditEvent(ctx, event.Type)
	}
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(ctx context.Context, subject, clientID, ipAddress, tokenType, scope string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenIssued,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
			"scope":      scope,
		},
	})
}

// LogTokenRevoked logs when one or more tokens are revoked
func (a *Auditor) LogTokenRevoked(ctx context.Context, subject, clientID, ipAddress, tokenType string, count int) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRevoked,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
			"count":      count,
		},
	})
}

// LogAuthFailure logs a protocol rejection
func (a *Auditor) LogAuthFailure(ctx context.Context, clientID, ipAddress, errorCode, description string) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"error":             errorCode,
			"error_description": description,
		},
	})
}

// LogCodeReuseDetected logs a redeemed authorization code being presented
// again, together with the number of tokens revoked in response.
func (a *Auditor) LogCodeReuseDetected(ctx context.Context, subject, clientID, ipAddress string, revoked int) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthorizationCodeReuseDetected,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"revoked_tokens": revoked,
		},
	})
}

// LogTokenReuseDetected logs a rotated refresh token being presented again.
func (a *Auditor) LogTokenReuseDetected(ctx context.Context, subject, clientID, ipAddress string, revoked int) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenReuseDetected,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"revoked_tokens": revoked,
		},
	})
}

// LogPKCEValidationFailed logs a code_verifier mismatch
func (a *Auditor) LogPKCEValidationFailed(ctx context.Context, clientID, ipAddress, method string) {
	a.LogEvent(ctx, Event{
		Type:      EventPKCEValidationFailed,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"method": method,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
	})
}

// LogDeviceCodeDecision logs the approval or denial of a device code.
func (a *Auditor) LogDeviceCodeDecision(ctx context.Context, subject, clientID, ipAddress string, approved bool) {
	eventType := EventDeviceCodeRejected
	if approved {
		eventType = EventDeviceCodeApproved
	}
	a.LogEvent(ctx, Event{
		Type:      eventType,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never record actual credential values (tokens, codes,
// client secrets, verifiers). Only metadata.
const (
	AttrTransactionID    = "oauth.transaction_id"
	AttrEndpoint         = "oauth.endpoint"
	AttrEvent            = "oauth.pipeline.event"
	AttrHandler          = "oauth.pipeline.handler"
	AttrOutcome          = "oauth.pipeline.outcome"
	AttrClientID         = "oauth.client_id"
	AttrSubject          = "oauth.subject"
	AttrScope            = "oauth.scope"
	AttrPKCEMethod       = "oauth.pkce.method"
	AttrGrantType        = "oauth.grant_type"
	AttrTokenType        = "oauth.token_type" //nolint:gosec // token type, not a token
	AttrError            = "oauth.error"
	AttrErrorDescription = "oauth.error_description"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrClientIP = "security.client_ip"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, subject, grantType string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if subject != "" {
		SetSpanAttributes(span, attribute.String(AttrSubject, subject))
	}
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
}

// AddRejectionAttributes records a protocol rejection on a span. Rejections
// are client errors, so the span status is left untouched.
func AddRejectionAttributes(span trace.Span, errorCode, description string) {
	SetSpanAttributes(span,
		attribute.String(AttrError, errorCode),
		attribute.String(AttrErrorDescription, description),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe).
// Check Instrumentation.ShouldLogClientIPs before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}

package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Pipeline Metrics
	DispatchTotal    metric.Int64Counter
	DispatchDuration metric.Float64Histogram
	RejectionsTotal  metric.Int64Counter
	InternalFaults   metric.Int64Counter

	// Token Metrics
	TokensIssued  metric.Int64Counter
	TokensRevoked metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeTokens        metric.Int64ObservableGauge
	StorageSizeApplications  metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	pipelineMeter := inst.Meter("pipeline")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	m := &Metrics{}
	var err error

	counter := func(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("failed to create %s counter: %w", name, err)
		}
		return c
	}
	histogram := func(meter metric.Meter, name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
		if err != nil {
			err = fmt.Errorf("failed to create %s histogram: %w", name, err)
		}
		return h
	}
	gauge := func(meter metric.Meter, name, desc, unit string) metric.Int64ObservableGauge {
		if err != nil {
			return nil
		}
		var g metric.Int64ObservableGauge
		g, err = meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("failed to create %s gauge: %w", name, err)
		}
		return g
	}

	m.HTTPRequestsTotal = counter(httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = histogram(httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds")

	m.DispatchTotal = counter(pipelineMeter, "oauth.pipeline.dispatch.total", "Number of events dispatched", "{event}")
	m.DispatchDuration = histogram(pipelineMeter, "oauth.pipeline.dispatch.duration", "Event dispatch duration in milliseconds")
	m.RejectionsTotal = counter(pipelineMeter, "oauth.pipeline.rejections.total", "Number of protocol rejections", "{rejection}")
	m.InternalFaults = counter(pipelineMeter, "oauth.pipeline.faults.total", "Number of internal faults raised by handlers", "{fault}")

	m.TokensIssued = counter(pipelineMeter, "oauth.token.issued", "Number of tokens issued", "{token}")
	m.TokensRevoked = counter(pipelineMeter, "oauth.token.revoked", "Number of tokens revoked", "{token}")

	m.RateLimitExceeded = counter(securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}")
	m.PKCEValidationFailed = counter(securityMeter, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}")
	m.CodeReuseDetected = counter(securityMeter, "oauth.code.reuse_detected", "Number of authorization code reuse attempts detected", "{attempt}")
	m.TokenReuseDetected = counter(securityMeter, "oauth.token.reuse_detected", "Number of refresh token reuse attempts detected", "{attempt}")
	m.AuditEventsTotal = counter(securityMeter, "oauth.audit.events.total", "Total number of audit events", "{event}")
	m.EncryptionOperationsTotal = counter(securityMeter, "oauth.encryption.operations.total", "Total number of encryption/decryption operations", "{operation}")
	m.EncryptionDuration = histogram(securityMeter, "oauth.encryption.duration", "Encryption/decryption operation duration in milliseconds")

	m.StorageOperationTotal = counter(storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}")
	m.StorageOperationDuration = histogram(storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds")
	m.StorageSizeTokens = gauge(storageMeter, "storage.size.tokens", "Number of token entries held by the store", "{token}")
	m.StorageSizeApplications = gauge(storageMeter, "storage.size.applications", "Number of registered applications", "{application}")

	if err != nil {
		return nil, err
	}
	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordDispatch records one event dispatch and its final outcome
func (m *Metrics) RecordDispatch(ctx context.Context, event, outcome string, durationMs float64) {
	m.DispatchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("outcome", outcome),
	))
	m.DispatchDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("event", event)))
}

// RecordRejection records a protocol rejection
func (m *Metrics) RecordRejection(ctx context.Context, event, errorCode string) {
	m.RejectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("error", errorCode),
	))
}

// RecordInternalFault records an internal or configuration fault
func (m *Metrics) RecordInternalFault(ctx context.Context, event string) {
	m.InternalFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordTokenIssued records a generated token
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, tokenType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("token_type", tokenType),
	))
}

// RecordTokenRevocation records revoked token entries
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string, count int) {
	m.TokensRevoked.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}

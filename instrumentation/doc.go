// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the
// authorization server.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-authorization-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MeterProvider:  meterProvider,
//		TracerProvider: tracerProvider,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// When Enabled is false, or a provider is nil, no-op providers are used.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Pipeline:
//   - oauth.pipeline.dispatch.total{event, outcome}
//   - oauth.pipeline.dispatch.duration{event}
//   - oauth.pipeline.rejections.total{event, error}
//   - oauth.pipeline.faults.total{event}
//   - oauth.token.issued{client_id, token_type}
//   - oauth.token.revoked{client_id}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.reuse_detected
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.size.tokens, storage.size.applications
//
// # Distributed Tracing
//
// Every dispatched event gets a span named after the event type, so one
// token request produces a tree such as:
//
//	pipeline.ProcessRequest
//	├── pipeline.ExtractTokenRequest
//	├── pipeline.ValidateTokenRequest
//	│   └── pipeline.ProcessAuthentication
//	│       └── storage.FindTokenByID
//	├── pipeline.HandleTokenRequest
//	├── pipeline.ProcessSignIn
//	│   └── storage.CreateToken
//	└── pipeline.ApplyTokenResponse
//
// # Security Considerations
//
// Never record token values, client secrets or PKCE verifiers in spans or
// metric attributes. Only metadata (token types, grant types, error codes)
// is recorded. Client IP addresses are PII in some jurisdictions and are only
// attached when Config.LogClientIPs is set.
package instrumentation

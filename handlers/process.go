package handlers

import (
	"context"
	"math"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/security"
)

// nameOf prefixes handler with the name of the event type T, e.g.
// "ValidateTokenRequest.ValidateClientID".
func nameOf[T pipeline.Event](handler string) string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name() + "." + handler
}

// Built-in orders of the ProcessRequest chain.
const (
	OrderInferEndpoint            = 1000
	OrderInferIssuer              = 2000
	OrderAttachClientAddress      = 3000
	OrderRequireTransportSecurity = 4000
	OrderRateLimitRequests        = 5000
	OrderProcessEndpointRequest   = 10000
)

func processRequestHandlers(svc *Services) []pipeline.Descriptor {
	o := &svc.Options
	ds := []pipeline.Descriptor{
		pipeline.Describe[*events.ProcessRequest]("ProcessRequest.InferEndpoint").
			Order(OrderInferEndpoint).
			Filter(RequireHTTPRequest()).
			UseFunc(svc.inferEndpoint).
			Build(),
		pipeline.Describe[*events.ProcessRequest]("ProcessRequest.InferIssuer").
			Order(OrderInferIssuer).
			Filter(RequireHTTPRequest()).
			UseFunc(svc.inferIssuer).
			Build(),
		pipeline.Describe[*events.ProcessRequest]("ProcessRequest.AttachClientAddress").
			Order(OrderAttachClientAddress).
			Filter(RequireHTTPRequest()).
			UseFunc(func(_ context.Context, e *events.ProcessRequest) error {
				tx := e.Transaction
				pipeline.SetProperty(tx, events.PropertyClientIP, security.GetClientIP(tx.HTTPRequest, o.Proxy))
				return nil
			}).
			Build(),
		pipeline.Describe[*events.ProcessRequest]("ProcessRequest.RequireTransportSecurity").
			Order(OrderRequireTransportSecurity).
			Filter(RequireHTTPRequest(), optionFilter(func() bool { return !o.AllowInsecureHTTP })).
			UseFunc(svc.requireTransportSecurity).
			Build(),
		pipeline.Describe[*events.ProcessRequest]("ProcessRequest.RateLimitRequests").
			Order(OrderRateLimitRequests).
			Filter(RequireHTTPRequest(), RequireRateLimitingEnabled(svc)).
			UseFunc(svc.rateLimitRequests).
			Build(),
	}

	endpoints := []struct {
		name     string
		endpoint pipeline.Endpoint
		offset   int
		stages   func(tx *pipeline.Transaction) endpointStages
	}{
		{"ProcessAuthorizationRequest", pipeline.EndpointAuthorization, 0, authorizationStages},
		{"ProcessTokenRequest", pipeline.EndpointToken, 1000, tokenStages},
		{"ProcessDeviceRequest", pipeline.EndpointDevice, 2000, deviceStages},
		{"ProcessVerificationRequest", pipeline.EndpointVerification, 3000, verificationStages},
		{"ProcessIntrospectionRequest", pipeline.EndpointIntrospection, 4000, introspectionStages},
		{"ProcessRevocationRequest", pipeline.EndpointRevocation, 5000, revocationStages},
	}
	for _, ep := range endpoints {
		stages := ep.stages
		ds = append(ds, pipeline.Describe[*events.ProcessRequest]("ProcessRequest."+ep.name).
			Order(OrderProcessEndpointRequest+ep.offset).
			Filter(RequireEndpoint(ep.endpoint)).
			UseFunc(func(ctx context.Context, e *events.ProcessRequest) error {
				return svc.processEndpoint(ctx, e, stages)
			}).
			Build())
	}
	return ds
}

// endpointStages creates the stage events of one endpoint. The constructors
// run lazily because Validate events read the extracted request.
type endpointStages struct {
	extract  func() pipeline.Event
	validate func() pipeline.Event
	handle   func() events.Handling
	// signIn is true for endpoints whose handled principal is signed in.
	signIn bool
}

func authorizationStages(tx *pipeline.Transaction) endpointStages {
	return endpointStages{
		extract:  func() pipeline.Event { return events.NewExtractAuthorizationRequest(tx) },
		validate: func() pipeline.Event { return events.NewValidateAuthorizationRequest(tx) },
		handle:   func() events.Handling { return events.NewHandleAuthorizationRequest(tx) },
		signIn:   true,
	}
}

func tokenStages(tx *pipeline.Transaction) endpointStages {
	return endpointStages{
		extract:  func() pipeline.Event { return events.NewExtractTokenRequest(tx) },
		validate: func() pipeline.Event { return events.NewValidateTokenRequest(tx) },
		handle:   func() events.Handling { return events.NewHandleTokenRequest(tx) },
		signIn:   true,
	}
}

func deviceStages(tx *pipeline.Transaction) endpointStages {
	return endpointStages{
		extract:  func() pipeline.Event { return events.NewExtractDeviceRequest(tx) },
		validate: func() pipeline.Event { return events.NewValidateDeviceRequest(tx) },
		handle:   func() events.Handling { return events.NewHandleDeviceRequest(tx) },
		signIn:   true,
	}
}

func verificationStages(tx *pipeline.Transaction) endpointStages {
	return endpointStages{
		extract:  func() pipeline.Event { return events.NewExtractVerificationRequest(tx) },
		validate: func() pipeline.Event { return events.NewValidateVerificationRequest(tx) },
		handle:   func() events.Handling { return events.NewHandleVerificationRequest(tx) },
		signIn:   true,
	}
}

func introspectionStages(tx *pipeline.Transaction) endpointStages {
	return endpointStages{
		extract:  func() pipeline.Event { return events.NewExtractIntrospectionRequest(tx) },
		validate: func() pipeline.Event { return events.NewValidateIntrospectionRequest(tx) },
		handle:   func() events.Handling { return events.NewHandleIntrospectionRequest(tx) },
	}
}

func revocationStages(tx *pipeline.Transaction) endpointStages {
	return endpointStages{
		extract:  func() pipeline.Event { return events.NewExtractRevocationRequest(tx) },
		validate: func() pipeline.Event { return events.NewValidateRevocationRequest(tx) },
		handle:   func() events.Handling { return events.NewHandleRevocationRequest(tx) },
	}
}

// processEndpoint runs Extract, Validate and Handle, then either signs in
// the handled principal or applies the response directly.
func (s *Services) processEndpoint(ctx context.Context, e *events.ProcessRequest, newStages func(*pipeline.Transaction) endpointStages) error {
	tx := e.Transaction
	stages := newStages(tx)

	if ok, err := s.runStage(ctx, e.BaseContext, stages.extract()); !ok || err != nil {
		return err
	}
	if tx.Request == nil {
		return pipeline.Internalf("no request message was extracted for the %s endpoint", tx.Endpoint)
	}
	if ok, err := s.runStage(ctx, e.BaseContext, stages.validate()); !ok || err != nil {
		return err
	}
	handle := stages.handle()
	if ok, err := s.runStage(ctx, e.BaseContext, handle); !ok || err != nil {
		return err
	}

	if principal := handle.Handling().Principal; stages.signIn && principal != nil {
		_, err := s.runStage(ctx, e.BaseContext, events.NewProcessSignIn(tx, principal))
		return err
	}
	apply := events.NewApply(tx)
	if apply == nil {
		return pipeline.Internalf("no response can be applied for the %q endpoint", tx.Endpoint)
	}
	_, err := s.runStage(ctx, e.BaseContext, apply)
	return err
}

func (s *Services) inferEndpoint(_ context.Context, e *events.ProcessRequest) error {
	tx := e.Transaction
	if tx.Endpoint != pipeline.EndpointUnknown {
		return nil
	}
	o := &s.Options
	path := tx.HTTPRequest.URL.Path
	for _, candidate := range []struct {
		path     string
		endpoint pipeline.Endpoint
	}{
		{o.AuthorizationEndpointPath, pipeline.EndpointAuthorization},
		{o.TokenEndpointPath, pipeline.EndpointToken},
		{o.DeviceEndpointPath, pipeline.EndpointDevice},
		{o.VerificationEndpointPath, pipeline.EndpointVerification},
		{o.IntrospectionEndpointPath, pipeline.EndpointIntrospection},
		{o.RevocationEndpointPath, pipeline.EndpointRevocation},
	} {
		if candidate.path != "" && path == candidate.path {
			tx.SetEndpoint(candidate.endpoint)
			return nil
		}
	}

	tx.Logger.Debug("Request path does not match any endpoint", "path", path)
	e.SkipRequest()
	return nil
}

func (s *Services) inferIssuer(_ context.Context, e *events.ProcessRequest) error {
	tx := e.Transaction
	if tx.Issuer != nil {
		return nil
	}
	if s.Options.Issuer != nil {
		tx.Issuer = s.Options.Issuer
		return nil
	}
	r := tx.HTTPRequest
	scheme := "http"
	if isSecureRequest(r, s.Options.Proxy) {
		scheme = "https"
	}
	tx.Issuer = &url.URL{Scheme: scheme, Host: r.Host}
	return nil
}

func isSecureRequest(r *http.Request, proxy security.ProxyConfig) bool {
	if r.TLS != nil {
		return true
	}
	return proxy.TrustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func (s *Services) requireTransportSecurity(_ context.Context, e *events.ProcessRequest) error {
	r := e.Transaction.HTTPRequest
	if isSecureRequest(r, s.Options.Proxy) {
		return nil
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if util.IsLoopbackHostname(host) {
		return nil
	}
	e.Reject(protocol.ErrorInvalidRequest, "This server only accepts HTTPS requests.", "")
	return nil
}

func (s *Services) rateLimitRequests(ctx context.Context, e *events.ProcessRequest) error {
	tx := e.Transaction
	ip := clientIP(tx)
	if ip == "" {
		return nil
	}
	allowed, retryAfter := s.RateLimiter.Allow(ip)
	if allowed {
		return nil
	}

	if retryAfter > 0 {
		tx.HTTPResponse.Header.Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}
	s.metrics().RecordRateLimitExceeded(ctx, "ip")
	s.Auditor.LogRateLimitExceeded(ctx, ip)
	tx.Logger.Debug("Rate limit exceeded", "client_ip", ip)
	e.Reject(protocol.ErrorRateLimitExceeded, "Too many requests. Retry later.", "")
	return nil
}

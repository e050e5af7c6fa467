package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage"
)

// MaxFormSize bounds the form bodies read by the Extract stage.
const MaxFormSize = 1 << 20

// RequestCachePrefix namespaces cached authorization requests.
const RequestCachePrefix = "request:authorization:"

// generateRandomToken returns 256 bits of randomness encoded with base64url.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

func extractHandlers(svc *Services) []pipeline.Descriptor {
	o := &svc.Options
	return []pipeline.Descriptor{
		extractParameters[*events.ExtractAuthorizationRequest](true),
		pipeline.Describe[*events.ExtractAuthorizationRequest]("ExtractAuthorizationRequest.RestoreCachedRequest").
			Order(2000).
			Filter(RequireRequestCachingEnabled(o)).
			UseSingleton(svc.newRestoreCachedRequest).
			Build(),
		pipeline.Describe[*events.ExtractAuthorizationRequest]("ExtractAuthorizationRequest.CacheRequest").
			Order(3000).
			Filter(RequireHTTPRequest(), RequireRequestCachingEnabled(o)).
			UseSingleton(svc.newCacheRequest).
			Build(),

		extractParameters[*events.ExtractTokenRequest](false),
		extractClientCredentials[*events.ExtractTokenRequest](),

		extractParameters[*events.ExtractDeviceRequest](false),
		extractClientCredentials[*events.ExtractDeviceRequest](),

		extractParameters[*events.ExtractVerificationRequest](true),

		extractParameters[*events.ExtractIntrospectionRequest](true),
		extractClientCredentials[*events.ExtractIntrospectionRequest](),

		extractParameters[*events.ExtractRevocationRequest](false),
		extractClientCredentials[*events.ExtractRevocationRequest](),
	}
}

// extractParameters reads the query string of GET requests (when allowGet)
// or the form body of POST requests into the protocol request.
func extractParameters[T events.Extracting](allowGet bool) pipeline.Descriptor {
	name := "ExtractPostRequest"
	if allowGet {
		name = "ExtractGetOrPostRequest"
	}
	return pipeline.Describe[T](nameOf[T](name)).
		Order(1000).
		Filter(RequireHTTPRequest()).
		UseFunc(func(_ context.Context, e T) error {
			return readParameters(e.Extraction(), allowGet)
		}).
		Build()
}

func readParameters(e *events.ExtractingContext, allowGet bool) error {
	r := e.Transaction.HTTPRequest

	switch {
	case r.Method == http.MethodGet && allowGet:
		msg, err := protocol.ParseQuery(r.URL.RawQuery)
		if err != nil {
			e.Reject(protocol.ErrorInvalidRequest, "The query string is malformed.", "")
			return nil
		}
		e.SetRequest(msg)

	case r.Method == http.MethodPost:
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/x-www-form-urlencoded" {
			e.Reject(protocol.ErrorInvalidRequest, "The specified 'Content-Type' header is invalid.", "")
			return nil
		}
		if r.Body == nil {
			e.SetRequest(protocol.NewMessage())
			return nil
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxFormSize+1))
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		if len(body) > MaxFormSize {
			e.Reject(protocol.ErrorInvalidRequest, "The request body is too large.", "")
			return nil
		}
		msg, err := protocol.ParseQuery(string(body))
		if err != nil {
			e.Reject(protocol.ErrorInvalidRequest, "The request body is malformed.", "")
			return nil
		}
		e.SetRequest(msg)

	default:
		e.Reject(protocol.ErrorInvalidRequest, "The specified HTTP method is not valid.", "")
	}
	return nil
}

// extractClientCredentials moves HTTP Basic client credentials (RFC 6749
// section 2.3.1) into the request.
func extractClientCredentials[T events.Extracting]() pipeline.Descriptor {
	return pipeline.Describe[T](nameOf[T]("ExtractClientCredentials")).
		Order(2000).
		Filter(RequireHTTPRequest()).
		UseFunc(func(_ context.Context, e T) error {
			readBasicAuthentication(e.Extraction())
			return nil
		}).
		Build()
}

func readBasicAuthentication(e *events.ExtractingContext) {
	user, pass, ok := e.Transaction.HTTPRequest.BasicAuth()
	if !ok {
		return
	}
	req := e.Request()
	if req.Has(protocol.ParamClientSecret) {
		e.Reject(protocol.ErrorInvalidRequest, "Multiple client credentials cannot be specified.", "")
		return
	}

	// Credentials are form-encoded before being base64 encoded.
	clientID, err := url.QueryUnescape(user)
	if err != nil {
		e.Reject(protocol.ErrorInvalidRequest, "The client credentials are malformed.", "")
		return
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		e.Reject(protocol.ErrorInvalidRequest, "The client credentials are malformed.", "")
		return
	}
	if id := req.ClientID(); id != "" && id != clientID {
		e.Reject(protocol.ErrorInvalidRequest, "Multiple client credentials cannot be specified.", "")
		return
	}

	req.Set(protocol.ParamClientID, clientID)
	req.Set(protocol.ParamClientSecret, secret)
	pipeline.SetProperty(e.Transaction, events.PropertyBasicAuthentication, true)
}

func (s *Services) requireRequestCache(component string) (storage.RequestCache, error) {
	if s.Options.EnableRequestCaching && s.RequestCache == nil {
		return nil, pipeline.Misconfigured(component,
			"request caching is enabled but no request cache was registered")
	}
	return s.RequestCache, nil
}

func (s *Services) newRestoreCachedRequest() (pipeline.Handler[*events.ExtractAuthorizationRequest], error) {
	cache, err := s.requireRequestCache("ExtractAuthorizationRequest.RestoreCachedRequest")
	if err != nil {
		return nil, err
	}
	return pipeline.HandlerFunc[*events.ExtractAuthorizationRequest](func(ctx context.Context, e *events.ExtractAuthorizationRequest) error {
		req := e.Request()
		id := req.RequestID()
		if id == "" {
			return nil
		}

		data, err := cache.Get(ctx, RequestCachePrefix+id)
		if errors.Is(err, storage.ErrNotFound) {
			e.Reject(protocol.ErrorInvalidRequest, "The specified 'request_id' parameter is invalid.", "")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load cached authorization request: %w", err)
		}
		cached, err := protocol.ParseQuery(string(data))
		if err != nil {
			return pipeline.Internalf("the cached authorization request is malformed: %v", err)
		}

		req.Merge(cached)
		pipeline.SetProperty(e.Transaction, events.PropertyRequestID, id)
		return nil
	}), nil
}

func (s *Services) newCacheRequest() (pipeline.Handler[*events.ExtractAuthorizationRequest], error) {
	cache, err := s.requireRequestCache("ExtractAuthorizationRequest.CacheRequest")
	if err != nil {
		return nil, err
	}
	return pipeline.HandlerFunc[*events.ExtractAuthorizationRequest](func(ctx context.Context, e *events.ExtractAuthorizationRequest) error {
		req := e.Request()
		if req.RequestID() != "" || req.Len() == 0 {
			return nil
		}

		id := generateRandomToken()
		if err := cache.Set(ctx, RequestCachePrefix+id, []byte(req.Encode()), s.Options.RequestLifetime); err != nil {
			return fmt.Errorf("failed to cache authorization request: %w", err)
		}

		tx := e.Transaction
		location := url.URL{
			Path:     tx.HTTPRequest.URL.Path,
			RawQuery: url.Values{protocol.ParamRequestID: {id}}.Encode(),
		}
		tx.HTTPResponse.Redirect(location.String())
		tx.Logger.Debug("Authorization request cached", "request_id", util.SafeTruncate(id, 8))
		e.HandleRequest()
		return nil
	}), nil
}

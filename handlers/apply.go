package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/security"
)

// jsonApply returns the Apply handlers of the endpoints answering with a
// JSON document.
func jsonApply[T events.Applying]() []pipeline.Descriptor {
	return []pipeline.Descriptor{
		pipeline.Describe[T](nameOf[T]("AttachCacheControlHeaders")).
			Order(1000).
			UseFunc(func(_ context.Context, e T) error {
				security.SetNoStoreHeaders(e.Base().Transaction.HTTPResponse.Header)
				return nil
			}).
			Build(),
		pipeline.Describe[T](nameOf[T]("NormalizeErrorResponse")).
			Order(2000).
			UseFunc(func(_ context.Context, e T) error {
				normalizeErrorResponse(e.Applying())
				return nil
			}).
			Build(),
		pipeline.Describe[T](nameOf[T]("ProcessJSONResponse")).
			Order(3000).
			UseFunc(func(_ context.Context, e T) error {
				return processJSONResponse(e.Applying())
			}).
			Build(),
	}
}

// normalizeErrorResponse hides unusable tokens from introspection and
// revocation callers (RFC 7662 section 2.2, RFC 7009 section 2.2).
func normalizeErrorResponse(e *events.ApplyingContext) {
	if !e.IsError() || e.Response().Get(protocol.ParamError) != protocol.ErrorInvalidToken {
		return
	}
	switch e.Endpoint() {
	case pipeline.EndpointIntrospection:
		resp := protocol.NewMessage()
		resp.SetJSON(protocol.ParamActive, "false")
		e.SetResponse(resp)
	case pipeline.EndpointRevocation:
		e.SetResponse(protocol.NewMessage())
	}
}

func jsonErrorStatus(tx *pipeline.Transaction, code string) int {
	switch code {
	case protocol.ErrorInvalidClient:
		if basic, _ := pipeline.Property(tx, events.PropertyBasicAuthentication); basic {
			tx.HTTPResponse.Header.Set("WWW-Authenticate", `Basic realm="`+realm(tx)+`"`)
		}
		return http.StatusUnauthorized
	case protocol.ErrorRateLimitExceeded:
		return http.StatusTooManyRequests
	case protocol.ErrorServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func realm(tx *pipeline.Transaction) string {
	if tx.Issuer != nil {
		return tx.Issuer.Host
	}
	return "oauth"
}

func processJSONResponse(e *events.ApplyingContext) error {
	tx := e.Transaction
	resp := e.Response()

	status := http.StatusOK
	if e.IsError() {
		status = jsonErrorStatus(tx, resp.Get(protocol.ParamError))
	}

	if status == http.StatusOK && e.Endpoint() == pipeline.EndpointRevocation {
		tx.HTTPResponse.StatusCode = http.StatusOK
		tx.HTTPResponse.Body.Reset()
		e.HandleRequest()
		return nil
	}
	if err := tx.HTTPResponse.WriteJSON(status, resp); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	e.HandleRequest()
	return nil
}

func applyHandlers() []pipeline.Descriptor {
	var ds []pipeline.Descriptor
	ds = append(ds, jsonApply[*events.ApplyTokenResponse]()...)
	ds = append(ds, jsonApply[*events.ApplyDeviceResponse]()...)
	ds = append(ds, jsonApply[*events.ApplyVerificationResponse]()...)
	ds = append(ds, jsonApply[*events.ApplyIntrospectionResponse]()...)
	ds = append(ds, jsonApply[*events.ApplyRevocationResponse]()...)
	return ds
}

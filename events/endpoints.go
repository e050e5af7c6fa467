package events

import (
	"github.com/giantswarm/oauth-server/pipeline"
)

// Authorization endpoint.

type ExtractAuthorizationRequest struct{ ExtractingContext }

type ValidateAuthorizationRequest struct{ ValidatingContext }

type HandleAuthorizationRequest struct{ HandlingContext }

// ApplyAuthorizationResponse carries the delivery decision of the
// authorization response.
type ApplyAuthorizationResponse struct {
	ApplyingContext

	// RedirectURI is the validated redirect target. Empty means the
	// response cannot be returned to the client and is rendered locally.
	RedirectURI string

	// ResponseMode is query, fragment or form_post.
	ResponseMode string
}

func NewExtractAuthorizationRequest(tx *pipeline.Transaction) *ExtractAuthorizationRequest {
	return &ExtractAuthorizationRequest{ExtractingContext{pipeline.NewBaseContext(tx)}}
}

func NewValidateAuthorizationRequest(tx *pipeline.Transaction) *ValidateAuthorizationRequest {
	return &ValidateAuthorizationRequest{newValidating(tx)}
}

func NewHandleAuthorizationRequest(tx *pipeline.Transaction) *HandleAuthorizationRequest {
	return &HandleAuthorizationRequest{HandlingContext{BaseContext: pipeline.NewBaseContext(tx)}}
}

func NewApplyAuthorizationResponse(tx *pipeline.Transaction) *ApplyAuthorizationResponse {
	return &ApplyAuthorizationResponse{ApplyingContext: ApplyingContext{pipeline.NewBaseContext(tx)}}
}

// Token endpoint.

type ExtractTokenRequest struct{ ExtractingContext }

type ValidateTokenRequest struct{ ValidatingContext }

type HandleTokenRequest struct{ HandlingContext }

type ApplyTokenResponse struct{ ApplyingContext }

func NewExtractTokenRequest(tx *pipeline.Transaction) *ExtractTokenRequest {
	return &ExtractTokenRequest{ExtractingContext{pipeline.NewBaseContext(tx)}}
}

func NewValidateTokenRequest(tx *pipeline.Transaction) *ValidateTokenRequest {
	return &ValidateTokenRequest{newValidating(tx)}
}

func NewHandleTokenRequest(tx *pipeline.Transaction) *HandleTokenRequest {
	return &HandleTokenRequest{HandlingContext{BaseContext: pipeline.NewBaseContext(tx)}}
}

func NewApplyTokenResponse(tx *pipeline.Transaction) *ApplyTokenResponse {
	return &ApplyTokenResponse{ApplyingContext{pipeline.NewBaseContext(tx)}}
}

// Device authorization endpoint.

type ExtractDeviceRequest struct{ ExtractingContext }

type ValidateDeviceRequest struct{ ValidatingContext }

type HandleDeviceRequest struct{ HandlingContext }

type ApplyDeviceResponse struct{ ApplyingContext }

func NewExtractDeviceRequest(tx *pipeline.Transaction) *ExtractDeviceRequest {
	return &ExtractDeviceRequest{ExtractingContext{pipeline.NewBaseContext(tx)}}
}

func NewValidateDeviceRequest(tx *pipeline.Transaction) *ValidateDeviceRequest {
	return &ValidateDeviceRequest{newValidating(tx)}
}

func NewHandleDeviceRequest(tx *pipeline.Transaction) *HandleDeviceRequest {
	return &HandleDeviceRequest{HandlingContext{BaseContext: pipeline.NewBaseContext(tx)}}
}

func NewApplyDeviceResponse(tx *pipeline.Transaction) *ApplyDeviceResponse {
	return &ApplyDeviceResponse{ApplyingContext{pipeline.NewBaseContext(tx)}}
}

// Verification endpoint (end-user side of the device flow).

type ExtractVerificationRequest struct{ ExtractingContext }

type ValidateVerificationRequest struct{ ValidatingContext }

// HandleVerificationRequest completes either with the principal of the
// user approving the device, or with a local response describing the
// pending request.
type HandleVerificationRequest struct {
	HandlingContext

	// LocalResponse is set when the response was built without deferring
	// to the host.
	LocalResponse bool
}

// Completed implements pipeline.Completer.
func (c *HandleVerificationRequest) Completed() bool {
	return c.Principal != nil || c.LocalResponse
}

type ApplyVerificationResponse struct{ ApplyingContext }

func NewExtractVerificationRequest(tx *pipeline.Transaction) *ExtractVerificationRequest {
	return &ExtractVerificationRequest{ExtractingContext{pipeline.NewBaseContext(tx)}}
}

func NewValidateVerificationRequest(tx *pipeline.Transaction) *ValidateVerificationRequest {
	return &ValidateVerificationRequest{newValidating(tx)}
}

func NewHandleVerificationRequest(tx *pipeline.Transaction) *HandleVerificationRequest {
	return &HandleVerificationRequest{HandlingContext: HandlingContext{BaseContext: pipeline.NewBaseContext(tx)}}
}

func NewApplyVerificationResponse(tx *pipeline.Transaction) *ApplyVerificationResponse {
	return &ApplyVerificationResponse{ApplyingContext{pipeline.NewBaseContext(tx)}}
}

// Introspection endpoint (RFC 7662).

type ExtractIntrospectionRequest struct{ ExtractingContext }

type ValidateIntrospectionRequest struct{ ValidatingContext }

type HandleIntrospectionRequest struct{ HandlingContext }

type ApplyIntrospectionResponse struct{ ApplyingContext }

func NewExtractIntrospectionRequest(tx *pipeline.Transaction) *ExtractIntrospectionRequest {
	return &ExtractIntrospectionRequest{ExtractingContext{pipeline.NewBaseContext(tx)}}
}

func NewValidateIntrospectionRequest(tx *pipeline.Transaction) *ValidateIntrospectionRequest {
	return &ValidateIntrospectionRequest{newValidating(tx)}
}

func NewHandleIntrospectionRequest(tx *pipeline.Transaction) *HandleIntrospectionRequest {
	return &HandleIntrospectionRequest{HandlingContext{BaseContext: pipeline.NewBaseContext(tx)}}
}

func NewApplyIntrospectionResponse(tx *pipeline.Transaction) *ApplyIntrospectionResponse {
	return &ApplyIntrospectionResponse{ApplyingContext{pipeline.NewBaseContext(tx)}}
}

// Revocation endpoint (RFC 7009).

type ExtractRevocationRequest struct{ ExtractingContext }

type ValidateRevocationRequest struct{ ValidatingContext }

type HandleRevocationRequest struct{ HandlingContext }

type ApplyRevocationResponse struct{ ApplyingContext }

func NewExtractRevocationRequest(tx *pipeline.Transaction) *ExtractRevocationRequest {
	return &ExtractRevocationRequest{ExtractingContext{pipeline.NewBaseContext(tx)}}
}

func NewValidateRevocationRequest(tx *pipeline.Transaction) *ValidateRevocationRequest {
	return &ValidateRevocationRequest{newValidating(tx)}
}

func NewHandleRevocationRequest(tx *pipeline.Transaction) *HandleRevocationRequest {
	return &HandleRevocationRequest{HandlingContext{BaseContext: pipeline.NewBaseContext(tx)}}
}

func NewApplyRevocationResponse(tx *pipeline.Transaction) *ApplyRevocationResponse {
	return &ApplyRevocationResponse{ApplyingContext{pipeline.NewBaseContext(tx)}}
}

// NewApply returns the Apply event of an endpoint, or nil for unknown
// endpoints.
func NewApply(tx *pipeline.Transaction) Applying {
	switch tx.Endpoint {
	case pipeline.EndpointAuthorization:
		return NewApplyAuthorizationResponse(tx)
	case pipeline.EndpointToken:
		return NewApplyTokenResponse(tx)
	case pipeline.EndpointDevice:
		return NewApplyDeviceResponse(tx)
	case pipeline.EndpointVerification:
		return NewApplyVerificationResponse(tx)
	case pipeline.EndpointIntrospection:
		return NewApplyIntrospectionResponse(tx)
	case pipeline.EndpointRevocation:
		return NewApplyRevocationResponse(tx)
	default:
		return nil
	}
}

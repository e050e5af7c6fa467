package pipeline

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-server/protocol"
)

// Endpoint identifies the protocol endpoint a transaction targets.
type Endpoint string

// Endpoint values.
const (
	EndpointUnknown       Endpoint = ""
	EndpointAuthorization Endpoint = "authorization"
	EndpointToken         Endpoint = "token"
	EndpointDevice        Endpoint = "device"
	EndpointVerification  Endpoint = "verification"
	EndpointIntrospection Endpoint = "introspection"
	EndpointRevocation    Endpoint = "revocation"
)

// HTTPResponse is the host-neutral response buffer handlers write into.
// Host adapters copy it to their native response type.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       bytes.Buffer
}

// NewHTTPResponse returns an empty 200 response.
func NewHTTPResponse() *HTTPResponse {
	return &HTTPResponse{StatusCode: http.StatusOK, Header: make(http.Header)}
}

// Redirect writes a 302 redirect to location.
func (r *HTTPResponse) Redirect(location string) {
	r.Header.Set("Location", location)
	r.StatusCode = http.StatusFound
	r.Body.Reset()
}

// WriteJSON replaces the body with the JSON encoding of v.
func (r *HTTPResponse) WriteJSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json;charset=UTF-8")
	r.StatusCode = status
	r.Body.Reset()
	r.Body.Write(data)
	return nil
}

// WriteText replaces the body with a plain text document.
func (r *HTTPResponse) WriteText(status int, text string) {
	r.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	r.StatusCode = status
	r.Body.Reset()
	r.Body.WriteString(text)
}

// WriteHTML replaces the body with an HTML document.
func (r *HTTPResponse) WriteHTML(status int, html []byte) {
	r.Header.Set("Content-Type", "text/html;charset=UTF-8")
	r.StatusCode = status
	r.Body.Reset()
	r.Body.Write(html)
}

// Transaction is the state shared by every handler processing one HTTP
// call. It is created once per request and must not be shared across
// requests.
type Transaction struct {
	// ID uniquely identifies the transaction in logs and traces.
	ID string

	// Endpoint is inferred from the request path by the ProcessRequest chain.
	Endpoint Endpoint

	// Issuer is the absolute issuer URL used for this request.
	Issuer *url.URL

	// HTTPRequest is the raw inbound request; nil when events are
	// dispatched outside of an HTTP call.
	HTTPRequest *http.Request

	// HTTPResponse receives the serialized response.
	HTTPResponse *HTTPResponse

	// Request and Response are the protocol messages, shared by every event
	// context of the transaction.
	Request  *protocol.Message
	Response *protocol.Message

	// Logger carries the transaction id.
	Logger *slog.Logger

	properties map[string]any
	scoped     map[string]any
}

// NewTransaction creates a transaction for an inbound request. r may be nil.
func NewTransaction(r *http.Request, logger *slog.Logger) *Transaction {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Transaction{
		ID:           id,
		HTTPRequest:  r,
		HTTPResponse: NewHTTPResponse(),
		Logger:       logger.With("transaction_id", id),
		properties:   make(map[string]any),
		scoped:       make(map[string]any),
	}
}

// SetEndpoint records the endpoint and adds it to the transaction logger.
func (t *Transaction) SetEndpoint(e Endpoint) {
	t.Endpoint = e
	t.Logger = t.Logger.With("endpoint", string(e))
}

// Key is a typed property key. Two keys with the same name but different
// types address the same slot; recovery with the wrong type fails safely.
type Key[T any] struct {
	Name string
}

// NewKey creates a typed property key.
func NewKey[T any](name string) Key[T] {
	return Key[T]{Name: name}
}

// Property returns the value stored under key. The boolean is false when
// the property is absent or holds a value of another type.
func Property[T any](t *Transaction, key Key[T]) (T, bool) {
	v, ok := t.properties[key.Name].(T)
	return v, ok
}

// SetProperty stores value under key, replacing any previous value.
func SetProperty[T any](t *Transaction, key Key[T], value T) {
	if t.properties == nil {
		t.properties = make(map[string]any)
	}
	t.properties[key.Name] = value
}

// RemoveProperty deletes the value stored under key.
func RemoveProperty[T any](t *Transaction, key Key[T]) {
	delete(t.properties, key.Name)
}

func (t *Transaction) scopedInstance(name string) (any, bool) {
	v, ok := t.scoped[name]
	return v, ok
}

func (t *Transaction) setScopedInstance(name string, h any) {
	if t.scoped == nil {
		t.scoped = make(map[string]any)
	}
	t.scoped[name] = h
}

package protocol

import (
	"bytes"
	"encoding/json"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// Parameter is a single named request or response parameter. A parameter may
// carry several values; each value is serialized as a repeated key.
type Parameter struct {
	Name   string
	Values []string

	// Raw marks a single value holding a JSON literal set by SetJSON.
	Raw bool
}

// Message is an ordered OAuth 2.0 parameter bag used for both requests and
// responses. Names are matched exactly (case-sensitive) and keep their
// insertion order when serialized.
type Message struct {
	params []Parameter
}

// NewMessage creates an empty message.
func NewMessage() *Message {
	return &Message{}
}

// MessageFromValues builds a message from url.Values. Because url.Values is
// unordered, parameters are added in sorted name order.
func MessageFromValues(values url.Values) *Message {
	m := NewMessage()
	for _, name := range slices.Sorted(maps.Keys(values)) {
		for _, v := range values[name] {
			m.Add(name, v)
		}
	}
	return m
}

// ParseQuery builds a message from a raw query or form body, preserving the
// order and repetitions of the original string.
func ParseQuery(raw string) (*Message, error) {
	m := NewMessage()
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			return nil, err
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, err
		}
		m.Add(name, value)
	}
	return m, nil
}

func (m *Message) index(name string) int {
	for i := range m.params {
		if m.params[i].Name == name {
			return i
		}
	}
	return -1
}

// Get returns the first value of the named parameter, or "" when absent.
func (m *Message) Get(name string) string {
	if m == nil {
		return ""
	}
	if i := m.index(name); i >= 0 && len(m.params[i].Values) > 0 {
		return m.params[i].Values[0]
	}
	return ""
}

// GetAll returns every value of the named parameter.
func (m *Message) GetAll(name string) []string {
	if m == nil {
		return nil
	}
	if i := m.index(name); i >= 0 {
		return slices.Clone(m.params[i].Values)
	}
	return nil
}

// Has reports whether the parameter is present with at least one non-empty value.
func (m *Message) Has(name string) bool {
	return m.Get(name) != ""
}

// Set replaces the values of the named parameter. Setting no values or a
// single empty value removes the parameter.
func (m *Message) Set(name string, values ...string) {
	if len(values) == 0 || (len(values) == 1 && values[0] == "") {
		m.Remove(name)
		return
	}
	if i := m.index(name); i >= 0 {
		m.params[i].Values = slices.Clone(values)
		m.params[i].Raw = false
		return
	}
	m.params = append(m.params, Parameter{Name: name, Values: slices.Clone(values)})
}

// Add appends a value to the named parameter, creating it if needed.
func (m *Message) Add(name, value string) {
	if i := m.index(name); i >= 0 {
		m.params[i].Values = append(m.params[i].Values, value)
		m.params[i].Raw = false
		return
	}
	m.params = append(m.params, Parameter{Name: name, Values: []string{value}})
}

// Remove deletes the named parameter.
func (m *Message) Remove(name string) {
	if i := m.index(name); i >= 0 {
		m.params = append(m.params[:i], m.params[i+1:]...)
	}
}

// Names returns the parameter names in order.
func (m *Message) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.params))
	for _, p := range m.params {
		names = append(names, p.Name)
	}
	return names
}

// Parameters returns a copy of the parameters in order.
func (m *Message) Parameters() []Parameter {
	if m == nil {
		return nil
	}
	return m.Clone().params
}

// Len returns the number of distinct parameters.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.params)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := &Message{params: make([]Parameter, 0, m.Len())}
	if m == nil {
		return c
	}
	for _, p := range m.params {
		c.params = append(c.params, Parameter{Name: p.Name, Values: slices.Clone(p.Values), Raw: p.Raw})
	}
	return c
}

// Merge copies the parameters of other that are not already present in m.
// Values already present in m always win.
func (m *Message) Merge(other *Message) {
	for _, p := range other.Clone().params {
		if m.index(p.Name) >= 0 {
			continue
		}
		m.params = append(m.params, p)
	}
}

// Encode serializes the message using application/x-www-form-urlencoded
// encoding, keeping parameter order and emitting one key per value.
func (m *Message) Encode() string {
	var buf strings.Builder
	for _, p := range m.params {
		for _, v := range p.Values {
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(url.QueryEscape(p.Name))
			buf.WriteByte('=')
			buf.WriteString(url.QueryEscape(v))
		}
	}
	return buf.String()
}

// MarshalJSON renders single-valued parameters as strings and multi-valued
// parameters as arrays. Parameters whose value is a JSON literal produced by
// SetJSON are emitted verbatim.
func (m *Message) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range m.params {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')

		var value []byte
		switch {
		case p.Raw && len(p.Values) == 1:
			value = []byte(p.Values[0])
		case len(p.Values) == 1:
			value, err = json.Marshal(p.Values[0])
		default:
			value, err = json.Marshal(p.Values)
		}
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SetJSON stores a JSON literal (number or boolean) that MarshalJSON emits
// without quoting, e.g. "expires_in": 3600 or "active": true. Get returns the
// literal text. An invalid literal is stored as a plain string.
func (m *Message) SetJSON(name string, literal string) {
	m.Set(name, literal)
	if i := m.index(name); i >= 0 && json.Valid([]byte(literal)) {
		m.params[i].Raw = true
	}
}

// Typed accessors for common parameters.

func (m *Message) ClientID() string            { return m.Get(ParamClientID) }
func (m *Message) ClientSecret() string        { return m.Get(ParamClientSecret) }
func (m *Message) Code() string                { return m.Get(ParamCode) }
func (m *Message) CodeChallenge() string       { return m.Get(ParamCodeChallenge) }
func (m *Message) CodeChallengeMethod() string { return m.Get(ParamCodeChallengeMethod) }
func (m *Message) CodeVerifier() string        { return m.Get(ParamCodeVerifier) }
func (m *Message) DeviceCode() string          { return m.Get(ParamDeviceCode) }
func (m *Message) GrantType() string           { return m.Get(ParamGrantType) }
func (m *Message) Nonce() string               { return m.Get(ParamNonce) }
func (m *Message) Prompt() string              { return m.Get(ParamPrompt) }
func (m *Message) RedirectURI() string         { return m.Get(ParamRedirectURI) }
func (m *Message) RefreshToken() string        { return m.Get(ParamRefreshToken) }
func (m *Message) RequestID() string           { return m.Get(ParamRequestID) }
func (m *Message) ResponseMode() string        { return m.Get(ParamResponseMode) }
func (m *Message) ResponseType() string        { return m.Get(ParamResponseType) }
func (m *Message) State() string               { return m.Get(ParamState) }
func (m *Message) Token() string               { return m.Get(ParamToken) }
func (m *Message) TokenTypeHint() string       { return m.Get(ParamTokenTypeHint) }
func (m *Message) UserCode() string            { return m.Get(ParamUserCode) }
func (m *Message) Username() string            { return m.Get(ParamUsername) }
func (m *Message) Password() string            { return m.Get(ParamPassword) }

// Scopes returns the space-separated scope parameter as a list.
func (m *Message) Scopes() []string {
	return strings.Fields(m.Get(ParamScope))
}

// HasScope reports whether the scope parameter contains scope.
func (m *Message) HasScope(scope string) bool {
	for _, s := range m.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// ResponseTypes returns the space-separated response_type parameter as a list.
func (m *Message) ResponseTypes() []string {
	return strings.Fields(m.Get(ParamResponseType))
}

// HasResponseType reports whether response_type contains t.
func (m *Message) HasResponseType(t string) bool {
	for _, rt := range m.ResponseTypes() {
		if rt == t {
			return true
		}
	}
	return false
}

// HasPrompt reports whether the prompt parameter contains p.
func (m *Message) HasPrompt(p string) bool {
	for _, v := range strings.Fields(m.Get(ParamPrompt)) {
		if v == p {
			return true
		}
	}
	return false
}

// IsAuthorizationCodeGrantType reports whether grant_type is authorization_code.
func (m *Message) IsAuthorizationCodeGrantType() bool {
	return m.GrantType() == GrantTypeAuthorizationCode
}

// IsDeviceCodeGrantType reports whether grant_type is the device code grant.
func (m *Message) IsDeviceCodeGrantType() bool {
	return m.GrantType() == GrantTypeDeviceCode
}

// IsRefreshTokenGrantType reports whether grant_type is refresh_token.
func (m *Message) IsRefreshTokenGrantType() bool {
	return m.GrantType() == GrantTypeRefreshToken
}

// IsClientCredentialsGrantType reports whether grant_type is client_credentials.
func (m *Message) IsClientCredentialsGrantType() bool {
	return m.GrantType() == GrantTypeClientCredentials
}

// IsPasswordGrantType reports whether grant_type is password.
func (m *Message) IsPasswordGrantType() bool {
	return m.GrantType() == GrantTypePassword
}

// IsAuthorizationCodeFlow reports whether response_type is exactly "code".
func (m *Message) IsAuthorizationCodeFlow() bool {
	types := m.ResponseTypes()
	return len(types) == 1 && types[0] == ResponseTypeCode
}

// IsImplicitFlow reports whether response_type only contains token and/or id_token.
func (m *Message) IsImplicitFlow() bool {
	types := m.ResponseTypes()
	if len(types) == 0 {
		return false
	}
	for _, t := range types {
		if t != ResponseTypeToken && t != ResponseTypeIDToken {
			return false
		}
	}
	return true
}

// IsHybridFlow reports whether response_type combines code with token and/or id_token.
func (m *Message) IsHybridFlow() bool {
	return m.HasResponseType(ResponseTypeCode) && len(m.ResponseTypes()) > 1 &&
		(m.HasResponseType(ResponseTypeToken) || m.HasResponseType(ResponseTypeIDToken))
}

// IsNoneFlow reports whether response_type is exactly "none".
func (m *Message) IsNoneFlow() bool {
	types := m.ResponseTypes()
	return len(types) == 1 && types[0] == ResponseTypeNone
}

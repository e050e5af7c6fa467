package protocol

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"time"
)

// Principal is the claim set of an authenticated subject. It is extracted
// from a previously issued token or minted during sign-in, and is what the
// token protector serializes.
type Principal struct {
	Claims map[string][]string `json:"claims"`
}

// NewPrincipal creates a principal with the given subject.
func NewPrincipal(subject string) *Principal {
	p := &Principal{Claims: make(map[string][]string)}
	if subject != "" {
		p.SetClaim(ClaimSubject, subject)
	}
	return p
}

// Claim returns the first value of a claim.
func (p *Principal) Claim(name string) string {
	if p == nil {
		return ""
	}
	if v := p.Claims[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// ClaimValues returns every value of a claim.
func (p *Principal) ClaimValues(name string) []string {
	if p == nil {
		return nil
	}
	return slices.Clone(p.Claims[name])
}

// HasClaim reports whether the claim is present.
func (p *Principal) HasClaim(name string) bool {
	return p != nil && len(p.Claims[name]) > 0
}

// SetClaim replaces a claim with a single value. An empty value removes it.
func (p *Principal) SetClaim(name, value string) *Principal {
	if p.Claims == nil {
		p.Claims = make(map[string][]string)
	}
	if value == "" {
		delete(p.Claims, name)
		return p
	}
	p.Claims[name] = []string{value}
	return p
}

// SetClaims replaces a claim with several values. No values removes it.
func (p *Principal) SetClaims(name string, values []string) *Principal {
	if p.Claims == nil {
		p.Claims = make(map[string][]string)
	}
	if len(values) == 0 {
		delete(p.Claims, name)
		return p
	}
	p.Claims[name] = slices.Clone(values)
	return p
}

// RemoveClaim deletes a claim.
func (p *Principal) RemoveClaim(name string) *Principal {
	delete(p.Claims, name)
	return p
}

// Subject returns the sub claim.
func (p *Principal) Subject() string { return p.Claim(ClaimSubject) }

// Scopes returns the granted scopes.
func (p *Principal) Scopes() []string { return p.ClaimValues(ClaimPrivateScope) }

// SetScopes replaces the granted scopes.
func (p *Principal) SetScopes(scopes []string) *Principal {
	return p.SetClaims(ClaimPrivateScope, scopes)
}

// HasScope reports whether scope was granted.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Claims[ClaimPrivateScope], scope)
}

// Presenters returns the client applications the token was issued to.
func (p *Principal) Presenters() []string { return p.ClaimValues(ClaimPrivatePresenter) }

// SetPresenters replaces the presenters.
func (p *Principal) SetPresenters(presenters []string) *Principal {
	return p.SetClaims(ClaimPrivatePresenter, presenters)
}

// Audiences returns the aud claim values.
func (p *Principal) Audiences() []string { return p.ClaimValues(ClaimAudience) }

// TokenType returns the private token type claim.
func (p *Principal) TokenType() string { return p.Claim(ClaimPrivateTokenType) }

// HasTokenType reports whether the principal describes a token of type t.
func (p *Principal) HasTokenType(t string) bool { return p.TokenType() == t }

// TokenID returns the identifier of the token entry backing this principal.
func (p *Principal) TokenID() string { return p.Claim(ClaimPrivateTokenID) }

// AuthorizationID returns the authorization the token belongs to.
func (p *Principal) AuthorizationID() string { return p.Claim(ClaimPrivateAuthorizationID) }

// CreatedAt returns the creation date of the token, or the zero time.
func (p *Principal) CreatedAt() time.Time { return p.timeClaim(ClaimPrivateCreationDate) }

// ExpiresAt returns the expiration date of the token, or the zero time.
func (p *Principal) ExpiresAt() time.Time { return p.timeClaim(ClaimPrivateExpirationDate) }

// SetCreatedAt sets the creation date.
func (p *Principal) SetCreatedAt(t time.Time) *Principal {
	return p.setTimeClaim(ClaimPrivateCreationDate, t)
}

// SetExpiresAt sets the expiration date. The zero time removes it.
func (p *Principal) SetExpiresAt(t time.Time) *Principal {
	return p.setTimeClaim(ClaimPrivateExpirationDate, t)
}

// IsExpired reports whether the principal carries an expiration date before now.
func (p *Principal) IsExpired(now time.Time) bool {
	exp := p.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

func (p *Principal) timeClaim(name string) time.Time {
	v := p.Claim(name)
	if v == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

func (p *Principal) setTimeClaim(name string, t time.Time) *Principal {
	if t.IsZero() {
		return p.RemoveClaim(name)
	}
	return p.SetClaim(name, strconv.FormatInt(t.Unix(), 10))
}

// Clone returns a deep copy of the principal.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	c := &Principal{Claims: make(map[string][]string, len(p.Claims))}
	for k, v := range p.Claims {
		c.Claims[k] = slices.Clone(v)
	}
	return c
}

// ClaimNames returns the claim names in sorted order.
func (p *Principal) ClaimNames() []string {
	if p == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(p.Claims))
}

// Equal reports whether two principals carry exactly the same claims.
func (p *Principal) Equal(other *Principal) bool {
	if p == nil || other == nil {
		return p == other
	}
	return maps.EqualFunc(p.Claims, other.Claims, slices.Equal[[]string])
}

// MarshalJSON serializes the claims as a flat JSON object.
func (p *Principal) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Claims)
}

// UnmarshalJSON restores claims serialized by MarshalJSON.
func (p *Principal) UnmarshalJSON(data []byte) error {
	claims := make(map[string][]string)
	if err := json.Unmarshal(data, &claims); err != nil {
		return err
	}
	p.Claims = claims
	return nil
}

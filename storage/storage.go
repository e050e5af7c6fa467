package storage

import (
	"context"
	"errors"
	"iter"
	"time"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound is returned when an entity does not exist or has expired.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRedeemed is returned by TokenStore.Redeem when the entry was
	// already redeemed. The entry is returned alongside so callers can run
	// reuse detection.
	ErrAlreadyRedeemed = errors.New("token already redeemed")

	// ErrInvalidStatus is returned by TokenStore.Redeem when the entry is
	// neither valid nor redeemed.
	ErrInvalidStatus = errors.New("token status does not allow redemption")
)

// Application is a registered client application.
type Application struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash
	ClientType       string // public, confidential or hybrid
	DisplayName      string
	RedirectURIs     []string
	Permissions      []string
	Requirements     []string
	CreatedAt        time.Time
}

// ApplicationStore resolves and validates client applications.
type ApplicationStore interface {
	// FindByClientID returns ErrNotFound when no application matches.
	FindByClientID(ctx context.Context, clientID string) (*Application, error)

	HasClientType(ctx context.Context, app *Application, clientType string) bool
	HasPermission(ctx context.Context, app *Application, permission string) bool
	HasRequirement(ctx context.Context, app *Application, requirement string) bool

	// ValidateClientSecret compares secret against the stored hash in
	// constant time.
	ValidateClientSecret(ctx context.Context, app *Application, secret string) (bool, error)

	// ValidateRedirectURI reports whether uri exactly matches a registered
	// redirect URI.
	ValidateRedirectURI(ctx context.Context, app *Application, uri string) (bool, error)

	GetRedirectURIs(ctx context.Context, app *Application) ([]string, error)
}

// Scope is a registered scope.
type Scope struct {
	Name        string
	DisplayName string
	Description string
	Resources   []string
}

// ScopeStore resolves scopes by name.
type ScopeStore interface {
	// FindByNames yields the scopes matching names. Unknown names are
	// silently skipped.
	FindByNames(ctx context.Context, names []string) iter.Seq2[*Scope, error]

	GetName(ctx context.Context, scope *Scope) string
}

// TokenStatus is the lifecycle state of a token entry.
type TokenStatus string

// Token statuses.
const (
	// TokenStatusInactive marks device codes awaiting user approval.
	TokenStatusInactive TokenStatus = "inactive"
	TokenStatusValid    TokenStatus = "valid"
	TokenStatusRedeemed TokenStatus = "redeemed"
	TokenStatusRevoked  TokenStatus = "revoked"
	// TokenStatusRejected marks device codes denied by the user.
	TokenStatusRejected TokenStatus = "rejected"
)

// Token is the server-side entry backing an issued token. Reference tokens
// (device codes, user codes) carry the protected payload and are looked up
// by ReferenceID; other tokens only record their lifecycle.
type Token struct {
	ID              string
	ReferenceID     string
	AuthorizationID string
	ApplicationID   string
	Subject         string
	Type            string
	Status          TokenStatus
	Payload         string
	Properties      map[string]string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	RedeemedAt      time.Time
}

// IsExpired reports whether the entry has an expiration date before now.
func (t *Token) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Clone returns a deep copy of the entry.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	if t.Properties != nil {
		c.Properties = make(map[string]string, len(t.Properties))
		for k, v := range t.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// TokenStore persists token entries.
type TokenStore interface {
	Create(ctx context.Context, token *Token) error

	// FindByID and FindByReferenceID return ErrNotFound for unknown entries.
	FindByID(ctx context.Context, id string) (*Token, error)
	FindByReferenceID(ctx context.Context, referenceID string) (*Token, error)

	// Redeem atomically moves a valid entry to redeemed. Only one concurrent
	// caller succeeds; the others get ErrAlreadyRedeemed with the entry.
	Redeem(ctx context.Context, id string) (*Token, error)

	Revoke(ctx context.Context, id string) error

	// RevokeByAuthorization revokes every entry of an authorization and
	// returns how many changed status.
	RevokeByAuthorization(ctx context.Context, authorizationID string) (int, error)

	// RevokeBySubject revokes every entry issued to subject for clientID.
	// An empty clientID matches every client.
	RevokeBySubject(ctx context.Context, subject, clientID string) (int, error)

	// Update replaces a stored entry. It returns ErrNotFound when the entry
	// does not exist.
	Update(ctx context.Context, token *Token) error
}

// RequestCache stores authorization request parameters between the initial
// request and its request_id continuation.
type RequestCache interface {
	// Get returns ErrNotFound for unknown or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// ResourceOwnerValidator checks resource owner credentials for the password
// grant. It returns the subject of the authenticated user, or ok == false.
type ResourceOwnerValidator interface {
	ValidateCredentials(ctx context.Context, username, password string) (subject string, ok bool, err error)
}

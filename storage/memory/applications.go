package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage"
)

// dummyHash is compared against when an application has no secret, so that
// validation takes the same time whether or not a secret is registered.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// SaveApplication registers or replaces an application. A non-empty secret
// is hashed with bcrypt and replaces ClientSecretHash.
func (s *Store) SaveApplication(ctx context.Context, app *storage.Application, secret string) error {
	ctx, span := s.startStorageSpan(ctx, "save_application")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_application", err, startTime)
	}()

	if app == nil || app.ClientID == "" {
		err = fmt.Errorf("application must have a client ID")
		return err
	}

	stored := *app
	stored.RedirectURIs = slices.Clone(app.RedirectURIs)
	stored.Permissions = slices.Clone(app.Permissions)
	stored.Requirements = slices.Clone(app.Requirements)
	if stored.ClientType == "" {
		stored.ClientType = protocol.ClientTypeConfidential
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	if secret != "" {
		var hash []byte
		hash, err = bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			err = fmt.Errorf("failed to hash client secret: %w", err)
			return err
		}
		stored.ClientSecretHash = string(hash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.applications[stored.ClientID]; !existed {
		s.applicationsCountAtomic.Add(1)
	}
	s.applications[stored.ClientID] = &stored

	s.logger.Debug("Saved application", "client_id", stored.ClientID, "client_type", stored.ClientType)
	return nil
}

// DeleteApplication removes an application.
func (s *Store) DeleteApplication(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.applications[clientID]; !ok {
		return fmt.Errorf("%w: application %s", storage.ErrNotFound, clientID)
	}
	delete(s.applications, clientID)
	s.applicationsCountAtomic.Add(-1)
	return nil
}

// FindByClientID returns a copy of the application.
func (s *Store) FindByClientID(ctx context.Context, clientID string) (*storage.Application, error) {
	ctx, span := s.startStorageSpan(ctx, "find_application")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_application", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.applications[clientID]
	if !ok {
		err = fmt.Errorf("%w: application %s", storage.ErrNotFound, clientID)
		return nil, err
	}

	c := *app
	c.RedirectURIs = slices.Clone(app.RedirectURIs)
	c.Permissions = slices.Clone(app.Permissions)
	c.Requirements = slices.Clone(app.Requirements)
	return &c, nil
}

// HasClientType reports whether the application is of the given type.
func (s *Store) HasClientType(_ context.Context, app *storage.Application, clientType string) bool {
	return app != nil && app.ClientType == clientType
}

// HasPermission reports whether the application holds permission.
func (s *Store) HasPermission(_ context.Context, app *storage.Application, permission string) bool {
	return app != nil && slices.Contains(app.Permissions, permission)
}

// HasRequirement reports whether the application has the feature requirement.
func (s *Store) HasRequirement(_ context.Context, app *storage.Application, requirement string) bool {
	return app != nil && slices.Contains(app.Requirements, requirement)
}

// ValidateClientSecret validates a client's secret using bcrypt.
// The comparison always runs, against a dummy hash when the application
// has no secret, so timing does not reveal whether a secret is registered.
func (s *Store) ValidateClientSecret(ctx context.Context, app *storage.Application, secret string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "validate_client_secret")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "validate_client_secret", err, startTime)
	}()

	hashToCompare := dummyHash
	hasSecret := app != nil && app.ClientSecretHash != ""
	if hasSecret {
		hashToCompare = app.ClientSecretHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(secret))
	return hasSecret && bcryptErr == nil, nil
}

// ValidateRedirectURI reports whether uri exactly matches a registered
// redirect URI.
func (s *Store) ValidateRedirectURI(_ context.Context, app *storage.Application, uri string) (bool, error) {
	if app == nil || uri == "" {
		return false, nil
	}
	return slices.Contains(app.RedirectURIs, uri), nil
}

// GetRedirectURIs returns the registered redirect URIs.
func (s *Store) GetRedirectURIs(_ context.Context, app *storage.Application) ([]string, error) {
	if app == nil {
		return nil, nil
	}
	return slices.Clone(app.RedirectURIs), nil
}

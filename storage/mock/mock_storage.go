// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth-server/storage"
)

// MockTokenStore is a mock implementation of TokenStore for testing. Every
// Func field defaults to the store passed to NewMockTokenStore; tests
// replace individual fields to inject faults.
type MockTokenStore struct {
	CreateFunc                func(ctx context.Context, token *storage.Token) error
	FindByIDFunc              func(ctx context.Context, id string) (*storage.Token, error)
	FindByReferenceIDFunc     func(ctx context.Context, referenceID string) (*storage.Token, error)
	RedeemFunc                func(ctx context.Context, id string) (*storage.Token, error)
	RevokeFunc                func(ctx context.Context, id string) error
	RevokeByAuthorizationFunc func(ctx context.Context, authorizationID string) (int, error)
	RevokeBySubjectFunc       func(ctx context.Context, subject, clientID string) (int, error)
	UpdateFunc                func(ctx context.Context, token *storage.Token) error

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.TokenStore = (*MockTokenStore)(nil)

// NewMockTokenStore creates a mock token store delegating to next
func NewMockTokenStore(next storage.TokenStore) *MockTokenStore {
	return &MockTokenStore{
		CreateFunc:                next.Create,
		FindByIDFunc:              next.FindByID,
		FindByReferenceIDFunc:     next.FindByReferenceID,
		RedeemFunc:                next.Redeem,
		RevokeFunc:                next.Revoke,
		RevokeByAuthorizationFunc: next.RevokeByAuthorization,
		RevokeBySubjectFunc:       next.RevokeBySubject,
		UpdateFunc:                next.Update,
		callCounts:                make(map[string]int),
	}
}

func (m *MockTokenStore) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// CallCount returns how often method was called.
func (m *MockTokenStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts clears the call counters.
func (m *MockTokenStore) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}

func (m *MockTokenStore) Create(ctx context.Context, token *storage.Token) error {
	m.count("Create")
	return m.CreateFunc(ctx, token)
}

func (m *MockTokenStore) FindByID(ctx context.Context, id string) (*storage.Token, error) {
	m.count("FindByID")
	return m.FindByIDFunc(ctx, id)
}

func (m *MockTokenStore) FindByReferenceID(ctx context.Context, referenceID string) (*storage.Token, error) {
	m.count("FindByReferenceID")
	return m.FindByReferenceIDFunc(ctx, referenceID)
}

func (m *MockTokenStore) Redeem(ctx context.Context, id string) (*storage.Token, error) {
	m.count("Redeem")
	return m.RedeemFunc(ctx, id)
}

func (m *MockTokenStore) Revoke(ctx context.Context, id string) error {
	m.count("Revoke")
	return m.RevokeFunc(ctx, id)
}

func (m *MockTokenStore) RevokeByAuthorization(ctx context.Context, authorizationID string) (int, error) {
	m.count("RevokeByAuthorization")
	return m.RevokeByAuthorizationFunc(ctx, authorizationID)
}

func (m *MockTokenStore) RevokeBySubject(ctx context.Context, subject, clientID string) (int, error) {
	m.count("RevokeBySubject")
	return m.RevokeBySubjectFunc(ctx, subject, clientID)
}

func (m *MockTokenStore) Update(ctx context.Context, token *storage.Token) error {
	m.count("Update")
	return m.UpdateFunc(ctx, token)
}

// MockResourceOwnerValidator accepts the credentials listed in Users,
// mapping username to password. Subjects equal usernames.
type MockResourceOwnerValidator struct {
	Users map[string]string

	// Err, when set, is returned by every call.
	Err error
}

var _ storage.ResourceOwnerValidator = (*MockResourceOwnerValidator)(nil)

func (m *MockResourceOwnerValidator) ValidateCredentials(_ context.Context, username, password string) (string, bool, error) {
	if m.Err != nil {
		return "", false, m.Err
	}
	if want, ok := m.Users[username]; ok && want == password {
		return username, true, nil
	}
	return "", false, nil
}

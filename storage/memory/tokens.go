package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/storage"
)

// Create stores a new token entry. ID must be unique; ReferenceID, when
// set, must be unique as well.
func (s *Store) Create(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "create_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "create_token", err, startTime)
	}()

	if token == nil || token.ID == "" {
		err = fmt.Errorf("token entry must have an ID")
		return err
	}

	stored := token.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.Status == "" {
		stored.Status = storage.TokenStatusValid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[stored.ID]; exists {
		err = fmt.Errorf("token entry %s already exists", util.SafeTruncate(stored.ID, tokenIDLogLength))
		return err
	}
	if stored.ReferenceID != "" {
		if _, exists := s.byReference[stored.ReferenceID]; exists {
			err = fmt.Errorf("reference identifier already in use")
			return err
		}
	}

	if stored.Payload, err = s.sealPayload(stored.Payload); err != nil {
		return err
	}

	s.tokens[stored.ID] = stored
	if stored.ReferenceID != "" {
		s.byReference[stored.ReferenceID] = stored.ID
	}
	s.tokensCountAtomic.Add(1)

	s.logger.Debug("Created token entry",
		"token_id", util.SafeTruncate(stored.ID, tokenIDLogLength),
		"type", stored.Type,
		"status", stored.Status)
	return nil
}

// FindByID returns a copy of the entry.
func (s *Store) FindByID(ctx context.Context, id string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "find_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_token", err, startTime)
	}()

	s.mu.RLock()
	tok, ok := s.tokens[id]
	var c *storage.Token
	if ok {
		c = tok.Clone()
	}
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: token entry", storage.ErrNotFound)
		return nil, err
	}
	c.Payload, err = s.openPayload(c.Payload)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FindByReferenceID returns a copy of the entry with the given reference identifier.
func (s *Store) FindByReferenceID(ctx context.Context, referenceID string) (*storage.Token, error) {
	s.mu.RLock()
	id, ok := s.byReference[referenceID]
	s.mu.RUnlock()

	if !ok || referenceID == "" {
		return nil, fmt.Errorf("%w: token entry", storage.ErrNotFound)
	}
	return s.FindByID(ctx, id)
}

// Redeem atomically marks a valid entry as redeemed. The write lock makes
// the check-and-set atomic: exactly one concurrent caller succeeds.
func (s *Store) Redeem(ctx context.Context, id string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "redeem_token", err, startTime)
	}()

	s.mu.Lock()
	tok, ok := s.tokens[id]
	if !ok {
		s.mu.Unlock()
		err = fmt.Errorf("%w: token entry", storage.ErrNotFound)
		return nil, err
	}

	var redeemErr error
	switch tok.Status {
	case storage.TokenStatusValid:
		tok.Status = storage.TokenStatusRedeemed
		tok.RedeemedAt = s.now()
	case storage.TokenStatusRedeemed:
		redeemErr = storage.ErrAlreadyRedeemed
	default:
		redeemErr = fmt.Errorf("%w: %s", storage.ErrInvalidStatus, tok.Status)
	}
	c := tok.Clone()
	s.mu.Unlock()

	if c.Payload, err = s.openPayload(c.Payload); err != nil {
		return nil, err
	}

	if redeemErr == nil {
		s.logger.Debug("Redeemed token entry", "token_id", util.SafeTruncate(id, tokenIDLogLength))
	}
	return c, redeemErr
}

// Revoke marks the entry as revoked.
func (s *Store) Revoke(ctx context.Context, id string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[id]
	if !ok {
		err = fmt.Errorf("%w: token entry", storage.ErrNotFound)
		return err
	}
	tok.Status = storage.TokenStatusRevoked
	return nil
}

// RevokeByAuthorization revokes every entry of the authorization.
func (s *Store) RevokeByAuthorization(ctx context.Context, authorizationID string) (int, error) {
	if authorizationID == "" {
		return 0, nil
	}
	return s.revokeWhere(ctx, "revoke_by_authorization", func(t *storage.Token) bool {
		return t.AuthorizationID == authorizationID
	})
}

// RevokeBySubject revokes every entry issued to subject for clientID, or for
// every client when clientID is empty.
func (s *Store) RevokeBySubject(ctx context.Context, subject, clientID string) (int, error) {
	if subject == "" {
		return 0, fmt.Errorf("subject cannot be empty")
	}
	return s.revokeWhere(ctx, "revoke_by_subject", func(t *storage.Token) bool {
		return t.Subject == subject && (clientID == "" || t.ApplicationID == clientID)
	})
}

func (s *Store) revokeWhere(ctx context.Context, operation string, match func(*storage.Token) bool) (int, error) {
	ctx, span := s.startStorageSpan(ctx, operation)
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, operation, err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, tok := range s.tokens {
		if tok.Status == storage.TokenStatusRevoked || !match(tok) {
			continue
		}
		tok.Status = storage.TokenStatusRevoked
		revoked++
	}

	if revoked > 0 {
		s.logger.Debug("Revoked token entries", "operation", operation, "count", revoked)
	}
	return revoked, nil
}

// Update replaces a stored entry.
func (s *Store) Update(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "update_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "update_token", err, startTime)
	}()

	if token == nil {
		err = fmt.Errorf("token cannot be nil")
		return err
	}

	stored := token.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[stored.ID]
	if !ok {
		err = fmt.Errorf("%w: token entry", storage.ErrNotFound)
		return err
	}
	if stored.Payload, err = s.sealPayload(stored.Payload); err != nil {
		return err
	}
	if old.ReferenceID != stored.ReferenceID {
		if old.ReferenceID != "" {
			delete(s.byReference, old.ReferenceID)
		}
		if stored.ReferenceID != "" {
			s.byReference[stored.ReferenceID] = stored.ID
		}
	}
	s.tokens[stored.ID] = stored
	return nil
}

// sealPayload must be called with the mutex held.
func (s *Store) sealPayload(payload string) (string, error) {
	if s.encryptor == nil || payload == "" {
		return payload, nil
	}
	sealed, err := s.encryptor.EncryptString(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token payload: %w", err)
	}
	return sealed, nil
}

func (s *Store) openPayload(payload string) (string, error) {
	s.mu.RLock()
	enc := s.encryptor
	s.mu.RUnlock()

	if enc == nil || payload == "" {
		return payload, nil
	}
	plain, err := enc.DecryptString(payload)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token payload: %w", err)
	}
	return plain, nil
}

package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaRedeemToken atomically moves a valid entry to redeemed. Only ONE
// concurrent caller gets the entry back without a prefix.
//
// KEYS[1] = token key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - updated JSON entry on success
//   - "NOT_FOUND" if the key doesn't exist
//   - "ALREADY_REDEEMED:<json>" if the entry was already redeemed
//   - "INVALID_STATUS:<json>" for any other status
const luaRedeemToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local tok = cjson.decode(data)

if tok.status == 'redeemed' then
    return 'ALREADY_REDEEMED:' .. data
end
if tok.status ~= 'valid' then
    return 'INVALID_STATUS:' .. data
end

tok.status = 'redeemed'
tok.redeemed_at = tonumber(ARGV[1])
local updated = cjson.encode(tok)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')

return updated
`

// luaRevokeToken atomically marks an entry as revoked.
//
// KEYS[1] = token key
// ARGV[1] = application id filter, or "" for any application
//
// Returns 1 when the status changed, 0 when it did not, -1 when the key
// doesn't exist.
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return -1
end

local tok = cjson.decode(data)

if ARGV[1] ~= '' and tok.application_id ~= ARGV[1] then
    return 0
end
if tok.status == 'revoked' then
    return 0
end

tok.status = 'revoked'
redis.call('SET', KEYS[1], cjson.encode(tok), 'KEEPTTL')
return 1
`

// tokenJSON is the JSON representation of a token entry. Times are Unix
// seconds so the Lua scripts can handle them as plain numbers.
type tokenJSON struct {
	ID              string            `json:"id"`
	ReferenceID     string            `json:"reference_id,omitempty"`
	AuthorizationID string            `json:"authorization_id,omitempty"`
	ApplicationID   string            `json:"application_id,omitempty"`
	Subject         string            `json:"subject,omitempty"`
	Type            string            `json:"type,omitempty"`
	Status          string            `json:"status"`
	Payload         string            `json:"payload,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	CreatedAt       int64             `json:"created_at,omitempty"`
	ExpiresAt       int64             `json:"expires_at,omitempty"`
	RedeemedAt      int64             `json:"redeemed_at,omitempty"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(secs int64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	return &tokenJSON{
		ID:              t.ID,
		ReferenceID:     t.ReferenceID,
		AuthorizationID: t.AuthorizationID,
		ApplicationID:   t.ApplicationID,
		Subject:         t.Subject,
		Type:            t.Type,
		Status:          string(t.Status),
		Payload:         t.Payload,
		Properties:      t.Properties,
		CreatedAt:       unixOrZero(t.CreatedAt),
		ExpiresAt:       unixOrZero(t.ExpiresAt),
		RedeemedAt:      unixOrZero(t.RedeemedAt),
	}
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	return &storage.Token{
		ID:              j.ID,
		ReferenceID:     j.ReferenceID,
		AuthorizationID: j.AuthorizationID,
		ApplicationID:   j.ApplicationID,
		Subject:         j.Subject,
		Type:            j.Type,
		Status:          storage.TokenStatus(j.Status),
		Payload:         j.Payload,
		Properties:      j.Properties,
		CreatedAt:       timeOrZero(j.CreatedAt),
		ExpiresAt:       timeOrZero(j.ExpiresAt),
		RedeemedAt:      timeOrZero(j.RedeemedAt),
	}
}

// ttlFor returns the key TTL of an entry, 0 for entries without expiration.
// Expired entries are kept for the clock skew grace period.
func (s *Store) ttlFor(t *storage.Token) time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return time.Until(t.ExpiresAt) + security.DefaultClockSkewGracePeriod
}

func (s *Store) encode(t *storage.Token) (string, error) {
	stored := t.Clone()
	if enc := s.getEncryptor(); enc != nil && stored.Payload != "" {
		sealed, err := enc.EncryptString(stored.Payload)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt token payload: %w", err)
		}
		stored.Payload = sealed
	}
	data, err := json.Marshal(toTokenJSON(stored))
	if err != nil {
		return "", fmt.Errorf("failed to marshal token entry: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return "", fmt.Errorf("token entry exceeds maximum size of %d bytes", MaxPayloadSize)
	}
	return string(data), nil
}

func (s *Store) decode(data string) (*storage.Token, error) {
	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token entry: %w", err)
	}
	t := fromTokenJSON(&j)
	if enc := s.getEncryptor(); enc != nil && t.Payload != "" {
		plain, err := enc.DecryptString(t.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt token payload: %w", err)
		}
		t.Payload = plain
	}
	return t, nil
}

// Create stores a new token entry. ID must be unique; ReferenceID, when
// set, must be unique as well.
func (s *Store) Create(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "create_token", err, startTime)
	}()

	if token == nil || token.ID == "" {
		return fmt.Errorf("token entry must have an ID")
	}

	stored := token.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.Status == "" {
		stored.Status = storage.TokenStatusValid
	}

	ttl := s.ttlFor(stored)
	if !stored.ExpiresAt.IsZero() && ttl <= 0 {
		return fmt.Errorf("token entry already expired")
	}

	data, err := s.encode(stored)
	if err != nil {
		return err
	}

	key := s.tokenKey(stored.ID)
	set := s.client.B().Set().Key(key).Value(data).Nx()
	if ttl > 0 {
		err = s.client.Do(ctx, set.ExSeconds(ttlSeconds(ttl)).Build()).Error()
	} else {
		err = s.client.Do(ctx, set.Build()).Error()
	}
	if isNilError(err) {
		return fmt.Errorf("token entry %s already exists", util.SafeTruncate(stored.ID, tokenIDLogLength))
	}
	if err != nil {
		return fmt.Errorf("failed to save token entry: %w", err)
	}

	if stored.ReferenceID != "" {
		if err = s.setReference(ctx, stored.ReferenceID, stored.ID, ttl); err != nil {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
			return err
		}
	}

	if stored.AuthorizationID != "" {
		if err = s.client.Do(ctx, s.client.B().Sadd().Key(s.authorizationKey(stored.AuthorizationID)).Member(stored.ID).Build()).Error(); err != nil {
			return fmt.Errorf("failed to index token entry by authorization: %w", err)
		}
	}
	if stored.Subject != "" {
		if err = s.client.Do(ctx, s.client.B().Sadd().Key(s.subjectKey(stored.Subject)).Member(stored.ID).Build()).Error(); err != nil {
			return fmt.Errorf("failed to index token entry by subject: %w", err)
		}
	}

	s.logger.Debug("Created token entry",
		"token_id", util.SafeTruncate(stored.ID, tokenIDLogLength),
		"type", stored.Type,
		"status", stored.Status)
	return nil
}

func (s *Store) setReference(ctx context.Context, ref, id string, ttl time.Duration) error {
	set := s.client.B().Set().Key(s.referenceKey(ref)).Value(id).Nx()
	var err error
	if ttl > 0 {
		err = s.client.Do(ctx, set.ExSeconds(ttlSeconds(ttl)).Build()).Error()
	} else {
		err = s.client.Do(ctx, set.Build()).Error()
	}
	if isNilError(err) {
		return fmt.Errorf("reference identifier already in use")
	}
	if err != nil {
		return fmt.Errorf("failed to save reference identifier: %w", err)
	}
	return nil
}

// FindByID returns the entry.
func (s *Store) FindByID(ctx context.Context, id string) (tok *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		if errors.Is(err, storage.ErrNotFound) {
			s.recordStorageOperation(ctx, span, "find_token", nil, startTime)
			return
		}
		s.recordStorageOperation(ctx, span, "find_token", err, startTime)
	}()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: token entry", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get token entry: %w", err)
	}
	return s.decode(data)
}

// FindByReferenceID returns the entry with the given reference identifier.
func (s *Store) FindByReferenceID(ctx context.Context, referenceID string) (*storage.Token, error) {
	if referenceID == "" {
		return nil, fmt.Errorf("%w: token entry", storage.ErrNotFound)
	}
	id, err := s.client.Do(ctx, s.client.B().Get().Key(s.referenceKey(referenceID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: token entry", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve reference identifier: %w", err)
	}
	return s.FindByID(ctx, id)
}

// Redeem atomically marks a valid entry as redeemed.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) Redeem(ctx context.Context, id string) (tok *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "redeem_token", err, startTime)
	}()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRedeemToken).
			Numkeys(1).
			Key(s.tokenKey(id)).
			Arg(strconv.FormatInt(s.now().Unix(), 10)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic redemption: %w", err)
	}

	var redeemErr error
	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: token entry", storage.ErrNotFound)
	case strings.HasPrefix(result, "ALREADY_REDEEMED:"):
		result = strings.TrimPrefix(result, "ALREADY_REDEEMED:")
		redeemErr = storage.ErrAlreadyRedeemed
	case strings.HasPrefix(result, "INVALID_STATUS:"):
		result = strings.TrimPrefix(result, "INVALID_STATUS:")
		redeemErr = storage.ErrInvalidStatus
	}

	tok, err = s.decode(result)
	if err != nil {
		return nil, err
	}
	if errors.Is(redeemErr, storage.ErrInvalidStatus) {
		return tok, fmt.Errorf("%w: %s", storage.ErrInvalidStatus, tok.Status)
	}
	if redeemErr == nil {
		s.logger.Debug("Redeemed token entry", "token_id", util.SafeTruncate(id, tokenIDLogLength))
	}
	return tok, redeemErr
}

// Revoke marks the entry as revoked.
func (s *Store) Revoke(ctx context.Context, id string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_token", err, startTime)
	}()

	changed, err := s.revoke(ctx, id, "")
	if err != nil {
		return err
	}
	if changed < 0 {
		return fmt.Errorf("%w: token entry", storage.ErrNotFound)
	}
	return nil
}

func (s *Store) revoke(ctx context.Context, id, clientID string) (int64, error) {
	changed, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).
			Numkeys(1).
			Key(s.tokenKey(id)).
			Arg(clientID).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token entry: %w", err)
	}
	return changed, nil
}

// RevokeByAuthorization revokes every entry of the authorization.
func (s *Store) RevokeByAuthorization(ctx context.Context, authorizationID string) (int, error) {
	if authorizationID == "" {
		return 0, nil
	}
	return s.revokeSet(ctx, "revoke_by_authorization", s.authorizationKey(authorizationID), "")
}

// RevokeBySubject revokes every entry issued to subject for clientID, or for
// every client when clientID is empty.
func (s *Store) RevokeBySubject(ctx context.Context, subject, clientID string) (int, error) {
	if subject == "" {
		return 0, fmt.Errorf("subject cannot be empty")
	}
	return s.revokeSet(ctx, "revoke_by_subject", s.subjectKey(subject), clientID)
}

// revokeSet revokes the members of an index set. Members whose entry
// expired are removed from the set.
func (s *Store) revokeSet(ctx context.Context, operation, setKey, clientID string) (revoked int, err error) {
	ctx, span := s.startStorageSpan(ctx, operation)
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, operation, err, startTime)
	}()

	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to list token entries: %w", err)
	}

	for _, id := range ids {
		changed, revokeErr := s.revoke(ctx, id, clientID)
		if revokeErr != nil {
			return revoked, revokeErr
		}
		switch {
		case changed > 0:
			revoked++
		case changed < 0:
			if err := s.client.Do(ctx, s.client.B().Srem().Key(setKey).Member(id).Build()).Error(); err != nil {
				s.logger.Warn("Failed to prune token index", "error", err)
			}
		}
	}

	if revoked > 0 {
		s.logger.Debug("Revoked token entries", "operation", operation, "count", revoked)
	}
	return revoked, nil
}

// Update replaces a stored entry.
func (s *Store) Update(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "update_token", err, startTime)
	}()

	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}

	old, err := s.FindByID(ctx, token.ID)
	if err != nil {
		return err
	}

	data, err := s.encode(token)
	if err != nil {
		return err
	}

	ttl := s.ttlFor(token)
	set := s.client.B().Set().Key(s.tokenKey(token.ID)).Value(data).Xx()
	if ttl > 0 {
		err = s.client.Do(ctx, set.ExSeconds(ttlSeconds(ttl)).Build()).Error()
	} else {
		err = s.client.Do(ctx, set.Build()).Error()
	}
	if isNilError(err) {
		return fmt.Errorf("%w: token entry", storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update token entry: %w", err)
	}

	if old.ReferenceID != token.ReferenceID {
		if old.ReferenceID != "" {
			if err = s.client.Do(ctx, s.client.B().Del().Key(s.referenceKey(old.ReferenceID)).Build()).Error(); err != nil {
				return fmt.Errorf("failed to remove reference identifier: %w", err)
			}
		}
		if token.ReferenceID != "" {
			if err = s.setReference(ctx, token.ReferenceID, token.ID, ttl); err != nil {
				return err
			}
		}
	}
	return nil
}

package tokens

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/security"
)

// sealedPurpose binds sealed tokens to this format. It is passed to the
// AEAD as additional data.
const sealedPurpose = "oauth-server/principal/v1"

// SealedFormat protects principals with AES-256-GCM.
type SealedFormat struct {
	encryptor       *security.Encryptor
	instrumentation *instrumentation.Instrumentation
}

var _ Protector = (*SealedFormat)(nil)

// NewSealedFormat creates a sealed token format.
func NewSealedFormat(enc *security.Encryptor) (*SealedFormat, error) {
	if enc == nil {
		return nil, errors.New("encryptor is required")
	}
	return &SealedFormat{encryptor: enc}, nil
}

// SetInstrumentation enables encryption metrics.
func (f *SealedFormat) SetInstrumentation(inst *instrumentation.Instrumentation) {
	f.instrumentation = inst
}

// Protect serializes and encrypts the principal.
func (f *SealedFormat) Protect(ctx context.Context, principal *protocol.Principal) (string, error) {
	if principal == nil {
		return "", errors.New("principal cannot be nil")
	}
	start := time.Now()
	defer f.record(ctx, "encrypt", start)

	plaintext, err := json.Marshal(principal)
	if err != nil {
		return "", fmt.Errorf("failed to serialize principal: %w", err)
	}
	sealed, err := f.encryptor.Seal(plaintext, []byte(sealedPurpose))
	if err != nil {
		return "", fmt.Errorf("failed to seal principal: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Unprotect decrypts the token. Tokens that do not decrypt report
// ErrInvalidToken.
func (f *SealedFormat) Unprotect(ctx context.Context, token string) (*protocol.Principal, error) {
	start := time.Now()
	defer f.record(ctx, "decrypt", start)

	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed encoding", ErrInvalidToken)
	}
	plaintext, err := f.encryptor.Open(sealed, []byte(sealedPurpose))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	principal := &protocol.Principal{}
	if err := json.Unmarshal(plaintext, principal); err != nil {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalidToken)
	}
	return principal, nil
}

func (f *SealedFormat) record(ctx context.Context, operation string, start time.Time) {
	if f.instrumentation == nil {
		return
	}
	f.instrumentation.Metrics().RecordEncryptionOperation(ctx, operation, float64(time.Since(start).Microseconds())/1000)
}

package tokens

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oauth-server/protocol"
)

// jwtClaims is the JWS payload. Registered claims are set for the benefit
// of resource servers; the principal travels unchanged in oi_claims.
type jwtClaims struct {
	jwt.Claims
	Principal map[string][]string `json:"oi_claims"`
}

// JWTFormat protects principals as signed JWTs.
type JWTFormat struct {
	signer    jose.Signer
	publicKey crypto.PublicKey
	algorithm jose.SignatureAlgorithm
	keyID     string
	issuer    string
}

var _ Protector = (*JWTFormat)(nil)

// NewJWTFormat creates a JWT format signing with key. The algorithm is
// derived from the key type and the key id is its RFC 7638 thumbprint.
func NewJWTFormat(key crypto.Signer, issuer string) (*JWTFormat, error) {
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	alg, err := algorithmFor(key)
	if err != nil {
		return nil, err
	}
	kid, err := DeriveKeyID(key)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: jose.JSONWebKey{Key: key, KeyID: kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	return &JWTFormat{
		signer:    signer,
		publicKey: key.Public(),
		algorithm: alg,
		keyID:     kid,
		issuer:    issuer,
	}, nil
}

func algorithmFor(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
		return "", fmt.Errorf("unsupported ECDSA curve %s", k.Curve.Params().Name)
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	default:
		return "", fmt.Errorf("unsupported signing key type %T", key)
	}
}

// DeriveKeyID computes a key ID from the public key using RFC 7638 JWK Thumbprint.
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// KeyID returns the key id placed in the kid header.
func (f *JWTFormat) KeyID() string { return f.keyID }

// JWKS returns the public verification key set.
func (f *JWTFormat) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       f.publicKey,
		KeyID:     f.keyID,
		Algorithm: string(f.algorithm),
		Use:       "sig",
	}}}
}

// Protect signs the principal.
func (f *JWTFormat) Protect(_ context.Context, principal *protocol.Principal) (string, error) {
	if principal == nil {
		return "", errors.New("principal cannot be nil")
	}

	claims := jwtClaims{
		Claims: jwt.Claims{
			Issuer:   f.issuer,
			Subject:  principal.Subject(),
			Audience: jwt.Audience(principal.Audiences()),
			ID:       principal.TokenID(),
		},
		Principal: principal.Clone().Claims,
	}
	if t := principal.CreatedAt(); !t.IsZero() {
		claims.IssuedAt = jwt.NewNumericDate(t)
	}
	if t := principal.ExpiresAt(); !t.IsZero() {
		claims.Expiry = jwt.NewNumericDate(t)
	}

	token, err := jwt.Signed(f.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Unprotect verifies the signature and issuer and returns the principal.
// Expiration is not checked here.
func (f *JWTFormat) Unprotect(_ context.Context, token string) (*protocol.Principal, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{f.algorithm})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	var claims jwtClaims
	if err := parsed.Claims(f.publicKey, &claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Issuer != f.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}

	principal := &protocol.Principal{Claims: claims.Principal}
	if principal.Claims == nil {
		principal.Claims = make(map[string][]string)
	}
	return principal, nil
}

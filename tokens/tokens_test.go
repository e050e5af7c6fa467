package tokens

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/security"
)

func testPrincipals() map[string]*protocol.Principal {
	now := time.Unix(1700000000, 0).UTC()

	full := protocol.NewPrincipal("alice")
	full.SetScopes([]string{"openid", "offline_access", "api:read"})
	full.SetPresenters([]string{"client-a", "client-b"})
	full.SetClaims(protocol.ClaimAudience, []string{"https://api.example.com"})
	full.SetClaim(protocol.ClaimPrivateTokenType, protocol.TokenTypeAuthorizationCode)
	full.SetClaim(protocol.ClaimPrivateTokenID, "token-id")
	full.SetClaim(protocol.ClaimPrivateCodeChallenge, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM")
	full.SetClaim(protocol.ClaimPrivateCodeChallengeMethod, protocol.CodeChallengeMethodS256)
	full.SetClaim(protocol.ClaimPrivateRedirectURI, "https://client.example.com/cb?x=1&y=2")
	full.SetClaim("display_name", "Alice \"A\" <alice@example.com>")
	full.SetCreatedAt(now)
	full.SetExpiresAt(now.Add(10 * time.Minute))

	return map[string]*protocol.Principal{
		"full":         full,
		"subject only": protocol.NewPrincipal("bob"),
		"no claims":    protocol.NewPrincipal(""),
	}
}

func newSealedFormat(t *testing.T) *SealedFormat {
	t.Helper()
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	f, err := NewSealedFormat(enc)
	require.NoError(t, err)
	return f
}

func newJWTFormat(t *testing.T) *JWTFormat {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	f, err := NewJWTFormat(key, "https://issuer.example.com")
	require.NoError(t, err)
	return f
}

func TestProtector_RoundTrip(t *testing.T) {
	formats := map[string]Protector{
		"sealed": newSealedFormat(t),
		"jwt":    newJWTFormat(t),
	}

	for formatName, f := range formats {
		for name, principal := range testPrincipals() {
			t.Run(formatName+"/"+name, func(t *testing.T) {
				ctx := context.Background()

				token, err := f.Protect(ctx, principal)
				require.NoError(t, err)
				require.NotEmpty(t, token)

				got, err := f.Unprotect(ctx, token)
				require.NoError(t, err)

				assert.True(t, principal.Equal(got), "claims differ: want %v, got %v", principal.Claims, got.Claims)
				assert.Equal(t, principal.Scopes(), got.Scopes())
				assert.Equal(t, principal.Presenters(), got.Presenters())
				assert.Equal(t, principal.Subject(), got.Subject())
			})
		}
	}
}

func TestProtector_RejectsTampering(t *testing.T) {
	formats := map[string]Protector{
		"sealed": newSealedFormat(t),
		"jwt":    newJWTFormat(t),
	}

	for name, f := range formats {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, err := f.Protect(ctx, protocol.NewPrincipal("alice"))
			require.NoError(t, err)

			tampered := []byte(token)
			i := len(tampered) / 2
			if tampered[i] == 'A' {
				tampered[i] = 'B'
			} else {
				tampered[i] = 'A'
			}

			for _, bad := range []string{"", "not-a-token", string(tampered)} {
				_, err := f.Unprotect(ctx, bad)
				assert.ErrorIs(t, err, ErrInvalidToken, "token %q", bad)
			}
		})
	}
}

func TestProtector_NilPrincipal(t *testing.T) {
	_, err := newSealedFormat(t).Protect(context.Background(), nil)
	assert.Error(t, err)
	_, err = newJWTFormat(t).Protect(context.Background(), nil)
	assert.Error(t, err)
}

func TestSealedFormat_OtherKey(t *testing.T) {
	ctx := context.Background()
	token, err := newSealedFormat(t).Protect(ctx, protocol.NewPrincipal("alice"))
	require.NoError(t, err)

	_, err = newSealedFormat(t).Unprotect(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSealedFormat_RequiresEncryptor(t *testing.T) {
	_, err := NewSealedFormat(nil)
	assert.Error(t, err)
}

func TestSealedFormat_Instrumentation(t *testing.T) {
	f := newSealedFormat(t)
	f.SetInstrumentation(instrumentation.NewNoop())

	ctx := context.Background()
	token, err := f.Protect(ctx, protocol.NewPrincipal("alice"))
	require.NoError(t, err)
	_, err = f.Unprotect(ctx, token)
	require.NoError(t, err)
}

func TestJWTFormat_Algorithms(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name string
		f    func() (*JWTFormat, error)
		alg  string
	}{
		{"RSA", func() (*JWTFormat, error) { return NewJWTFormat(rsaKey, "iss") }, "RS256"},
		{"P-384", func() (*JWTFormat, error) { return NewJWTFormat(ecKey, "iss") }, "ES384"},
		{"Ed25519", func() (*JWTFormat, error) { return NewJWTFormat(edKey, "iss") }, "EdDSA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := tt.f()
			require.NoError(t, err)

			jwks := f.JWKS()
			require.Len(t, jwks.Keys, 1)
			assert.Equal(t, tt.alg, jwks.Keys[0].Algorithm)
			assert.Equal(t, f.KeyID(), jwks.Keys[0].KeyID)
			assert.True(t, jwks.Keys[0].IsPublic())

			token, err := f.Protect(context.Background(), protocol.NewPrincipal("alice"))
			require.NoError(t, err)
			got, err := f.Unprotect(context.Background(), token)
			require.NoError(t, err)
			assert.Equal(t, "alice", got.Subject())
		})
	}
}

func TestJWTFormat_RegisteredClaims(t *testing.T) {
	f := newJWTFormat(t)
	principal := testPrincipals()["full"]

	token, err := f.Protect(context.Background(), principal)
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(token, ".")))

	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	require.Len(t, parsed.Headers, 1)
	assert.Equal(t, f.KeyID(), parsed.Headers[0].KeyID)

	var claims jwt.Claims
	require.NoError(t, parsed.Claims(f.JWKS().Keys[0].Key, &claims))
	assert.Equal(t, "https://issuer.example.com", claims.Issuer)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "token-id", claims.ID)
	require.NotNil(t, claims.Expiry)
	assert.Equal(t, principal.ExpiresAt(), claims.Expiry.Time().UTC())
}

func TestJWTFormat_WrongIssuer(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	a, err := NewJWTFormat(key, "https://a.example.com")
	require.NoError(t, err)
	b, err := NewJWTFormat(key, "https://b.example.com")
	require.NoError(t, err)

	token, err := a.Protect(context.Background(), protocol.NewPrincipal("alice"))
	require.NoError(t, err)

	_, err = b.Unprotect(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTFormat_OtherKey(t *testing.T) {
	token, err := newJWTFormat(t).Protect(context.Background(), protocol.NewPrincipal("alice"))
	require.NoError(t, err)

	_, err = newJWTFormat(t).Unprotect(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTFormat_InvalidKey(t *testing.T) {
	_, err := NewJWTFormat(nil, "iss")
	assert.Error(t, err)

	p224, err := ecdsa.GenerateKey(elliptic.P224(), rand.Reader)
	require.NoError(t, err)
	_, err = NewJWTFormat(p224, "iss")
	assert.Error(t, err)
}

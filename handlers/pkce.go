package handlers

import (
	"crypto/subtle"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
)

// RFC 7636 section 4.1 bounds for code verifiers. Plain challenges are the
// verifier itself and share the bounds.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// VerifyCodeChallenge checks verifier against a stored code challenge. The
// comparison is constant time for every method. A missing or unknown method
// is an internal fault: the authorization endpoint only stores methods it
// accepted.
func VerifyCodeChallenge(challenge, method, verifier string) (bool, error) {
	var computed string
	switch method {
	case protocol.CodeChallengeMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case protocol.CodeChallengeMethodPlain:
		computed = verifier
	case "":
		return false, pipeline.Internalf("the code challenge method of the authorization code is missing")
	default:
		return false, pipeline.Internalf("the code challenge method %q is not supported", method)
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1, nil
}

// isValidCodeVerifier reports whether s has the length and alphabet RFC 7636
// requires for code verifiers and plain challenges.
func isValidCodeVerifier(s string) bool {
	if len(s) < MinCodeVerifierLength || len(s) > MaxCodeVerifierLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isUnreserved(s[i]) {
			return false
		}
	}
	return true
}

func isUnreserved(ch byte) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '.' || ch == '_' || ch == '~'
}

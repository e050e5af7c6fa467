package tokens

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-server/protocol"
)

// ErrInvalidToken is returned by Unprotect when a token is malformed, was
// tampered with or was produced with another key. Any other error is a
// fault of the protector itself.
var ErrInvalidToken = errors.New("invalid token")

// Protector converts principals to and from their token representation.
type Protector interface {
	Protect(ctx context.Context, principal *protocol.Principal) (string, error)
	Unprotect(ctx context.Context, token string) (*protocol.Principal, error)
}

package auth

import (
	"context"
	"errors"
)

// Identity is the externally verified principal bound to a connection
// at registration time.
type Identity struct {
	UserID   string
	Metadata map[string]string
}

// Verifier is the boundary to the external identity service. The gateway
// never mints or inspects credentials itself; it hands the registration
// token to a Verifier and trusts the user id it returns.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// ErrInvalidToken is returned when a credential cannot be verified.
var ErrInvalidToken = errors.New("invalid token")

// Static is a Verifier that accepts any non-empty token and uses it
// verbatim as the user id. Intended for development and tests only.
type Static struct{}

func (Static) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: token}, nil
}

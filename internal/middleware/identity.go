package middleware

import (
	"context"
	"errors"

	"github.com/infergate/gateway/internal/auth"
)

type contextKey string

const identityKey contextKey = "identity"

// ErrNoIdentity is returned when a handler runs without an authenticated
// principal in its context.
var ErrNoIdentity = errors.New("no identity in context")

// Identity is the per-request principal attached by the auth middleware.
type Identity struct {
	UserID    int64
	Username  string
	Scopes    []string
	TokenType auth.TokenType
	RequestID string
}

func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope || s == auth.ScopeAdmin {
			return true
		}
	}
	return false
}

func (id *Identity) IsAdmin() bool {
	return id.HasScope(auth.ScopeAdmin)
}

// WithIdentity injects the principal into the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity extracts the principal placed by the auth middleware.
func GetIdentity(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(identityKey).(*Identity)
	if !ok || id == nil {
		return nil, ErrNoIdentity
	}
	return id, nil
}

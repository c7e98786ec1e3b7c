package middleware

import (
	"context"
	"net/http"

	"studychat/internal/session"
)

type contextKey string

const identityKey contextKey = "identity"

// Authenticator is what the middleware needs from the session layer.
// This keeps 'middleware' decoupled from how sessions are stored.
type Authenticator interface {
	Authenticate(r *http.Request) (session.Identity, error)
}

type AuthMiddleware struct {
	auth Authenticator
}

func NewAuthMiddleware(a Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: a}
}

// Handle rejects requests without a valid session and injects the identity
// into the request context for the next handler.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := am.auth.Authenticate(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func WithIdentity(ctx context.Context, id session.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(identityKey).(session.Identity)
	return id, ok
}

package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"studychat/internal/session"
)

type stubAuth struct {
	id  session.Identity
	err error
}

func (s stubAuth) Authenticate(*http.Request) (session.Identity, error) {
	return s.id, s.err
}

func TestAuthMiddleware(t *testing.T) {
	t.Run("injects identity", func(t *testing.T) {
		req := require.New(t)
		var got session.Identity
		var ok bool
		h := NewAuthMiddleware(stubAuth{id: session.Identity{UserID: 3, Username: "carol"}}).
			Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, ok = IdentityFrom(r.Context())
			}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/r1/online", nil))

		req.Equal(http.StatusOK, rec.Code)
		req.True(ok)
		req.Equal(3, got.UserID)
	})

	t.Run("rejects unauthenticated", func(t *testing.T) {
		called := false
		h := NewAuthMiddleware(stubAuth{err: errors.New("nope")}).
			Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.False(t, called)
	})
}

// Package session resolves an authenticated identity from the browser's
// session cookie. The HTTP middleware and the realtime endpoint both go
// through Manager.Authenticate, so a socket is only admitted with a session
// the web layer would also accept.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"studychat/internal/user"
)

const issuer = "studychat"

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated user behind a request or connection.
type Identity struct {
	UserID   int
	Username string
}

type UserFinder interface {
	GetUserByID(ctx context.Context, id int) (*user.User, error)
}

type Config struct {
	Secret     string
	CookieName string
	TTL        time.Duration
	Secure     bool
}

type cookieClaims struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

type Manager struct {
	store Store
	users UserFinder
	cfg   Config
}

func NewManager(store Store, users UserFinder, cfg Config) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = "user.sid"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Manager{store: store, users: users, cfg: cfg}
}

// Authenticate runs cookie -> signature -> session store -> user record.
// Every failure is reported as ErrUnauthenticated.
func (m *Manager) Authenticate(r *http.Request) (Identity, error) {
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: no session cookie", ErrUnauthenticated)
	}

	sid, err := m.verify(cookie.Value)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	rec, err := m.store.Get(r.Context(), sid)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if rec.User.ID == 0 {
		return Identity{}, fmt.Errorf("%w: session has no user", ErrUnauthenticated)
	}

	u, err := m.users.GetUserByID(r.Context(), rec.User.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	return Identity{UserID: u.ID, Username: u.Username}, nil
}

// Create stores a new session for the user and sets the signed cookie.
func (m *Manager) Create(ctx context.Context, w http.ResponseWriter, userID int, username string) error {
	sid := uuid.NewString()
	expires := time.Now().Add(m.cfg.TTL)

	rec := &Record{
		User: SessionUser{ID: userID, Username: username},
		Cookie: CookieMeta{
			OriginalMaxAge: m.cfg.TTL.Milliseconds(),
			Expires:        expires.UTC(),
			HTTPOnly:       true,
			Path:           "/",
		},
	}
	if err := m.store.Set(ctx, sid, rec, m.cfg.TTL); err != nil {
		return err
	}

	value, err := m.sign(sid, expires)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
		MaxAge:   int(m.cfg.TTL.Seconds()),
	})
	return nil
}

// Destroy deletes the session named by the request cookie, if any, and clears it.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})

	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return nil
	}
	sid, err := m.verify(cookie.Value)
	if err != nil {
		return nil
	}
	return m.store.Delete(ctx, sid)
}

func (m *Manager) sign(sid string, expires time.Time) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cookieClaims{
		SID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	return token.SignedString([]byte(m.cfg.Secret))
}

func (m *Manager) verify(value string) (string, error) {
	claims := &cookieClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(m.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.SID == "" {
		return "", errors.New("invalid session cookie")
	}
	return claims.SID, nil
}

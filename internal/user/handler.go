package user

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// SessionIssuer mints and tears down the browser session that the realtime
// endpoint later authenticates against.
type SessionIssuer interface {
	Create(ctx context.Context, w http.ResponseWriter, userID int, username string) error
	Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

type Handler struct {
	Service  *Service
	sessions SessionIssuer
	log      *zap.Logger
}

func NewHandler(s *Service, sessions SessionIssuer, log *zap.Logger) *Handler {
	return &Handler{Service: s, sessions: sessions, log: log}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	u, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if errors.Is(err, ErrUsernameTaken) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.log.Error("register failed", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "could not register user", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(LoginResponse{ID: u.ID, Username: u.Username})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	u, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			h.log.Error("login failed", zap.String("username", req.Username), zap.Error(err))
		}
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := h.sessions.Create(r.Context(), w, u.ID, u.Username); err != nil {
		h.log.Error("session create failed", zap.Int("user_id", u.ID), zap.Error(err))
		http.Error(w, "could not start session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LoginResponse{ID: u.ID, Username: u.Username})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Destroy(r.Context(), w, r); err != nil {
		h.log.Warn("session destroy failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

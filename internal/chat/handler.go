package chat

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	myMiddleware "studychat/internal/middleware"
	"studychat/internal/presence"
)

// CheckOrigin is left nil so gorilla rejects cross-origin upgrades; the
// session cookie would otherwise be replayable from any page.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const maxHistoryLimit = 200

type Handler struct {
	protocol   *Protocol
	presence   *presence.Registry
	messages   *Gateway
	sendBuffer int
	limit      int
	log        *zap.Logger

	mu   sync.Mutex
	live map[string]*Conn
}

func NewHandler(protocol *Protocol, reg *presence.Registry, messages *Gateway, sendBuffer int, log *zap.Logger) *Handler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Handler{
		protocol:   protocol,
		presence:   reg,
		messages:   messages,
		sendBuffer: sendBuffer,
		limit:      protocol.historyLimit,
		log:        log,
		live:       make(map[string]*Conn),
	}
}

// ServeWs upgrades a request that already passed the session middleware.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConn(uuid.NewString(), id, ws, h.sendBuffer, h.log)
	h.protocol.Connect(conn)
	h.track(conn)

	go conn.writePump()
	go func() {
		conn.readPump(h.protocol)
		h.untrack(conn)
	}()
}

// CloseAll shuts every live socket. http.Server.Shutdown does not touch
// hijacked connections, so the server registers this as a shutdown hook.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.live {
		c.Close()
	}
	h.log.Info("closed realtime connections", zap.Int("count", len(h.live)))
}

func (h *Handler) track(c *Conn) {
	h.mu.Lock()
	h.live[c.ID] = c
	h.mu.Unlock()
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.live, c.ID)
	h.mu.Unlock()
}

// GetRoomHistory serves GET /api/rooms/{roomID}/messages?limit=N.
func (h *Handler) GetRoomHistory(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	limit := h.limit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := h.messages.RecentHistory(r.Context(), roomID, limit)
	if err != nil {
		h.log.Error("history request failed", zap.String("room", roomID), zap.Error(err))
		http.Error(w, "could not load messages", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, msgs)
}

// GetOnlineUsers serves GET /api/rooms/{roomID}/online.
func (h *Handler) GetOnlineUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.presence.ListOnline(chi.URLParam(r, "roomID")))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

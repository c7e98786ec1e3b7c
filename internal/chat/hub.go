package chat

import (
	"sync"

	"go.uber.org/zap"
)

// Hub maps rooms to the connections subscribed to them and fans frames out.
//
// Each room has its own lock. Broadcast encodes once and enqueues to every
// subscriber while holding that lock, so all subscribers see a room's frames
// in the same order.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*subscribers
	log   *zap.Logger
}

type subscribers struct {
	mu    sync.Mutex
	conns map[string]*Conn
	dead  bool
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]*subscribers),
		log:   log,
	}
}

func (h *Hub) room(roomID string, create bool) *subscribers {
	h.mu.RLock()
	s, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if ok || !create {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok = h.rooms[roomID]; !ok {
		s = &subscribers{conns: make(map[string]*Conn)}
		h.rooms[roomID] = s
	}
	return s
}

func (h *Hub) Subscribe(c *Conn, roomID string) {
	for {
		s := h.room(roomID, true)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		s.conns[c.ID] = c
		s.mu.Unlock()
		return
	}
}

func (h *Hub) Unsubscribe(c *Conn, roomID string) {
	s := h.room(roomID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.conns, c.ID)
	empty := len(s.conns) == 0
	s.mu.Unlock()

	if empty {
		h.dropIfEmpty(roomID)
	}
}

// Broadcast sends the event to every subscriber of the room and returns how
// many frames were queued.
func (h *Hub) Broadcast(roomID, event string, data any) int {
	return h.BroadcastExcept(roomID, nil, event, data)
}

// BroadcastExcept is Broadcast minus one connection. A subscriber whose
// queue is full is closed; its disconnect cleans up after it.
func (h *Hub) BroadcastExcept(roomID string, except *Conn, event string, data any) int {
	s := h.room(roomID, false)
	if s == nil {
		return 0
	}

	frame, err := encodeFrame(event, data)
	if err != nil {
		h.log.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for id, c := range s.conns {
		if except != nil && id == except.ID {
			continue
		}
		if c.enqueue(frame) {
			sent++
			continue
		}
		h.log.Warn("dropping slow subscriber", zap.String("room", roomID), zap.String("conn", id))
		c.Close()
	}
	return sent
}

// Subscribers returns the connections currently in the room.
func (h *Hub) Subscribers(roomID string) []*Conn {
	s := h.room(roomID, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// SubscriberForUser finds a live connection of userID in the room, if any.
func (h *Hub) SubscriberForUser(roomID string, userID int) *Conn {
	for _, c := range h.Subscribers(roomID) {
		if c.Identity.UserID == userID && c.State().Authenticated() {
			return c
		}
	}
	return nil
}

func (h *Hub) dropIfEmpty(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.rooms[roomID]
	if !ok {
		return
	}
	s.mu.Lock()
	if len(s.conns) == 0 {
		s.dead = true
		delete(h.rooms, roomID)
	}
	s.mu.Unlock()
}

package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"studychat/internal/session"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 8192                // Room for a full-length message in multi-byte UTF-8.
)

type State int

const (
	StateConnecting State = iota
	StateIdle             // authenticated, not typing
	StateTyping
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateTyping:
		return "typing"
	default:
		return "disconnected"
	}
}

// Authenticated reports whether the connection may send room events.
func (s State) Authenticated() bool {
	return s == StateIdle || s == StateTyping
}

// Conn is one realtime connection. Frames queued on send are written in
// order by writePump; nothing else writes to the socket.
type Conn struct {
	ID       string
	Identity session.Identity

	ws   *websocket.Conn
	send chan []byte
	log  *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu    sync.Mutex
	state State
	rooms map[string]struct{}
}

// NewConn builds a connection around ws. ws may be nil when the caller
// drains Outbox itself.
func NewConn(id string, identity session.Identity, ws *websocket.Conn, bufferSize int, log *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ID:       id,
		Identity: identity,
		ws:       ws,
		send:     make(chan []byte, bufferSize),
		log:      log.With(zap.String("conn", id), zap.Int("user_id", identity.UserID)),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateConnecting,
		rooms:    make(map[string]struct{}),
	}
}

// Outbox exposes the queued frames.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Done is closed once the connection is shut down.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedRooms(c.rooms)
}

// Close stops the pumps. Safe to call more than once and from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(c.cancel)
}

// Emit queues one frame for this connection only.
func (c *Conn) Emit(event string, data any) bool {
	frame, err := encodeFrame(event, data)
	if err != nil {
		c.log.Error("encode frame", zap.String("event", event), zap.Error(err))
		return false
	}
	return c.enqueue(frame)
}

// enqueue never blocks. It reports false when the connection is closed or
// its queue is full.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) authenticate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.state = StateIdle
	}
}

func (c *Conn) addRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Authenticated() {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Conn) removeRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

func (c *Conn) setTyping(typing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Authenticated() {
		return
	}
	if typing {
		c.state = StateTyping
	} else {
		c.state = StateIdle
	}
}

// markDisconnected moves the connection to its terminal state and hands back
// the rooms it had joined. Only the first call gets ok == true.
func (c *Conn) markDisconnected() (rooms []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return nil, false
	}
	c.state = StateDisconnected
	rooms = sortedRooms(c.rooms)
	c.rooms = make(map[string]struct{})
	return rooms, true
}

func sortedRooms(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// readPump pumps frames from the socket into the protocol handler.
func (c *Conn) readPump(p *Protocol) {
	defer func() {
		p.Disconnect(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Info("socket read failed", zap.Error(err))
			}
			return
		}
		p.HandleFrame(c.ctx, c, message)
	}
}

// writePump pumps queued frames to the socket, one WebSocket message each.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Package client is the connection driver a chat page (or a bot, or the load
// tester) uses to talk to the realtime endpoint. It owns one socket at a
// time, reconnects with backoff and rejoins every room it was in, because
// the server keeps nothing across connections.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"studychat/internal/chat"
	"studychat/internal/presence"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrInvalidRoom     = errors.New("invalid room id")
	ErrUnauthorized    = errors.New("session rejected by server")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrMessageTooLong  = errors.New("message is too long")
	ErrClosed          = errors.New("driver closed")
	errUnexpectedFrame = errors.New("unexpected frame")
)

const writeWait = 10 * time.Second

// Renderer is the view the driver paints into.
type Renderer interface {
	// History replaces whatever the room view showed with the given messages.
	History(roomID string, msgs []chat.Message)
	// Message appends one message. follow says whether to scroll to it.
	Message(msg chat.Message, follow bool)
	Roster(users []presence.OnlineUser)
	Typing(username string)
	StoppedTyping()
	Error(e chat.ErrorPayload)
	Status(connected bool)
	// AtBottom reports whether the message list is scrolled to the end.
	AtBottom() bool
}

type Config struct {
	URL      string
	Header   http.Header // carries the session cookie
	UserID   int
	Username string

	MaxMessageLength int
	TypingDebounce   time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration

	Dialer *websocket.Dialer
	Log    *zap.Logger
}

type typingState struct {
	timer *time.Timer
	token *struct{}
}

type Driver struct {
	cfg    Config
	render   Renderer
	log      *zap.Logger
	validate *validator.Validate

	mu       sync.Mutex
	ws       *websocket.Conn
	closed   bool
	rooms    map[string]struct{}
	awaiting []string                  // rooms whose loadMessages reply is outstanding, in join order
	early    map[string][]chat.Message // live messages that beat the history reply
	typing   map[string]*typingState
}

func New(cfg Config, render Renderer) *Driver {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 1000
	}
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Driver{
		cfg:      cfg,
		render:   render,
		log:      cfg.Log.With(zap.Int("user_id", cfg.UserID)),
		validate: validator.New(),
		rooms:    make(map[string]struct{}),
		early:    make(map[string][]chat.Message),
		typing:   make(map[string]*typingState),
	}
}

// Run keeps the driver connected until ctx ends, Close is called or the
// server rejects the session.
func (d *Driver) Run(ctx context.Context) error {
	backoff := d.cfg.MinBackoff
	for {
		connected, err := d.session(ctx)
		if d.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}

		if connected {
			backoff = d.cfg.MinBackoff
		}
		d.log.Warn("connection lost, retrying", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, d.cfg.MaxBackoff)
	}
}

func (d *Driver) session(ctx context.Context) (bool, error) {
	ws, resp, err := d.cfg.Dialer.DialContext(ctx, d.cfg.URL, d.cfg.Header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrUnauthorized
		}
		return false, err
	}

	if err := d.attach(ws); err != nil {
		ws.Close()
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	d.render.Status(true)
	defer d.render.Status(false)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			d.detach(ws)
			return true, err
		}
		var f chat.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			d.log.Debug("malformed frame", zap.Error(err))
			continue
		}
		if err := d.dispatch(f); err != nil {
			d.log.Debug("frame ignored", zap.String("event", f.Event), zap.Error(err))
		}
	}
}

// attach installs ws as the live socket and replays joins for every room.
func (d *Driver) attach(ws *websocket.Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	d.ws = ws
	d.awaiting = nil
	d.early = make(map[string][]chat.Message)

	rooms := lo.Keys(d.rooms)
	sort.Strings(rooms)
	for _, roomID := range rooms {
		if err := d.writeLocked(chat.EventJoinRoom, roomID); err != nil {
			return err
		}
		d.awaiting = append(d.awaiting, roomID)
	}
	return nil
}

func (d *Driver) detach(ws *websocket.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ws == ws {
		d.ws = nil
	}
	for roomID, st := range d.typing {
		st.timer.Stop()
		delete(d.typing, roomID)
	}
	ws.Close()
}

func (d *Driver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) writeLocked(event string, data any) error {
	if d.ws == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	d.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return d.ws.WriteJSON(chat.Frame{Event: event, Data: payload})
}

// Join remembers the room and asks for it. Offline joins are sent on the
// next connect. Joining a room twice is a no-op.
func (d *Driver) Join(roomID string) error {
	if err := d.validate.Var(roomID, chat.RoomIDRule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoom, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	if _, ok := d.rooms[roomID]; ok {
		return nil
	}
	d.rooms[roomID] = struct{}{}
	if d.ws == nil {
		return nil
	}
	if err := d.writeLocked(chat.EventJoinRoom, roomID); err != nil {
		return err
	}
	d.awaiting = append(d.awaiting, roomID)
	return nil
}

func (d *Driver) Leave(roomID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.rooms, roomID)
	if st, ok := d.typing[roomID]; ok {
		st.timer.Stop()
		delete(d.typing, roomID)
	}
	if d.ws == nil {
		return nil
	}
	return d.writeLocked(chat.EventLeaveRoom, roomID)
}

// Rooms lists the rooms that will be rejoined after a reconnect.
func (d *Driver) Rooms() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	rooms := lo.Keys(d.rooms)
	sort.Strings(rooms)
	return rooms
}

// Send trims and checks the text the same way the server does, then clears
// this user's typing indicator.
func (d *Driver) Send(roomID, text string) error {
	content := strings.TrimSpace(text)
	if content == "" {
		return ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(content); n > d.cfg.MaxMessageLength {
		return fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLong, n, d.cfg.MaxMessageLength)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeLocked(chat.EventChatMessage, chat.ChatMessageIn{RoomID: roomID, Msg: content}); err != nil {
		return err
	}
	if st, ok := d.typing[roomID]; ok {
		st.timer.Stop()
		delete(d.typing, roomID)
	}
	return d.writeLocked(chat.EventStopTyping, chat.TypingIn{RoomID: roomID})
}

// Keystroke announces typing once and (re)arms the debounce timer that
// announces the stop.
func (d *Driver) Keystroke(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, announced := d.typing[roomID]
	if !announced {
		if err := d.writeLocked(chat.EventTyping, chat.TypingIn{RoomID: roomID, Username: d.cfg.Username}); err != nil {
			return
		}
		st = &typingState{}
		d.typing[roomID] = st
	} else {
		st.timer.Stop()
	}

	token := &struct{}{}
	st.token = token
	st.timer = time.AfterFunc(d.cfg.TypingDebounce, func() {
		d.typingExpired(roomID, token)
	})
}

func (d *Driver) typingExpired(roomID string, token *struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.typing[roomID]
	if !ok || st.token != token {
		return
	}
	delete(d.typing, roomID)
	if err := d.writeLocked(chat.EventStopTyping, chat.TypingIn{RoomID: roomID}); err != nil {
		d.log.Debug("stopTyping not sent", zap.String("room", roomID), zap.Error(err))
	}
}

// Close ends Run and drops the socket.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for roomID, st := range d.typing {
		st.timer.Stop()
		delete(d.typing, roomID)
	}
	if d.ws != nil {
		d.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		return d.ws.Close()
	}
	return nil
}

func (d *Driver) follow(msg chat.Message) bool {
	return msg.UserID == d.cfg.UserID || d.render.AtBottom()
}

// dispatch routes one server frame to the renderer. Renderer calls happen
// without the driver lock held.
func (d *Driver) dispatch(f chat.Frame) error {
	switch f.Event {
	case chat.EventOnlineUsers:
		var users []presence.OnlineUser
		if err := json.Unmarshal(f.Data, &users); err != nil {
			return err
		}
		d.render.Roster(users)

	case chat.EventLoadMessages:
		var msgs []chat.Message
		if err := json.Unmarshal(f.Data, &msgs); err != nil {
			return err
		}
		roomID, early := d.takeHistorySlot(msgs)
		d.render.History(roomID, msgs)

		seen := lo.SliceToMap(msgs, func(m chat.Message) (string, struct{}) { return m.ID, struct{}{} })
		for _, m := range early {
			if _, dup := seen[m.ID]; !dup {
				d.render.Message(m, d.follow(m))
			}
		}

	case chat.EventChatMessage:
		var msg chat.Message
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return err
		}
		if d.holdUntilHistory(msg) {
			return nil
		}
		d.render.Message(msg, d.follow(msg))

	case chat.EventUserTyping:
		var username string
		if err := json.Unmarshal(f.Data, &username); err != nil {
			return err
		}
		d.render.Typing(username)

	case chat.EventUserStoppedTyping:
		d.render.StoppedTyping()

	case chat.EventError:
		var e chat.ErrorPayload
		if err := json.Unmarshal(f.Data, &e); err != nil {
			return err
		}
		if e.Event == chat.EventJoinRoom && e.RoomID != "" {
			d.dropPendingJoin(e.RoomID)
		}
		d.render.Error(e)

	default:
		return errUnexpectedFrame
	}
	return nil
}

// takeHistorySlot matches a loadMessages reply to its join and hands back
// the live messages buffered for that room. A non-empty reply names its own
// room; an empty one goes to the oldest outstanding join.
func (d *Driver) takeHistorySlot(msgs []chat.Message) (string, []chat.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var roomID string
	switch {
	case len(msgs) > 0:
		roomID = msgs[0].RoomID
		if i := lo.IndexOf(d.awaiting, roomID); i >= 0 {
			d.awaiting = append(d.awaiting[:i:i], d.awaiting[i+1:]...)
		}
	case len(d.awaiting) > 0:
		roomID = d.awaiting[0]
		d.awaiting = d.awaiting[1:]
	}

	if lo.Contains(d.awaiting, roomID) {
		return roomID, nil
	}
	early := d.early[roomID]
	delete(d.early, roomID)
	return roomID, early
}

func (d *Driver) holdUntilHistory(msg chat.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !lo.Contains(d.awaiting, msg.RoomID) {
		return false
	}
	d.early[msg.RoomID] = append(d.early[msg.RoomID], msg)
	return true
}

// dropPendingJoin forgets a join the server refused. The room is no longer
// rejoined on reconnect. Failures for joins already answered are ignored.
func (d *Driver) dropPendingJoin(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := lo.IndexOf(d.awaiting, roomID)
	if i < 0 {
		return
	}
	d.awaiting = append(d.awaiting[:i:i], d.awaiting[i+1:]...)
	delete(d.rooms, roomID)
	delete(d.early, roomID)
}

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"studychat/internal/presence"
)

type ProtocolConfig struct {
	MaxMessageLength int
	HistoryLimit     int
}

// Protocol runs the per-connection event state machine on top of the hub,
// the presence registry and the message gateway.
type Protocol struct {
	hub      *Hub
	presence *presence.Registry
	messages *Gateway
	locks    *roomLocks
	validate *validator.Validate
	log      *zap.Logger

	contentRule  string
	historyLimit int
}

func NewProtocol(hub *Hub, reg *presence.Registry, messages *Gateway, cfg ProtocolConfig, log *zap.Logger) *Protocol {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 1000
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Protocol{
		hub:          hub,
		presence:     reg,
		messages:     messages,
		locks:        newRoomLocks(),
		validate:     validator.New(),
		log:          log,
		contentRule:  fmt.Sprintf("required,max=%d", cfg.MaxMessageLength),
		historyLimit: cfg.HistoryLimit,
	}
}

// Connect admits a connection whose identity was already verified.
func (p *Protocol) Connect(c *Conn) {
	c.authenticate()
	c.log.Debug("connection admitted", zap.String("username", c.Identity.Username))
}

// HandleFrame decodes one inbound frame and dispatches it. A panic inside an
// event handler is logged and contained to this frame.
func (p *Protocol) HandleFrame(ctx context.Context, c *Conn, raw []byte) {
	var frame Frame
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("event handler panic",
				zap.String("conn", c.ID),
				zap.String("event", frame.Event),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Debug("malformed frame", zap.Error(err))
		return
	}

	var err error
	switch frame.Event {
	case EventJoinRoom:
		var roomID string
		if err = json.Unmarshal(frame.Data, &roomID); err == nil {
			err = p.Join(ctx, c, roomID)
		}
	case EventLeaveRoom:
		var roomID string
		if err = json.Unmarshal(frame.Data, &roomID); err == nil {
			err = p.Leave(c, roomID)
		}
	case EventChatMessage:
		var in ChatMessageIn
		if err = json.Unmarshal(frame.Data, &in); err == nil {
			_, err = p.SendMessage(ctx, c, in.RoomID, in.Msg)
		}
	case EventTyping:
		var in TypingIn
		if err = json.Unmarshal(frame.Data, &in); err == nil {
			err = p.Typing(c, in.RoomID)
		}
	case EventStopTyping:
		var in TypingIn
		if err = json.Unmarshal(frame.Data, &in); err == nil {
			err = p.StopTyping(c, in.RoomID)
		}
	default:
		c.log.Debug("unknown event", zap.String("event", frame.Event))
		return
	}

	if err != nil {
		c.log.Debug("event rejected", zap.String("event", frame.Event), zap.Error(err))
	}
}

// Join subscribes the connection, marks the user online, broadcasts the
// roster and then replies with history to this connection only. The first
// three steps run under the room lock; history is fetched after it is
// released.
func (p *Protocol) Join(ctx context.Context, c *Conn, roomID string) error {
	if err := p.validate.Var(roomID, RoomIDRule); err != nil {
		c.Emit(EventError, ErrorPayload{Event: EventJoinRoom, RoomID: roomID, Message: "invalid room id"})
		return fmt.Errorf("%w: room id: %v", ErrValidation, err)
	}
	if !c.State().Authenticated() {
		return ErrNotAuthorized
	}

	if err := p.subscribe(c, roomID); err != nil {
		return err
	}

	history, err := p.messages.RecentHistory(ctx, roomID, p.historyLimit)
	if err != nil {
		c.log.Warn("history load failed", zap.String("room", roomID), zap.Error(err))
		c.Emit(EventLoadMessages, []*Message{})
		c.Emit(EventError, ErrorPayload{Event: EventJoinRoom, RoomID: roomID, Message: "could not load message history"})
		return nil
	}
	c.Emit(EventLoadMessages, history)
	return nil
}

func (p *Protocol) subscribe(c *Conn, roomID string) error {
	unlock := p.locks.lock(roomID)
	defer unlock()

	if !c.addRoom(roomID) {
		return ErrConnectionGone
	}
	p.hub.Subscribe(c, roomID)
	p.presence.MarkOnline(roomID, c.Identity.UserID, c.Identity.Username, c.ID)
	p.hub.Broadcast(roomID, EventOnlineUsers, p.presence.ListOnline(roomID))
	return nil
}

// Leave undoes a join without closing the connection.
func (p *Protocol) Leave(c *Conn, roomID string) error {
	unlock := p.locks.lock(roomID)
	defer unlock()

	if !c.removeRoom(roomID) {
		return ErrNotJoined
	}
	p.hub.Unsubscribe(c, roomID)
	if e, ok := p.presence.Lookup(roomID, c.Identity.UserID); ok && e.ConnID == c.ID {
		p.presence.MarkOffline(roomID, c.Identity.UserID)
		p.restorePresence(roomID, c.Identity.UserID)
	}
	p.hub.Broadcast(roomID, EventOnlineUsers, p.presence.ListOnline(roomID))
	return nil
}

// SendMessage validates, persists and then broadcasts. Nothing is broadcast
// unless the append succeeded. Appends are not serialized per room, so two
// sends whose appends finish together may reach subscribers in either order;
// every subscriber still sees the same order, and history follows the store.
func (p *Protocol) SendMessage(ctx context.Context, c *Conn, roomID, text string) (*Message, error) {
	if !c.State().Authenticated() {
		return nil, ErrNotAuthorized
	}
	content := strings.TrimSpace(text)
	if err := p.validate.Var(content, p.contentRule); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !c.InRoom(roomID) {
		c.Emit(EventError, ErrorPayload{Event: EventChatMessage, Message: "join the room before sending"})
		return nil, ErrNotJoined
	}

	msg, err := p.messages.Append(ctx, roomID, c.Identity.UserID, content)
	if err != nil {
		c.log.Warn("message append failed", zap.String("room", roomID), zap.Error(err))
		c.Emit(EventError, ErrorPayload{Event: EventChatMessage, Message: "message could not be sent"})
		return nil, err
	}

	p.hub.Broadcast(roomID, EventChatMessage, msg)
	return msg, nil
}

// Typing relays the sender's name to the other subscribers. Nothing is kept
// server side beyond the connection's own state flag.
func (p *Protocol) Typing(c *Conn, roomID string) error {
	if !c.InRoom(roomID) {
		return ErrNotJoined
	}
	c.setTyping(true)
	p.hub.BroadcastExcept(roomID, c, EventUserTyping, c.Identity.Username)
	return nil
}

func (p *Protocol) StopTyping(c *Conn, roomID string) error {
	if !c.InRoom(roomID) {
		return ErrNotJoined
	}
	c.setTyping(false)
	p.hub.BroadcastExcept(roomID, c, EventUserStoppedTyping, nil)
	return nil
}

// Disconnect is terminal and idempotent. It must run for every connection,
// however the transport ended.
func (p *Protocol) Disconnect(c *Conn) {
	defer c.Close()

	rooms, ok := c.markDisconnected()
	if !ok {
		return
	}

	unlock := p.locks.lockAll(rooms)
	defer unlock()

	for _, roomID := range rooms {
		p.hub.Unsubscribe(c, roomID)
	}
	removed := p.presence.RemoveConnectionEverywhere(c.ID)
	for _, roomID := range rooms {
		p.restorePresence(roomID, c.Identity.UserID)
		p.hub.Broadcast(roomID, EventOnlineUsers, p.presence.ListOnline(roomID))
	}

	c.log.Debug("connection closed", zap.Strings("rooms", rooms), zap.Strings("presence_removed", removed))
}

// restorePresence hands the (room, user) entry to another live connection of
// the same user, if one is still subscribed. Callers hold the room lock.
func (p *Protocol) restorePresence(roomID string, userID int) {
	if _, ok := p.presence.Lookup(roomID, userID); ok {
		return
	}
	if other := p.hub.SubscriberForUser(roomID, userID); other != nil {
		p.presence.MarkOnline(roomID, userID, other.Identity.Username, other.ID)
	}
}

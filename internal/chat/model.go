package chat

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrValidation     = errors.New("invalid message")
	ErrPersistence    = errors.New("message store unavailable")
	ErrNotFound       = errors.New("no messages")
	ErrNotJoined      = errors.New("connection has not joined this room")
	ErrNotAuthorized  = errors.New("connection is not authenticated")
	ErrConnectionGone = errors.New("connection is disconnected")
)

// ---------------------------------------------
// 🗄️ Persisted Models
// ---------------------------------------------

type Message struct {
	ID        string    `json:"_id"`
	RoomID    string    `json:"roomId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UserID    int       `json:"userId"`
	Username  string    `json:"user"` // resolved sender display name
}

// RoomIDRule is the validator rule every room id must satisfy.
const RoomIDRule = "required,max=64"

// ---------------------------------------------
// ⚡ Wire Events
// ---------------------------------------------

const (
	EventJoinRoom          = "joinRoom"
	EventLeaveRoom         = "leaveRoom"
	EventOnlineUsers       = "onlineUsers"
	EventLoadMessages      = "loadMessages"
	EventChatMessage       = "chatMessage"
	EventTyping            = "typing"
	EventUserTyping        = "userTyping"
	EventStopTyping        = "stopTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventError             = "errorMessage"
)

// Frame is one WebSocket text message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ChatMessageIn is what the browser sends for a new message.
// It doesn't carry the sender; that comes from the connection identity.
type ChatMessageIn struct {
	RoomID string `json:"roomId"`
	Msg    string `json:"msg"`
}

// TypingIn covers both typing and stopTyping. Username is accepted for
// compatibility and ignored.
type TypingIn struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username,omitempty"`
}

// ErrorPayload tells the client which of its requests failed. RoomID is set
// for room-scoped failures so a client can match it to its pending join.
type ErrorPayload struct {
	Event   string `json:"event"`
	RoomID  string `json:"roomId,omitempty"`
	Message string `json:"message"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: event, Data: data})
}

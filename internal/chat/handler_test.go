package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	myMiddleware "studychat/internal/middleware"
	"studychat/internal/presence"
	"studychat/internal/session"
)

type server struct {
	*httptest.Server
	sessions *session.Manager
	fixture  *fixture
}

func newTestServer(t *testing.T) *server {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	users := staticUsers{1: "alice", 2: "bob", 3: "carol"}
	sessions := session.NewManager(session.NewRedisStore(client, ""), users, session.Config{Secret: "test-secret"})

	f := newFixture(t)
	h := NewHandler(f.protocol, f.registry, f.protocol.messages, 64, zap.NewNop())
	auth := myMiddleware.NewAuthMiddleware(sessions)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		r.Get("/ws", h.ServeWs)
		r.Get("/api/rooms/{roomID}/messages", h.GetRoomHistory)
		r.Get("/api/rooms/{roomID}/online", h.GetOnlineUsers)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{Server: srv, sessions: sessions, fixture: f}
}

func (s *server) cookie(t *testing.T, userID int, username string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, s.sessions.Create(context.Background(), rec, userID, username))
	c := rec.Result().Cookies()[0]
	return c.Name + "=" + c.Value
}

func (s *server) dial(t *testing.T, cookie string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Cookie", cookie)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(Frame{Event: event, Data: raw}))
}

// await reads frames until one with the wanted event arrives.
func await(t *testing.T, ws *websocket.Conn, event string) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f Frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Event == event {
			return f
		}
	}
}

func TestHandler_RejectsUnauthenticatedHandshake(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
	req.Empty(srv.fixture.registry.Rooms())
}

func TestHandler_ChatOverWebSocket(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	alice := srv.dial(t, srv.cookie(t, 1, "alice"))
	bob := srv.dial(t, srv.cookie(t, 2, "bob"))

	send(t, alice, EventJoinRoom, "r1")
	await(t, alice, EventLoadMessages)
	send(t, bob, EventJoinRoom, "r1")
	await(t, bob, EventLoadMessages)

	roster := decode[[]presence.OnlineUser](t, await(t, alice, EventOnlineUsers))
	req.Len(roster, 2)

	// alice types and sends
	send(t, alice, EventTyping, TypingIn{RoomID: "r1"})
	req.Equal("alice", decode[string](t, await(t, bob, EventUserTyping)))

	send(t, alice, EventChatMessage, ChatMessageIn{RoomID: "r1", Msg: "hello"})
	got := decode[Message](t, await(t, bob, EventChatMessage))
	req.Equal("hello", got.Content)
	req.Equal("alice", got.Username)
	req.Equal("hello", decode[Message](t, await(t, alice, EventChatMessage)).Content)

	// carol replays history on join
	carol := srv.dial(t, srv.cookie(t, 3, "carol"))
	send(t, carol, EventJoinRoom, "r1")
	history := decode[[]Message](t, await(t, carol, EventLoadMessages))
	req.Len(history, 1)
	req.Equal("hello", history[0].Content)

	// alice drops without saying goodbye
	alice.Close()
	for {
		roster = decode[[]presence.OnlineUser](t, await(t, bob, EventOnlineUsers))
		if len(roster) == 2 {
			break
		}
	}
	req.ElementsMatch([]presence.OnlineUser{{ID: 2, Username: "bob"}, {ID: 3, Username: "carol"}}, roster)
}

func TestHandler_RESTEndpoints(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	cookie := srv.cookie(t, 1, "alice")

	alice := srv.dial(t, cookie)
	send(t, alice, EventJoinRoom, "r1")
	await(t, alice, EventLoadMessages)
	send(t, alice, EventChatMessage, ChatMessageIn{RoomID: "r1", Msg: "first"})
	send(t, alice, EventChatMessage, ChatMessageIn{RoomID: "r1", Msg: "second"})
	await(t, alice, EventChatMessage)
	await(t, alice, EventChatMessage)

	get := func(path string) *http.Response {
		r, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		req.NoError(err)
		r.Header.Set("Cookie", cookie)
		resp, err := http.DefaultClient.Do(r)
		req.NoError(err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get("/api/rooms/r1/messages?limit=1")
	req.Equal(http.StatusOK, resp.StatusCode)
	var msgs []Message
	req.NoError(json.NewDecoder(resp.Body).Decode(&msgs))
	req.Len(msgs, 1)
	req.Equal("second", msgs[0].Content)

	req.Equal(http.StatusBadRequest, get("/api/rooms/r1/messages?limit=abc").StatusCode)

	resp = get("/api/rooms/r1/online")
	req.Equal(http.StatusOK, resp.StatusCode)
	var online []presence.OnlineUser
	req.NoError(json.NewDecoder(resp.Body).Decode(&online))
	req.Equal([]presence.OnlineUser{{ID: 1, Username: "alice"}}, online)

	r, err := http.NewRequest(http.MethodGet, srv.URL+"/api/rooms/r1/online", nil)
	req.NoError(err)
	anon, err := http.DefaultClient.Do(r)
	req.NoError(err)
	defer anon.Body.Close()
	req.Equal(http.StatusUnauthorized, anon.StatusCode)
}

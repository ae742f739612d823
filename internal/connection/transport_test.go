package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/events"
	"github.com/relay-chat/relay/internal/protocol"
	"github.com/relay-chat/relay/internal/websocket"
)

// relayServer runs the real hub, router and transport behind httptest. The
// token is simply the decimal user id; "bad" tokens are rejected with 401.
type relayServer struct {
	hub    *websocket.Hub
	router *events.Router
	srv    *httptest.Server
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	logger := zap.NewNop()
	hub := websocket.NewHub(logger)
	rs := &relayServer{hub: hub, router: events.NewRouter(hub, logger)}

	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.URL.Query().Get("token"), 10, 64)
		if err != nil || userID <= 0 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		client, err := websocket.NewClient(hub, rs.router, w, r, userID, websocket.Config{}, logger)
		if err != nil {
			return
		}
		client.Run()
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *relayServer) wsURL() string {
	return "ws" + strings.TrimPrefix(rs.srv.URL, "http") + "/ws"
}

func TestWebSocketDialerRejectsBadToken(t *testing.T) {
	rs := newRelayServer(t)

	_, err := NewWebSocketDialer(rs.wsURL(), StaticToken("bad"), time.Second).Dial(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, rs.hub.SessionCount())
}

func TestWebSocketDialerUnreachable(t *testing.T) {
	_, err := NewWebSocketDialer("ws://127.0.0.1:1/ws", StaticToken("1"), time.Second).Dial(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestManagerAgainstHub(t *testing.T) {
	rs := newRelayServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := New(Config{Rooms: []int64{42}}, NewWebSocketDialer(rs.wsURL(), StaticToken("7"), time.Second), zap.NewNop())
	bob := New(Config{Rooms: []int64{42}}, NewWebSocketDialer(rs.wsURL(), StaticToken("8"), time.Second), zap.NewNop())
	go alice.Run(ctx)
	go bob.Run(ctx)

	typing := make(chan protocol.Event, 4)
	bob.Subscribe(protocol.KindTyping, func(ev protocol.Event) { typing <- ev })
	messages := make(chan protocol.Event, 4)
	bob.Subscribe(protocol.KindMessage, func(ev protocol.Event) { messages <- ev })

	alice.Connect()
	bob.Connect()

	require.Eventually(t, func() bool {
		return alice.Ready() && bob.Ready() && rs.hub.RoomSessions(42) == 2
	}, 5*time.Second, 10*time.Millisecond)

	alice.SendTyping(42, true)
	select {
	case ev := <-typing:
		assert.Equal(t, int64(7), ev.UserID())
		assert.Equal(t, int64(42), ev.RoomID())
		assert.Equal(t, protocol.TypingPayload{Typing: true}, ev.Payload())
	case <-time.After(5 * time.Second):
		t.Fatal("typing event not delivered")
	}

	rs.router.OnMessageCreated(protocol.MessagePayload{ID: 1, RoomID: 42, UserID: 7, Content: "hello", CreatedAt: time.Now()})
	select {
	case ev := <-messages:
		assert.Equal(t, "hello", ev.Payload().(protocol.MessagePayload).Content)
	case <-time.After(5 * time.Second):
		t.Fatal("message event not delivered")
	}

	alice.Disconnect()
	require.Eventually(t, func() bool {
		return rs.hub.RoomSessions(42) == 1 && rs.hub.UserSessionsInRoom(42, 7) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDisconnected, alice.State())
}

package websocket

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relay-chat/relay/internal/metrics"
	"github.com/relay-chat/relay/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the peer has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds a single inbound frame. Clients only send
	// join/leave/typing intents, all well under this.
	maxMessageSize = 4096

	// DefaultHandshakeTimeout bounds the WebSocket upgrade.
	DefaultHandshakeTimeout = 10 * time.Second
)

// IntentHandler receives the decoded client intents of a session, plus a
// single OnDisconnect once its transport is gone. The events.Router is the
// production implementation.
type IntentHandler interface {
	OnJoinIntent(sessionID string, roomID int64)
	OnLeaveIntent(sessionID string, roomID int64)
	OnTypingIntent(sessionID string, roomID int64, typing bool)
	OnDisconnect(sessionID string)
}

// Config tunes the per-connection transport. Zero values select defaults.
type Config struct {
	// SendBuffer is the outbound queue capacity of each session.
	SendBuffer int

	// HandshakeTimeout bounds the HTTP upgrade.
	HandshakeTimeout time.Duration

	// IntentRate and IntentBurst throttle client intents. A client that
	// exceeds the burst is disconnected.
	IntentRate  rate.Limit
	IntentBurst int

	// ViolationRate and ViolationBurst bound how many rejected frames are
	// tolerated before the connection is closed. Isolated violations are
	// answered with an error frame and otherwise ignored.
	ViolationRate  rate.Limit
	ViolationBurst int
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.IntentRate <= 0 {
		c.IntentRate = 10
	}
	if c.IntentBurst <= 0 {
		c.IntentBurst = 20
	}
	if c.ViolationRate <= 0 {
		c.ViolationRate = rate.Every(5 * time.Second)
	}
	if c.ViolationBurst <= 0 {
		c.ViolationBurst = 5
	}
	return c
}

// NewUpgrader returns the HTTP → WebSocket upgrader used for every session.
// CheckOrigin always returns true; origin validation belongs to the reverse
// proxy.
func NewUpgrader(cfg Config) *websocket.Upgrader {
	cfg = cfg.withDefaults()
	return &websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Client binds one Session to its WebSocket connection. Each client runs two
// goroutines: readPump decodes intents and detects disconnection, writePump
// drains the session queue onto the wire.
type Client struct {
	hub     *Hub
	handler IntentHandler
	conn    *websocket.Conn
	session *Session

	intents    *rate.Limiter
	violations *rate.Limiter

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and creates the session for userID.
// The caller must have authenticated the request already. If the upgrade
// fails no session is created and the upgrader has written the HTTP error.
func NewClient(hub *Hub, handler IntentHandler, w http.ResponseWriter, r *http.Request, userID int64, cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()

	conn, err := NewUpgrader(cfg).Upgrade(w, r, nil)
	if err != nil {
		metrics.HandshakeRejections.Inc()
		return nil, err
	}

	session := NewSession(userID, cfg.SendBuffer)
	return &Client{
		hub:        hub,
		handler:    handler,
		conn:       conn,
		session:    session,
		intents:    rate.NewLimiter(cfg.IntentRate, cfg.IntentBurst),
		violations: rate.NewLimiter(cfg.ViolationRate, cfg.ViolationBurst),
		logger: logger.With(
			zap.String("session_id", session.ID()),
			zap.Int64("user_id", userID),
			zap.String("remote_addr", r.RemoteAddr),
		),
	}, nil
}

// Session returns the session served by this client.
func (c *Client) Session() *Session { return c.session }

// Run registers the session and pumps frames until the connection closes.
// It blocks, which is fine inside the HTTP handler that did the upgrade.
func (c *Client) Run() {
	c.hub.Register(c.session)

	go c.writePump()
	c.readPump()
}

// readPump reads client frames and turns them into intents. When it exits
// the session is handed to OnDisconnect, which unregisters it exactly once.
func (c *Client) readPump() {
	defer func() {
		c.handler.OnDisconnect(c.session.ID())
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			if !c.reject("malformed", 0, errors.New("binary frames are not accepted")) {
				return
			}
			continue
		}

		intent, err := protocol.DecodeIntent(data)
		if err != nil {
			if !c.reject(violationReason(err), 0, err) {
				return
			}
			continue
		}

		if !c.intents.Allow() {
			metrics.ProtocolViolations.WithLabelValues("rate_limited").Inc()
			c.logger.Warn("ws: intent rate exceeded, closing")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		switch intent.Kind {
		case protocol.KindJoin:
			c.handler.OnJoinIntent(c.session.ID(), intent.RoomID)
		case protocol.KindLeave:
			c.handler.OnLeaveIntent(c.session.ID(), intent.RoomID)
		case protocol.KindTyping:
			c.handler.OnTypingIntent(c.session.ID(), intent.RoomID, intent.Typing)
		}
	}
}

// reject answers a bad frame with an error event. It returns false once the
// client has exceeded its violation allowance and the connection was closed.
func (c *Client) reject(reason string, roomID int64, cause error) bool {
	metrics.ProtocolViolations.WithLabelValues(reason).Inc()

	if !c.violations.Allow() {
		c.logger.Warn("ws: repeated protocol violations, closing", zap.String("reason", reason), zap.Error(cause))
		c.closeWith(websocket.ClosePolicyViolation, "too many invalid frames")
		return false
	}

	c.logger.Debug("ws: frame rejected", zap.String("reason", reason), zap.Error(cause))
	c.hub.SendTo(c.session.ID(), protocol.NewError(roomID, cause.Error(), time.Now()))
	return true
}

// closeWith sends a close control frame. WriteControl is safe to call
// concurrently with the write pump.
func (c *Client) closeWith(code int, text string) {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait),
	)
}

// writePump forwards queued frames to the wire and pings the peer. It is the
// only goroutine that writes data frames to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	queue := c.session.Queue()
	for {
		select {
		case frame, ok := <-queue:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}

			if !ok {
				// Queue closed: unregistered, slow consumer or shutdown.
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, c.session.State().String()))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}

// violationReason maps a decode error to its metrics label.
func violationReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		return "malformed"
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, protocol.ErrNotAnIntent):
		return "not_intent"
	case errors.Is(err, protocol.ErrInvalidRoom):
		return "invalid_room"
	default:
		return "payload_mismatch"
	}
}

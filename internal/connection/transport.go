package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrUnauthorized is reported through OnError when the server rejects
	// the credential at handshake (HTTP 401 or 403). The manager stays
	// disconnected until Connect is called again.
	ErrUnauthorized = errors.New("connection: credential rejected by server")

	// ErrTransportClosed wraps a close initiated by the server with a normal
	// close frame.
	ErrTransportClosed = errors.New("connection: transport closed")
)

const (
	// DefaultHandshakeTimeout bounds the WebSocket handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	writeWait = 10 * time.Second
)

// Transport is one live duplex connection carrying text frames.
// ReadFrame is called from a single reader goroutine; WriteFrame and Close
// from the controller goroutine.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Dialer opens a Transport. An error wrapping ErrUnauthorized is terminal;
// any other error schedules a retry.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// TokenSource supplies the credential presented on each dial.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// WebSocketDialer dials the relay server's /ws endpoint, passing the token as
// the token query parameter.
type WebSocketDialer struct {
	url    string
	tokens TokenSource
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for rawURL (ws:// or wss://).
// handshakeTimeout <= 0 selects DefaultHandshakeTimeout.
func NewWebSocketDialer(rawURL string, tokens TokenSource, handshakeTimeout time.Duration) *WebSocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &WebSocketDialer{
		url:    rawURL,
		tokens: tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	token, err := d.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("connection: get token: %w", err)
	}

	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("connection: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("connection: dial: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
			}
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteFrame(frame []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return t.conn.Close()
}

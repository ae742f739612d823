package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/auth"
	"github.com/relay-chat/relay/internal/metrics"
	"github.com/relay-chat/relay/internal/websocket"
)

// WSHandler admits WebSocket sessions at GET /api/v1/ws.
//
// The access token travels in the `token` query parameter because browser
// WebSocket APIs cannot set headers. The token is verified before the
// upgrade: a bad token gets a plain 401 and no session is created. Rooms are
// joined afterwards with join intents.
//
//	ws://host/api/v1/ws?token=<jwt>
type WSHandler struct {
	hub     *websocket.Hub
	intents websocket.IntentHandler
	tokens  TokenValidator
	cfg     websocket.Config
	logger  *zap.Logger
}

func NewWSHandler(hub *websocket.Hub, intents websocket.IntentHandler, tokens TokenValidator, cfg websocket.Config, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:     hub,
		intents: intents,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger.Named("ws_handler"),
	}
}

// ServeWS blocks for the life of the connection.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		metrics.HandshakeRejections.Inc()
		ErrUnauthorized(w)
		return
	}

	claims, err := h.tokens.ValidateAccessToken(tokenStr)
	if err != nil {
		metrics.HandshakeRejections.Inc()
		if !errors.Is(err, auth.ErrTokenExpired) {
			h.logger.Debug("websocket handshake rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		}
		ErrUnauthorized(w)
		return
	}

	client, err := websocket.NewClient(h.hub, h.intents, w, r, claims.UserID, h.cfg, h.logger)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed",
			zap.Int64("user_id", claims.UserID),
			zap.Error(err),
		)
		return
	}

	h.logger.Debug("websocket session opened",
		zap.String("session_id", client.Session().ID()),
		zap.Int64("user_id", claims.UserID),
	)
	client.Run()
}

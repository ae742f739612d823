// Package webhook forwards message events to an outbound HTTP endpoint so
// bots and integrations can follow rooms without holding a WebSocket open.
//
// Deliveries are queued and sent by a single worker in order. Publishing
// never blocks the request that produced the event: when the queue is full
// the event is dropped and counted. Each body can be signed with
// HMAC-SHA256, sent as "sha256=<hex>" in X-Relay-Signature.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/metrics"
	"github.com/relay-chat/relay/internal/protocol"
)

const (
	SignatureHeader = "X-Relay-Signature"

	defaultQueueSize = 256
	defaultTimeout   = 10 * time.Second
)

// ErrSendFailed wraps every delivery failure.
var ErrSendFailed = errors.New("webhook: send failed")

// Config configures the Notifier. URL is required.
type Config struct {
	URL       string
	Secret    string
	QueueSize int
	Timeout   time.Duration
}

// payload is the JSON body posted to the endpoint.
type payload struct {
	Type      protocol.Kind `json:"type"`
	RoomID    int64         `json:"room_id"`
	UserID    int64         `json:"user_id"`
	Data      any           `json:"data"`
	Timestamp string        `json:"timestamp"`
}

// Notifier posts message events to a webhook URL.
type Notifier struct {
	cfg    Config
	client *http.Client
	queue  chan payload
	logger *zap.Logger
	now    func() time.Time

	dropped func()
}

// New creates a Notifier. Call Run in a goroutine to start delivering.
func New(cfg Config, logger *zap.Logger) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		queue:   make(chan payload, cfg.QueueSize),
		logger:  logger.Named("webhook"),
		now:     time.Now,
		dropped: metrics.WebhookDrops.Inc,
	}, nil
}

// Run delivers queued events until ctx is cancelled. Events still queued at
// that point are discarded.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-n.queue:
			if err := n.send(ctx, p); err != nil {
				n.logger.Warn("webhook delivery failed",
					zap.String("type", string(p.Type)),
					zap.Int64("room_id", p.RoomID),
					zap.Error(err),
				)
			}
		}
	}
}

func (n *Notifier) MessageCreated(msg protocol.MessagePayload) {
	n.enqueue(protocol.KindMessage, msg.RoomID, msg.UserID, msg)
}

func (n *Notifier) MessageEdited(msg protocol.MessagePayload) {
	n.enqueue(protocol.KindEdit, msg.RoomID, msg.UserID, msg)
}

func (n *Notifier) MessageDeleted(roomID, messageID, userID int64) {
	n.enqueue(protocol.KindDelete, roomID, userID, protocol.DeletePayload{MessageID: messageID})
}

func (n *Notifier) enqueue(kind protocol.Kind, roomID, userID int64, data any) {
	p := payload{
		Type:      kind,
		RoomID:    roomID,
		UserID:    userID,
		Data:      data,
		Timestamp: n.now().UTC().Format(time.RFC3339),
	}
	select {
	case n.queue <- p:
	default:
		n.dropped()
		n.logger.Warn("webhook queue full, event dropped",
			zap.String("type", string(kind)),
			zap.Int64("room_id", roomID),
		)
	}
}

func (n *Notifier) send(ctx context.Context, p payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Relay-Webhook/1.0")
	if n.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(data, n.cfg.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: non-2xx status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of data. Receivers recompute it over the
// raw body to verify X-Relay-Signature.
func Sign(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

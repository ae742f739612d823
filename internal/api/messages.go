package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/db"
	"github.com/relay-chat/relay/internal/protocol"
	"github.com/relay-chat/relay/internal/repositories"
)

const (
	defaultHistoryLimit = 50
	maxContentLength    = 4000 // runes
)

// MessageEvents is notified after a message write has been committed.
// *events.Router implements it.
type MessageEvents interface {
	OnMessageCreated(msg protocol.MessagePayload) int
	OnMessageEdited(msg protocol.MessagePayload) int
	OnMessageDeleted(roomID, messageID, userID int64) int
}

// MessageHook receives committed message writes for delivery outside the
// WebSocket fanout. *webhook.Notifier implements it.
type MessageHook interface {
	MessageCreated(msg protocol.MessagePayload)
	MessageEdited(msg protocol.MessagePayload)
	MessageDeleted(roomID, messageID, userID int64)
}

// MessageHandler groups the message history and posting endpoints.
type MessageHandler struct {
	messages repositories.MessageRepository
	rooms    repositories.RoomRepository
	events   MessageEvents
	hook     MessageHook // nil when no webhook is configured
	logger   *zap.Logger
}

func NewMessageHandler(messages repositories.MessageRepository, rooms repositories.RoomRepository, events MessageEvents, hook MessageHook, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{
		messages: messages,
		rooms:    rooms,
		events:   events,
		hook:     hook,
		logger:   logger.Named("message_handler"),
	}
}

type messageRequest struct {
	Content string `json:"content"`
}

// List handles GET /api/v1/rooms/{id}/messages?before=<id>&limit=<n>.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if _, ok := loadMemberRoom(w, r, h.rooms, h.logger, roomID); !ok {
		return
	}

	q := r.URL.Query()
	before, err := queryInt(q.Get("before"), 0)
	if err != nil || before < 0 {
		ErrBadRequest(w, "invalid before")
		return
	}
	limit, err := queryInt(q.Get("limit"), defaultHistoryLimit)
	if err != nil || limit <= 0 {
		ErrBadRequest(w, "invalid limit")
		return
	}
	if limit > repositories.MaxHistoryPage {
		limit = repositories.MaxHistoryPage
	}

	msgs, err := h.messages.List(r.Context(), roomID, before, int(limit))
	if err != nil {
		h.logger.Error("failed to list messages", zap.Int64("room_id", roomID), zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]protocol.MessagePayload, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].Payload())
	}
	Ok(w, out)
}

// Create handles POST /api/v1/rooms/{id}/messages. The message is broadcast
// to the room once it is stored.
func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if _, ok := loadMemberRoom(w, r, h.rooms, h.logger, roomID); !ok {
		return
	}

	content, ok := h.readContent(w, r)
	if !ok {
		return
	}

	msg := &db.Message{RoomID: roomID, UserID: currentUserID(r), Content: content}
	if err := h.messages.Create(r.Context(), msg); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to create message", zap.Int64("room_id", roomID), zap.Error(err))
		ErrInternal(w)
		return
	}

	payload := msg.Payload()
	h.events.OnMessageCreated(payload)
	if h.hook != nil {
		h.hook.MessageCreated(payload)
	}
	Created(w, payload)
}

// Update handles PATCH /api/v1/messages/{id}. Only the author may edit.
func (h *MessageHandler) Update(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.visibleMessage(w, r)
	if !ok {
		return
	}
	if msg.UserID != currentUserID(r) {
		ErrForbidden(w)
		return
	}

	content, ok := h.readContent(w, r)
	if !ok {
		return
	}

	updated, err := h.messages.UpdateContent(r.Context(), msg.ID, content, time.Now())
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to update message", zap.Int64("message_id", msg.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	payload := updated.Payload()
	h.events.OnMessageEdited(payload)
	if h.hook != nil {
		h.hook.MessageEdited(payload)
	}
	Ok(w, payload)
}

// Delete handles DELETE /api/v1/messages/{id}. The author or the room owner
// may delete.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.visibleMessage(w, r)
	if !ok {
		return
	}

	caller := currentUserID(r)
	if msg.UserID != caller {
		room, err := h.rooms.GetByID(r.Context(), msg.RoomID)
		if err != nil {
			h.logger.Error("failed to get room", zap.Int64("room_id", msg.RoomID), zap.Error(err))
			ErrInternal(w)
			return
		}
		if room.OwnerID != caller {
			ErrForbidden(w)
			return
		}
	}

	if err := h.messages.Delete(r.Context(), msg.ID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete message", zap.Int64("message_id", msg.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.events.OnMessageDeleted(msg.RoomID, msg.ID, caller)
	if h.hook != nil {
		h.hook.MessageDeleted(msg.RoomID, msg.ID, caller)
	}
	NoContent(w)
}

// visibleMessage loads the {id} message if the caller belongs to its room.
func (h *MessageHandler) visibleMessage(w http.ResponseWriter, r *http.Request) (*db.Message, bool) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return nil, false
	}

	msg, err := h.messages.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to get message", zap.Int64("message_id", id), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}

	isMember, err := h.rooms.IsMember(r.Context(), msg.RoomID, currentUserID(r))
	if err != nil {
		h.logger.Error("membership check failed", zap.Int64("room_id", msg.RoomID), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	if !isMember {
		ErrNotFound(w)
		return nil, false
	}
	return msg, true
}

func (h *MessageHandler) readContent(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return "", false
	}
	content := strings.TrimSpace(req.Content)
	switch {
	case content == "":
		ErrUnprocessable(w, "content is required")
		return "", false
	case utf8.RuneCountInString(content) > maxContentLength:
		ErrUnprocessable(w, "content is too long")
		return "", false
	}
	return content, true
}

func queryInt(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

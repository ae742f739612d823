package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/db"
	"github.com/relay-chat/relay/internal/repositories"
)

const maxRoomNameLength = 100

// MembershipEvents is told about durable membership changes so live
// sessions follow them. *events.Router implements it.
type MembershipEvents interface {
	OnRoomMembershipChanged(roomID, userID int64, joined bool)
}

// Presence answers who is connected to a room. *websocket.Hub implements it.
type Presence interface {
	OnlineUsers(roomID int64) []int64
}

// RoomHandler groups the room and membership endpoints.
type RoomHandler struct {
	rooms    repositories.RoomRepository
	events   MembershipEvents
	presence Presence
	logger   *zap.Logger
}

func NewRoomHandler(rooms repositories.RoomRepository, events MembershipEvents, presence Presence, logger *zap.Logger) *RoomHandler {
	return &RoomHandler{
		rooms:    rooms,
		events:   events,
		presence: presence,
		logger:   logger.Named("room_handler"),
	}
}

type createRoomRequest struct {
	Name      string  `json:"name"`
	IsDirect  bool    `json:"is_direct"`
	MemberIDs []int64 `json:"member_ids"`
}

type addMemberRequest struct {
	UserID int64 `json:"user_id"`
}

type roomResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IsDirect  bool      `json:"is_direct"`
	OwnerID   int64     `json:"owner_id"`
	Members   []int64   `json:"members,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toRoomResponse(room *db.Room, members []int64) roomResponse {
	return roomResponse{
		ID:        room.ID,
		Name:      room.Name,
		IsDirect:  room.IsDirect,
		OwnerID:   room.OwnerID,
		Members:   members,
		CreatedAt: room.CreatedAt,
	}
}

// List handles GET /api/v1/rooms. Only rooms the caller belongs to are
// returned.
func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.ListForUser(r.Context(), currentUserID(r))
	if err != nil {
		h.logger.Error("failed to list rooms", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]roomResponse, 0, len(rooms))
	for i := range rooms {
		out = append(out, toRoomResponse(&rooms[i], nil))
	}
	Ok(w, out)
}

// Create handles POST /api/v1/rooms. The caller becomes the owner and a
// member. A direct room takes exactly one other member.
func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	caller := currentUserID(r)
	req.Name = strings.TrimSpace(req.Name)

	if req.IsDirect {
		if len(req.MemberIDs) != 1 || req.MemberIDs[0] == caller {
			ErrUnprocessable(w, "a direct room needs exactly one other member")
			return
		}
	} else if req.Name == "" {
		ErrUnprocessable(w, "name is required")
		return
	}
	if len(req.Name) > maxRoomNameLength {
		ErrUnprocessable(w, "name is too long")
		return
	}

	room := &db.Room{Name: req.Name, IsDirect: req.IsDirect, OwnerID: caller}
	if err := h.rooms.Create(r.Context(), room, req.MemberIDs...); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrUnprocessable(w, "unknown member id")
			return
		}
		h.logger.Error("failed to create room", zap.Error(err))
		ErrInternal(w)
		return
	}

	members, err := h.rooms.Members(r.Context(), room.ID)
	if err != nil {
		h.logger.Error("failed to list room members", zap.Int64("room_id", room.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("room created",
		zap.Int64("room_id", room.ID),
		zap.Int64("owner_id", caller),
		zap.Int("members", len(members)),
	)
	Created(w, toRoomResponse(room, members))
}

// GetByID handles GET /api/v1/rooms/{id}.
func (h *RoomHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	room, ok := h.memberRoom(w, r)
	if !ok {
		return
	}

	members, err := h.rooms.Members(r.Context(), room.ID)
	if err != nil {
		h.logger.Error("failed to list room members", zap.Int64("room_id", room.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, toRoomResponse(room, members))
}

// Delete handles DELETE /api/v1/rooms/{id}. Only the owner may delete; every
// member's live sessions are unsubscribed afterwards.
func (h *RoomHandler) Delete(w http.ResponseWriter, r *http.Request) {
	room, ok := h.memberRoom(w, r)
	if !ok {
		return
	}
	if room.OwnerID != currentUserID(r) {
		ErrForbidden(w)
		return
	}

	members, err := h.rooms.Members(r.Context(), room.ID)
	if err != nil {
		h.logger.Error("failed to list room members", zap.Int64("room_id", room.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.rooms.Delete(r.Context(), room.ID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete room", zap.Int64("room_id", room.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	for _, userID := range members {
		h.events.OnRoomMembershipChanged(room.ID, userID, false)
	}
	NoContent(w)
}

// AddMember handles POST /api/v1/rooms/{id}/members. Any member may invite.
func (h *RoomHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	room, ok := h.memberRoom(w, r)
	if !ok {
		return
	}
	if room.IsDirect {
		ErrUnprocessable(w, "direct rooms cannot gain members")
		return
	}

	var req addMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		ErrBadRequest(w, "user_id is required")
		return
	}

	switch err := h.rooms.AddMember(r.Context(), room.ID, req.UserID); {
	case err == nil:
	case errors.Is(err, repositories.ErrConflict):
		ErrConflict(w, "user is already a member")
		return
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
		return
	default:
		h.logger.Error("failed to add member", zap.Int64("room_id", room.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.events.OnRoomMembershipChanged(room.ID, req.UserID, true)
	Created(w, map[string]int64{"room_id": room.ID, "user_id": req.UserID})
}

// RemoveMember handles DELETE /api/v1/rooms/{id}/members/{userID}. Members
// may remove themselves; the owner may remove anyone else.
func (h *RoomHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	room, ok := h.memberRoom(w, r)
	if !ok {
		return
	}
	userID, ok := idParam(w, r, "userID")
	if !ok {
		return
	}

	caller := currentUserID(r)
	switch {
	case userID == room.OwnerID:
		ErrUnprocessable(w, "the owner cannot leave; delete the room instead")
		return
	case userID != caller && caller != room.OwnerID:
		ErrForbidden(w)
		return
	}

	if err := h.rooms.RemoveMember(r.Context(), room.ID, userID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to remove member", zap.Int64("room_id", room.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.events.OnRoomMembershipChanged(room.ID, userID, false)
	NoContent(w)
}

// Online handles GET /api/v1/rooms/{id}/online: the users with at least one
// session subscribed to the room right now.
func (h *RoomHandler) Online(w http.ResponseWriter, r *http.Request) {
	room, ok := h.memberRoom(w, r)
	if !ok {
		return
	}
	Ok(w, h.presence.OnlineUsers(room.ID))
}

// memberRoom loads the {id} room and checks the caller belongs to it.
// Non-members get a 404 so room ids cannot be probed.
func (h *RoomHandler) memberRoom(w http.ResponseWriter, r *http.Request) (*db.Room, bool) {
	roomID, ok := idParam(w, r, "id")
	if !ok {
		return nil, false
	}
	return loadMemberRoom(w, r, h.rooms, h.logger, roomID)
}

func loadMemberRoom(w http.ResponseWriter, r *http.Request, rooms repositories.RoomRepository, logger *zap.Logger, roomID int64) (*db.Room, bool) {
	isMember, err := rooms.IsMember(r.Context(), roomID, currentUserID(r))
	if err != nil {
		logger.Error("membership check failed", zap.Int64("room_id", roomID), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	if !isMember {
		ErrNotFound(w)
		return nil, false
	}

	room, err := rooms.GetByID(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		logger.Error("failed to get room", zap.Int64("room_id", roomID), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return room, true
}

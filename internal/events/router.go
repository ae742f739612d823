// Package events turns upstream domain changes and client intents into Hub
// broadcasts. The Router holds no state of its own: membership lives in the
// Hub, durable data in the repositories.
package events

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/protocol"
	"github.com/relay-chat/relay/internal/websocket"
)

// checkTimeout bounds a membership lookup made on behalf of a join intent.
const checkTimeout = 5 * time.Second

// MembershipChecker reports whether a user may subscribe to a room. The
// rooms repository implements it.
type MembershipChecker interface {
	IsMember(ctx context.Context, roomID, userID int64) (bool, error)
}

// Option configures a Router.
type Option func(*Router)

// WithMembershipChecker makes join intents for rooms the user does not
// belong to fail with an error frame instead of subscribing.
func WithMembershipChecker(c MembershipChecker) Option {
	return func(r *Router) { r.members = c }
}

// WithClock overrides the clock used to stamp events.
func WithClock(c clockwork.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// Router routes events to rooms. It is safe for concurrent use.
//
// Presence is tracked per user, not per session: a user's join is announced
// when their first session enters a room and their leave when the last one
// goes. Presence events are never delivered to the subject user's own
// sessions. Typing events skip only the originating session.
type Router struct {
	hub     *websocket.Hub
	members MembershipChecker
	clock   clockwork.Clock
	logger  *zap.Logger
}

var _ websocket.IntentHandler = (*Router)(nil)

// NewRouter creates a Router over hub.
func NewRouter(hub *websocket.Hub, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		hub:    hub,
		clock:  clockwork.NewRealClock(),
		logger: logger.Named("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnMessageCreated broadcasts a persisted message to its room. Callers must
// invoke it only after the write has been committed.
func (r *Router) OnMessageCreated(msg protocol.MessagePayload) int {
	n := r.hub.Broadcast(msg.RoomID, protocol.NewMessage(msg, r.clock.Now()))
	r.logger.Debug("message broadcast",
		zap.Int64("room_id", msg.RoomID),
		zap.Int64("message_id", msg.ID),
		zap.Int("recipients", n),
	)
	return n
}

// OnMessageEdited broadcasts the updated record of an edited message.
func (r *Router) OnMessageEdited(msg protocol.MessagePayload) int {
	return r.hub.Broadcast(msg.RoomID, protocol.NewEdit(msg, r.clock.Now()))
}

// OnMessageDeleted tells the room that messageID is gone. userID is whoever
// deleted it.
func (r *Router) OnMessageDeleted(roomID, messageID, userID int64) int {
	return r.hub.Broadcast(roomID, protocol.NewDelete(roomID, userID, messageID, r.clock.Now()))
}

// OnRoomMembershipChanged announces a durable membership change. When a user
// is removed from a room, every live session of theirs is unsubscribed from
// it and told so with an error frame, so clients stop rejoining the room.
func (r *Router) OnRoomMembershipChanged(roomID, userID int64, joined bool) {
	if joined {
		r.announce(protocol.NewJoin(roomID, userID, r.clock.Now()))
		return
	}

	removed := r.hub.RemoveUser(roomID, userID, r.presence(protocol.NewLeave))
	for _, sessionID := range removed {
		r.hub.SendTo(sessionID, protocol.NewError(roomID, protocol.ReasonRemoved, r.clock.Now()))
	}
	r.logger.Debug("member removed",
		zap.Int64("room_id", roomID),
		zap.Int64("user_id", userID),
		zap.Int("sessions_unsubscribed", len(removed)),
	)
}

// OnJoinIntent subscribes the session to roomID and announces the user if
// this is their first session in the room.
func (r *Router) OnJoinIntent(sessionID string, roomID int64) {
	s := r.hub.Session(sessionID)
	if s == nil {
		r.logger.Debug("join intent from unknown session", zap.String("session_id", sessionID))
		return
	}

	if r.members != nil {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		ok, err := r.members.IsMember(ctx, roomID, s.UserID())
		cancel()
		if err != nil {
			r.logger.Error("membership check failed",
				zap.Int64("room_id", roomID),
				zap.Int64("user_id", s.UserID()),
				zap.Error(err),
			)
			r.hub.SendTo(sessionID, protocol.NewError(roomID, protocol.ReasonCheckFailed, r.clock.Now()))
			return
		}
		if !ok {
			r.hub.SendTo(sessionID, protocol.NewError(roomID, protocol.ReasonNotMember, r.clock.Now()))
			return
		}
	}

	if _, announced := r.hub.JoinAnnounce(sessionID, roomID, r.presence(protocol.NewJoin)); announced {
		r.logger.Debug("presence join", zap.Int64("room_id", roomID), zap.Int64("user_id", s.UserID()))
	}
}

// OnLeaveIntent unsubscribes the session from roomID and announces the user
// once none of their sessions remain in the room.
func (r *Router) OnLeaveIntent(sessionID string, roomID int64) {
	if _, announced := r.hub.LeaveAnnounce(sessionID, roomID, r.presence(protocol.NewLeave)); announced {
		r.logger.Debug("presence leave", zap.Int64("room_id", roomID), zap.String("session_id", sessionID))
	}
}

// OnTypingIntent relays a typing change to the rest of the room. Intents for
// rooms the session has not joined are dropped.
func (r *Router) OnTypingIntent(sessionID string, roomID int64, typing bool) {
	s := r.hub.Session(sessionID)
	if s == nil || !r.hub.IsSubscribed(sessionID, roomID) {
		r.logger.Debug("typing intent for unsubscribed room ignored",
			zap.String("session_id", sessionID),
			zap.Int64("room_id", roomID),
		)
		return
	}

	r.hub.BroadcastExcept(roomID, protocol.NewTyping(roomID, s.UserID(), typing, r.clock.Now()), func(other *websocket.Session) bool {
		return other == s
	})
}

// OnDisconnect unregisters the session and announces the user leaving every
// room where this was their last session.
func (r *Router) OnDisconnect(sessionID string) {
	rooms := r.hub.UnregisterAnnounce(sessionID, r.presence(protocol.NewLeave))
	if rooms != nil {
		r.logger.Debug("session disconnected", zap.String("session_id", sessionID), zap.Int("rooms", len(rooms)))
	}
}

// presence adapts a presence constructor to the Hub, stamping events with
// the router's clock at the moment the Hub builds them.
func (r *Router) presence(build func(roomID, userID int64, at time.Time) protocol.Event) websocket.Presence {
	return func(roomID, userID int64) protocol.Event {
		return build(roomID, userID, r.clock.Now())
	}
}

// announce broadcasts a durable presence change to everyone in the room
// except the subject user's own sessions.
func (r *Router) announce(ev protocol.Event) {
	subject := ev.UserID()
	n := r.hub.BroadcastExcept(ev.RoomID(), ev, func(s *websocket.Session) bool {
		return s.UserID() == subject
	})
	r.logger.Debug("presence broadcast",
		zap.String("kind", string(ev.Kind())),
		zap.Int64("room_id", ev.RoomID()),
		zap.Int64("user_id", subject),
		zap.Int("recipients", n),
	)
}

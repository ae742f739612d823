package websocket

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/metrics"
	"github.com/relay-chat/relay/internal/protocol"
)

// Hub is the room membership registry. It holds every live Session and, for
// each room, the set of sessions subscribed to it, and fans events out to
// those sets.
//
// # Locking
//
// A single RWMutex guards both maps. Join, Leave, Register and Unregister
// take the write lock; Broadcast holds the read lock for the whole
// iteration, so a session is either fully a recipient or fully not one.
// The *Announce variants enqueue their presence event before dropping the
// write lock, so the per-user count and the event it triggers are one step.
// Enqueueing onto a session never blocks (the queue is buffered and a full
// queue disconnects the session), so holding the read lock across the loop
// cannot stall on a slow client. The only nested lock is Session.mu, always
// acquired after Hub.mu and never the other way round.
type Hub struct {
	// sessions maps session id to session.
	sessions map[string]*Session

	// rooms maps each room to the set of sessions subscribed to it. Kept in
	// sync with Session.rooms.
	rooms map[int64]map[*Session]struct{}

	mu sync.RWMutex

	logger *zap.Logger

	// closing is set under mu once Run starts shutting down. Sessions
	// registered after that are closed on arrival.
	closing bool

	// stopped is closed when Run returns.
	stopped chan struct{}
}

// Presence builds the presence event announcing userID in roomID. The Hub
// calls it while holding its write lock, so it must not call back into the
// Hub.
type Presence func(roomID, userID int64) protocol.Event

// NewHub creates an empty Hub. Call Run in a goroutine to tie its lifetime
// to a context.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[int64]map[*Session]struct{}),
		logger:   logger.Named("hub"),
		stopped:  make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes every session so their
// transports shut down.
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	<-ctx.Done()

	h.mu.Lock()
	h.closing = true
	for _, s := range h.sessions {
		s.Close()
	}
	n := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("hub stopped", zap.Int("sessions_closed", n))
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}

// Register records a newly authenticated session with no subscriptions.
// Registering the same id twice is a transport-layer bug; the second call is
// ignored. After shutdown has begun the session is still recorded, so the
// transport's Unregister finds it, but its queue is closed immediately.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.sessions[s.id]; exists {
		h.logger.Warn("session registered twice, ignoring",
			zap.String("session_id", s.id),
			zap.Int64("user_id", s.userID),
		)
		return
	}
	h.sessions[s.id] = s
	metrics.Sessions.Set(float64(len(h.sessions)))

	if h.closing {
		s.Close()
		h.logger.Debug("session registered during shutdown, closing",
			zap.String("session_id", s.id),
			zap.Int64("user_id", s.userID),
		)
		return
	}

	h.logger.Debug("session registered",
		zap.String("session_id", s.id),
		zap.Int64("user_id", s.userID),
		zap.Int("total_sessions", len(h.sessions)),
	)
}

// Join subscribes a session to a room. It reports whether the pair was newly
// added; joining twice, or joining with an unknown session id, is a no-op.
func (h *Hub) Join(sessionID string, roomID int64) bool {
	added, _ := h.JoinAnnounce(sessionID, roomID, nil)
	return added
}

// JoinAnnounce is Join with per-user presence. When the session is the
// user's first in the room, the event built by announce is enqueued on every
// other user's session in the room before the lock is released, so presence
// events for one user reach each watcher in the order the subscriptions
// changed. A nil announce skips presence.
func (h *Hub) JoinAnnounce(sessionID string, roomID int64, announce Presence) (added, announced bool) {
	var evicted []*Session

	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		if _, already := s.rooms[roomID]; !already {
			h.addLocked(s, roomID)
			added = true
			if announce != nil && h.countLocked(roomID, s.userID) == 1 {
				evicted, announced = h.presenceLocked(roomID, s.userID, announce)
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		// Expected when a join races the session's disconnect.
		h.logger.Debug("join for unknown session", zap.String("session_id", sessionID), zap.Int64("room_id", roomID))
	}
	h.evict(evicted, roomID)
	return added, announced
}

// Leave unsubscribes a session from a room and reports whether it was
// subscribed. Unknown sessions and absent pairs are no-ops.
func (h *Hub) Leave(sessionID string, roomID int64) bool {
	removed, _ := h.LeaveAnnounce(sessionID, roomID, nil)
	return removed
}

// LeaveAnnounce is Leave with per-user presence: announce runs under the
// same lock when the session was the user's last one in the room.
func (h *Hub) LeaveAnnounce(sessionID string, roomID int64, announce Presence) (removed, announced bool) {
	var evicted []*Session

	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		if _, subscribed := s.rooms[roomID]; subscribed {
			h.removeLocked(s, roomID)
			removed = true
			if announce != nil && h.countLocked(roomID, s.userID) == 0 {
				evicted, announced = h.presenceLocked(roomID, s.userID, announce)
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Debug("leave for unknown session", zap.String("session_id", sessionID), zap.Int64("room_id", roomID))
	}
	h.evict(evicted, roomID)
	return removed, announced
}

// RemoveUser unsubscribes every session of userID from roomID and, in the
// same critical section, enqueues announce for the rest of the room. The
// event is sent even when the user had no live session there. It returns
// the ids of the sessions that were unsubscribed, sorted.
func (h *Hub) RemoveUser(roomID, userID int64, announce Presence) []string {
	var (
		ids     []string
		evicted []*Session
	)

	h.mu.Lock()
	for s := range h.rooms[roomID] {
		if s.userID == userID {
			ids = append(ids, s.id)
			h.removeLocked(s, roomID)
		}
	}
	if announce != nil {
		evicted, _ = h.presenceLocked(roomID, userID, announce)
	}
	h.mu.Unlock()

	h.evict(evicted, roomID)
	sort.Strings(ids)
	return ids
}

// Unregister removes the session from every room, deletes it, and closes its
// queue. It returns the rooms the session was subscribed to. Calling it for
// an unknown or already removed session returns nil.
func (h *Hub) Unregister(sessionID string) []int64 {
	return h.UnregisterAnnounce(sessionID, nil)
}

// UnregisterAnnounce is Unregister with per-user presence: for every room
// where this was the user's last session, announce is enqueued on the rest
// of the room before the lock is released.
func (h *Hub) UnregisterAnnounce(sessionID string, announce Presence) []int64 {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return nil
	}

	rooms := make([]int64, 0, len(s.rooms))
	evicted := make(map[int64][]*Session)
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
		h.removeLocked(s, roomID)
		if announce != nil && h.countLocked(roomID, s.userID) == 0 {
			evicted[roomID], _ = h.presenceLocked(roomID, s.userID, announce)
		}
	}
	delete(h.sessions, sessionID)
	total := len(h.sessions)
	metrics.Sessions.Set(float64(total))
	h.mu.Unlock()

	s.markClosed()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	for roomID, slow := range evicted {
		h.evict(slow, roomID)
	}

	h.logger.Debug("session unregistered",
		zap.String("session_id", sessionID),
		zap.Int64("user_id", s.userID),
		zap.Int("rooms_left", len(rooms)),
		zap.Int("total_sessions", total),
	)
	return rooms
}

// addLocked records the (room, session) pair. Caller holds h.mu for writing.
func (h *Hub) addLocked(s *Session, roomID int64) {
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[*Session]struct{})
		h.rooms[roomID] = members
		metrics.Rooms.Set(float64(len(h.rooms)))
	}
	members[s] = struct{}{}
	s.rooms[roomID] = struct{}{}
}

// presenceLocked enqueues the presence event for userID on every session in
// roomID that belongs to someone else. Caller holds h.mu. It reports the
// sessions evicted as slow consumers and whether the event was encoded.
func (h *Hub) presenceLocked(roomID, userID int64, announce Presence) ([]*Session, bool) {
	ev := announce(roomID, userID)
	frame, err := ev.Encode()
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("kind", string(ev.Kind())), zap.Int64("room_id", roomID), zap.Error(err))
		return nil, false
	}
	delivered, evicted := h.fanoutLocked(roomID, frame, func(s *Session) bool { return s.userID == userID })
	metrics.EventsBroadcast.WithLabelValues(string(ev.Kind())).Inc()
	metrics.Deliveries.Add(float64(delivered))
	return evicted, true
}

// fanoutLocked enqueues frame on the room's sessions not matched by skip.
// Caller holds h.mu for reading or writing.
func (h *Hub) fanoutLocked(roomID int64, frame []byte, skip func(*Session) bool) (delivered int, evicted []*Session) {
	for s := range h.rooms[roomID] {
		if skip != nil && skip(s) {
			continue
		}
		switch s.enqueue(frame) {
		case enqueued:
			delivered++
		case rejectedFull:
			evicted = append(evicted, s)
		}
	}
	return delivered, evicted
}

// evict reports sessions whose queue overflowed. Their queue is already
// closed; the write pump drops the connection and the transport unregisters
// the session.
func (h *Hub) evict(sessions []*Session, roomID int64) {
	for _, s := range sessions {
		metrics.SlowConsumerDisconnects.Inc()
		h.logger.Warn("disconnecting slow consumer",
			zap.String("session_id", s.id),
			zap.Int64("user_id", s.userID),
			zap.Int64("room_id", roomID),
		)
	}
}

// removeLocked drops the (room, session) pair. Caller holds h.mu for writing.
func (h *Hub) removeLocked(s *Session, roomID int64) {
	delete(s.rooms, roomID)
	members := h.rooms[roomID]
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		metrics.Rooms.Set(float64(len(h.rooms)))
	}
}

// Broadcast enqueues ev on every session subscribed to roomID and returns
// the number of sessions it was delivered to. It never blocks.
func (h *Hub) Broadcast(roomID int64, ev protocol.Event) int {
	return h.BroadcastExcept(roomID, ev, nil)
}

// BroadcastExcept is Broadcast with a recipient filter: sessions for which
// skip returns true are passed over.
func (h *Hub) BroadcastExcept(roomID int64, ev protocol.Event, skip func(*Session) bool) int {
	frame, err := ev.Encode()
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("kind", string(ev.Kind())), zap.Int64("room_id", roomID), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	delivered, evicted := h.fanoutLocked(roomID, frame, skip)
	h.mu.RUnlock()

	metrics.EventsBroadcast.WithLabelValues(string(ev.Kind())).Inc()
	metrics.Deliveries.Add(float64(delivered))
	h.evict(evicted, roomID)
	return delivered
}

// SendTo enqueues ev on a single session, used for error replies.
func (h *Hub) SendTo(sessionID string, ev protocol.Event) bool {
	frame, err := ev.Encode()
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("kind", string(ev.Kind())), zap.Error(err))
		return false
	}

	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	switch s.enqueue(frame) {
	case enqueued:
		return true
	case rejectedFull:
		metrics.SlowConsumerDisconnects.Inc()
		h.logger.Warn("disconnecting slow consumer", zap.String("session_id", s.id), zap.Int64("user_id", s.userID))
	}
	return false
}

// Session returns the session with the given id, or nil.
func (h *Hub) Session(sessionID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID]
}

// IsSubscribed reports whether the session is currently subscribed to roomID.
func (h *Hub) IsSubscribed(sessionID string, roomID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	_, subscribed := s.rooms[roomID]
	return subscribed
}

// Rooms returns the rooms a session is subscribed to, sorted.
func (h *Hub) Rooms(sessionID string) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	rooms := make([]int64, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// UserSessionsInRoom counts the sessions of userID subscribed to roomID.
func (h *Hub) UserSessionsInRoom(roomID, userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked(roomID, userID)
}

func (h *Hub) countLocked(roomID, userID int64) int {
	n := 0
	for s := range h.rooms[roomID] {
		if s.userID == userID {
			n++
		}
	}
	return n
}

// SessionsOfUser returns the ids of every session belonging to userID.
func (h *Hub) SessionsOfUser(userID int64) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []string
	for id, s := range h.sessions {
		if s.userID == userID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// OnlineUsers returns the distinct users with at least one session
// subscribed to roomID, sorted.
func (h *Hub) OnlineUsers(roomID int64) []int64 {
	h.mu.RLock()
	seen := make(map[int64]struct{}, len(h.rooms[roomID]))
	for s := range h.rooms[roomID] {
		seen[s.userID] = struct{}{}
	}
	h.mu.RUnlock()

	users := make([]int64, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// RoomSessions returns how many sessions are subscribed to roomID.
func (h *Hub) RoomSessions(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// SessionCount returns the number of registered sessions.
// Intended for metrics and health endpoints.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomCount returns the number of rooms with at least one subscriber.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

package websocket

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultSendBuffer is the capacity of a session's outbound queue when the
// caller does not configure one. A session whose queue fills up is
// disconnected by the Hub; it must reconnect and resync over REST.
const DefaultSendBuffer = 64

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	// StateOpen sessions accept events.
	StateOpen SessionState = iota

	// StateClosing sessions have had their queue closed (slow consumer,
	// server shutdown) and are waiting for the transport to wind down.
	StateClosing

	// StateClosed sessions have been removed from the Hub.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one authenticated client's live connection as seen by the Hub.
// It owns the outbound queue of pre-encoded frames that the transport's
// write pump drains.
//
// The room set is guarded by the owning Hub's lock, never by mu. mu guards
// state and the queue close so that an enqueue never races a close.
type Session struct {
	id     string
	userID int64

	send chan []byte

	mu    sync.Mutex
	state SessionState

	// rooms is read and written only while holding Hub.mu.
	rooms map[int64]struct{}
}

// NewSession creates an open session for userID with a fresh UUIDv7 id.
// bufferSize <= 0 selects DefaultSendBuffer.
func NewSession(userID int64, bufferSize int) *Session {
	if bufferSize <= 0 {
		bufferSize = DefaultSendBuffer
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Session{
		id:     id.String(),
		userID: userID,
		send:   make(chan []byte, bufferSize),
		rooms:  make(map[int64]struct{}),
	}
}

// ID returns the opaque session id.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user behind the session.
func (s *Session) UserID() int64 { return s.userID }

// Queue returns the receive side of the outbound queue. It is closed once
// the session stops accepting events.
func (s *Session) Queue() <-chan []byte { return s.send }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	rejectedFull
	rejectedClosed
)

// enqueue appends frame to the outbound queue without blocking. A full queue
// closes the session on the spot so that it never observes a gap in its
// event stream: it either gets every event or is disconnected.
func (s *Session) enqueue(frame []byte) enqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return rejectedClosed
	}
	select {
	case s.send <- frame:
		return enqueued
	default:
		s.state = StateClosing
		close(s.send)
		return rejectedFull
	}
}

// Enqueue reports whether frame was accepted onto the outbound queue.
func (s *Session) Enqueue(frame []byte) bool {
	return s.enqueue(frame) == enqueued
}

// Close stops the session from accepting events and closes its queue, which
// makes the write pump send a close frame and drop the connection. Safe to
// call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return
	}
	s.state = StateClosing
	close(s.send)
}

// markClosed is called by the Hub once the session is unregistered.
func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateOpen {
		close(s.send)
	}
	s.state = StateClosed
}

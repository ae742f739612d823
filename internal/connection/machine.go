package connection

import (
	"errors"
	"sort"
	"time"

	"github.com/relay-chat/relay/internal/protocol"
)

// State is the externally visible connection state.
type State int32

const (
	// StateDisconnected is the initial state, and the state after a manual
	// Disconnect or an authentication failure. Nothing happens until Connect.
	StateDisconnected State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateOpen means the transport is up. Desired rooms have been replayed
	// once Ready reports true.
	StateOpen

	// StateReconnecting means the transport was lost or a dial failed and a
	// retry is scheduled.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	// DefaultBackoffBase is the delay before the first reconnect attempt.
	DefaultBackoffBase = 5 * time.Second

	// DefaultBackoffMax caps the delay between attempts.
	DefaultBackoffMax = 60 * time.Second
)

// Backoff configures the reconnect delay: Base, doubling after every
// consecutive failure, capped at Max. Jitter spreads each delay by up to
// ±Jitter of its value and defaults to 0.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoffMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// nextBackoff doubles current, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// machine is the reconnection state. It is a value: step never mutates its
// argument, and the desired slice is copied whenever it changes.
type machine struct {
	state State

	// desired is the sorted set of rooms the application wants, kept
	// regardless of transport state.
	desired []int64

	// delay is the wait before the next scheduled attempt.
	delay    time.Duration
	attempts int

	// manual is set by Disconnect and cleared by Connect.
	manual bool

	// authFailed is set when the server rejected the credential.
	authFailed bool

	// ready is true once the join replay of the current transport is done.
	ready bool

	// gen identifies the current dial/transport. Results tagged with an
	// older generation are stale and ignored.
	gen uint64

	backoff Backoff
}

func newMachine(b Backoff, rooms []int64) machine {
	b = b.withDefaults()
	m := machine{state: StateDisconnected, delay: b.Base, backoff: b}
	for _, id := range rooms {
		m.desired, _ = addRoom(m.desired, id)
	}
	return m
}

type inputKind int

const (
	inConnect inputKind = iota
	inDisconnect
	inDialSucceeded
	inDialFailed
	inTransportClosed
	inRetryFired
	inJoinRoom
	inLeaveRoom
	inSendTyping
)

// input is something that happened: an API call, or a result posted back by
// a dial, a reader or a timer.
type input struct {
	kind   inputKind
	gen    uint64
	roomID int64
	typing bool
	err    error

	// auth marks a dial failure caused by a rejected credential.
	auth bool

	// clean marks a transport close initiated with a normal close frame.
	clean bool

	// conn is the transport of a successful dial.
	conn Transport
}

type effectKind int

const (
	effDial effectKind = iota
	effSend
	effScheduleRetry
	effCancelRetry
	effCloseTransport
	effNotifyState
	effNotifyDisconnect
	effNotifyError
	effReady
)

// effect is something the controller must do, in order.
type effect struct {
	kind   effectKind
	gen    uint64
	intent protocol.Intent
	delay  time.Duration
	state  State
	err    error
}

// step is the transition function. It is pure: the same machine and input
// always yield the same result.
func step(m machine, in input) (machine, []effect) {
	switch in.kind {
	case inConnect:
		return onConnect(m)
	case inDisconnect:
		return onDisconnect(m)
	case inDialSucceeded:
		return onDialSucceeded(m, in)
	case inDialFailed:
		return onDialFailed(m, in)
	case inTransportClosed:
		return onTransportClosed(m, in)
	case inRetryFired:
		return onRetryFired(m, in)
	case inJoinRoom:
		return onJoinRoom(m, in.roomID)
	case inLeaveRoom:
		return onLeaveRoom(m, in.roomID)
	case inSendTyping:
		if m.state != StateOpen {
			return m, nil
		}
		return m, []effect{send(protocol.TypingIntent(in.roomID, in.typing))}
	}
	return m, nil
}

func onConnect(m machine) (machine, []effect) {
	var effects []effect
	switch m.state {
	case StateConnecting, StateOpen:
		return m, nil
	case StateReconnecting:
		effects = append(effects, effect{kind: effCancelRetry})
	case StateDisconnected:
		// A fresh start: forget the failures that led here.
		m.delay = m.backoff.Base
		m.attempts = 0
	}

	m.manual = false
	m.authFailed = false
	m.gen++
	m.state = StateConnecting
	return m, append(effects,
		notify(StateConnecting),
		effect{kind: effDial, gen: m.gen},
	)
}

func onDisconnect(m machine) (machine, []effect) {
	prev := m.state
	m.manual = true
	m.ready = false
	m.gen++
	m.state = StateDisconnected
	m.delay = m.backoff.Base
	m.attempts = 0

	switch prev {
	case StateOpen:
		return m, []effect{
			{kind: effCloseTransport},
			notify(StateDisconnected),
			{kind: effNotifyDisconnect},
		}
	case StateReconnecting:
		return m, []effect{{kind: effCancelRetry}, notify(StateDisconnected)}
	case StateConnecting:
		// The in-flight dial is now stale; its transport is closed on arrival.
		return m, []effect{notify(StateDisconnected)}
	default:
		return m, nil
	}
}

func onDialSucceeded(m machine, in input) (machine, []effect) {
	if m.state != StateConnecting || in.gen != m.gen {
		return m, nil
	}

	m.state = StateOpen
	m.delay = m.backoff.Base
	m.attempts = 0

	effects := make([]effect, 0, len(m.desired)+2)
	for _, id := range m.desired {
		effects = append(effects, send(protocol.JoinIntent(id)))
	}
	m.ready = true
	return m, append(effects, notify(StateOpen), effect{kind: effReady})
}

func onDialFailed(m machine, in input) (machine, []effect) {
	if m.state != StateConnecting || in.gen != m.gen {
		return m, nil
	}

	if in.auth {
		m.state = StateDisconnected
		m.authFailed = true
		err := in.err
		if !errors.Is(err, ErrUnauthorized) {
			err = ErrUnauthorized
		}
		return m, []effect{
			{kind: effNotifyError, err: err},
			notify(StateDisconnected),
		}
	}

	m, retry := scheduleRetry(m)
	return m, []effect{
		{kind: effNotifyError, err: in.err},
		notify(StateReconnecting),
		retry,
	}
}

func onTransportClosed(m machine, in input) (machine, []effect) {
	if m.state != StateOpen || in.gen != m.gen {
		return m, nil
	}

	m.ready = false
	m, retry := scheduleRetry(m)

	effects := []effect{
		{kind: effCloseTransport},
		{kind: effNotifyDisconnect, err: in.err},
	}
	if !in.clean && in.err != nil {
		effects = append(effects, effect{kind: effNotifyError, err: in.err})
	}
	return m, append(effects, notify(StateReconnecting), retry)
}

// scheduleRetry moves to reconnecting with the current delay and advances
// the delay for the attempt after.
func scheduleRetry(m machine) (machine, effect) {
	d := m.delay
	m.state = StateReconnecting
	m.attempts++
	m.delay = nextBackoff(m.delay, m.backoff.Max)
	return m, effect{kind: effScheduleRetry, gen: m.gen, delay: d}
}

func onRetryFired(m machine, in input) (machine, []effect) {
	if m.state != StateReconnecting || in.gen != m.gen || m.manual {
		return m, nil
	}
	m.gen++
	m.state = StateConnecting
	return m, []effect{notify(StateConnecting), {kind: effDial, gen: m.gen}}
}

func onJoinRoom(m machine, roomID int64) (machine, []effect) {
	desired, added := addRoom(m.desired, roomID)
	if !added {
		return m, nil
	}
	m.desired = desired
	if m.state != StateOpen {
		return m, nil
	}
	return m, []effect{send(protocol.JoinIntent(roomID))}
}

func onLeaveRoom(m machine, roomID int64) (machine, []effect) {
	desired, removed := removeRoom(m.desired, roomID)
	if !removed {
		return m, nil
	}
	m.desired = desired
	if m.state != StateOpen {
		return m, nil
	}
	return m, []effect{send(protocol.LeaveIntent(roomID))}
}

func send(i protocol.Intent) effect { return effect{kind: effSend, intent: i} }

func notify(s State) effect { return effect{kind: effNotifyState, state: s} }

// addRoom returns a new sorted slice containing id.
func addRoom(rooms []int64, id int64) ([]int64, bool) {
	i := sort.Search(len(rooms), func(i int) bool { return rooms[i] >= id })
	if i < len(rooms) && rooms[i] == id {
		return rooms, false
	}
	out := make([]int64, 0, len(rooms)+1)
	out = append(out, rooms[:i]...)
	out = append(out, id)
	out = append(out, rooms[i:]...)
	return out, true
}

// removeRoom returns a new slice without id.
func removeRoom(rooms []int64, id int64) ([]int64, bool) {
	i := sort.Search(len(rooms), func(i int) bool { return rooms[i] >= id })
	if i == len(rooms) || rooms[i] != id {
		return rooms, false
	}
	out := make([]int64, 0, len(rooms)-1)
	out = append(out, rooms[:i]...)
	return append(out, rooms[i+1:]...), true
}

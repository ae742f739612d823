// Package connection is the client side of the relay fanout protocol. A
// Manager owns one logical connection to the server: it dials, replays the
// application's desired room subscriptions every time the transport opens,
// and reconnects with exponential backoff whenever the transport is lost.
//
// The reconnection logic is a pure transition function (step) driven by a
// single controller goroutine (Manager.Run). Every API call, dial result,
// read error and retry timer is turned into an input and fed through step
// in order; the resulting effects are executed by the controller. Nothing
// else touches the machine, so the desired room set and backoff counters
// have exactly one writer.
package connection

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/protocol"
)

// Config holds the behaviour of a Manager. Zero values select defaults.
type Config struct {
	Backoff Backoff

	// Rooms seeds the desired room set.
	Rooms []int64

	// Clock drives retry timers. Defaults to the real clock.
	Clock clockwork.Clock

	// OnStateChange is called on every state transition.
	OnStateChange func(State)

	// OnDisconnect is called when an open transport goes away, cleanly or
	// not. err is nil for a manual Disconnect.
	OnDisconnect func(err error)

	// OnError is called for dial failures, transport errors and credential
	// rejection (ErrUnauthorized).
	OnError func(err error)
}

// Manager is the connection controller. Create one per authenticated
// session with New, start Run, then drive it with Connect, JoinRoom and
// friends. All methods are safe for concurrent use; they enqueue an input
// and return without waiting for it to be applied.
//
// Hooks run on the controller goroutine and event subscribers on the reader
// goroutine; neither may block for long.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clockwork.Clock
	logger *zap.Logger

	inputs chan input
	done   chan struct{}

	dispatch *dispatcher

	// Owned by the Run goroutine.
	m         machine
	transport Transport
	retry     clockwork.Timer
	ctx       context.Context

	// Snapshots for readers on other goroutines.
	state   atomic.Int32
	ready   atomic.Bool
	desired atomic.Pointer[[]int64]
}

// inputBuffer lets API calls made before Run, or while the controller is
// executing effects, queue up without blocking.
const inputBuffer = 64

// New creates a Manager that dials through dialer. It starts disconnected.
func New(cfg Config, dialer Dialer, logger *zap.Logger) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	mgr := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		clock:    cfg.Clock,
		logger:   logger.Named("connection"),
		inputs:   make(chan input, inputBuffer),
		done:     make(chan struct{}),
		dispatch: newDispatcher(),
		m:        newMachine(cfg.Backoff, cfg.Rooms),
	}
	mgr.publish()
	return mgr
}

// Run is the controller loop. It blocks until ctx is cancelled, then closes
// the transport and stops any pending retry.
func (mgr *Manager) Run(ctx context.Context) {
	mgr.ctx = ctx
	defer close(mgr.done)

	for {
		select {
		case <-ctx.Done():
			mgr.shutdown()
			return
		case in := <-mgr.inputs:
			mgr.apply(in)
		}
	}
}

// Done is closed once Run has returned.
func (mgr *Manager) Done() <-chan struct{} { return mgr.done }

// Connect starts connecting. It clears a previous manual Disconnect or
// credential rejection.
func (mgr *Manager) Connect() { mgr.post(input{kind: inConnect}) }

// Disconnect closes the transport and suppresses reconnection until the next
// Connect.
func (mgr *Manager) Disconnect() { mgr.post(input{kind: inDisconnect}) }

// JoinRoom adds roomID to the desired set. The join intent is sent now if the
// transport is open, otherwise on the next open.
func (mgr *Manager) JoinRoom(roomID int64) {
	mgr.post(input{kind: inJoinRoom, roomID: roomID})
}

// LeaveRoom removes roomID from the desired set.
func (mgr *Manager) LeaveRoom(roomID int64) {
	mgr.post(input{kind: inLeaveRoom, roomID: roomID})
}

// SendTyping sends a typing intent if the transport is open. It is dropped
// otherwise; typing state is never replayed.
func (mgr *Manager) SendTyping(roomID int64, typing bool) {
	mgr.post(input{kind: inSendTyping, roomID: roomID, typing: typing})
}

// State returns the last applied state.
func (mgr *Manager) State() State { return State(mgr.state.Load()) }

// Ready reports whether the transport is open and the desired rooms have
// been replayed on it.
func (mgr *Manager) Ready() bool { return mgr.ready.Load() }

// DesiredRooms returns the applied desired room set, sorted.
func (mgr *Manager) DesiredRooms() []int64 {
	rooms := *mgr.desired.Load()
	out := make([]int64, len(rooms))
	copy(out, rooms)
	return out
}

// Subscribe registers fn for inbound events of kind. Handlers of one kind run
// in subscription order. Call the returned function to unsubscribe.
func (mgr *Manager) Subscribe(kind protocol.Kind, fn func(protocol.Event)) (cancel func()) {
	return mgr.dispatch.subscribe(kind, fn)
}

// post hands an input to the controller. After Run has returned inputs are
// dropped, and a transport carried by a late dial result is closed.
func (mgr *Manager) post(in input) {
	select {
	case mgr.inputs <- in:
	case <-mgr.done:
		if in.conn != nil {
			in.conn.Close()
		}
	}
}

func (mgr *Manager) apply(in input) {
	prev := mgr.m
	next, effects := step(prev, in)
	mgr.m = next

	if in.kind == inDialSucceeded {
		if next.state == StateOpen && prev.state == StateConnecting && in.gen == prev.gen {
			mgr.transport = in.conn
			go mgr.readLoop(in.gen, in.conn)
		} else {
			// Superseded by Disconnect or a newer dial.
			in.conn.Close()
		}
	}

	mgr.publish()
	for _, eff := range effects {
		mgr.execute(eff)
	}
}

func (mgr *Manager) execute(eff effect) {
	switch eff.kind {
	case effDial:
		go mgr.dial(eff.gen)

	case effSend:
		mgr.send(eff.intent)

	case effScheduleRetry:
		mgr.stopRetry()
		delay := jitter(eff.delay, mgr.cfg.Backoff.Jitter)
		gen := eff.gen
		mgr.retry = mgr.clock.AfterFunc(delay, func() {
			mgr.post(input{kind: inRetryFired, gen: gen})
		})
		mgr.logger.Info("reconnecting",
			zap.Duration("delay", delay),
			zap.Int("attempt", mgr.m.attempts),
		)

	case effCancelRetry:
		mgr.stopRetry()

	case effCloseTransport:
		if mgr.transport != nil {
			mgr.transport.Close()
			mgr.transport = nil
		}

	case effNotifyState:
		mgr.logger.Debug("state changed", zap.Stringer("state", eff.state))
		if mgr.cfg.OnStateChange != nil {
			mgr.cfg.OnStateChange(eff.state)
		}

	case effNotifyDisconnect:
		if mgr.cfg.OnDisconnect != nil {
			mgr.cfg.OnDisconnect(eff.err)
		}

	case effNotifyError:
		if errors.Is(eff.err, ErrUnauthorized) {
			mgr.logger.Error("credential rejected, not reconnecting", zap.Error(eff.err))
		} else {
			mgr.logger.Warn("connection error", zap.Error(eff.err))
		}
		if mgr.cfg.OnError != nil {
			mgr.cfg.OnError(eff.err)
		}

	case effReady:
		mgr.ready.Store(true)
		mgr.logger.Info("connected", zap.Int64s("rooms", mgr.m.desired))
	}
}

func (mgr *Manager) dial(gen uint64) {
	conn, err := mgr.dialer.Dial(mgr.ctx)
	if err != nil {
		mgr.post(input{kind: inDialFailed, gen: gen, err: err, auth: errors.Is(err, ErrUnauthorized)})
		return
	}
	mgr.post(input{kind: inDialSucceeded, gen: gen, conn: conn})
}

func (mgr *Manager) send(intent protocol.Intent) {
	if mgr.transport == nil {
		return
	}
	frame, err := intent.Encode()
	if err != nil {
		mgr.logger.Error("failed to encode intent", zap.String("kind", string(intent.Kind)), zap.Error(err))
		return
	}
	if err := mgr.transport.WriteFrame(frame); err != nil {
		// Never block here: this is the goroutine that drains inputs. The
		// reader reports the same failure if the queue is full.
		select {
		case mgr.inputs <- input{kind: inTransportClosed, gen: mgr.m.gen, err: err}:
		default:
		}
	}
}

// readLoop decodes inbound frames until the transport fails, then reports
// the loss tagged with the transport's generation.
func (mgr *Manager) readLoop(gen uint64, conn Transport) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			clean := errors.Is(err, ErrTransportClosed) || errors.Is(err, io.EOF)
			mgr.post(input{kind: inTransportClosed, gen: gen, err: err, clean: clean})
			return
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			mgr.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if ev.Kind() == protocol.KindError {
			if p, ok := ev.Payload().(protocol.ErrorPayload); ok {
				mgr.logger.Warn("server reported error", zap.Int64("room_id", ev.RoomID()), zap.String("reason", p.Reason))
			}
			// The server refuses this room for good; stop replaying it.
			if ev.RoomRevoked() {
				mgr.post(input{kind: inLeaveRoom, roomID: ev.RoomID()})
			}
		}
		mgr.dispatch.dispatch(ev)
	}
}

func (mgr *Manager) stopRetry() {
	if mgr.retry != nil {
		mgr.retry.Stop()
		mgr.retry = nil
	}
}

func (mgr *Manager) shutdown() {
	mgr.stopRetry()
	if mgr.transport != nil {
		mgr.transport.Close()
		mgr.transport = nil
	}
	mgr.m.state = StateDisconnected
	mgr.m.ready = false
	mgr.publish()
	mgr.logger.Info("connection manager stopped")
}

// publish copies the machine's observable fields into the atomics.
func (mgr *Manager) publish() {
	mgr.state.Store(int32(mgr.m.state))
	if !mgr.m.ready {
		// Set only by the ready effect, after the join replay was written.
		mgr.ready.Store(false)
	}
	rooms := mgr.m.desired
	mgr.desired.Store(&rooms)
}

// jitter perturbs d by up to ±fraction of its value.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/protocol"
)

const waitFor = 2 * time.Second

// fakeTransport is an in-memory Transport. Frames written by the manager
// appear on writes; the test injects inbound frames and failures.
type fakeTransport struct {
	inbound chan []byte
	fail    chan error
	writes  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		fail:    make(chan error, 1),
		writes:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case err := <-f.fail:
		return nil, err
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteFrame(frame []byte) error {
	select {
	case <-f.closed:
		return errors.New("write on closed transport")
	default:
	}
	f.writes <- frame
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// nextIntent waits for the manager to write a frame and decodes it.
func (f *fakeTransport) nextIntent(t *testing.T) protocol.Intent {
	t.Helper()
	select {
	case frame := <-f.writes:
		in, err := protocol.DecodeIntent(frame)
		require.NoError(t, err)
		return in
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for an outbound frame")
		return protocol.Intent{}
	}
}

type dialResult struct {
	conn Transport
	err  error
}

// fakeDialer blocks each Dial until the test supplies a result.
type fakeDialer struct {
	results chan dialResult
	dials   atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.dials.Add(1)
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) succeed(t *testing.T, conn Transport) {
	t.Helper()
	select {
	case d.results <- dialResult{conn: conn}:
	case <-time.After(waitFor):
		t.Fatal("manager did not dial")
	}
}

func (d *fakeDialer) fail(t *testing.T, err error) {
	t.Helper()
	select {
	case d.results <- dialResult{err: err}:
	case <-time.After(waitFor):
		t.Fatal("manager did not dial")
	}
}

type harness struct {
	mgr    *Manager
	dialer *fakeDialer
	clock  *clockwork.FakeClock
	states chan State
	errs   chan error
	drops  chan error
	ctx    context.Context
}

func newHarness(t *testing.T, rooms ...int64) *harness {
	t.Helper()
	h := &harness{
		dialer: newFakeDialer(),
		clock:  clockwork.NewFakeClock(),
		states: make(chan State, 64),
		errs:   make(chan error, 64),
		drops:  make(chan error, 64),
	}
	h.mgr = New(Config{
		Rooms:         rooms,
		Clock:         h.clock,
		OnStateChange: func(s State) { h.states <- s },
		OnError:       func(err error) { h.errs <- err },
		OnDisconnect:  func(err error) { h.drops <- err },
	}, h.dialer, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	go h.mgr.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.mgr.Done()
	})
	return h
}

func (h *harness) expectState(t *testing.T, want State) {
	t.Helper()
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-time.After(waitFor):
			t.Fatalf("state %s never reached, currently %s", want, h.mgr.State())
		}
	}
}

func TestManagerReconnectsAfterTransportLoss(t *testing.T) {
	h := newHarness(t, 10)

	h.mgr.Connect()
	first := newFakeTransport()
	h.dialer.succeed(t, first)
	assert.Equal(t, protocol.JoinIntent(10), first.nextIntent(t))
	h.expectState(t, StateOpen)
	require.Eventually(t, h.mgr.Ready, waitFor, 5*time.Millisecond)

	first.fail <- errors.New("connection reset by peer")
	h.expectState(t, StateReconnecting)
	assert.False(t, h.mgr.Ready())

	// The retry timer is registered at the base delay.
	require.NoError(t, h.clock.BlockUntilContext(h.ctx, 1))
	h.clock.Advance(4 * time.Second)
	assert.Equal(t, int32(1), h.dialer.dials.Load(), "no dial before the delay elapses")
	h.clock.Advance(time.Second)

	second := newFakeTransport()
	h.dialer.succeed(t, second)
	assert.Equal(t, protocol.JoinIntent(10), second.nextIntent(t))
	h.expectState(t, StateOpen)
	assert.True(t, first.isClosed())
}

func TestManagerReplaysAllRoomsBeforeOtherTraffic(t *testing.T) {
	h := newHarness(t, 1, 2)

	h.mgr.Connect()
	conn := newFakeTransport()
	h.dialer.succeed(t, conn)
	h.mgr.SendTyping(1, true)

	got := []protocol.Intent{conn.nextIntent(t), conn.nextIntent(t)}
	assert.ElementsMatch(t, []protocol.Intent{protocol.JoinIntent(1), protocol.JoinIntent(2)}, got)
	assert.Equal(t, protocol.TypingIntent(1, true), conn.nextIntent(t))
}

func TestManagerDefersRoomChangesUntilOpen(t *testing.T) {
	h := newHarness(t)

	h.mgr.JoinRoom(5)
	h.mgr.JoinRoom(6)
	h.mgr.LeaveRoom(5)
	h.mgr.SendTyping(6, true)
	require.Eventually(t, func() bool {
		rooms := h.mgr.DesiredRooms()
		return len(rooms) == 1 && rooms[0] == 6
	}, waitFor, 5*time.Millisecond)

	h.mgr.Connect()
	conn := newFakeTransport()
	h.dialer.succeed(t, conn)
	assert.Equal(t, protocol.JoinIntent(6), conn.nextIntent(t))

	h.mgr.JoinRoom(7)
	assert.Equal(t, protocol.JoinIntent(7), conn.nextIntent(t))
	h.mgr.LeaveRoom(6)
	assert.Equal(t, protocol.LeaveIntent(6), conn.nextIntent(t))

	select {
	case frame := <-conn.writes:
		t.Fatalf("unexpected frame %s", frame)
	default:
	}
}

func TestManagerStopsOnUnauthorized(t *testing.T) {
	h := newHarness(t, 1)

	h.mgr.Connect()
	h.dialer.fail(t, fmt.Errorf("%w: handshake status 401", ErrUnauthorized))

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, ErrUnauthorized)
	case <-time.After(waitFor):
		t.Fatal("OnError not called")
	}
	h.expectState(t, StateDisconnected)

	// No retry is scheduled.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, h.clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(1), h.dialer.dials.Load())
}

func TestManagerBacksOffOnDialFailure(t *testing.T) {
	h := newHarness(t)

	h.mgr.Connect()
	for _, delay := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second} {
		h.dialer.fail(t, errNetwork)
		h.expectState(t, StateReconnecting)
		require.NoError(t, h.clock.BlockUntilContext(h.ctx, 1))
		h.clock.Advance(delay - time.Millisecond)
		h.clock.Advance(time.Millisecond)
		h.expectState(t, StateConnecting)
	}

	h.dialer.succeed(t, newFakeTransport())
	h.expectState(t, StateOpen)
	assert.Equal(t, int32(4), h.dialer.dials.Load())
}

func TestManagerManualDisconnect(t *testing.T) {
	h := newHarness(t, 3)

	h.mgr.Connect()
	conn := newFakeTransport()
	h.dialer.succeed(t, conn)
	conn.nextIntent(t)
	h.expectState(t, StateOpen)

	h.mgr.Disconnect()
	h.expectState(t, StateDisconnected)
	assert.True(t, conn.isClosed())

	select {
	case err := <-h.drops:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("OnDisconnect not called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, h.clock.BlockUntilContext(ctx, 1), "manual disconnect schedules no retry")
	assert.Equal(t, []int64{3}, h.mgr.DesiredRooms())
}

func TestManagerDispatchesInboundEvents(t *testing.T) {
	h := newHarness(t, 4)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(tag string) func(protocol.Event) {
		return func(protocol.Event) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
		}
	}
	h.mgr.Subscribe(protocol.KindTyping, record("first"))
	cancelSecond := h.mgr.Subscribe(protocol.KindTyping, record("second"))
	h.mgr.Subscribe(protocol.KindMessage, record("message"))

	h.mgr.Connect()
	conn := newFakeTransport()
	h.dialer.succeed(t, conn)
	conn.nextIntent(t)

	frame, err := protocol.NewTyping(4, 9, true, time.Now()).Encode()
	require.NoError(t, err)
	conn.inbound <- frame
	conn.inbound <- []byte(`{"type":"typing","room_id":4,"content":{"room_id":4}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, waitFor, 5*time.Millisecond)

	cancelSecond()
	cancelSecond()
	conn.inbound <- frame

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, waitFor, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "first"}, order)
}

func TestManagerDropsRevokedRoom(t *testing.T) {
	h := newHarness(t, 3, 8)

	h.mgr.Connect()
	conn := newFakeTransport()
	h.dialer.succeed(t, conn)
	conn.nextIntent(t)
	conn.nextIntent(t)

	transient, err := protocol.NewError(8, protocol.ReasonCheckFailed, time.Now()).Encode()
	require.NoError(t, err)
	conn.inbound <- transient
	removed, err := protocol.NewError(3, protocol.ReasonRemoved, time.Now()).Encode()
	require.NoError(t, err)
	conn.inbound <- removed

	assert.Equal(t, protocol.LeaveIntent(3), conn.nextIntent(t))
	require.Eventually(t, func() bool {
		rooms := h.mgr.DesiredRooms()
		return len(rooms) == 1 && rooms[0] == 8
	}, waitFor, 5*time.Millisecond)
}

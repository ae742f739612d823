package websocket

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/protocol"
)

var now = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(zap.NewNop())
}

func register(t *testing.T, h *Hub, userID int64, buffer int) *Session {
	t.Helper()
	s := NewSession(userID, buffer)
	h.Register(s)
	return s
}

// drain pops every frame currently queued on s without blocking.
func drain(t *testing.T, s *Session) []protocol.Event {
	t.Helper()
	var out []protocol.Event
	for {
		select {
		case frame, ok := <-s.Queue():
			if !ok {
				return out
			}
			ev, err := protocol.Decode(frame)
			require.NoError(t, err)
			out = append(out, ev)
		default:
			return out
		}
	}
}

func message(id, roomID int64) protocol.Event {
	return protocol.NewMessage(protocol.MessagePayload{
		ID: id, RoomID: roomID, UserID: 1, Content: fmt.Sprintf("m%d", id), CreatedAt: now,
	}, now)
}

func TestBroadcastReachesOnlyRoomSubscribers(t *testing.T) {
	h := newTestHub(t)
	s1 := register(t, h, 1, 0)
	s2 := register(t, h, 2, 0)
	s3 := register(t, h, 3, 0)

	require.True(t, h.Join(s1.ID(), 42))
	require.True(t, h.Join(s2.ID(), 42))
	require.True(t, h.Join(s3.ID(), 7))

	n := h.Broadcast(42, message(1, 42))
	assert.Equal(t, 2, n)

	assert.Len(t, drain(t, s1), 1)
	assert.Len(t, drain(t, s2), 1)
	assert.Empty(t, drain(t, s3))
}

func TestJoinIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	s := register(t, h, 1, 0)

	assert.True(t, h.Join(s.ID(), 5))
	assert.False(t, h.Join(s.ID(), 5))
	assert.False(t, h.Join(s.ID(), 5))

	assert.Equal(t, 1, h.Broadcast(5, message(1, 5)))
	assert.Len(t, drain(t, s), 1, "a session joined twice must still get one copy")
	assert.Equal(t, 1, h.RoomSessions(5))
}

func TestBroadcastPreservesOrderPerSession(t *testing.T) {
	h := newTestHub(t)
	s := register(t, h, 1, 32)
	h.Join(s.ID(), 9)

	for i := int64(1); i <= 20; i++ {
		h.Broadcast(9, message(i, 9))
	}

	got := drain(t, s)
	require.Len(t, got, 20)
	for i, ev := range got {
		p, ok := ev.Payload().(protocol.MessagePayload)
		require.True(t, ok)
		assert.Equal(t, int64(i+1), p.ID)
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := newTestHub(t)
	s := register(t, h, 1, 0)
	h.Join(s.ID(), 3)

	h.Broadcast(3, message(1, 3))
	assert.True(t, h.Leave(s.ID(), 3))
	assert.False(t, h.Leave(s.ID(), 3), "second leave is a no-op")

	assert.Equal(t, 0, h.Broadcast(3, message(2, 3)))
	assert.Len(t, drain(t, s), 1)
	assert.False(t, h.IsSubscribed(s.ID(), 3))
	assert.Equal(t, 0, h.RoomCount())
}

func TestUnregisterRemovesEveryRoom(t *testing.T) {
	h := newTestHub(t)
	s := register(t, h, 1, 0)
	other := register(t, h, 2, 0)

	for _, room := range []int64{30, 10, 20} {
		h.Join(s.ID(), room)
	}
	h.Join(other.ID(), 10)

	rooms := h.Unregister(s.ID())
	assert.Equal(t, []int64{10, 20, 30}, rooms)

	for _, room := range []int64{10, 20, 30} {
		assert.False(t, h.IsSubscribed(s.ID(), room))
		assert.Equal(t, 0, h.UserSessionsInRoom(room, 1))
	}
	assert.Equal(t, 1, h.RoomSessions(10))
	assert.Equal(t, 1, h.RoomCount())
	assert.Equal(t, 1, h.SessionCount())
	assert.Nil(t, h.Session(s.ID()))
	assert.Equal(t, StateClosed, s.State())

	_, open := <-s.Queue()
	assert.False(t, open, "queue must be closed after unregister")

	assert.Nil(t, h.Unregister(s.ID()), "unregister is idempotent")
}

func TestUnknownSessionIsNoop(t *testing.T) {
	h := newTestHub(t)

	assert.False(t, h.Join("missing", 1))
	assert.False(t, h.Leave("missing", 1))
	assert.Nil(t, h.Unregister("missing"))
	assert.False(t, h.SendTo("missing", protocol.NewError(0, "x", now)))
	assert.Equal(t, 0, h.RoomCount())
}

func TestRegisterTwiceKeepsFirst(t *testing.T) {
	h := newTestHub(t)
	s := register(t, h, 1, 0)
	h.Join(s.ID(), 4)

	h.Register(s)

	assert.Equal(t, 1, h.SessionCount())
	assert.True(t, h.IsSubscribed(s.ID(), 4), "re-register must not reset subscriptions")
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	h := newTestHub(t)
	slow := register(t, h, 1, 2)
	fast := register(t, h, 2, 16)
	h.Join(slow.ID(), 1)
	h.Join(fast.ID(), 1)

	assert.Equal(t, 2, h.Broadcast(1, message(1, 1)))
	assert.Equal(t, 2, h.Broadcast(1, message(2, 1)))
	// slow's queue is full now.
	assert.Equal(t, 1, h.Broadcast(1, message(3, 1)))
	assert.Equal(t, StateClosing, slow.State())

	// No further events, so the client never sees a gap.
	assert.Equal(t, 1, h.Broadcast(1, message(4, 1)))

	assert.Len(t, drain(t, slow), 2)
	assert.Len(t, drain(t, fast), 4)

	// The transport close then unregisters it.
	assert.Equal(t, []int64{1}, h.Unregister(slow.ID()))
	assert.Equal(t, 1, h.RoomSessions(1))
}

func TestOnlineUsersDeduplicatesSessions(t *testing.T) {
	h := newTestHub(t)
	a1 := register(t, h, 7, 0)
	a2 := register(t, h, 7, 0)
	b := register(t, h, 3, 0)
	for _, s := range []*Session{a1, a2, b} {
		h.Join(s.ID(), 50)
	}

	assert.Equal(t, []int64{3, 7}, h.OnlineUsers(50))
	assert.Equal(t, 2, h.UserSessionsInRoom(50, 7))
	assert.ElementsMatch(t, []string{a1.ID(), a2.ID()}, h.SessionsOfUser(7))
	assert.Equal(t, []int64{50}, h.Rooms(b.ID()))
}

func TestBroadcastExceptSkipsFilteredSessions(t *testing.T) {
	h := newTestHub(t)
	a := register(t, h, 7, 0)
	b := register(t, h, 8, 0)
	h.Join(a.ID(), 1)
	h.Join(b.ID(), 1)

	n := h.BroadcastExcept(1, protocol.NewJoin(1, 7, now), func(s *Session) bool {
		return s.UserID() == 7
	})
	assert.Equal(t, 1, n)
	assert.Empty(t, drain(t, a))

	got := drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.KindJoin, got[0].Kind())
	assert.Equal(t, int64(7), got[0].UserID())
}

func TestRunClosesSessionsOnShutdown(t *testing.T) {
	h := newTestHub(t)
	s := register(t, h, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Equal(t, StateClosing, s.State())
	assert.False(t, s.Enqueue([]byte("{}")))
}

func TestConcurrentJoinLeaveBroadcast(t *testing.T) {
	h := newTestHub(t)
	const workers = 16

	sessions := make([]*Session, workers)
	for i := range sessions {
		sessions[i] = register(t, h, int64(i+1), 1024)
	}

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Join(s.ID(), int64(j%4))
				if j%3 == 0 {
					h.Leave(s.ID(), int64(j%4))
				}
			}
			if i%2 == 0 {
				h.Unregister(s.ID())
			}
		}(i, s)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			h.Broadcast(int64(j%4), message(int64(j), int64(j%4)))
		}
	}()
	wg.Wait()

	assert.Equal(t, workers/2, h.SessionCount())
	for i, s := range sessions {
		if i%2 == 0 {
			assert.Empty(t, h.Rooms(s.ID()))
		}
	}

	// Every session saw each room's messages at most once and in send order.
	for _, s := range sessions {
		last := map[int64]int64{}
		for _, ev := range drain(t, s) {
			require.Equal(t, protocol.KindMessage, ev.Kind())
			id := ev.Payload().(protocol.MessagePayload).ID
			if prev, seen := last[ev.RoomID()]; seen {
				assert.Greater(t, id, prev, "session %s room %d", s.ID(), ev.RoomID())
			}
			last[ev.RoomID()] = id
		}
	}
}

func presenceOf(kind protocol.Kind) Presence {
	return func(roomID, userID int64) protocol.Event {
		if kind == protocol.KindJoin {
			return protocol.NewJoin(roomID, userID, now)
		}
		return protocol.NewLeave(roomID, userID, now)
	}
}

func TestAnnounceOnFirstAndLastSession(t *testing.T) {
	h := newTestHub(t)
	watcher := register(t, h, 1, 0)
	tab1 := register(t, h, 2, 0)
	tab2 := register(t, h, 2, 0)
	h.Join(watcher.ID(), 9)

	added, announced := h.JoinAnnounce(tab1.ID(), 9, presenceOf(protocol.KindJoin))
	assert.True(t, added)
	assert.True(t, announced)
	added, announced = h.JoinAnnounce(tab2.ID(), 9, presenceOf(protocol.KindJoin))
	assert.True(t, added)
	assert.False(t, announced, "second tab of the same user")

	removed, announced := h.LeaveAnnounce(tab1.ID(), 9, presenceOf(protocol.KindLeave))
	assert.True(t, removed)
	assert.False(t, announced)
	assert.Equal(t, []int64{9}, h.UnregisterAnnounce(tab2.ID(), presenceOf(protocol.KindLeave)))

	got := drain(t, watcher)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.KindJoin, got[0].Kind())
	assert.Equal(t, protocol.KindLeave, got[1].Kind())
	assert.Equal(t, int64(2), got[1].UserID())
	assert.Empty(t, drain(t, tab1), "subject never hears its own presence")
}

func TestRemoveUserUnsubscribesEveryTab(t *testing.T) {
	h := newTestHub(t)
	watcher := register(t, h, 1, 0)
	tab1 := register(t, h, 2, 0)
	tab2 := register(t, h, 2, 0)
	for _, s := range []*Session{watcher, tab1, tab2} {
		h.Join(s.ID(), 4)
	}
	h.Join(tab1.ID(), 5)

	ids := h.RemoveUser(4, 2, presenceOf(protocol.KindLeave))
	assert.ElementsMatch(t, []string{tab1.ID(), tab2.ID()}, ids)
	assert.Equal(t, []int64{1}, h.OnlineUsers(4))
	assert.True(t, h.IsSubscribed(tab1.ID(), 5), "other rooms untouched")

	got := drain(t, watcher)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.KindLeave, got[0].Kind())

	assert.Empty(t, h.RemoveUser(4, 3, presenceOf(protocol.KindLeave)))
	assert.Len(t, drain(t, watcher), 1, "durable removal is announced without live sessions")
}

func TestRegisterAfterShutdownClosesSession(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.Done()

	late := register(t, h, 1, 0)
	assert.Equal(t, StateClosing, late.State())
	_, open := <-late.Queue()
	assert.False(t, open, "write pump sees a closed queue")

	assert.Empty(t, h.Unregister(late.ID()))
	assert.Equal(t, 0, h.SessionCount())
	assert.Equal(t, StateClosed, late.State())
}

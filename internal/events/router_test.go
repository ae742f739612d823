package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/protocol"
	"github.com/relay-chat/relay/internal/websocket"
)

var start = time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)

type fixture struct {
	hub    *websocket.Hub
	router *Router
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	hub := websocket.NewHub(zap.NewNop())
	clock := clockwork.NewFakeClockAt(start)
	opts = append([]Option{WithClock(clock)}, opts...)
	return fixture{hub: hub, router: NewRouter(hub, zap.NewNop(), opts...), clock: clock}
}

func (f fixture) connect(userID int64) *websocket.Session {
	s := websocket.NewSession(userID, 32)
	f.hub.Register(s)
	return s
}

func received(t *testing.T, s *websocket.Session) []protocol.Event {
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

func TestTypingIntentRequiresSubscription(t *testing.T) {
	f := newFixture(t)
	s1 := f.connect(1)
	s2 := f.connect(2)
	f.router.OnJoinIntent(s2.ID(), 99)
	received(t, s2)

	f.router.OnTypingIntent(s1.ID(), 99, true)

	assert.Empty(t, received(t, s2))
	assert.False(t, f.hub.IsSubscribed(s1.ID(), 99))
	assert.Equal(t, 1, f.hub.RoomSessions(99))
}

func TestTypingIntentCarriesSessionUser(t *testing.T) {
	f := newFixture(t)
	typer := f.connect(7)
	typerOtherTab := f.connect(7)
	peer := f.connect(8)
	all := []*websocket.Session{typer, typerOtherTab, peer}
	for _, s := range all {
		f.router.OnJoinIntent(s.ID(), 1)
	}
	for _, s := range all {
		received(t, s)
	}

	f.router.OnTypingIntent(typer.ID(), 1, true)

	assert.Empty(t, received(t, typer), "originating session gets no echo")

	got := received(t, peer)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.KindTyping, got[0].Kind())
	assert.Equal(t, int64(7), got[0].UserID())
	assert.Equal(t, protocol.TypingPayload{Typing: true}, got[0].Payload())
	assert.True(t, start.Equal(got[0].Timestamp()))

	assert.Len(t, received(t, typerOtherTab), 1)
}

func TestPresenceIsAnnouncedOncePerUser(t *testing.T) {
	f := newFixture(t)
	watcher := f.connect(1)
	f.router.OnJoinIntent(watcher.ID(), 5)

	tab1 := f.connect(2)
	tab2 := f.connect(2)

	f.router.OnJoinIntent(tab1.ID(), 5)
	f.router.OnJoinIntent(tab2.ID(), 5)
	f.router.OnJoinIntent(tab2.ID(), 5)

	joins := received(t, watcher)
	require.Len(t, joins, 1)
	assert.Equal(t, protocol.KindJoin, joins[0].Kind())
	assert.Equal(t, int64(2), joins[0].UserID())
	assert.Equal(t, protocol.RoomPayload{RoomID: 5}, joins[0].Payload())

	assert.Empty(t, received(t, tab1), "no presence echo to the subject user")
	assert.Empty(t, received(t, tab2))

	f.router.OnLeaveIntent(tab1.ID(), 5)
	assert.Empty(t, received(t, watcher), "user still present through another session")

	f.router.OnLeaveIntent(tab2.ID(), 5)
	leaves := received(t, watcher)
	require.Len(t, leaves, 1)
	assert.Equal(t, protocol.KindLeave, leaves[0].Kind())
	assert.Equal(t, int64(2), leaves[0].UserID())
}

func TestDisconnectAnnouncesLeave(t *testing.T) {
	f := newFixture(t)
	watcher := f.connect(1)
	gone := f.connect(2)
	for _, room := range []int64{3, 4} {
		f.router.OnJoinIntent(watcher.ID(), room)
		f.router.OnJoinIntent(gone.ID(), room)
	}
	received(t, watcher)

	f.router.OnDisconnect(gone.ID())
	f.router.OnDisconnect(gone.ID())

	got := received(t, watcher)
	require.Len(t, got, 2)
	for _, ev := range got {
		assert.Equal(t, protocol.KindLeave, ev.Kind())
		assert.Equal(t, int64(2), ev.UserID())
	}
	assert.ElementsMatch(t, []int64{3, 4}, []int64{got[0].RoomID(), got[1].RoomID()})
	assert.Nil(t, f.hub.Session(gone.ID()))
}

func TestMessageEventsReachWholeRoom(t *testing.T) {
	f := newFixture(t)
	author := f.connect(7)
	reader := f.connect(8)
	f.router.OnJoinIntent(author.ID(), 42)
	f.router.OnJoinIntent(reader.ID(), 42)
	received(t, author)
	received(t, reader)

	msg := protocol.MessagePayload{ID: 100, RoomID: 42, UserID: 7, Content: "hi", CreatedAt: start}
	assert.Equal(t, 2, f.router.OnMessageCreated(msg))

	edited := start.Add(time.Minute)
	msg.Content = "hi there"
	msg.EditedAt = &edited
	assert.Equal(t, 2, f.router.OnMessageEdited(msg))
	assert.Equal(t, 2, f.router.OnMessageDeleted(42, 100, 7))

	got := received(t, reader)
	require.Len(t, got, 3)
	assert.Equal(t, protocol.KindMessage, got[0].Kind())
	assert.Equal(t, int64(7), got[0].UserID())
	assert.Equal(t, protocol.KindEdit, got[1].Kind())
	assert.Equal(t, "hi there", got[1].Payload().(protocol.MessagePayload).Content)
	assert.Equal(t, protocol.DeletePayload{MessageID: 100}, got[2].Payload())

	assert.Len(t, received(t, author), 3)
	assert.Equal(t, 0, f.router.OnMessageCreated(protocol.MessagePayload{ID: 1, RoomID: 1000, UserID: 7}))
}

func TestMembershipRemovalUnsubscribesSessions(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(1)
	kicked := f.connect(2)
	kickedTab := f.connect(2)
	for _, s := range []*websocket.Session{owner, kicked, kickedTab} {
		f.router.OnJoinIntent(s.ID(), 11)
	}
	received(t, owner)

	f.router.OnRoomMembershipChanged(11, 2, false)

	assert.False(t, f.hub.IsSubscribed(kicked.ID(), 11))
	assert.False(t, f.hub.IsSubscribed(kickedTab.ID(), 11))

	got := received(t, owner)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.KindLeave, got[0].Kind())

	for _, s := range []*websocket.Session{kicked, kickedTab} {
		notice := received(t, s)
		require.Len(t, notice, 1, "each removed session is told, presence is not echoed")
		assert.Equal(t, protocol.KindError, notice[0].Kind())
		assert.Equal(t, int64(11), notice[0].RoomID())
		assert.True(t, notice[0].RoomRevoked())
	}

	f.router.OnRoomMembershipChanged(11, 3, true)
	got = received(t, owner)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.KindJoin, got[0].Kind())
	assert.Equal(t, int64(3), got[0].UserID())
}

func TestPresenceFollowsConcurrentTabSwap(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 200; i++ {
		room := int64(1000 + i)
		watcher := f.connect(1)
		f.router.OnJoinIntent(watcher.ID(), room)
		oldTab := f.connect(2)
		newTab := f.connect(2)
		f.router.OnJoinIntent(oldTab.ID(), room)
		received(t, watcher)

		var (
			ready sync.WaitGroup
			gate  = make(chan struct{})
			done  sync.WaitGroup
		)
		ready.Add(2)
		done.Add(2)
		go func() {
			defer done.Done()
			ready.Done()
			<-gate
			if i%2 == 0 {
				f.router.OnLeaveIntent(oldTab.ID(), room)
			} else {
				f.router.OnDisconnect(oldTab.ID())
			}
		}()
		go func() {
			defer done.Done()
			ready.Done()
			<-gate
			f.router.OnJoinIntent(newTab.ID(), room)
		}()
		ready.Wait()
		close(gate)
		done.Wait()

		require.Equal(t, []int64{1, 2}, f.hub.OnlineUsers(room))

		// Either nothing was announced or a leave was followed by a join;
		// the watcher must never end on leave while user 2 is online.
		got := received(t, watcher)
		if len(got) == 0 {
			continue
		}
		require.Len(t, got, 2, "iteration %d", i)
		assert.Equal(t, protocol.KindLeave, got[0].Kind(), "iteration %d", i)
		assert.Equal(t, protocol.KindJoin, got[1].Kind(), "iteration %d", i)
	}
}

type memberships map[[2]int64]bool

func (m memberships) IsMember(_ context.Context, roomID, userID int64) (bool, error) {
	if roomID < 0 {
		return false, errors.New("boom")
	}
	return m[[2]int64{roomID, userID}], nil
}

func TestJoinIntentChecksMembership(t *testing.T) {
	f := newFixture(t, WithMembershipChecker(memberships{{1, 7}: true}))
	s := f.connect(7)

	f.router.OnJoinIntent(s.ID(), 2)
	assert.False(t, f.hub.IsSubscribed(s.ID(), 2))

	got := received(t, s)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.KindError, got[0].Kind())
	assert.Equal(t, int64(2), got[0].RoomID())

	f.router.OnJoinIntent(s.ID(), 1)
	assert.True(t, f.hub.IsSubscribed(s.ID(), 1))
	assert.Empty(t, received(t, s))

	f.router.OnJoinIntent(s.ID(), -1)
	got = received(t, s)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.KindError, got[0].Kind())
}

func TestIntentsFromUnknownSessionsAreIgnored(t *testing.T) {
	f := newFixture(t)

	assert.NotPanics(t, func() {
		f.router.OnJoinIntent("nope", 1)
		f.router.OnLeaveIntent("nope", 1)
		f.router.OnTypingIntent("nope", 1, true)
		f.router.OnDisconnect("nope")
	})
	assert.Equal(t, 0, f.hub.RoomCount())
}

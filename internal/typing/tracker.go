// Package typing derives "who is typing right now" from the stream of typing
// events a client receives. Entries expire on their own after a window, so a
// peer that vanishes mid-sentence does not leave a stale indicator behind.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/relay-chat/relay/internal/protocol"
)

// DefaultWindow is how long a typing=true event keeps a user in the set.
const DefaultWindow = 3 * time.Second

// Subscriber is the slice of connection.Manager the tracker needs.
type Subscriber interface {
	Subscribe(kind protocol.Kind, fn func(protocol.Event)) (cancel func())
}

type key struct {
	room int64
	user int64
}

type entry struct {
	timer clockwork.Timer
	// gen tells a timer that fires late whether it was superseded.
	gen uint64
}

type watcher struct {
	id uint64
	fn func(roomID int64, users []int64)
}

// Tracker holds the typing set of every room. It is safe for concurrent use.
// Watchers are called after each change with the room's new set; they run
// on whichever goroutine caused the change, without the lock held.
type Tracker struct {
	self   int64
	clock  clockwork.Clock
	window time.Duration

	mu       sync.Mutex
	entries  map[key]*entry
	gen      uint64
	watchers []watcher
	nextID   uint64
}

// New creates a Tracker for the local user selfID, whose own typing events
// are ignored. A nil clock selects the real clock; window <= 0 selects
// DefaultWindow.
func New(selfID int64, clock clockwork.Clock, window time.Duration) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		self:    selfID,
		clock:   clock,
		window:  window,
		entries: make(map[key]*entry),
	}
}

// Observe applies an inbound event. typing=true adds or refreshes the user,
// typing=false removes them, and a presence leave clears them. Other kinds
// are ignored.
func (t *Tracker) Observe(ev protocol.Event) {
	if ev.UserID() == t.self {
		return
	}
	k := key{room: ev.RoomID(), user: ev.UserID()}

	switch ev.Kind() {
	case protocol.KindTyping:
		p, ok := ev.Payload().(protocol.TypingPayload)
		if !ok {
			return
		}
		if p.Typing {
			t.start(k)
		} else {
			t.stop(k)
		}
	case protocol.KindLeave:
		t.stop(k)
	}
}

func (t *Tracker) start(k key) {
	t.mu.Lock()
	t.gen++
	gen := t.gen

	e, existed := t.entries[k]
	if existed {
		e.timer.Stop()
	} else {
		e = &entry{}
		t.entries[k] = e
	}
	e.gen = gen
	e.timer = t.clock.AfterFunc(t.window, func() { t.expire(k, gen) })

	var users []int64
	if !existed {
		users = t.roomLocked(k.room)
	}
	watchers := t.watchers
	t.mu.Unlock()

	if !existed {
		notify(watchers, k.room, users)
	}
}

func (t *Tracker) stop(k key) {
	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok {
		t.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(t.entries, k)
	users := t.roomLocked(k.room)
	watchers := t.watchers
	t.mu.Unlock()

	notify(watchers, k.room, users)
}

func (t *Tracker) expire(k key, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, k)
	users := t.roomLocked(k.room)
	watchers := t.watchers
	t.mu.Unlock()

	notify(watchers, k.room, users)
}

// Typing returns the users currently typing in roomID, sorted.
func (t *Tracker) Typing(roomID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roomLocked(roomID)
}

func (t *Tracker) roomLocked(roomID int64) []int64 {
	users := []int64{}
	for k := range t.entries {
		if k.room == roomID {
			users = append(users, k.user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// ClearRoom forgets every typer in roomID, e.g. when the local user leaves it.
func (t *Tracker) ClearRoom(roomID int64) {
	t.mu.Lock()
	cleared := false
	for k, e := range t.entries {
		if k.room == roomID {
			e.timer.Stop()
			delete(t.entries, k)
			cleared = true
		}
	}
	watchers := t.watchers
	t.mu.Unlock()

	if cleared {
		notify(watchers, roomID, []int64{})
	}
}

// Watch registers fn to be called with a room's typing set whenever it
// changes. Call the returned function to stop watching.
func (t *Tracker) Watch(fn func(roomID int64, users []int64)) (cancel func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	// Copy on write so notify can iterate a snapshot without the lock.
	watchers := make([]watcher, 0, len(t.watchers)+1)
	watchers = append(watchers, t.watchers...)
	t.watchers = append(watchers, watcher{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		kept := make([]watcher, 0, len(t.watchers))
		for _, w := range t.watchers {
			if w.id != id {
				kept = append(kept, w)
			}
		}
		t.watchers = kept
	}
}

// Attach feeds the tracker from sub's typing and leave events. The returned
// function detaches it.
func (t *Tracker) Attach(sub Subscriber) (detach func()) {
	cancelTyping := sub.Subscribe(protocol.KindTyping, t.Observe)
	cancelLeave := sub.Subscribe(protocol.KindLeave, t.Observe)
	return func() {
		cancelTyping()
		cancelLeave()
	}
}

// Close stops every pending expiry timer.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}

func notify(watchers []watcher, roomID int64, users []int64) {
	for _, w := range watchers {
		w.fn(roomID, users)
	}
}

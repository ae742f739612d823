package connection

import (
	"sync"

	"github.com/relay-chat/relay/internal/protocol"
)

type subscription struct {
	id uint64
	fn func(protocol.Event)
}

// dispatcher fans inbound events out to subscribers by kind, in
// subscription order.
type dispatcher struct {
	mu   sync.RWMutex
	next uint64
	subs map[protocol.Kind][]subscription
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[protocol.Kind][]subscription)}
}

// subscribe adds fn for kind and returns a function that removes it. The
// returned function is safe to call more than once.
func (d *dispatcher) subscribe(kind protocol.Kind, fn func(protocol.Event)) func() {
	d.mu.Lock()
	d.next++
	id := d.next
	d.subs[kind] = append(d.subs[kind], subscription{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(kind, id) })
	}
}

func (d *dispatcher) unsubscribe(kind protocol.Kind, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subs[kind]
	for i, s := range subs {
		if s.id == id {
			// Copy so a dispatch holding the old slice is unaffected.
			out := make([]subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			d.subs[kind] = append(out, subs[i+1:]...)
			break
		}
	}
	if len(d.subs[kind]) == 0 {
		delete(d.subs, kind)
	}
}

// dispatch calls every subscriber of ev's kind. Handlers run without the
// lock held, so they may subscribe or unsubscribe.
func (d *dispatcher) dispatch(ev protocol.Event) int {
	d.mu.RLock()
	subs := d.subs[ev.Kind()]
	d.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
	return len(subs)
}

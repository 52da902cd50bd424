// Package eventbus fans job lifecycle and coordination events out to
// connected clients. Delivery is best-effort: a subscriber that cannot keep
// up has its oldest events dropped and receives a stream.resync marker so it
// can refetch state instead of trusting a gapped stream.
package eventbus

import (
	"sync"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// eventBufferSize is the per-subscriber channel depth. Chosen so a browser
// tab that stalls for a few seconds under normal event rates loses nothing.
const eventBufferSize = 64

var errBusClosed = errors.New("event bus is closed")

// Bus is the in-process implementation of modules.EventBus.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	log *persist.Logger
}

// subscriber is one registered sink with its user filter.
type subscriber struct {
	bus  *Bus
	id   uint64
	user modules.User

	events chan modules.Event

	// overflowed is set once the buffer has dropped events and a resync
	// marker is queued; cleared by the next successful push.
	overflowed bool

	closeOnce sync.Once
}

// New creates an empty bus.
func New(log *persist.Logger) *Bus {
	return &Bus{
		subs: make(map[uint64]*subscriber),
		log:  log,
	}
}

// Subscribe registers a sink. Admin subscribers receive every event; other
// subscribers receive broadcast events and events addressed to their user id.
func (b *Bus) Subscribe(user modules.User) (modules.EventSubscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}
	b.nextID++
	s := &subscriber{
		bus:    b,
		id:     b.nextID,
		user:   user,
		events: make(chan modules.Event, eventBufferSize),
	}
	b.subs[s.id] = s
	return s, nil
}

// Publish delivers the event to every matching subscriber without ever
// blocking on a slow one.
func (b *Bus) Publish(e modules.Event) {
	if e.At.IsZero() {
		e.At = modules.CurrentTime()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.wants(e) {
			continue
		}
		s.push(e)
	}
}

// Close drops every subscription and rejects further subscribes.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.events)
		delete(b.subs, id)
	}
	return nil
}

// wants applies the user filter. Events with a zero user id are broadcast.
func (s *subscriber) wants(e modules.Event) bool {
	return s.user.IsAdmin() || e.UserID == 0 || e.UserID == s.user.ID
}

// push enqueues one event, dropping the oldest buffered event and queueing a
// resync marker on overflow. Caller holds the bus lock, so pushes for one
// subscriber never race each other.
func (s *subscriber) push(e modules.Event) {
	select {
	case s.events <- e:
		s.overflowed = false
		return
	default:
	}
	if s.overflowed {
		// The resync marker is still queued; further history is already
		// declared lost, so the event can be dropped outright.
		return
	}
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- modules.Event{Type: modules.EventStreamResync, UserID: s.user.ID, At: e.At}:
		s.overflowed = true
		if s.bus.log != nil {
			s.bus.log.Debugf("subscriber %v overflowed, resync queued", s.id)
		}
	default:
	}
}

// Events is the receive channel of the subscription.
func (s *subscriber) Events() <-chan modules.Event {
	return s.events
}

// Close unsubscribes. Safe to call more than once and after the bus closed.
func (s *subscriber) Close() error {
	s.closeOnce.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s.id]; ok {
			delete(b.subs, s.id)
			close(s.events)
		}
	})
	return nil
}

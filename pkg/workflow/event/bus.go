package event

import (
	"sync"
)

// Handler processes a delivered event. Handlers must not block; long work
// belongs in the handler's own goroutine.
type Handler func(Event)

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
	closed bool
}

type subscription struct {
	types   map[string]bool // nil means all types
	handler Handler
}

// Subscription allows a subscriber to detach from the bus.
type Subscription struct {
	bus *Bus
	id  int
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscription)}
}

// Subscribe registers a handler for specific event types.
func (b *Bus) Subscribe(types []string, handler Handler) *Subscription {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return b.add(subscription{types: typeSet, handler: handler})
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	return b.add(subscription{handler: handler})
}

func (b *Bus) add(sub subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	return &Subscription{bus: b, id: id}
}

// Publish delivers the event to all matching subscribers. A panicking
// handler is dropped silently; publication never fails the caller.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types == nil || sub.types[evt.Type] {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, evt)
	}
}

func deliver(h Handler, evt Event) {
	defer func() { _ = recover() }()
	h(evt)
}

// Close stops delivery. Subsequent Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]subscription)
}

// Package bus is the in-process publish/subscribe dispatcher binding the
// relay server to its live subscribers. It holds no history: listeners
// registered after a publish never see it, replay is the relay's initial
// list query.
package bus

import (
	"sync"

	"github.com/golang/glog"

	"chatrelay/wire"
)

// Kind selects which domain events a subscription receives.
type Kind string

const (
	KindSend  Kind = wire.EventSend
	KindClear Kind = wire.EventClear
)

// Event is one domain event. Message is set for KindSend only.
type Event struct {
	Kind      Kind
	ChannelID string
	Message   *wire.Message
}

// Bus dispatches events to registered listeners. Publish invokes listeners
// synchronously in registration order; a panicking listener is isolated so
// the remaining listeners still run.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	entries map[Kind][]*Subscription
}

func New() *Bus {
	return &Bus{
		entries: make(map[Kind][]*Subscription),
	}
}

// Subscription is the handle returned by Subscribe. Closing it removes the
// listener; a publish already in flight may still invoke it once.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   uint64
	fn   func(Event)

	closeOnce sync.Once
}

// Subscribe registers fn for events of the given kind. fn runs on the
// publisher's goroutine and must not block.
func (b *Bus) Subscribe(kind Kind, fn func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, kind: kind, id: b.nextID, fn: fn}
	b.entries[kind] = append(b.entries[kind], sub)
	return sub
}

// Publish delivers e to every listener currently registered for e.Kind, in
// registration order. Listener failures are logged and swallowed; they never
// surface to the publisher.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.entries[e.Kind]))
	copy(subs, b.entries[e.Kind])
	b.mu.RUnlock()

	for _, sub := range subs {
		dispatch(sub, e)
	}
}

func dispatch(sub *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("bus: listener panic, kind: %s, channel: %s, err: %v", e.Kind, e.ChannelID, r)
		}
	}()
	sub.fn(e)
}

// Close removes the subscription. Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
	})
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slice := b.entries[sub.kind]
	for i, v := range slice {
		if v.id == sub.id {
			b.entries[sub.kind] = append(slice[:i:i], slice[i+1:]...)
			return
		}
	}
}

// numListeners reports the listener count for a kind, for tests.
func (b *Bus) numListeners(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries[kind])
}

package bus

import (
	"sync"

	"github.com/golang/glog"
)

// Queue adapts a subscription into a channel of events, for consumers that
// want a lazy sequence instead of a callback. The channel is buffered; when
// the consumer falls behind the event is dropped for this queue only, so a
// slow consumer never blocks the publisher or its peers.
type Queue struct {
	sub *Subscription

	mu      sync.Mutex
	closed  bool
	ch      chan Event
	dropped uint64
}

// Listen registers a queue for events of the given kind. buffer must be
// positive.
func (b *Bus) Listen(kind Kind, buffer int) *Queue {
	q := &Queue{ch: make(chan Event, buffer)}
	q.sub = b.Subscribe(kind, q.push)
	return q
}

// C is the event sequence. It is closed by Close.
func (q *Queue) C() <-chan Event {
	return q.ch
}

func (q *Queue) push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- e:
	default:
		q.dropped++
		glog.Errorf("bus: queue full, dropping event, kind: %s, channel: %s, dropped: %d",
			e.Kind, e.ChannelID, q.dropped)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close unregisters the queue and closes its channel. Idempotent.
func (q *Queue) Close() {
	q.sub.Close()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

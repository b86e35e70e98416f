package events

import (
	"sync"

	"github.com/taskmux/taskmux/log"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 256

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that falls behind loses its oldest buffered events, not the publisher's
// time. Delivery per subscriber is FIFO.
type Bus struct {
	mu   sync.Mutex
	subs map[int]*Subscription
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscription is one subscriber's event stream.
type Subscription struct {
	id      int
	ch      chan Event
	bus     *Bus
	dropped int
}

// Subscribe registers a subscriber with the given buffer depth (DefaultBuffer
// when depth <= 0).
func (b *Bus) Subscribe(depth int) *Subscription {
	if depth <= 0 {
		depth = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{id: b.next, ch: make(chan Event, depth), bus: b}
	b.subs[s.id] = s
	b.next++
	return s
}

// Events returns the subscriber's channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; !ok {
		return
	}
	delete(s.bus.subs, s.id)
	close(s.ch)
}

// Publish delivers e to every subscriber without blocking. A full subscriber
// buffer drops its oldest event to make room.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
			continue
		default:
		}
		// Buffer full: evict the oldest and retry once. The subscriber may
		// have drained concurrently, in which case the eviction is a no-op
		// read of a live event; either way the new event fits or is dropped.
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
		select {
		case s.ch <- e:
		default:
			s.dropped++
		}
		if s.dropped > 0 && s.dropped%100 == 1 {
			log.WarningLog.Printf("slow event subscriber %d: %d events dropped", s.id, s.dropped)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

package events

import (
	"sync"

	"github.com/google/uuid"
)

const defaultSubscriberBufCap = 256

// Bus fans events out to every subscriber. Delivery order matches
// publish order per publishing goroutine; a slow subscriber's buffer
// overflowing drops events for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	history     *Ring
	closed      bool
}

// NewBus creates a bus keeping historySize recent events for late
// subscribers. A historySize of 0 disables history.
func NewBus(historySize int) *Bus {
	b := &Bus{subscribers: make(map[string]chan Event)}
	if historySize > 0 {
		b.history = NewRing(historySize)
	}
	return b
}

// Publish delivers an event to all current subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	if b.history != nil {
		b.history.Write(ev)
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, drop the event.
		}
	}
}

// Subscribe registers a new subscriber and returns its id, its event
// channel, and the buffered history preceding the subscription.
func (b *Bus) Subscribe() (string, <-chan Event, []Event) {
	id := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	b.mu.Lock()
	defer b.mu.Unlock()

	var history []Event
	if b.history != nil {
		history = b.history.ReadAll()
	}
	if b.closed {
		close(ch)
		return id, ch, history
	}
	b.subscribers[id] = ch
	return id, ch, history
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

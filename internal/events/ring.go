package events

import "sync"

// Ring is a fixed-capacity circular buffer of events. It allows late
// subscribers to catch up on recent output.
type Ring struct {
	mu       sync.RWMutex
	buf      []Event
	capacity int
	pos      int // next write position
	full     bool
}

// NewRing creates a ring buffer with the given capacity.
func NewRing(capacity int) *Ring {
	return &Ring{
		buf:      make([]Event, capacity),
		capacity: capacity,
	}
}

// Write adds an event to the ring buffer.
func (r *Ring) Write(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.pos] = ev
	r.pos = (r.pos + 1) % r.capacity
	if r.pos == 0 {
		r.full = true
	}
}

// ReadAll returns all events in the buffer in chronological order.
func (r *Ring) ReadAll() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		result := make([]Event, r.pos)
		copy(result, r.buf[:r.pos])
		return result
	}

	result := make([]Event, r.capacity)
	copy(result, r.buf[r.pos:])
	copy(result[r.capacity-r.pos:], r.buf[:r.pos])
	return result
}

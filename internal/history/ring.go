// Package history implements the fixed-capacity append-only ring buffer
// that retains the server's recent StatePayload telemetry.
package history

import "github.com/taranbis/digital-twin/internal/protocol"

// Ring is a fixed-capacity history of StatePayload samples. It is touched
// only by the tick driver: push() is the sole mutator, and it is never
// called concurrently with the read-only accessors. No internal locking is
// performed — see the engine's History() contract for why this is safe.
type Ring struct {
	data []protocol.StatePayload
	head int
	size int
}

// NewRing constructs a ring buffer with the given fixed capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{data: make([]protocol.StatePayload, capacity)}
}

// Push appends a sample, overwriting the oldest entry once the ring is full.
func (r *Ring) Push(item protocol.StatePayload) {
	capacity := len(r.data)
	r.data[r.head] = item
	r.head = (r.head + 1) % capacity
	if r.size < capacity {
		r.size++
	}
}

// Size reports the number of retained samples, saturating at capacity.
func (r *Ring) Size() int { return r.size }

// Capacity reports the fixed maximum number of retained samples.
func (r *Ring) Capacity() int { return len(r.data) }

// Empty reports whether no sample has been pushed yet.
func (r *Ring) Empty() bool { return r.size == 0 }

// At returns the sample at the given position, where 0 is the oldest
// retained sample and Size()-1 is the newest. Index is not bounds-checked
// against Size(); callers must respect the documented range.
func (r *Ring) At(index int) protocol.StatePayload {
	capacity := len(r.data)
	realIdx := (r.head + capacity - r.size + index) % capacity
	return r.data[realIdx]
}

// Latest returns the most recently pushed sample.
func (r *Ring) Latest() protocol.StatePayload {
	capacity := len(r.data)
	return r.data[(r.head+capacity-1)%capacity]
}

// Oldest returns the oldest retained sample.
func (r *Ring) Oldest() protocol.StatePayload {
	return r.At(0)
}

// ForEach visits every retained sample from oldest to newest.
func (r *Ring) ForEach(fn func(sample protocol.StatePayload, index int)) {
	for i := 0; i < r.size; i++ {
		fn(r.At(i), i)
	}
}

// Clear resets the ring to empty without releasing its backing storage.
func (r *Ring) Clear() {
	r.head = 0
	r.size = 0
}

// SeekBefore returns the newest retained sample whose TimestampMs is less
// than or equal to t, scanning from the newest entry backward. The second
// return value is false if the ring is empty or every retained sample is
// newer than t.
func (r *Ring) SeekBefore(t uint64) (protocol.StatePayload, bool) {
	for i := r.size - 1; i >= 0; i-- {
		sample := r.At(i)
		if sample.TimestampMs <= t {
			return sample, true
		}
	}
	return protocol.StatePayload{}, false
}

// After returns the oldest retained sample whose TimestampMs is strictly
// greater than t, scanning from the oldest entry forward. The second return
// value is false if the ring is empty or no retained sample is newer than t;
// a caller walking forward from a seek point uses this to step to the next
// sample one at a time.
func (r *Ring) After(t uint64) (protocol.StatePayload, bool) {
	for i := 0; i < r.size; i++ {
		sample := r.At(i)
		if sample.TimestampMs > t {
			return sample, true
		}
	}
	return protocol.StatePayload{}, false
}

// Package broadcast implements the fixed-capacity slot pool that lets the
// tick driver serialize one StatePayload per tick and fan it out to every
// connected session without a per-client heap allocation.
package broadcast

import "sync/atomic"

// Slot is one fixed-size buffer owned by a Pool. The tick driver encodes
// into Data[:Len] once per tick; every session that is handed the slot
// retains it for the duration of its async write and releases it when the
// write completes. A slot is immutable from the moment it is shared until
// its last reference drops.
type Slot struct {
	Data []byte
	Len  int

	refs atomic.Int32
}

// Retain records a new reader of the slot. Sessions call this when they
// enqueue the slot onto their private write queue.
func (s *Slot) Retain() {
	s.refs.Add(1)
}

// Release records that a reader is done with the slot, either because its
// write completed or because the session holding it was destroyed.
func (s *Slot) Release() {
	s.refs.Add(-1)
}

func (s *Slot) inUse() bool {
	return s.refs.Load() > 0
}

// Pool is a fixed-capacity, round-robin set of slots sized for zero-alloc
// broadcast under normal operating conditions. If the slot due for reuse is
// still referenced — a sufficiently slow session holding it past a full
// trip around the ring — Pool falls back to a freshly allocated transient
// slot rather than corrupt a slot still in flight. The rotation still moves
// past that slot; other free slots are not searched.
type Pool struct {
	slots     []*Slot
	idx       int
	fallbacks atomic.Uint64
	slotBytes int
}

// NewPool constructs a pool of size slots, each with capacity slotBytes.
// A non-positive size falls back to 4 and a non-positive slotBytes to 512.
func NewPool(size, slotBytes int) *Pool {
	if size <= 0 {
		size = 4
	}
	if slotBytes <= 0 {
		slotBytes = 512
	}
	slots := make([]*Slot, size)
	for i := range slots {
		slots[i] = &Slot{Data: make([]byte, slotBytes)}
	}
	return &Pool{slots: slots, slotBytes: slotBytes}
}

// Next returns the slot to encode the next tick's frame into. Callers must
// not touch the previous slot returned by Next after calling it again.
func (p *Pool) Next() *Slot {
	slot := p.slots[p.idx]
	p.idx = (p.idx + 1) % len(p.slots)
	if slot.inUse() {
		p.fallbacks.Add(1)
		return &Slot{Data: make([]byte, p.slotBytes)}
	}
	return slot
}

// Size reports the number of steady-state slots in the ring.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Fallbacks reports how many times Next had to allocate a transient slot
// because the pooled slot due for reuse was still in flight.
func (p *Pool) Fallbacks() uint64 {
	return p.fallbacks.Load()
}

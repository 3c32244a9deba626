// Package slottable implements the lock-free, generational ID→slot table
// described in spec.md §4.5: a fixed-size array of slots, each carrying a
// generation counter and either a live value or a free-list link, with
// add/remove/get transitions implemented as compare-and-swap on a packed
// (index, epoch) pair to defeat ABA on the free-list head.
//
// Grounded on core/concurrency/ring.go's RingBuffer[T] (cache-line padded
// atomic head/tail, CAS-retry loop) and core/concurrency/lock_free_queue.go's
// cell/sequence idiom, generalized from a ring index to a free-list head.
//
// License: Apache-2.0
package slottable

import (
	"sync/atomic"
)

// noneIdx marks the end of the free list.
const noneIdx = ^uint32(0)

// Id packs a slot index and generation counter, matching the oid encoding
// used on the wire (spec §3: low32=slot index, high32=generation).
type Id uint64

// Pack builds an Id from an index and generation.
func Pack(index, generation uint32) Id {
	return Id(uint64(generation)<<32 | uint64(index))
}

// Index extracts the slot index from an Id.
func (id Id) Index() uint32 { return uint32(id) }

// Generation extracts the generation counter from an Id.
func (id Id) Generation() uint32 { return uint32(id >> 32) }

type slot[T any] struct {
	generation atomic.Uint32
	next       atomic.Uint32 // free-list link (index of next free slot, or noneIdx)
	occupied   atomic.Bool
	value      T
}

// freeHead packs the free-list head index with an epoch that increments
// on every push/pop, defeating ABA: two pops of the same index at
// different times carry different epochs and so never CAS-collide
// against a stale observation.
type freeHead struct {
	idx   uint32
	epoch uint32
}

func packHead(h freeHead) uint64 {
	return uint64(h.epoch)<<32 | uint64(h.idx)
}
func unpackHead(v uint64) freeHead {
	return freeHead{idx: uint32(v), epoch: uint32(v >> 32)}
}

// Table is a lock-free generational slot table of fixed capacity.
type Table[T any] struct {
	slots []slot[T]
	head  atomic.Uint64 // packed freeHead
	count atomic.Int64
}

// New constructs a Table with room for capacity slots, all initially free.
func New[T any](capacity int) *Table[T] {
	t := &Table[T]{slots: make([]slot[T], capacity)}
	headIdx := uint32(noneIdx)
	for i := range t.slots {
		if i == capacity-1 {
			t.slots[i].next.Store(noneIdx)
		} else {
			t.slots[i].next.Store(uint32(i + 1))
		}
	}
	if capacity > 0 {
		headIdx = 0
	}
	t.head.Store(packHead(freeHead{idx: headIdx, epoch: 0}))
	return t
}

// Cap returns the table's fixed capacity.
func (t *Table[T]) Cap() int { return len(t.slots) }

// Len returns the number of currently occupied slots.
func (t *Table[T]) Len() int { return int(t.count.Load()) }

// SentinelId is returned by Add on overflow (spec §4.5: "returns a
// sentinel on overflow").
const SentinelId Id = Id(^uint64(0))

// Add pops a free slot via CAS on (index, epoch), stores val, and returns
// the encoded id. Returns SentinelId if the table is full.
func (t *Table[T]) Add(val T) Id {
	for {
		raw := t.head.Load()
		h := unpackHead(raw)
		if h.idx == noneIdx {
			return SentinelId
		}
		s := &t.slots[h.idx]
		nextIdx := s.next.Load()
		newHead := packHead(freeHead{idx: nextIdx, epoch: h.epoch + 1})
		if t.head.CompareAndSwap(raw, newHead) {
			s.value = val
			s.occupied.Store(true)
			t.count.Add(1)
			gen := s.generation.Load()
			return Pack(h.idx, gen)
		}
	}
}

// Get returns the value stored at id iff the slot's current generation
// matches id's generation (a lookup with stale generation returns
// "not found").
func (t *Table[T]) Get(id Id) (T, bool) {
	var zero T
	idx := id.Index()
	if idx >= uint32(len(t.slots)) {
		return zero, false
	}
	s := &t.slots[idx]
	if s.generation.Load() != id.Generation() || !s.occupied.Load() {
		return zero, false
	}
	return s.value, true
}

// AddAt activates val at the specific slot index idx instead of letting
// the free list pick one (spec §3/§4.5: the `UserSupplied` allocation
// policy — "caller-chosen" — used for well-known objects that must keep
// the same oid across restarts). ok is false if idx is out of range or
// not currently free.
//
// idx is located and unlinked by popping the free list one node at a
// time via the same CAS path Add uses, stashing aside every node that
// isn't idx, then pushing those back via the same CAS path Remove uses
// — so every individual mutation stays within the existing lock-free
// discipline instead of splicing an arbitrary interior list node in
// place.
func (t *Table[T]) AddAt(idx uint32, val T) (Id, bool) {
	if idx >= uint32(len(t.slots)) {
		return 0, false
	}
	s := &t.slots[idx]

	var displaced []uint32
	for {
		raw := t.head.Load()
		h := unpackHead(raw)
		if h.idx == noneIdx {
			t.pushBackAll(displaced)
			return 0, false
		}
		cand := &t.slots[h.idx]
		nextIdx := cand.next.Load()
		newHead := packHead(freeHead{idx: nextIdx, epoch: h.epoch + 1})
		if !t.head.CompareAndSwap(raw, newHead) {
			continue
		}
		if h.idx == idx {
			break
		}
		displaced = append(displaced, h.idx)
	}

	t.pushBackAll(displaced)

	s.value = val
	s.occupied.Store(true)
	t.count.Add(1)
	gen := s.generation.Load()
	return Pack(idx, gen), true
}

// pushBackAll returns every index in idxs to the free list, one CAS push
// at a time, in the same style Remove uses.
func (t *Table[T]) pushBackAll(idxs []uint32) {
	for _, i := range idxs {
		s := &t.slots[i]
		for {
			raw := t.head.Load()
			h := unpackHead(raw)
			s.next.Store(h.idx)
			newHead := packHead(freeHead{idx: i, epoch: h.epoch + 1})
			if t.head.CompareAndSwap(raw, newHead) {
				break
			}
		}
	}
}

// Remove increments the slot's generation *before* pushing it onto the
// free list, so a racing Get either observes the old generation
// (succeeds, reading the about-to-be-freed value) or a newer one (fails)
// — never an unrelated payload from a subsequent Add into the same slot.
func (t *Table[T]) Remove(id Id) bool {
	idx := id.Index()
	if idx >= uint32(len(t.slots)) {
		return false
	}
	s := &t.slots[idx]
	if s.generation.Load() != id.Generation() || !s.occupied.Load() {
		return false
	}
	s.occupied.Store(false)
	var zero T
	s.value = zero
	s.generation.Add(1)

	for {
		raw := t.head.Load()
		h := unpackHead(raw)
		s.next.Store(h.idx)
		newHead := packHead(freeHead{idx: idx, epoch: h.epoch + 1})
		if t.head.CompareAndSwap(raw, newHead) {
			t.count.Add(-1)
			return true
		}
	}
}

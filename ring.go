// ring.go: Fixed-capacity slotted ring buffer with per-entry state machine
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	"math/bits"
	"sync/atomic"
	"time"
)

// Entry lifecycle. A slot is owned by exactly one producer between WRITING
// and READY, and by the consumer between READING and VACANT.
const (
	esVacant uint64 = iota
	esWriting
	esReady
	esReading
)

// recordEntry is one slot of a ring buffer. The state word separates the
// producer/consumer hand-off from the record body; the padding keeps each
// entry on two cache lines so adjacent producers never share one.
type recordEntry struct {
	rec   Record
	state atomic.Uint64
	_     [32]byte
}

// ringBuffer is a fixed-capacity slotted queue of record entries with
// monotonic 64-bit write and read positions, each on its own cache line.
// Positions index the backing array modulo capacity; capacity is a power
// of two so the modulo is a mask. Position overflow is treated as
// impossible.
//
// Producers reserve a position with a bounded compare-and-swap: the full
// check happens before the swap, so a record refused by the congestion
// policy never leaves a permanently reserved hole behind. Reads only ever
// advance over entries whose state is READY; a slot a producer reserved
// but has not finished publishing reads as a gap.
type ringBuffer struct {
	entries  []recordEntry
	mask     uint64
	capacity uint64

	// Write position is noisy under producer contention; read position
	// moves at the consumer's pace. Keeping them on separate cache
	// lines stops one from invalidating the other.
	writePos paddedUint64
	readPos  paddedUint64
}

// nextPow2 returns the next power of two greater than or equal to x.
func nextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(x-1))
}

// newRingBuffer creates a ring with at least the requested capacity,
// rounded up to a power of two. The minimum usable capacity is 2.
func newRingBuffer(capacity uint64) *ringBuffer {
	if capacity < 2 {
		capacity = 2
	}
	capacity = nextPow2(capacity)
	return &ringBuffer{
		entries:  make([]recordEntry, capacity),
		mask:     capacity - 1,
		capacity: capacity,
	}
}

// tryProduce attempts to admit one record. It returns admitted=false when
// the ring is full, leaving the ring untouched so the caller can apply its
// congestion policy. wasEmpty reports whether the ring held no unread
// entries at the moment of reservation, which drives the active-ring hint.
//
// The timestamp is acquired inside the reservation: a slot is claimed
// first, then stamped, then published. This is what makes timestamps
// monotonic per producing goroutine and is load-bearing for the
// multi-quantum watermark.
func (rb *ringBuffer) tryProduce(rec *Record, stamp func() int64) (admitted, wasEmpty bool) {
	for {
		w := rb.writePos.v.Load()
		r := rb.readPos.v.Load()
		if w-r >= rb.capacity {
			return false, false
		}
		if !rb.writePos.v.CompareAndSwap(w, w+1) {
			continue
		}
		e := &rb.entries[w&rb.mask]
		// The full check above guarantees the previous occupant was
		// consumed; the swap loop is only against a consumer that has
		// stored VACANT but not yet advanced the read position.
		for !e.state.CompareAndSwap(esVacant, esWriting) {
		}
		e.rec = *rec
		if stamp != nil {
			e.rec.Timestamp = stamp()
		}
		e.state.Store(esReady)
		return true, w == r
	}
}

// consume pops the entry at the read position into out. It returns false
// when the ring is empty or when the head entry is a gap (reserved but not
// yet READY); the caller may spin briefly or move on to another ring.
func (rb *ringBuffer) consume(out *Record) bool {
	r := rb.readPos.v.Load()
	e := &rb.entries[r&rb.mask]
	if e.state.Load() != esReady {
		return false
	}
	if !e.state.CompareAndSwap(esReady, esReading) {
		return false
	}
	*out = e.rec
	e.rec = Record{}
	e.state.Store(esVacant)
	rb.readPos.v.Store(r + 1)
	return true
}

// pending returns the number of reserved-but-unconsumed positions.
func (rb *ringBuffer) pending() uint64 {
	return rb.writePos.v.Load() - rb.readPos.v.Load()
}

// empty reports whether no positions are reserved ahead of the reader.
func (rb *ringBuffer) empty() bool {
	return rb.pending() == 0
}

// drain consumes every remaining entry during shutdown, handing each to
// emit. A reserved slot whose producer never published is waited on up to
// the per-slot budget and then skipped; the return value is the number of
// entries abandoned that way. Fast-forwarding across a persistent gap is
// legal only here.
func (rb *ringBuffer) drain(emit func(*Record), slotBudget time.Duration) uint64 {
	var skipped uint64
	var rec Record
	for rb.pending() > 0 {
		if rb.consume(&rec) {
			emit(&rec)
			continue
		}
		deadline := time.Now().Add(slotBudget)
		settled := false
		for time.Now().Before(deadline) {
			if rb.consume(&rec) {
				emit(&rec)
				settled = true
				break
			}
			sleepFor(10 * time.Microsecond)
		}
		if !settled {
			// Abandon the hole: the ring is being torn down and the
			// producer will observe the closed target before retrying.
			r := rb.readPos.v.Load()
			rb.entries[r&rb.mask].state.Store(esVacant)
			rb.readPos.v.Store(r + 1)
			skipped++
		}
	}
	return skipped
}

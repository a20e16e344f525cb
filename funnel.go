// funnel.go: Sorting funnel restoring global timestamp order
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// funnelEntry is one slot of the sorting funnel. The ready flag is the
// publication barrier: a reader reserves a position with the write index,
// stores the record, then raises ready. The sorting goroutine never looks
// at a record before the flag is up.
type funnelEntry struct {
	rec   Record
	slot  uint64
	ready atomic.Uint32
	_     [28]byte
}

// funnelItem is the linear-scratch shape of an entry during sorting.
type funnelItem struct {
	rec  Record
	slot uint64
}

// sortingFunnel is the oversized secondary ring into which reader
// goroutines move per-thread records so that the sorting goroutine can
// restore global timestamp order over a sliding window. It is
// deliberately larger than any single per-thread ring: the window must be
// wide enough to cover inter-thread timestamp skew.
//
// Readers are the producers here (multi-producer, via bounded CAS on the
// write position); the sorting goroutine is the only consumer.
type sortingFunnel struct {
	entries  []funnelEntry
	mask     uint64
	capacity uint64

	writePos paddedUint64
	readPos  paddedUint64

	// scratch is owned by the sorting goroutine: the circular range is
	// copied here, sorted, and copied back, which keeps the sort linear
	// and stable without allocating per batch.
	scratch []funnelItem
}

func newSortingFunnel(capacity uint64) *sortingFunnel {
	capacity = nextPow2(capacity)
	if capacity < 2 {
		capacity = 2
	}
	return &sortingFunnel{
		entries:  make([]funnelEntry, capacity),
		mask:     capacity - 1,
		capacity: capacity,
		scratch:  make([]funnelItem, capacity),
	}
}

// at returns the entry for a monotonic position.
func (f *sortingFunnel) at(pos uint64) *funnelEntry {
	return &f.entries[pos&f.mask]
}

// tryAppend moves one record into the funnel, transferring payload
// ownership. False means the funnel is full; the extracting reader backs
// off and retries, which in turn back-pressures the per-thread rings.
func (f *sortingFunnel) tryAppend(rec *Record, slot uint64) bool {
	for {
		w := f.writePos.v.Load()
		if w-f.readPos.v.Load() >= f.capacity {
			return false
		}
		if !f.writePos.v.CompareAndSwap(w, w+1) {
			continue
		}
		e := f.at(w)
		e.rec = *rec
		e.slot = slot
		e.ready.Store(1)
		return true
	}
}

// append retries tryAppend with back-off until the record fits. A non-nil
// abort is polled between attempts; when it fires the record is given up
// on and append returns false.
func (f *sortingFunnel) append(rec *Record, slot uint64, abort func() bool) bool {
	if f.tryAppend(rec, slot) {
		return true
	}
	bo := newProducerBackoff()
	bo.Reset()
	for !f.tryAppend(rec, slot) {
		if abort != nil && abort() {
			return false
		}
		time.Sleep(bo.NextBackOff())
	}
	return true
}

// pending returns the number of reserved-but-unshipped positions.
func (f *sortingFunnel) pending() uint64 {
	return f.writePos.v.Load() - f.readPos.v.Load()
}

// publishedRun walks forward from the read position and returns the end
// of the contiguous run of published entries. A reserved entry whose
// reader has not yet stored the record is waited on, bounded by budget;
// exhausting the budget mid-run is reported through ok=false so the
// caller can treat it as an invariant violation outside shutdown.
func (f *sortingFunnel) publishedRun(budget time.Duration) (end uint64, ok bool) {
	pos := f.readPos.v.Load()
	top := f.writePos.v.Load()
	bo := backoff.ExponentialBackOff{
		InitialInterval:     time.Microsecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         100 * time.Microsecond,
	}
	for pos < top {
		e := f.at(pos)
		if e.ready.Load() == 0 {
			bo.Reset()
			deadline := time.Now().Add(budget)
			for e.ready.Load() == 0 {
				if time.Now().After(deadline) {
					return pos, false
				}
				time.Sleep(bo.NextBackOff())
			}
		}
		pos++
	}
	return pos, true
}

// sortRange stable-sorts [start, end) in place, tie-breaking equal
// timestamps by slot id so that a single producer's records keep their
// production order.
func (f *sortingFunnel) sortRange(start, end uint64) {
	n := int(end - start)
	if n <= 1 {
		return
	}
	items := f.scratch[:n]
	for i := 0; i < n; i++ {
		e := f.at(start + uint64(i))
		items[i] = funnelItem{rec: e.rec, slot: e.slot}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].rec.Timestamp != items[j].rec.Timestamp {
			return items[i].rec.Timestamp < items[j].rec.Timestamp
		}
		return items[i].slot < items[j].slot
	})
	for i := 0; i < n; i++ {
		e := f.at(start + uint64(i))
		e.rec = items[i].rec
		e.slot = items[i].slot
	}
}

// release clears the shipped range and advances the read position.
func (f *sortingFunnel) release(start, end uint64) {
	for pos := start; pos < end; pos++ {
		e := f.at(pos)
		e.rec = Record{}
		e.ready.Store(0)
	}
	f.readPos.v.Store(end)
}

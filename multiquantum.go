// multiquantum.go: Per-thread rings, reader pool, and timestamp-ordered shipping
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// MultiQuantumTarget removes the shared-ring write-index contention of
// QuantumTarget by giving every producer goroutine its own ring, at the
// price of global ordering: records written concurrently by different
// producers interleave in time. A pool of reader goroutines moves records
// from the per-thread rings into the sorting funnel, and a sorting
// goroutine restores non-decreasing timestamp order before handing records
// to the sub-target.
//
// Ordering guarantee: delivery is in non-decreasing timestamp order, with
// one documented relaxation — a producer that has not yet been seen by any
// reader does not constrain the watermark, so records may overtake the
// very first records of a brand-new producer. The window is bounded by the
// first extraction from that producer's ring. Within a single producer,
// delivery order always equals production order.
//
// Flush is synchronous: it returns after the sorting goroutine has shipped
// the flush sentinel in its timestamp position and flushed the sub-target.
type MultiQuantumTarget struct {
	asyncTarget

	readerCount     uint64
	activeRevisit   uint64
	fullRevisit     uint64
	maxThreads      uint64
	policy          CongestionPolicy
	shutdownTimeout time.Duration
	timeFn          func() int64
	tun             tunables

	registry *slotRegistry
	rings    []*ringBuffer
	funnel   *sortingFunnel

	// threadTime holds, per slot, the maximum timestamp of the last
	// extracted batch (or the observation time of an empty ring). The
	// assigned reader is the only writer; the sorting goroutine derives
	// the safe watermark from the minimum over active slots.
	threadTime []paddedUint64

	// poisoned marks slots whose terminal sentinel was consumed; they
	// are excluded from watermark computation until the next Start.
	poisoned slotBitset

	readCount   paddedUint64
	funnelCount paddedUint64
	stableCount paddedUint64
	sortCount   paddedUint64
	shipCount   paddedUint64

	stopFlag    atomic.Bool
	hardStop    atomic.Bool
	readersDone atomic.Bool

	group  *errgroup.Group
	sortWG sync.WaitGroup
}

// MultiQuantumConfig configures a MultiQuantumTarget.
type MultiQuantumConfig struct {
	// SubTarget receives the ordered records. Required.
	SubTarget Target

	// RingBufferSize is the per-thread ring capacity, rounded up to a
	// power of two. Minimum 2, default 4096.
	RingBufferSize uint64

	// ReaderCount is the number of reader goroutines draining the
	// per-thread rings (default 1). Each reader owns a contiguous range
	// of slot words.
	ReaderCount uint64

	// ActiveRevisitPeriod is the number of reader iterations between
	// defensive scans of all active threads, catching ring-activity
	// hints that were cleared too early (default 64).
	ActiveRevisitPeriod uint64

	// FullRevisitPeriod is the number of reader iterations between
	// scans of every slot in the reader's range, active or not; this is
	// what bounds the drain time of an arbitrarily slow producer
	// (default 256).
	FullRevisitPeriod uint64

	// MaxBatchSize bounds how many records one extraction takes from a
	// single ring. Larger batches are more cache-friendly but widen the
	// sorting window (default 16).
	MaxBatchSize uint64

	// CollectPeriod is how long a reader sleeps after an iteration that
	// extracted nothing. Zero selects the default (50ms); a negative
	// value selects busy-spin readers, which pin cores.
	CollectPeriod time.Duration

	// CongestionPolicy selects the behavior on a full per-thread ring
	// (default Wait).
	CongestionPolicy CongestionPolicy

	// MaxThreads bounds the number of concurrently registered producer
	// goroutines (default 64).
	MaxThreads uint64

	// ShutdownTimeout bounds the Stop drain (default 5s).
	ShutdownTimeout time.Duration

	// TimeFn overrides the timestamp source, mainly for tests.
	TimeFn func() int64

	// ErrorCallback receives internal fault reports.
	ErrorCallback ErrorCallback
}

func (c *MultiQuantumConfig) withDefaults() *MultiQuantumConfig {
	out := *c
	if out.RingBufferSize == 0 {
		out.RingBufferSize = 4096
	}
	if out.ReaderCount == 0 {
		out.ReaderCount = defaultReaderCount
	}
	if out.ActiveRevisitPeriod == 0 {
		out.ActiveRevisitPeriod = defaultActiveRevisit
	}
	if out.FullRevisitPeriod == 0 {
		out.FullRevisitPeriod = defaultFullRevisit
	}
	if out.MaxBatchSize == 0 {
		out.MaxBatchSize = defaultMaxBatchSize
	}
	switch {
	case out.CollectPeriod == 0:
		out.CollectPeriod = defaultCollectPeriod
	case out.CollectPeriod < 0:
		out.CollectPeriod = 0 // explicit busy-spin
	}
	if out.MaxThreads == 0 {
		out.MaxThreads = defaultMaxThreads
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = defaultShutdownTimeout
	}
	if out.TimeFn == nil {
		out.TimeFn = nowNanos
	}
	return &out
}

func (c *MultiQuantumConfig) validate() error {
	if c.SubTarget == nil {
		return newConfigError("sub-target cannot be nil")
	}
	if c.RingBufferSize < 2 {
		return newConfigError("ring buffer size must be at least 2")
	}
	if c.ReaderCount < 1 {
		return newConfigError("reader count must be at least 1")
	}
	if c.MaxThreads < 1 {
		return newConfigError("max threads must be at least 1")
	}
	if !c.CongestionPolicy.valid() {
		return newConfigError("unknown congestion policy")
	}
	return nil
}

// NewMultiQuantumTarget builds a multi-quantum target from cfg.
// Configuration errors are returned before any goroutine is spawned.
func NewMultiQuantumTarget(cfg *MultiQuantumConfig) (*MultiQuantumTarget, error) {
	if cfg == nil {
		return nil, newConfigError("config cannot be nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := &MultiQuantumTarget{
		readerCount:     cfg.ReaderCount,
		activeRevisit:   cfg.ActiveRevisitPeriod,
		fullRevisit:     cfg.FullRevisitPeriod,
		maxThreads:      cfg.MaxThreads,
		policy:          cfg.CongestionPolicy,
		shutdownTimeout: cfg.ShutdownTimeout,
		timeFn:          cfg.TimeFn,
		registry:        newSlotRegistry(cfg.MaxThreads),
	}
	t.tun.setCollectPeriod(cfg.CollectPeriod)
	t.tun.setMaxBatch(cfg.MaxBatchSize)
	t.rings = make([]*ringBuffer, cfg.MaxThreads)
	for i := range t.rings {
		t.rings[i] = newRingBuffer(cfg.RingBufferSize)
	}
	t.threadTime = make([]paddedUint64, cfg.MaxThreads)
	t.poisoned = newSlotBitset(t.registry.words)
	// The funnel is over-sized relative to a single per-thread ring so
	// that the sorting window can cover inter-thread timestamp skew.
	funnelSize := cfg.RingBufferSize * cfg.MaxThreads / cfg.ReaderCount
	if funnelSize < cfg.RingBufferSize*2 {
		funnelSize = cfg.RingBufferSize * 2
	}
	t.funnel = newSortingFunnel(funnelSize)
	t.init(cfg.SubTarget, cfg.ErrorCallback)
	return t, nil
}

// Start starts the sub-target, then spawns the reader pool and the
// sorting goroutine.
func (t *MultiQuantumTarget) Start() error {
	if !t.state.CompareAndSwap(stateIdle, stateStarted) &&
		!t.state.CompareAndSwap(stateStopped, stateStarted) {
		return nil
	}
	if err := t.subTarget.Start(); err != nil {
		t.state.Store(stateIdle)
		return err
	}
	t.stopFlag.Store(false)
	t.hardStop.Store(false)
	t.readersDone.Store(false)
	for i := range t.poisoned {
		t.poisoned[i].v.Store(0)
	}

	readers := t.readerCount
	if readers > t.registry.words {
		readers = t.registry.words
	}
	perReader := (t.registry.words + readers - 1) / readers
	t.group = &errgroup.Group{}
	for i := uint64(0); i < readers; i++ {
		from := i * perReader
		to := from + perReader
		if to > t.registry.words {
			to = t.registry.words
		}
		t.group.Go(func() error {
			t.readerLoop(from, to)
			return nil
		})
	}
	t.sortWG.Add(1)
	go t.sorterLoop()
	return nil
}

// Stop poisons every active slot, joins the readers and the sorter, then
// flushes and stops the sub-target. Records still buffered when the
// shutdown timeout expires are dropped and counted.
func (t *MultiQuantumTarget) Stop() error {
	if !t.state.CompareAndSwap(stateStarted, stateStopped) {
		return nil
	}
	t.stopFlag.Store(true)
	poisonBudget := time.Now().Add(t.shutdownTimeout / 2)
	for slot := uint64(0); slot < t.maxThreads; slot++ {
		if !t.registry.isActive(slot) {
			continue
		}
		remaining := time.Until(poisonBudget)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		poison := newPoisonRecord()
		admit(t.rings[slot], poison, t.timeFn, t.policy, remaining)
	}

	overrun := t.joinWorkers()
	dropped := uint64(0)
	for slot := uint64(0); slot < t.maxThreads; slot++ {
		if p := t.rings[slot].pending(); p > 0 {
			dropped += p
			t.rings[slot].drain(func(*Record) {}, time.Millisecond)
		}
	}
	if p := t.funnel.pending(); p > 0 {
		dropped += p
		t.funnel.release(t.funnel.readPos.v.Load(), t.funnel.writePos.v.Load())
	}
	if dropped > 0 {
		t.dropped.v.Add(dropped)
	}

	t.flushSubTarget()
	if err := t.subTarget.Stop(); err != nil {
		return err
	}
	return overrun
}

func (t *MultiQuantumTarget) joinWorkers() error {
	var overrun error
	deadline := time.After(t.shutdownTimeout)

	readersDone := make(chan struct{})
	go func() {
		_ = t.group.Wait()
		close(readersDone)
	}()
	select {
	case <-readersDone:
	case <-deadline:
		t.hardStop.Store(true)
		overrun = newShutdownOverrunError("multi-quantum reader drain did not finish in time")
		t.reportError("stop", overrun)
		<-readersDone
	}
	t.readersDone.Store(true)

	sorterDone := make(chan struct{})
	go func() {
		t.sortWG.Wait()
		close(sorterDone)
	}()
	select {
	case <-sorterDone:
	case <-time.After(t.shutdownTimeout):
		t.hardStop.Store(true)
		if overrun == nil {
			overrun = newShutdownOverrunError("multi-quantum sorter drain did not finish in time")
			t.reportError("stop", overrun)
		}
		<-sorterDone
	}
	return overrun
}

// Write places one record into the ring of the slot registered for
// rec.ThreadID, registering the goroutine on first use. Producers that
// need to skip the registry lookup should hold an explicit handle from
// AttachProducer. Write never fails from the producer's point of view.
func (t *MultiQuantumTarget) Write(rec *Record) (uint64, error) {
	p := t.producerFor(rec.ThreadID)
	if p == nil {
		t.dropped.v.Add(1)
		return 0, nil
	}
	return p.Write(rec)
}

// Flush ships an in-band flush sentinel in timestamp order and waits for
// the sorting goroutine to process it. Flushing a target that is not
// started is a no-op.
func (t *MultiQuantumTarget) Flush() error {
	if t.state.Load() != stateStarted {
		return nil
	}
	sentinel := newFlushRecord(true)
	sentinel.Timestamp = t.timeFn()
	done := sentinel.done
	// The sentinel enters the funnel directly: the watermark guarantees
	// it ships only after every record that predates it has been
	// extracted and sorted ahead of it.
	if !t.funnel.append(sentinel, t.maxThreads, t.hardStop.Load) {
		return nil
	}
	t.funnelCount.v.Add(1)
	select {
	case <-done:
		return nil
	case <-time.After(t.shutdownTimeout):
		return newShutdownOverrunError("flush sentinel was not processed in time")
	}
}

// Stats returns a snapshot of the delivery counters.
func (t *MultiQuantumTarget) Stats() Stats {
	return snapshotStats(&t.asyncTarget, func(s *Stats) {
		s.ReadCount = t.readCount.v.Load()
		s.FunnelCount = t.funnelCount.v.Load()
		s.StableCount = t.stableCount.v.Load()
		s.SortCount = t.sortCount.v.Load()
		s.ShipCount = t.shipCount.v.Load()
	})
}

// Producer is the per-goroutine handle to a registered thread slot. It
// replaces thread-local storage with an explicit registration: acquire it
// once, write through it, and Release it when the goroutine retires so the
// slot can be reused.
type Producer struct {
	t        *MultiQuantumTarget
	slot     uint64
	threadID uint64
	released atomic.Bool
}

// AttachProducer registers threadID and returns its handle. Under the
// Wait policy the call blocks until a slot frees up; under the discard
// policies it fails immediately when max threads is reached.
func (t *MultiQuantumTarget) AttachProducer(threadID uint64) (*Producer, error) {
	if existing, ok := t.registry.byThread.Load(threadID); ok {
		return existing.(*Producer), nil
	}
	slot, ok := t.claimSlot()
	if !ok {
		return nil, newSlotsExhaustedError("no free thread slots")
	}
	p := &Producer{t: t, slot: slot, threadID: threadID}
	if actual, loaded := t.registry.byThread.LoadOrStore(threadID, p); loaded {
		// Another goroutine registered the same thread id first.
		t.registry.release(slot)
		return actual.(*Producer), nil
	}
	return p, nil
}

func (t *MultiQuantumTarget) claimSlot() (uint64, bool) {
	if slot, ok := t.registry.claim(); ok {
		t.resetSlot(slot)
		return slot, true
	}
	if t.policy != Wait {
		return 0, false
	}
	bo := newProducerBackoff()
	bo.Reset()
	for {
		if slot, ok := t.registry.claim(); ok {
			t.resetSlot(slot)
			return slot, true
		}
		if t.stopFlag.Load() {
			return 0, false
		}
		time.Sleep(bo.NextBackOff())
	}
}

// resetSlot prepares a (re)claimed slot: a fresh owner must not inherit
// the previous owner's published timestamp or poison mark.
func (t *MultiQuantumTarget) resetSlot(slot uint64) {
	t.threadTime[slot].v.Store(0)
	t.poisoned.clear(slot)
}

func (t *MultiQuantumTarget) producerFor(threadID uint64) *Producer {
	if existing, ok := t.registry.byThread.Load(threadID); ok {
		return existing.(*Producer)
	}
	p, err := t.AttachProducer(threadID)
	if err != nil {
		return nil
	}
	return p
}

// Write places one record into this producer's own ring. The timestamp is
// acquired inside the ring reservation, keeping per-producer timestamps
// monotonic. The byte count reports the payload size on admission and
// zero for a dropped record.
func (p *Producer) Write(rec *Record) (uint64, error) {
	t := p.t
	if p.released.Load() {
		t.dropped.v.Add(1)
		return 0, nil
	}
	policy := t.policy
	if t.state.Load() != stateStarted {
		// No reader is draining the ring; waiting would block the
		// producer indefinitely, so a full ring drops instead.
		policy = DiscardLog
	}
	ok, wasEmpty := admit(t.rings[p.slot], rec, t.timeFn, policy, 0)
	if !ok {
		t.dropped.v.Add(1)
		return 0, nil
	}
	t.accepted.v.Add(1)
	if wasEmpty {
		t.registry.activeRings.set(p.slot)
	}
	return payloadBytes(rec), nil
}

// Release frees the slot for reuse by a later thread. Remaining records
// are left for the readers to drain; Release waits (bounded) for the ring
// to empty so a reused slot starts clean.
func (p *Producer) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	t := p.t
	if t.state.Load() == stateStarted {
		deadline := time.Now().Add(t.shutdownTimeout)
		for !t.rings[p.slot].empty() && time.Now().Before(deadline) && !t.stopFlag.Load() {
			sleepFor(50 * time.Microsecond)
		}
	}
	t.registry.forgetThread(p.threadID)
	t.registry.release(p.slot)
}

// readerLoop drains the per-thread rings whose slots fall in the word
// range [fromWord, toWord). Normally only rings flagged active are
// visited; every activeRevisit iterations all active threads are scanned,
// and every fullRevisit iterations every slot in range is scanned so even
// a producer the hints lost track of is drained in bounded time.
func (t *MultiQuantumTarget) readerLoop(fromWord, toWord uint64) {
	iteration := uint64(0)
	for {
		iteration++
		extracted := uint64(0)
		fullScan := t.fullRevisit > 0 && iteration%t.fullRevisit == 0
		activeScan := fullScan || (t.activeRevisit > 0 && iteration%t.activeRevisit == 0)

		for w := fromWord; w < toWord; w++ {
			var word uint64
			switch {
			case fullScan:
				word = ^uint64(0)
			case activeScan:
				word = t.registry.activeThreads.word(w)
			default:
				word = t.registry.activeRings.word(w)
			}
			if word == 0 {
				continue
			}
			base := w * slotsPerWord
			for off := uint64(0); off < slotsPerWord; off++ {
				if word&(1<<off) == 0 {
					continue
				}
				slot := base + off
				if slot >= t.maxThreads {
					break
				}
				extracted += t.extractToFunnel(slot)
			}
		}

		t.publishIdleSlots(fromWord, toWord)

		if t.hardStop.Load() {
			return
		}
		if t.stopFlag.Load() && t.rangeDrained(fromWord, toWord) {
			return
		}
		if extracted == 0 && !t.stopFlag.Load() {
			sleepFor(t.tun.collectPeriod())
		}
	}
}

// publishIdleSlots advances the published timestamp of every active slot
// whose ring is empty, so that a quiet producer does not pin the watermark
// and stall the funnel. The clock is read before the emptiness checks:
// any record reserved after a check is stamped after the reservation and
// therefore after the published time.
func (t *MultiQuantumTarget) publishIdleSlots(fromWord, toWord uint64) {
	now := t.timeFn()
	for w := fromWord; w < toWord; w++ {
		word := t.registry.activeThreads.word(w)
		if word == 0 {
			continue
		}
		base := w * slotsPerWord
		for off := uint64(0); off < slotsPerWord; off++ {
			if word&(1<<off) == 0 {
				continue
			}
			slot := base + off
			if slot >= t.maxThreads {
				break
			}
			if t.rings[slot].empty() {
				t.publishThreadTime(slot, now)
			}
		}
	}
}

// extractToFunnel reads up to one batch from the slot's ring into the
// funnel and publishes the batch's maximum timestamp. When the ring is
// observed empty, the observation time is published instead — the
// timestamp of any future record is acquired after its reservation, so it
// cannot predate an emptiness observation that preceded the reservation.
func (t *MultiQuantumTarget) extractToFunnel(slot uint64) uint64 {
	ring := t.rings[slot]
	var rec Record
	var maxTS int64
	extracted := uint64(0)
	maxBatch := t.tun.maxBatch()
	for extracted < maxBatch {
		if !ring.consume(&rec) {
			break
		}
		t.readCount.v.Add(1)
		if rec.kind == kindPoison {
			t.poisoned.set(slot)
			continue
		}
		rec.slot = slot
		if !t.funnel.append(&rec, slot, t.hardStop.Load) {
			t.dropped.v.Add(1)
			break
		}
		t.funnelCount.v.Add(1)
		if rec.Timestamp > maxTS {
			maxTS = rec.Timestamp
		}
		extracted++
	}
	if maxTS > 0 {
		t.publishThreadTime(slot, maxTS)
	}
	now := t.timeFn()
	if ring.empty() {
		// Order matters: the clock was read before the emptiness check.
		t.publishThreadTime(slot, now)
		t.registry.activeRings.clear(slot)
	}
	return extracted
}

// publishThreadTime raises the slot's published timestamp monotonically.
// The assigned reader is the only writer of a given slot's word.
func (t *MultiQuantumTarget) publishThreadTime(slot uint64, ts int64) {
	cur := t.threadTime[slot].v.Load()
	if uint64(ts) > cur {
		t.threadTime[slot].v.Store(uint64(ts))
	}
}

func (t *MultiQuantumTarget) rangeDrained(fromWord, toWord uint64) bool {
	for w := fromWord; w < toWord; w++ {
		base := w * slotsPerWord
		for off := uint64(0); off < slotsPerWord; off++ {
			slot := base + off
			if slot >= t.maxThreads {
				break
			}
			if t.rings[slot].pending() > 0 {
				return false
			}
		}
	}
	return true
}

// watermark returns the minimum over all live slots of their published
// maximum timestamp. Slots that never published yet are skipped — that is
// the documented first-log relaxation. ok is false when no live slot has
// published anything.
func (t *MultiQuantumTarget) watermark() (int64, bool) {
	lowest := int64(math.MaxInt64)
	found := false
	for slot := uint64(0); slot < t.maxThreads; slot++ {
		if !t.registry.isActive(slot) || t.poisoned.test(slot) {
			continue
		}
		ts := t.threadTime[slot].v.Load()
		if ts == 0 {
			continue
		}
		if int64(ts) < lowest {
			lowest = int64(ts)
		}
		found = true
	}
	return lowest, found
}

// sorterLoop computes the safe watermark, waits for the published funnel
// run to stabilize, sorts it, and ships the part at or below the
// watermark in order. During shutdown the watermark is +inf and the whole
// funnel drains.
func (t *MultiQuantumTarget) sorterLoop() {
	defer t.sortWG.Done()
	for {
		if t.hardStop.Load() {
			return
		}
		shuttingDown := t.readersDone.Load()
		if t.funnel.pending() == 0 {
			if shuttingDown {
				return
			}
			sleepFor(t.sorterPause())
			continue
		}

		// When no live slot has published yet, nothing constrains the
		// order and the funnel content ships as-is — the same first-log
		// relaxation the watermark already carries.
		w := int64(math.MaxInt64)
		if !shuttingDown {
			if wm, ok := t.watermark(); ok {
				w = wm
			}
			if t.funnel.pending() >= t.funnel.capacity {
				// Overload valve: every reader is stalled on a full
				// funnel, so the watermark can no longer advance. Ship
				// the published window sorted and let the system
				// breathe; cross-window order is best effort here.
				w = math.MaxInt64
			}
		}

		start := t.funnel.readPos.v.Load()
		end, ok := t.funnel.publishedRun(t.shutdownTimeout)
		if !ok {
			// A reserved funnel slot was never published. Outside
			// shutdown this cannot happen unless a reader died; the
			// target degrades to drained-only.
			t.reportError("sorting", newShutdownOverrunError("funnel range did not stabilize"))
			return
		}
		if end == start {
			sleepFor(t.sorterPause())
			continue
		}
		// Sort the whole published run, then ship exactly the records at
		// or below the watermark. Records above it keep their (sorted)
		// funnel positions and wait for the watermark to pass them; a
		// plain prefix cut would let a high-timestamp entry park older
		// records behind it and ship newer ones first.
		t.funnel.sortRange(start, end)
		t.sortCount.v.Add(end - start)
		split := start
		for split < end && t.funnel.at(split).rec.Timestamp <= w {
			split++
		}
		if split == start {
			sleepFor(t.sorterPause())
			continue
		}
		t.stableCount.v.Add(split - start)
		t.shipRange(start, split)
		t.funnel.release(start, split)
	}
}

func (t *MultiQuantumTarget) shipRange(start, end uint64) {
	for pos := start; pos < end; pos++ {
		e := t.funnel.at(pos)
		rec := &e.rec
		switch rec.kind {
		case kindFlush:
			t.flushSubTarget()
			rec.complete()
		case kindPoison:
			// Poison never enters the funnel; readers consume it.
		default:
			t.shipRecord(rec)
		}
		t.shipCount.v.Add(1)
	}
}

func (t *MultiQuantumTarget) sorterPause() time.Duration {
	p := t.tun.collectPeriod()
	if p > time.Millisecond {
		p = time.Millisecond
	}
	return p
}

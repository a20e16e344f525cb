// quantum.go: Single-ring MPSC delivery with one reader goroutine
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	"sync"
	"sync/atomic"
	"time"
)

// QuantumTarget shares one lock-free ring buffer among all producers and
// drains it with a single reader goroutine. It was designed for log
// flooding: producer latency stays in the tens of nanoseconds so that
// enabling verbose logging does not change the timing of the bug being
// chased. The trade-offs are a bounded ring (records are dropped or
// producers wait when the reader cannot keep up, per the congestion
// policy) and, with a zero collect period, one core pinned by the reader.
//
// Flush is synchronous: it places an in-band sentinel and returns once the
// reader has flushed the sub-target at the sentinel's position.
type QuantumTarget struct {
	asyncTarget

	ring   *ringBuffer
	policy CongestionPolicy
	tun    tunables

	shutdownTimeout time.Duration
	timeFn          func() int64

	readCount paddedUint64
	stopFlag  atomic.Bool
	wg        sync.WaitGroup
}

// QuantumConfig configures a QuantumTarget.
type QuantumConfig struct {
	// SubTarget receives the drained records. Required.
	SubTarget Target

	// RingBufferSize is the shared ring capacity, rounded up to a power
	// of two. Minimum 2, default 4096.
	RingBufferSize uint64

	// MaxBatchSize bounds how many records the reader consumes per
	// iteration before re-checking for shutdown (default 16).
	MaxBatchSize uint64

	// CollectPeriod is how long the reader sleeps after an empty scan.
	// Zero selects the default (50ms); a negative value selects a
	// busy-spin reader, which pins a core. SetCollectPeriod(0) after
	// construction does the same.
	CollectPeriod time.Duration

	// CongestionPolicy selects the behavior on a full ring (default Wait).
	CongestionPolicy CongestionPolicy

	// ShutdownTimeout bounds the Stop drain; whatever is still in the
	// ring afterwards is dropped and counted (default 5s).
	ShutdownTimeout time.Duration

	// TimeFn overrides the timestamp source, mainly for tests.
	TimeFn func() int64

	// ErrorCallback receives internal fault reports.
	ErrorCallback ErrorCallback
}

func (c *QuantumConfig) withDefaults() *QuantumConfig {
	out := *c
	if out.RingBufferSize == 0 {
		out.RingBufferSize = 4096
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
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = defaultShutdownTimeout
	}
	if out.TimeFn == nil {
		out.TimeFn = nowNanos
	}
	return &out
}

func (c *QuantumConfig) validate() error {
	if c.SubTarget == nil {
		return newConfigError("sub-target cannot be nil")
	}
	if c.RingBufferSize < 2 {
		return newConfigError("ring buffer size must be at least 2")
	}
	if !c.CongestionPolicy.valid() {
		return newConfigError("unknown congestion policy")
	}
	return nil
}

// NewQuantumTarget builds a quantum target from cfg. Configuration errors
// are returned before any goroutine is spawned.
func NewQuantumTarget(cfg *QuantumConfig) (*QuantumTarget, error) {
	if cfg == nil {
		return nil, newConfigError("config cannot be nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := &QuantumTarget{
		ring:            newRingBuffer(cfg.RingBufferSize),
		policy:          cfg.CongestionPolicy,
		shutdownTimeout: cfg.ShutdownTimeout,
		timeFn:          cfg.TimeFn,
	}
	t.tun.setCollectPeriod(cfg.CollectPeriod)
	t.tun.setMaxBatch(cfg.MaxBatchSize)
	t.init(cfg.SubTarget, cfg.ErrorCallback)
	return t, nil
}

// Start starts the sub-target and spawns the reader goroutine.
func (t *QuantumTarget) Start() error {
	if !t.state.CompareAndSwap(stateIdle, stateStarted) &&
		!t.state.CompareAndSwap(stateStopped, stateStarted) {
		return nil
	}
	if err := t.subTarget.Start(); err != nil {
		t.state.Store(stateIdle)
		return err
	}
	t.stopFlag.Store(false)
	t.wg.Add(1)
	go t.reader()
	return nil
}

// Stop places the terminal poison sentinel, waits for the reader to drain
// and flush, then stops the sub-target. If the drain does not finish
// within the shutdown timeout, remaining records are dropped, counted,
// and a shutdown-overrun error is returned.
func (t *QuantumTarget) Stop() error {
	if !t.state.CompareAndSwap(stateStarted, stateStopped) {
		return nil
	}
	poison := newPoisonRecord()
	if ok, _ := admit(t.ring, poison, t.timeFn, t.policy, t.shutdownTimeout); !ok {
		// The reader is wedged or gone; order it out directly.
		t.stopFlag.Store(true)
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	var overrun error
	select {
	case <-done:
	case <-time.After(t.shutdownTimeout):
		t.stopFlag.Store(true)
		overrun = newShutdownOverrunError("quantum drain did not finish in time")
		t.reportError("stop", overrun)
		<-done
	}
	if pending := t.ring.pending(); pending > 0 {
		// Late arrivals that slipped in behind the poison. Count them
		// dropped and clear the ring so a restart starts clean.
		t.dropped.v.Add(pending)
		t.ring.drain(func(*Record) {}, time.Millisecond)
	}
	if err := t.subTarget.Stop(); err != nil {
		return err
	}
	return overrun
}

// Write places one record into the ring. The producer is never handed an
// error for a dropped record; drops are visible only through Stats.
func (t *QuantumTarget) Write(rec *Record) (uint64, error) {
	policy := t.policy
	if t.state.Load() != stateStarted {
		// No reader is draining the ring; waiting would block the
		// producer indefinitely, so a full ring drops instead.
		policy = DiscardLog
	}
	if ok, _ := admit(t.ring, rec, t.timeFn, policy, 0); ok {
		t.accepted.v.Add(1)
		return payloadBytes(rec), nil
	}
	t.dropped.v.Add(1)
	return 0, nil
}

// Flush places an in-band flush sentinel and waits until the reader has
// processed it (synchronous semantics). Under DiscardAll a flush on a full
// ring is dropped and Flush returns immediately. Flushing a target that is
// not started is a no-op.
func (t *QuantumTarget) Flush() error {
	if t.state.Load() != stateStarted {
		return nil
	}
	sentinel := newFlushRecord(true)
	done := sentinel.done
	if ok, _ := admit(t.ring, sentinel, t.timeFn, t.policy, 0); !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(t.shutdownTimeout):
		return newShutdownOverrunError("flush sentinel was not processed in time")
	}
}

// Stats returns a snapshot of the delivery counters.
func (t *QuantumTarget) Stats() Stats {
	return snapshotStats(&t.asyncTarget, func(s *Stats) {
		s.ReadCount = t.readCount.v.Load()
	})
}

// reader drains the ring in batches, honoring sentinels in order. On
// poison it drains whatever is still ready, flushes the sub-target once,
// and exits.
func (t *QuantumTarget) reader() {
	defer t.wg.Done()
	var rec Record
	for {
		consumed := uint64(0)
		maxBatch := t.tun.maxBatch()
		for consumed < maxBatch {
			if !t.ring.consume(&rec) {
				break
			}
			consumed++
			t.readCount.v.Add(1)
			if t.handleRecord(&rec) {
				t.finalDrain()
				return
			}
		}
		if t.stopFlag.Load() {
			t.finalDrain()
			return
		}
		if consumed == 0 {
			sleepFor(t.tun.collectPeriod())
		}
	}
}

// handleRecord dispatches one consumed record; true means poison.
func (t *QuantumTarget) handleRecord(rec *Record) bool {
	switch rec.kind {
	case kindPoison:
		return true
	case kindFlush:
		t.flushSubTarget()
		rec.complete()
		return false
	default:
		t.shipRecord(rec)
		return false
	}
}

func (t *QuantumTarget) finalDrain() {
	skipped := t.ring.drain(func(rec *Record) {
		t.readCount.v.Add(1)
		t.handleRecord(rec)
	}, t.shutdownTimeout/16)
	if skipped > 0 {
		t.dropped.v.Add(skipped)
	}
	t.flushSubTarget()
}

// queued.go: Batching accumulator with size and age triggers
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// QueuedTarget batches records and ships them when either the batch
// reaches BatchSize or the oldest unflushed record reaches BatchTimeout.
// Every shipped batch ends with exactly one sub-target flush, which pays
// off for sinks with an expensive flush.
//
// Age checks use a cached coarse clock; the trigger resolution is the
// cache resolution, not nanoseconds.
type QueuedTarget struct {
	asyncTarget

	batchSize    int
	batchTimeout time.Duration

	mu     sync.Mutex
	queue  []Record
	oldest time.Time

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	clock  *timecache.TimeCache
	timeFn func() int64
}

// QueuedConfig configures a QueuedTarget.
type QueuedConfig struct {
	// SubTarget receives the batched records. Required.
	SubTarget Target

	// BatchSize triggers shipment when the queue reaches it (default 64).
	BatchSize int

	// BatchTimeout triggers shipment when the oldest queued record
	// reaches this age (default 100ms).
	BatchTimeout time.Duration

	// ErrorCallback receives internal fault reports.
	ErrorCallback ErrorCallback
}

// NewQueuedTarget builds a queued target from cfg.
func NewQueuedTarget(cfg *QueuedConfig) (*QueuedTarget, error) {
	if cfg == nil || cfg.SubTarget == nil {
		return nil, newConfigError("sub-target cannot be nil")
	}
	if cfg.BatchSize < 0 {
		return nil, newConfigError("batch size cannot be negative")
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 64
	}
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	t := &QueuedTarget{
		batchSize:    batchSize,
		batchTimeout: timeout,
		clock:        timecache.NewWithResolution(time.Millisecond),
		timeFn:       nowNanos,
	}
	t.init(cfg.SubTarget, cfg.ErrorCallback)
	return t, nil
}

// Start starts the sub-target and spawns the batching worker.
func (t *QueuedTarget) Start() error {
	if !t.state.CompareAndSwap(stateIdle, stateStarted) &&
		!t.state.CompareAndSwap(stateStopped, stateStarted) {
		return nil
	}
	if err := t.subTarget.Start(); err != nil {
		t.state.Store(stateIdle)
		return err
	}
	t.kick = make(chan struct{}, 1)
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.worker()
	return nil
}

// Stop ships whatever is queued, flushes once more, and stops the
// sub-target.
func (t *QueuedTarget) Stop() error {
	if !t.state.CompareAndSwap(stateStarted, stateStopped) {
		return nil
	}
	close(t.stopCh)
	t.wg.Wait()
	t.flushSubTarget()
	return t.subTarget.Stop()
}

// Write enqueues one record; it never fails from the producer's point of
// view.
func (t *QueuedTarget) Write(rec *Record) (uint64, error) {
	t.accepted.v.Add(1)
	r := *rec
	r.Timestamp = t.timeFn()
	t.enqueue(r)
	return payloadBytes(rec), nil
}

// Flush enqueues a flush sentinel, forcing the current batch out, and
// returns without waiting for it.
func (t *QueuedTarget) Flush() error {
	t.enqueue(*newFlushRecord(false))
	t.poke()
	return nil
}

// Stats returns a snapshot of the delivery counters.
func (t *QueuedTarget) Stats() Stats {
	return snapshotStats(&t.asyncTarget, nil)
}

// Close releases the cached clock once the target will not be restarted.
func (t *QueuedTarget) Close() {
	t.clock.Stop()
}

func (t *QueuedTarget) enqueue(r Record) {
	t.mu.Lock()
	if len(t.queue) == 0 {
		t.oldest = t.clock.CachedTime()
	}
	t.queue = append(t.queue, r)
	full := len(t.queue) >= t.batchSize || r.kind != kindLog
	t.mu.Unlock()
	if full {
		t.poke()
	}
}

func (t *QueuedTarget) poke() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *QueuedTarget) worker() {
	defer t.wg.Done()
	timer := time.NewTimer(t.batchTimeout)
	defer timer.Stop()
	for {
		select {
		case <-t.stopCh:
			t.ship(t.take(true))
			return
		case <-t.kick:
		case <-timer.C:
		}
		t.ship(t.take(false))
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(t.nextDeadline())
	}
}

// take returns the queue if a trigger condition holds (or force is set),
// nil otherwise.
func (t *QueuedTarget) take(force bool) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	age := t.clock.CachedTime().Sub(t.oldest)
	if !force && len(t.queue) < t.batchSize && age < t.batchTimeout && !t.hasSentinel() {
		return nil
	}
	batch := t.queue
	t.queue = nil
	return batch
}

// hasSentinel is called with t.mu held.
func (t *QueuedTarget) hasSentinel() bool {
	for i := range t.queue {
		if t.queue[i].kind != kindLog {
			return true
		}
	}
	return false
}

func (t *QueuedTarget) nextDeadline() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return t.batchTimeout
	}
	remaining := t.batchTimeout - t.clock.CachedTime().Sub(t.oldest)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	return remaining
}

func (t *QueuedTarget) ship(batch []Record) {
	if len(batch) == 0 {
		return
	}
	flushedLast := false
	for i := range batch {
		rec := &batch[i]
		switch rec.kind {
		case kindFlush:
			t.flushSubTarget()
			rec.complete()
			flushedLast = true
		case kindPoison:
			// Queued stop runs on the stop channel; poison is inert here.
		default:
			t.shipRecord(rec)
			flushedLast = false
		}
	}
	if !flushedLast {
		t.flushSubTarget()
	}
}

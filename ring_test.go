// ring_test.go: Ring buffer unit tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNextPow2(t *testing.T) {
	tests := []struct {
		in   uint64
		want uint64
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{4, 4},
		{5, 8},
		{1000, 1024},
		{1024, 1024},
	}
	for _, tt := range tests {
		if got := nextPow2(tt.in); got != tt.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRingBuffer_RoundsUpCapacity(t *testing.T) {
	rb := newRingBuffer(5)
	if rb.capacity != 8 {
		t.Fatalf("expected capacity 8, got %d", rb.capacity)
	}
	rb = newRingBuffer(0)
	if rb.capacity != 2 {
		t.Fatalf("expected minimum capacity 2, got %d", rb.capacity)
	}
}

func TestRingBuffer_ProduceConsumeFIFO(t *testing.T) {
	rb := newRingBuffer(8)
	for i := 0; i < 5; i++ {
		rec := NewRecord(LevelInfo, "test", []byte(fmt.Sprintf("msg-%d", i)))
		if ok, _ := rb.tryProduce(rec, nil); !ok {
			t.Fatalf("produce %d refused", i)
		}
	}

	var rec Record
	for i := 0; i < 5; i++ {
		if !rb.consume(&rec) {
			t.Fatalf("consume %d failed", i)
		}
		want := fmt.Sprintf("msg-%d", i)
		if string(rec.Payload) != want {
			t.Errorf("record %d: got %q, want %q", i, rec.Payload, want)
		}
	}
	if rb.consume(&rec) {
		t.Error("consume on empty ring succeeded")
	}
}

func TestRingBuffer_FullRefusesWithoutReservation(t *testing.T) {
	rb := newRingBuffer(4)
	rec := NewRecord(LevelInfo, "test", []byte("x"))
	for i := 0; i < 4; i++ {
		if ok, _ := rb.tryProduce(rec, nil); !ok {
			t.Fatalf("produce %d refused below capacity", i)
		}
	}
	if ok, _ := rb.tryProduce(rec, nil); ok {
		t.Fatal("produce succeeded on a full ring")
	}
	// A refused record must not leave a hole: draining still yields
	// exactly the admitted records.
	if got := rb.pending(); got != 4 {
		t.Fatalf("pending = %d, want 4", got)
	}
	var out Record
	for i := 0; i < 4; i++ {
		if !rb.consume(&out) {
			t.Fatalf("consume %d failed after refusal", i)
		}
	}
}

func TestRingBuffer_MinimumCapacityTwo(t *testing.T) {
	rb := newRingBuffer(2)
	done := make(chan struct{})
	const total = 200

	go func() {
		defer close(done)
		var rec Record
		for n := 0; n < total; {
			if rb.consume(&rec) {
				n++
			}
		}
	}()

	rec := NewRecord(LevelInfo, "test", []byte("x"))
	for i := 0; i < total; {
		if ok, _ := rb.tryProduce(rec, nil); ok {
			i++
		}
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not finish with minimum capacity ring")
	}
}

func TestRingBuffer_WasEmptyHint(t *testing.T) {
	rb := newRingBuffer(8)
	rec := NewRecord(LevelInfo, "test", nil)
	if _, wasEmpty := rb.tryProduce(rec, nil); !wasEmpty {
		t.Error("first produce should report the ring was empty")
	}
	if _, wasEmpty := rb.tryProduce(rec, nil); wasEmpty {
		t.Error("second produce should not report the ring was empty")
	}
}

func TestRingBuffer_ConcurrentProducersLoseNothing(t *testing.T) {
	rb := newRingBuffer(64)
	const producers = 4
	const perProducer = 500

	var got sync.Map
	done := make(chan struct{})
	go func() {
		defer close(done)
		var rec Record
		for n := 0; n < producers*perProducer; {
			if rb.consume(&rec) {
				got.Store(string(rec.Payload), true)
				n++
			}
			// Capacity invariant must hold at every observation.
			if p := rb.pending(); p > rb.capacity {
				t.Errorf("pending %d exceeds capacity %d", p, rb.capacity)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; {
				rec := NewRecord(LevelInfo, "test", []byte(fmt.Sprintf("p%d-%d", p, i)))
				if ok, _ := rb.tryProduce(rec, nil); ok {
					i++
				}
			}
		}(p)
	}
	wg.Wait()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("consumer did not drain all records")
	}

	for p := 0; p < producers; p++ {
		for i := 0; i < perProducer; i++ {
			key := fmt.Sprintf("p%d-%d", p, i)
			if _, ok := got.Load(key); !ok {
				t.Fatalf("record %s was lost", key)
			}
		}
	}
}

func TestRingBuffer_TimestampInsideReservation(t *testing.T) {
	rb := newRingBuffer(8)
	var calls int
	stamp := func() int64 {
		calls++
		return int64(calls) * 100
	}
	rec := NewRecord(LevelInfo, "test", nil)
	rec.Timestamp = -1
	rb.tryProduce(rec, stamp)

	var out Record
	if !rb.consume(&out) {
		t.Fatal("consume failed")
	}
	if out.Timestamp != 100 {
		t.Errorf("timestamp = %d, want the stamped 100", out.Timestamp)
	}
}

func TestRingBuffer_DrainSkipsAbandonedReservation(t *testing.T) {
	rb := newRingBuffer(8)
	rec := NewRecord(LevelInfo, "test", []byte("ok"))
	rb.tryProduce(rec, nil)
	// Simulate a producer that reserved a position but never published.
	rb.writePos.v.Add(1)
	rb.tryProduce(rec, nil)

	var emitted int
	skipped := rb.drain(func(*Record) { emitted++ }, 20*time.Millisecond)
	if emitted != 2 {
		t.Errorf("emitted %d records, want 2", emitted)
	}
	if skipped != 1 {
		t.Errorf("skipped %d slots, want 1", skipped)
	}
	if rb.pending() != 0 {
		t.Errorf("ring not empty after drain: %d pending", rb.pending())
	}
}

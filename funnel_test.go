// funnel_test.go: Sorting funnel unit tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	"fmt"
	"testing"
	"time"
)

func funnelRecord(ts int64, payload string) *Record {
	return &Record{Timestamp: ts, Payload: []byte(payload)}
}

func TestSortingFunnel_SortRangeOrdersByTimestamp(t *testing.T) {
	f := newSortingFunnel(16)
	for _, ts := range []int64{50, 10, 30, 20, 40} {
		f.append(funnelRecord(ts, fmt.Sprintf("%d", ts)), 0, nil)
	}

	start := f.readPos.v.Load()
	end, ok := f.publishedRun(time.Second)
	if !ok || end-start != 5 {
		t.Fatalf("publishedRun = [%d,%d) ok=%v, want 5 entries", start, end, ok)
	}
	f.sortRange(start, end)

	var prev int64
	for pos := start; pos < end; pos++ {
		ts := f.at(pos).rec.Timestamp
		if ts < prev {
			t.Fatalf("timestamps out of order after sort: %d before %d", prev, ts)
		}
		prev = ts
	}
}

func TestSortingFunnel_SortIsStableOnTies(t *testing.T) {
	f := newSortingFunnel(16)
	// Same slot, same timestamp: production order must survive.
	f.append(funnelRecord(100, "first"), 2, nil)
	f.append(funnelRecord(100, "second"), 2, nil)
	// A lower slot with the same timestamp sorts ahead.
	f.append(funnelRecord(100, "other"), 1, nil)

	start := f.readPos.v.Load()
	end, _ := f.publishedRun(time.Second)
	f.sortRange(start, end)

	got := []string{
		string(f.at(start).rec.Payload),
		string(f.at(start + 1).rec.Payload),
		string(f.at(start + 2).rec.Payload),
	}
	want := []string{"other", "first", "second"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tie order = %v, want %v", got, want)
		}
	}
}

func TestSortingFunnel_PublishedRunStopsAtReservedEntry(t *testing.T) {
	f := newSortingFunnel(16)
	f.append(funnelRecord(10, "a"), 0, nil)
	// Simulate a reader that reserved a position but has not stored the
	// record yet.
	f.writePos.v.Add(1)
	f.append(funnelRecord(20, "b"), 0, nil)

	start := f.readPos.v.Load()
	end, ok := f.publishedRun(20 * time.Millisecond)
	if ok {
		t.Fatal("publishedRun reported a stable run across an unpublished entry")
	}
	if end-start != 1 {
		t.Fatalf("run length = %d, want 1 (up to the hole)", end-start)
	}
}

func TestSortingFunnel_ReleaseAndWrapAround(t *testing.T) {
	f := newSortingFunnel(4)
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			if !f.append(funnelRecord(int64(round*10+i), "x"), 0, nil) {
				t.Fatalf("append failed in round %d", round)
			}
		}
		start := f.readPos.v.Load()
		end, ok := f.publishedRun(time.Second)
		if !ok || end-start != 3 {
			t.Fatalf("round %d: run [%d,%d) ok=%v", round, start, end, ok)
		}
		f.sortRange(start, end)
		f.release(start, end)
		if f.pending() != 0 {
			t.Fatalf("round %d: %d pending after release", round, f.pending())
		}
	}
}

func TestSortingFunnel_TryAppendRefusesWhenFull(t *testing.T) {
	f := newSortingFunnel(4)
	for i := 0; i < 4; i++ {
		if !f.tryAppend(funnelRecord(int64(i), "x"), 0) {
			t.Fatalf("append %d refused below capacity", i)
		}
	}
	if f.tryAppend(funnelRecord(99, "x"), 0) {
		t.Fatal("append succeeded on a full funnel")
	}
	// An aborted blocking append gives up instead of spinning forever.
	aborted := f.append(funnelRecord(99, "x"), 0, func() bool { return true })
	if aborted {
		t.Fatal("append did not honor the abort signal")
	}
}

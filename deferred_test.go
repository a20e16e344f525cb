// deferred_test.go: Deferred target tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	"fmt"
	"testing"
)

func TestDeferredTarget_RequiresSubTarget(t *testing.T) {
	if _, err := NewDeferredTarget(nil, nil); err == nil {
		t.Fatal("expected configuration error for nil sub-target")
	}
}

func TestDeferredTarget_DeliversInOrder(t *testing.T) {
	stub := &stubTarget{}
	target, err := NewDeferredTarget(stub, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := target.Start(); err != nil {
		t.Fatal(err)
	}

	const total = 1000
	for i := 0; i < total; i++ {
		target.Write(NewRecord(LevelInfo, "test", []byte(fmt.Sprintf("%d", i))))
	}
	if err := target.Stop(); err != nil {
		t.Fatal(err)
	}

	writes := stub.writes()
	if len(writes) != total {
		t.Fatalf("delivered %d records, want %d", len(writes), total)
	}
	for i, rec := range writes {
		if string(rec.Payload) != fmt.Sprintf("%d", i) {
			t.Fatalf("record %d out of order: %q", i, rec.Payload)
		}
	}
	stats := target.Stats()
	if stats.Accepted != total || stats.Delivered != total || stats.Dropped != 0 {
		t.Errorf("stats = %+v, want %d accepted and delivered, 0 dropped", stats, total)
	}
}

func TestDeferredTarget_FlushSentinelInOrder(t *testing.T) {
	stub := &stubTarget{}
	target, _ := NewDeferredTarget(stub, nil)
	target.Start()

	target.Write(NewRecord(LevelInfo, "test", []byte("A")))
	target.Write(NewRecord(LevelInfo, "test", []byte("B")))
	target.Flush()
	target.Write(NewRecord(LevelInfo, "test", []byte("C")))
	target.Stop()

	var got []string
	for _, op := range stub.snapshot() {
		switch op.kind {
		case "write":
			got = append(got, string(op.rec.Payload))
		case "flush":
			got = append(got, "flush")
		}
	}
	// A trailing flush from Stop is fine; the prefix must be exact.
	want := []string{"A", "B", "flush", "C"}
	if len(got) < len(want) {
		t.Fatalf("observed %v, want prefix %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("observed %v, want prefix %v", got, want)
		}
	}
}

func TestDeferredTarget_RestartCycle(t *testing.T) {
	stub := &stubTarget{}
	target, _ := NewDeferredTarget(stub, nil)

	for cycle := 0; cycle < 2; cycle++ {
		if err := target.Start(); err != nil {
			t.Fatalf("cycle %d start: %v", cycle, err)
		}
		target.Write(NewRecord(LevelInfo, "test", []byte("x")))
		if err := target.Stop(); err != nil {
			t.Fatalf("cycle %d stop: %v", cycle, err)
		}
	}

	stats := target.Stats()
	if stats.Accepted != 2 || stats.Delivered != 2 {
		t.Errorf("stats after two cycles = %+v", stats)
	}
	if stub.count("start") != 2 || stub.count("stop") != 2 {
		t.Errorf("sub-target saw %d starts, %d stops; want 2 and 2",
			stub.count("start"), stub.count("stop"))
	}
}

func TestDeferredTarget_EndTargetChainsThrough(t *testing.T) {
	stub := &stubTarget{}
	inner, _ := NewDeferredTarget(stub, nil)
	outer, _ := NewDeferredTarget(inner, nil)
	if outer.EndTarget() != Target(stub) {
		t.Error("EndTarget did not chain through to the sink")
	}
}

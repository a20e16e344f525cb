// record.go: Log record value type and in-band sentinels
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import "time"

// Level identifies the severity of a log record. The core does not filter
// by level; the field travels with the record so the end target can.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// recordKind distinguishes normal log records from in-band control
// sentinels. Sentinels travel through the same rings and queues as log
// records so that they are honored in arrival order.
type recordKind uint8

const (
	kindLog recordKind = iota

	// kindFlush asks the consumer to flush the sub-target at the
	// sentinel's position in the stream.
	kindFlush

	// kindPoison terminates the consumer (or, for per-thread rings,
	// marks the producing slot dead). Poison is always accepted
	// regardless of congestion policy.
	kindPoison
)

// Record is the unit of delivery. The core treats it as an opaque value of
// fixed size; the variable-length payload lives in the heap buffer the
// Payload slice points at. Ownership of the payload transfers to whichever
// consumer ultimately hands the record to the sub-target.
//
// Timestamp is nanoseconds since the Unix epoch. For the quantum and
// multi-quantum targets the timestamp is acquired inside the ring-buffer
// reservation, which makes timestamps monotonic per producing goroutine.
type Record struct {
	Timestamp int64
	Level     Level
	ThreadID  uint64
	Source    string
	Payload   []byte

	kind recordKind
	slot uint64        // producing thread slot, set during extraction
	done chan struct{} // closed when a synchronous sentinel completes
}

// NewRecord builds a log record stamped with the current time. Callers that
// already hold a formatted payload should hand it over; the core never
// copies it.
func NewRecord(level Level, source string, payload []byte) *Record {
	return &Record{
		Timestamp: time.Now().UnixNano(),
		Level:     level,
		Source:    source,
		Payload:   payload,
	}
}

// IsSentinel reports whether the record is an in-band control sentinel
// rather than a log record.
func (r *Record) IsSentinel() bool {
	return r.kind != kindLog
}

func newFlushRecord(sync bool) *Record {
	r := &Record{kind: kindFlush}
	if sync {
		r.done = make(chan struct{})
	}
	return r
}

func newPoisonRecord() *Record {
	return &Record{kind: kindPoison}
}

// complete signals a waiting Flush caller, if any.
func (r *Record) complete() {
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
}

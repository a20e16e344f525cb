// stats.go: Delivery statistics snapshots
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

// Stats is a point-in-time snapshot of a target's delivery counters. All
// counters are atomic; the snapshot is safe to take concurrently with
// writers and is cheap enough for periodic telemetry scraping.
//
// The accounting equation holds once a target is fully stopped:
// Accepted == Delivered + Dropped. Sentinels (flush, poison) are not
// counted in Accepted, Delivered or Dropped; the pipeline counters
// (ReadCount through ShipCount) do include the sentinels that pass
// through them. SubTargetFailures counts records the sink reported
// zero bytes for; those records still count as Delivered — the core does
// not retry.
type Stats struct {
	// Accepted is the number of log records admitted by Write.
	Accepted uint64 `json:"accepted"`

	// Dropped counts congestion losses, registry exhaustion, and
	// records abandoned by a shutdown overrun.
	Dropped uint64 `json:"dropped"`

	// Delivered is the number of records handed to the sub-target.
	Delivered uint64 `json:"delivered"`

	// SubTargetFailures counts deliveries the sink failed (zero bytes
	// written or an error).
	SubTargetFailures uint64 `json:"sub_target_failures"`

	// BytesWritten is the byte count reported by the sub-target.
	BytesWritten uint64 `json:"bytes_written"`

	// ReadCount is the number of entries consumed from ring buffers.
	ReadCount uint64 `json:"read_count"`

	// FunnelCount, StableCount, SortCount and ShipCount trace a record's
	// way through the multi-quantum pipeline: moved into the funnel,
	// covered by a stable watermark prefix, sorted, and shipped.
	FunnelCount uint64 `json:"funnel_count"`
	StableCount uint64 `json:"stable_count"`
	SortCount   uint64 `json:"sort_count"`
	ShipCount   uint64 `json:"ship_count"`

	// SubTarget chains the subordinate target's statistics when it is
	// itself a statistics-bearing target.
	SubTarget *Stats `json:"sub_target,omitempty"`
}

// statser is satisfied by every target in this package; used to chain
// sub-target statistics into a snapshot.
type statser interface {
	Stats() Stats
}

func snapshotStats(a *asyncTarget, more func(*Stats)) Stats {
	s := Stats{
		Accepted:          a.accepted.v.Load(),
		Dropped:           a.dropped.v.Load(),
		Delivered:         a.delivered.v.Load(),
		SubTargetFailures: a.subFailures.v.Load(),
		BytesWritten:      a.bytesOut.v.Load(),
	}
	if st, ok := a.subTarget.(statser); ok {
		sub := st.Stats()
		s.SubTarget = &sub
	}
	if more != nil {
		more(&s)
	}
	return s
}

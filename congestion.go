// congestion.go: Producer-side policies for a full ring
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// CongestionPolicy selects the producer-side behavior when the target ring
// has no room for a record.
type CongestionPolicy int32

const (
	// Wait spins with exponential back-off until a slot frees up. No
	// record is ever lost, at the cost of coupling producer latency to
	// consumer throughput. Prefer DiscardLog for strict-latency
	// applications.
	Wait CongestionPolicy = iota

	// DiscardLog drops normal log records on a full ring. Flush and
	// poison sentinels are still admitted.
	DiscardLog

	// DiscardAll drops everything on a full ring, flush sentinels
	// included. Only the terminal poison sentinel is still admitted.
	DiscardAll
)

// String returns the configuration name of the policy.
func (p CongestionPolicy) String() string {
	switch p {
	case Wait:
		return "wait"
	case DiscardLog:
		return "discard_log"
	case DiscardAll:
		return "discard_all"
	default:
		return "unknown"
	}
}

// ParseCongestionPolicy converts a configuration string to a policy.
func ParseCongestionPolicy(s string) (CongestionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wait":
		return Wait, nil
	case "discard_log", "discard-log", "discardlog":
		return DiscardLog, nil
	case "discard_all", "discard-all", "discardall":
		return DiscardAll, nil
	default:
		return Wait, fmt.Errorf("unknown congestion policy %q", s)
	}
}

func (p CongestionPolicy) valid() bool {
	return p == Wait || p == DiscardLog || p == DiscardAll
}

// newProducerBackoff builds the back-off schedule used while spinning on a
// full ring. Intervals stay in the microsecond range so a waiting producer
// reacts quickly once the consumer frees slots.
func newProducerBackoff() backoff.ExponentialBackOff {
	return backoff.ExponentialBackOff{
		InitialInterval:     2 * time.Microsecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         250 * time.Microsecond,
	}
}

// admit pushes rec into rb honoring the congestion policy. Sentinels
// override the policy: flush sentinels are admitted under DiscardLog and
// dropped under DiscardAll; poison is always admitted, bounded only by
// deadline (zero means wait forever). The admitted result reports whether
// the record made it into the ring; wasEmpty reports the ring was empty at
// reservation, raising the active-ring hint.
func admit(rb *ringBuffer, rec *Record, stamp func() int64, policy CongestionPolicy, deadline time.Duration) (admitted, wasEmpty bool) {
	if ok, empty := rb.tryProduce(rec, stamp); ok {
		return true, empty
	}

	wait := false
	switch rec.kind {
	case kindPoison:
		wait = true
	case kindFlush:
		if policy == DiscardAll {
			return false, false
		}
		wait = true
	default:
		wait = policy == Wait
	}
	if !wait {
		return false, false
	}

	bo := newProducerBackoff()
	bo.Reset()
	var limit time.Time
	if deadline > 0 {
		limit = time.Now().Add(deadline)
	}
	spins := 0
	for {
		if ok, empty := rb.tryProduce(rec, stamp); ok {
			return true, empty
		}
		if !limit.IsZero() && time.Now().After(limit) {
			return false, false
		}
		spins++
		if spins&0x3f == 0 {
			time.Sleep(bo.NextBackOff())
		} else {
			runtime.Gosched()
		}
	}
}

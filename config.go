// config.go: Defaults, runtime tunables, and configuration parsing
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/argus"
)

// Defaults shared by the quantum and multi-quantum targets. The collect
// period deliberately errs on the long side: it lets a sporadically used
// ring "breathe" between reader passes. Frequent targets should lower it;
// flooding scenarios should use a large ring and a busy-spin collect
// period (a negative CollectPeriod in the config, or SetCollectPeriod(0)
// at runtime), accepting one pinned core.
const (
	defaultReaderCount     = 1
	defaultActiveRevisit   = 64
	defaultFullRevisit     = 256
	defaultMaxBatchSize    = 16
	defaultCollectPeriod   = 50 * time.Millisecond
	defaultShutdownTimeout = 5 * time.Second
	defaultMaxThreads      = 64
)

// tunables are the knobs that may change while the target is running.
// Each lives on its own cache line so a hot reader loop never shares one
// with a writer applying new values.
type tunables struct {
	collect paddedInt64
	batch   paddedUint64
}

func (t *tunables) collectPeriod() time.Duration {
	return time.Duration(t.collect.v.Load())
}

func (t *tunables) setCollectPeriod(d time.Duration) {
	if d >= 0 {
		t.collect.v.Store(int64(d))
	}
}

func (t *tunables) maxBatch() uint64 {
	return t.batch.v.Load()
}

func (t *tunables) setMaxBatch(n uint64) {
	if n > 0 {
		t.batch.v.Store(n)
	}
}

// SetCollectPeriod adjusts the reader idle sleep at runtime. Zero means
// busy-spin; negative values are ignored.
func (t *QuantumTarget) SetCollectPeriod(d time.Duration) { t.tun.setCollectPeriod(d) }

// SetMaxBatchSize adjusts the per-iteration read batch at runtime. Zero
// is ignored.
func (t *QuantumTarget) SetMaxBatchSize(n uint64) { t.tun.setMaxBatch(n) }

// SetCollectPeriod adjusts the reader idle sleep at runtime. Zero means
// busy-spin; negative values are ignored.
func (t *MultiQuantumTarget) SetCollectPeriod(d time.Duration) { t.tun.setCollectPeriod(d) }

// SetMaxBatchSize adjusts the per-extraction batch at runtime. Zero is
// ignored. Larger batches read a ring more cache-friendly but widen the
// sorting window.
func (t *MultiQuantumTarget) SetMaxBatchSize(n uint64) { t.tun.setMaxBatch(n) }

// Tunable is implemented by targets whose runtime knobs can be adjusted
// live, either programmatically or through WatchTunables.
type Tunable interface {
	SetCollectPeriod(d time.Duration)
	SetMaxBatchSize(n uint64)
}

// WatchTunables hot-reloads a target's runtime tunables from a
// configuration file. Recognized keys: "collect_period" (duration string
// such as "50ms" or a number of milliseconds) and "max_batch_size".
// Unknown keys are ignored; unparsable values leave the current setting
// in place. The returned watcher must be stopped by the caller.
func WatchTunables(path string, target Tunable) (*argus.Watcher, error) {
	return argus.UniversalConfigWatcher(path, func(config map[string]interface{}) {
		if v, ok := config["collect_period"]; ok {
			if d, ok := toDuration(v); ok {
				target.SetCollectPeriod(d)
			}
		}
		if v, ok := config["max_batch_size"]; ok {
			if n, ok := toCount(v); ok {
				target.SetMaxBatchSize(n)
			}
		}
	})
}

func toDuration(v interface{}) (time.Duration, bool) {
	switch x := v.(type) {
	case string:
		d, err := ParseDuration(x)
		return d, err == nil
	case float64:
		return time.Duration(x) * time.Millisecond, x >= 0
	case int:
		return time.Duration(x) * time.Millisecond, x >= 0
	default:
		return 0, false
	}
}

func toCount(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case string:
		n, err := ParseSize(x)
		return uint64(n), err == nil && n > 0
	case float64:
		return uint64(x), x > 0
	case int:
		return uint64(x), x > 0
	default:
		return 0, false
	}
}

// ParseSize converts count strings like "4K", "64K", "1M" to entry
// counts. Supports case-insensitive input and both one- and two-letter
// suffixes; plain numbers pass through unchanged.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Handle plain numbers
	if val, err := strconv.ParseInt(s, 10, 64); err == nil {
		return val, nil
	}

	s = strings.ToUpper(s)

	var multiplier int64
	var numStr string

	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-1]
	default:
		return 0, fmt.Errorf("unknown size suffix in %q (supported: K/KB, M/MB, G/GB)", s)
	}

	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number in %q: %v", s, err)
	}

	result := val * multiplier
	if result < 0 { // Overflow check
		return 0, fmt.Errorf("size %q too large", s)
	}

	return result, nil
}

// ParseDuration converts duration strings like "50ms", "7d" to
// time.Duration. Supports Go durations plus common extensions.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	// Try standard Go duration first
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	// Handle custom suffixes
	s = strings.ToLower(s)

	var multiplier time.Duration
	var numStr string

	switch {
	case strings.HasSuffix(s, "d"):
		multiplier = 24 * time.Hour
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "w"):
		multiplier = 7 * 24 * time.Hour
		numStr = s[:len(s)-1]
	default:
		return 0, fmt.Errorf("unknown duration suffix in %q", s)
	}

	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration number in %q: %v", s, err)
	}

	return time.Duration(val) * multiplier, nil
}

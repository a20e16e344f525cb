// config_test.go: Configuration parsing and tunable tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	"testing"
	"time"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"4K", 4096, false},
		{"4KB", 4096, false},
		{"4k", 4096, false},
		{"1M", 1024 * 1024, false},
		{"2G", 2 * 1024 * 1024 * 1024, false},
		{"", 0, true},
		{"4X", 0, true},
		{"xK", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"50ms", 50 * time.Millisecond, false},
		{"2h30m", 2*time.Hour + 30*time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"", 0, true},
		{"5x", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTunables_SettersValidateInput(t *testing.T) {
	var tun tunables
	tun.setCollectPeriod(10 * time.Millisecond)
	tun.setMaxBatch(32)

	tun.setCollectPeriod(-time.Second) // ignored
	if tun.collectPeriod() != 10*time.Millisecond {
		t.Errorf("negative collect period applied: %v", tun.collectPeriod())
	}
	tun.setCollectPeriod(0) // busy-spin is legal
	if tun.collectPeriod() != 0 {
		t.Errorf("zero collect period not applied: %v", tun.collectPeriod())
	}

	tun.setMaxBatch(0) // ignored
	if tun.maxBatch() != 32 {
		t.Errorf("zero batch size applied: %d", tun.maxBatch())
	}
}

func TestRuntimeTunablesApplyToLiveTarget(t *testing.T) {
	stub := &stubTarget{}
	target, _ := NewQuantumTarget(&QuantumConfig{
		SubTarget:     stub,
		CollectPeriod: time.Millisecond,
	})
	target.Start()
	defer target.Stop()

	target.SetCollectPeriod(5 * time.Millisecond)
	target.SetMaxBatchSize(64)
	if target.tun.collectPeriod() != 5*time.Millisecond || target.tun.maxBatch() != 64 {
		t.Error("runtime tunables not applied")
	}
}

func TestTunableValueCoercion(t *testing.T) {
	if d, ok := toDuration("25ms"); !ok || d != 25*time.Millisecond {
		t.Errorf("toDuration(string) = %v, %v", d, ok)
	}
	if d, ok := toDuration(float64(10)); !ok || d != 10*time.Millisecond {
		t.Errorf("toDuration(float64) = %v, %v", d, ok)
	}
	if _, ok := toDuration(struct{}{}); ok {
		t.Error("toDuration accepted an unsupported type")
	}
	if n, ok := toCount(float64(16)); !ok || n != 16 {
		t.Errorf("toCount(float64) = %d, %v", n, ok)
	}
	if n, ok := toCount("4K"); !ok || n != 4096 {
		t.Errorf("toCount(string) = %d, %v", n, ok)
	}
	if _, ok := toCount(float64(-1)); ok {
		t.Error("toCount accepted a negative value")
	}
}

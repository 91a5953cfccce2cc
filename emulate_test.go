// emulate_test.go: access-time padding and bandwidth throttling tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import (
	"testing"
	"time"
)

func TestEmulation_NilWhenUnconfigured(t *testing.T) {
	e := newEmulation(0, 0, 0, 0, 0)
	if e != nil {
		t.Fatal("newEmulation with all-zero parameters should return nil")
	}
	// begin/end must tolerate a nil receiver.
	start := e.begin()
	e.end(start, 4096)
}

func TestEmulation_PadLatency(t *testing.T) {
	e := newEmulation(5_000, 0, 0, 0, 0) // 5 microseconds
	start := e.begin()
	e.end(start, 4096)
	if time.Since(start) < 5*time.Microsecond {
		t.Fatalf("end returned before the configured latency elapsed")
	}
}

func TestEmulation_BandwidthThrottleAccumulatesAcrossCalls(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping busy-wait timing test in -short mode")
	}
	e := newEmulation(0, 50, 0, 0, 0) // 50 MiB/s
	start := time.Now()
	for i := 0; i < 512; i++ {
		s := e.begin()
		e.end(s, PageSize)
	}
	elapsed := time.Since(start)
	// 512 pages * 4096 bytes = 2 MiB = 4096 sectors, which closes the batch
	// on the last call; 2 MiB at 50 MiB/s => ~40ms.
	if elapsed < 30*time.Millisecond {
		t.Fatalf("elapsed = %v, want a throttled duration close to 40ms", elapsed)
	}
}

func TestEmulation_Slowdown(t *testing.T) {
	e := newEmulation(0, 0, 3, 0, 0)
	copyDuration := 2 * time.Millisecond
	start := time.Now()
	e.slowdown(copyDuration)
	elapsed := time.Since(start)
	if elapsed < copyDuration*2 {
		t.Fatalf("slowdown(x3) waited %v, want at least %v extra", elapsed, copyDuration*2)
	}
}

// emulate.go: access-time padding and batch-bandwidth throttling
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import (
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// Bandwidth batch limits, spec.md §4.7.
const (
	emuMaxInterval = 1 * time.Millisecond
	emuMaxSectors  = 4096
	emuMaxDuration = 10 * time.Millisecond
	emuMinSectors  = 256

	// coarseSleepThreshold is the point above which access-time padding
	// splits into a coarse sleep plus a busy-wait remainder, rather than
	// busy-waiting the whole gap.
	coarseSleepThreshold = 10 * time.Millisecond
)

// emulation holds one direction's (read or write) access-time and bandwidth
// emulation state. A nil *emulation means emulation is disabled for that
// direction; begin/end are no-ops on a nil receiver.
type emulation struct {
	latencyNs   uint64
	bwMBs       uint64
	slowdownX   uint
	pauseCycles uint64
	adjustNs    int64

	clock *timecache.TimeCache

	batchLock   sync.Mutex
	batchOpen   bool
	batchStart  time.Time
	lastArrival time.Time
	batchBytes  uint64
}

// newEmulation returns nil if none of its parameters request any emulation,
// so callers can unconditionally call begin/end without a nil check
// changing behavior.
func newEmulation(latencyNs, bwMBs uint64, slowdownX uint, pauseCycles uint64, adjustNs int64) *emulation {
	if latencyNs == 0 && bwMBs == 0 && slowdownX == 0 && pauseCycles == 0 {
		return nil
	}
	return &emulation{
		latencyNs:   latencyNs,
		bwMBs:       bwMBs,
		slowdownX:   slowdownX,
		pauseCycles: pauseCycles,
		adjustNs:    adjustNs,
		clock:       timecache.NewWithResolution(time.Microsecond),
	}
}

func (e *emulation) stop() {
	if e == nil {
		return
	}
	e.clock.Stop()
}

// begin returns the start timestamp a matching end call needs. Called
// before the protected copy for a request.
func (e *emulation) begin() time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.clock.CachedTime()
}

// end pads the just-completed copy of nBytes up to the configured target
// access time, then runs it through the bandwidth batch throttle.
func (e *emulation) end(start time.Time, nBytes int) {
	if e == nil {
		return
	}
	if e.latencyNs > 0 {
		e.padLatency(start)
	}
	if e.bwMBs > 0 {
		e.throttleBandwidth(nBytes)
	}
}

// padLatency busy-waits (optionally preceded by a coarse sleep) until the
// elapsed time since start reaches the configured per-request latency.
// No lock is held, so concurrent requests' padding overlaps freely.
func (e *emulation) padLatency(start time.Time) {
	target := time.Duration(e.latencyNs) * time.Nanosecond
	if e.adjustNs != 0 {
		target += time.Duration(e.adjustNs) * time.Nanosecond
	}
	deadline := start.Add(target)

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	if remaining > coarseSleepThreshold {
		time.Sleep(remaining - time.Millisecond)
	}
	for time.Now().Before(deadline) {
		// busy-wait: sleep would reintroduce scheduler-grain jitter that
		// defeats sub-microsecond precision.
	}
}

// throttleBandwidth folds nBytes into the current batch and, once a batch
// closes with enough accumulated sectors, busy-waits under batchLock for
// the gap between real and target elapsed time — serializing throughput
// emulation across every caller sharing this emulation (spec.md §4.7).
func (e *emulation) throttleBandwidth(nBytes int) {
	e.batchLock.Lock()
	defer e.batchLock.Unlock()

	now := time.Now()

	if !e.batchOpen {
		e.batchOpen = true
		e.batchStart = now
		e.batchBytes = 0
	} else if now.Sub(e.lastArrival) > emuMaxInterval {
		e.closeBatchLocked(now)
		e.batchOpen = true
		e.batchStart = now
		e.batchBytes = 0
	}
	e.lastArrival = now
	e.batchBytes += uint64(nBytes)
	batchSectors := e.batchBytes / SectorSize

	elapsed := now.Sub(e.batchStart)
	closing := elapsed >= emuMaxDuration || batchSectors >= emuMaxSectors
	if closing && batchSectors >= emuMinSectors {
		e.closeBatchLocked(now)
	}
}

// closeBatchLocked computes the target duration for the batch accumulated
// so far and busy-waits the shortfall, still holding batchLock. It clears
// batchOpen and batchBytes; the caller opens the next batch as needed.
func (e *emulation) closeBatchLocked(now time.Time) {
	targetNs := float64(e.batchBytes) / float64(e.bwMBs*1024*1024) * 1e9
	target := time.Duration(targetNs) * time.Nanosecond
	real := now.Sub(e.batchStart)
	if real < target {
		deadline := e.batchStart.Add(target)
		for time.Now().Before(deadline) {
		}
	}
	e.batchOpen = false
	e.batchBytes = 0
}

// slowdown implements the relative-slowdown alternative: multiply the
// observed copy duration by (X-1) extra and busy-wait that long. Applied
// inside the copy loop rather than at the request boundary (spec.md §4.7).
func (e *emulation) slowdown(copyDuration time.Duration) {
	if e == nil || e.slowdownX <= 1 {
		return
	}
	extra := copyDuration * time.Duration(e.slowdownX-1)
	deadline := time.Now().Add(extra)
	for time.Now().Before(deadline) {
	}
}

// pauseForPage busy-waits for a fixed number of emulated cycles per page,
// as a cheap deterministic alternative to cycle-accurate timing.
func (e *emulation) pauseForPage() {
	if e == nil || e.pauseCycles == 0 {
		return
	}
	deadline := time.Now().Add(time.Duration(e.pauseCycles))
	for time.Now().Before(deadline) {
	}
}

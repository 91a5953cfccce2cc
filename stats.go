// stats.go: per-device, per-direction statistics
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import "sync/atomic"

// directionStats is the set of counters spec.md §6 names per device per
// direction: requests, sectors, barriers and FUAs. The breakdown of which
// caller drove each flush is kept per device, in deviceStats.
type directionStats struct {
	requests atomic.Uint64
	sectors  atomic.Uint64
	barriers atomic.Uint64
	fuas     atomic.Uint64
}

// deviceStats aggregates read/write counters plus flush accounting. A
// time-stats per-CPU cycle-counter breakdown ({total, prepare, wb, work,
// endio, finish, pmap, punmap, memcpy, clflush, clflushall, wrverify,
// checksum, pause, slowdown, setpages_ro, setpages_rw}) is named in
// spec.md §6 but requires a real cycle counter and per-CPU accounting this
// software emulation has no portable equivalent for; TimeStat is accepted
// by the config parser and surfaced in ConfigDump, but Stats() reports
// only the counters this module can measure honestly (see DESIGN.md).
type deviceStats struct {
	read  directionStats
	write directionStats

	flushByAllocator atomic.Uint64
	flushBySyncer    atomic.Uint64
	flushByDestroyer atomic.Uint64
	pagesFlushed     atomic.Uint64

	checksumMismatches atomic.Uint64
}

func newDeviceStats() *deviceStats {
	return &deviceStats{}
}

func (s *deviceStats) recordRequest(dir Direction, sectors uint64, barrier, fua bool) {
	ds := &s.read
	if dir == DirWrite {
		ds = &s.write
	}
	ds.requests.Add(1)
	ds.sectors.Add(sectors)
	if barrier {
		ds.barriers.Add(1)
	}
	if fua {
		ds.fuas.Add(1)
	}
}

func (s *deviceStats) recordFlush(caller callerKind, pages int) {
	if pages <= 0 {
		return
	}
	s.pagesFlushed.Add(uint64(pages))
	switch caller {
	case callerAllocator:
		s.flushByAllocator.Add(uint64(pages))
	case callerSyncer:
		s.flushBySyncer.Add(uint64(pages))
	case callerDestroyer:
		s.flushByDestroyer.Add(uint64(pages))
	}
}

func (s *deviceStats) recordChecksumMismatch() {
	s.checksumMismatches.Add(1)
}

// DirectionStats is the public, point-in-time snapshot of one direction's
// counters.
type DirectionStats struct {
	Requests uint64 `json:"requests"`
	Sectors  uint64 `json:"sectors"`
	Barriers uint64 `json:"barriers"`
	FUAs     uint64 `json:"fuas"`
}

// Stats is the public, point-in-time snapshot of a Device's counters,
// returned by Device.Stats().
type Stats struct {
	Read  DirectionStats `json:"read"`
	Write DirectionStats `json:"write"`

	PagesFlushed       uint64 `json:"pages_flushed"`
	FlushByAllocator   uint64 `json:"flush_by_allocator"`
	FlushBySyncer      uint64 `json:"flush_by_syncer"`
	FlushByDestroyer   uint64 `json:"flush_by_destroyer"`
	ChecksumMismatches uint64 `json:"checksum_mismatches"`
}

func snapshotDirection(d *directionStats) DirectionStats {
	return DirectionStats{
		Requests: d.requests.Load(),
		Sectors:  d.sectors.Load(),
		Barriers: d.barriers.Load(),
		FUAs:     d.fuas.Load(),
	}
}

// Stats returns a point-in-time snapshot of this device's counters.
func (d *Device) Stats() Stats {
	return Stats{
		Read:               snapshotDirection(&d.stats.read),
		Write:              snapshotDirection(&d.stats.write),
		PagesFlushed:       d.stats.pagesFlushed.Load(),
		FlushByAllocator:   d.stats.flushByAllocator.Load(),
		FlushBySyncer:      d.stats.flushBySyncer.Load(),
		FlushByDestroyer:   d.stats.flushByDestroyer.Load(),
		ChecksumMismatches: d.stats.checksumMismatches.Load(),
	}
}

// ConfigDump returns the resolved configuration this device was built
// from, for the diagnostics dump spec.md §6 names.
func (d *Device) ConfigDump() DeviceConfig {
	return d.cfg
}

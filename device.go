// device.go: device lifecycle, addressing and request/segment types
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

const (
	// SectorSize is the fixed logical block size pmbd exposes. Arbitrary
	// sector sizes are out of scope (see spec.md Non-goals).
	SectorSize = 512
	// PageSize is the fixed physical block (PB) size.
	PageSize = 4096
	// SectorsPerPage is the number of logical sectors per physical block.
	SectorsPerPage = PageSize / SectorSize
)

// PBN is a Physical Block Number: sector / SectorsPerPage. It addresses a
// fixed 4096-byte unit of the PM region.
type PBN uint64

// BBN is a Buffer Block Number: an index into one buffer's slot ring. It is
// deliberately a distinct type from PBN — the original driver used the same
// underlying sector type for both and relied on implicit interchangeable
// arithmetic; this module keeps them separate (spec.md §9 Open Questions).
type BBN int

// notBuffered is the sentinel BBN value meaning "this PBN has no buffer
// slot". The original driver used three different sentinel values across
// call sites (N+1, N+2, N+3); this module picks one and tests only ever
// check "is this a valid index", per spec.md §9.
const notBuffered BBN = -1

// Direction is the I/O direction of a request or emulation batch.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// Segment is one scatter-gather element of a Request. In the original
// driver each segment names a physical page that must be mapped into
// kernel address space before use and unmapped afterward; in this module
// Data is already addressable Go memory, so there is no map/unmap step.
type Segment struct {
	Data []byte
}

// Request is one block I/O request: a sector-indexed read or write with
// optional flush (barrier) and FUA (force unit access) semantics, split
// across one or more scatter-gather segments.
type Request struct {
	Sector    uint64
	Direction Direction
	Flush     bool
	FUA       bool
	Segments  []Segment
}

func (r *Request) lenBytes() int {
	n := 0
	for _, s := range r.Segments {
		n += len(s.Data)
	}
	return n
}

// PBI is the per-physical-block metadata the spec calls "Physical Block
// Info": which buffer slot (if any) currently holds this block, serialized
// by a per-block mutex. Every read, write or flush of a PB is serialized on
// this lock.
type PBI struct {
	mu  sync.Mutex
	bbn BBN
}

// Device is one emulated PM block device: a capacity in 512-byte sectors, a
// mapped PM window, a buffer group in front of it, per-block metadata, an
// optional checksum store and per-direction emulation state.
type Device struct {
	id   int
	name string
	cfg  DeviceConfig

	pm []byte // the mapped PM window, one byte slice standing in for the
	// reserved physical memory region named in spec.md §1 as an external
	// collaborator (the reserved-physical-memory allocator).

	pbi []PBI

	checksums *checksumStore

	buffers *BufferGroup

	protector WriteProtector
	memOps    MemoryOps

	readEmu  *emulation
	writeEmu *emulation

	inflightWrites atomic.Int64
	barrierLock    sync.Mutex

	lastAccessNanos atomic.Int64
	clock           *timecache.TimeCache

	stats *deviceStats

	// OnEvent reports non-fatal failures the way the teacher's
	// ErrorCallback reports rotation failures. The only event raised is
	// "checksum_mismatch", from the read path. May be nil.
	OnEvent func(event string, err error)

	// FatalHandler is invoked on write-verification mismatch (spec.md §7:
	// "treated as fatal"). Defaults to panicking. It can be replaced with a
	// handler that records the error instead of crashing the process.
	FatalHandler func(error)

	closeOnce sync.Once
	closed    atomic.Bool
}

func defaultFatalHandler(err error) {
	panic(err)
}

// NewDevice constructs and registers a Device with the given index and
// resolved configuration. Construction fails with KindOutOfMemory if the
// buffer group or scratch space cannot be allocated, and with
// KindConfigInvalid if cfg itself is inconsistent (pmap+wrprot, etc. — also
// checked by ParseConfig, re-checked here since DeviceConfig can be built
// by hand).
func NewDevice(idx int, cfg DeviceConfig) (*Device, error) {
	name, err := DeviceName(idx)
	if err != nil {
		return nil, newError(KindConfigInvalid, "NewDevice", err.Error())
	}
	if cfg.PrivateMapping && cfg.WriteProtect {
		return nil, newError(KindConfigInvalid, "NewDevice", "pmap and wrprot are mutually exclusive")
	}
	if cfg.CapacitySectors == 0 {
		return nil, newError(KindConfigInvalid, "NewDevice", "zero capacity")
	}
	if cfg.CapacitySectors%SectorsPerPage != 0 {
		return nil, newError(KindConfigInvalid, "NewDevice", "capacity must be a whole number of physical blocks")
	}
	if cfg.NonTemporalLoad {
		// A non-temporal load bypasses the cache, so the page it reads from
		// must already be mapped write-combining — matching the original
		// driver's insmod-time enforcement ("if ntl is used, we must use WC").
		cfg.CacheAttr = CacheWriteCombining
	}

	numPages := cfg.CapacitySectors / SectorsPerPage
	dev := &Device{
		id:   idx,
		name: name,
		cfg:  cfg,
		pm:   make([]byte, cfg.CapacitySectors*SectorSize),
		pbi:  make([]PBI, numPages),

		stats: newDeviceStats(),
		clock: timecache.NewWithResolution(time.Millisecond),

		FatalHandler: defaultFatalHandler,
	}
	for i := range dev.pbi {
		dev.pbi[i].bbn = notBuffered
	}

	switch {
	case !cfg.WriteProtect:
		dev.protector = newNoProtector()
	case cfg.WPMode == WPModeBypass:
		dev.protector = newBypassProtector(dev)
	default:
		dev.protector = newPTEProtector(dev)
	}
	dev.memOps = newPortableMemoryOps(cfg)

	if cfg.Checksum {
		dev.checksums = newChecksumStore(int(numPages))
	}

	group, err := newBufferGroup(dev, cfg)
	if err != nil {
		return nil, newError(KindOutOfMemory, "NewDevice", err.Error())
	}
	dev.buffers = group

	dev.readEmu = newEmulation(cfg.ReadLatencyNs, cfg.ReadBWMBs, cfg.ReadSlowdownX, cfg.ReadPauseCycles, cfg.AdjustNs)
	dev.writeEmu = newEmulation(cfg.WriteLatencyNs, cfg.WriteBWMBs, cfg.WriteSlowdownX, cfg.WritePauseCycles, cfg.AdjustNs)

	if dev.protector.ProtectsAtRest() {
		dev.protector.Protect(0, PBN(numPages-1))
	}

	return dev, nil
}

// Close tears the device down: every buffer is drained synchronously and
// all page permissions are restored, per spec.md §3 Device lifecycle.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		for _, b := range d.buffers.buffers {
			b.stopSyncer()
			b.flush(b.numSlots, callerDestroyer)
		}
		if d.protector.ProtectsAtRest() {
			d.protector.Unprotect(0, PBN(len(d.pbi)-1))
		}
		d.readEmu.stop()
		d.writeEmu.stop()
		d.clock.Stop()
	})
	return err
}

// Name returns the device's conventional ordinal name, e.g. "pmbda".
func (d *Device) Name() string { return d.name }

// CapacitySectors returns the device's capacity in 512-byte sectors.
func (d *Device) CapacitySectors() uint64 { return d.cfg.CapacitySectors }

func (d *Device) numPages() int { return len(d.pbi) }

func sectorToPBN(sector uint64) PBN { return PBN(sector / SectorsPerPage) }

// pageOffsetInPB returns the byte offset of sector within its own physical
// block (0..PageSize-1).
func pageOffsetInPB(sector uint64) int {
	return int(sector%SectorsPerPage) * SectorSize
}

func (d *Device) pmPage(pbn PBN) []byte {
	off := int(pbn) * PageSize
	return d.pm[off : off+PageSize]
}

func (d *Device) updateLastAccess() {
	d.lastAccessNanos.Store(d.clock.CachedTime().UnixNano())
}

func (d *Device) idleNanos() int64 {
	last := d.lastAccessNanos.Load()
	if last == 0 {
		return 0
	}
	return d.clock.CachedTime().UnixNano() - last
}

// pmWriteCopy copies src into dst (a PM page range), running it through the
// write emulation window when emulation is scoped to PM-only access
// (SimWholeDevice == false); whole-device emulation is instead applied once
// around the entire dispatcher request.
func (d *Device) pmWriteCopy(dst, src []byte) {
	if d.cfg.SimWholeDevice {
		d.memOps.Copy(dst, src)
		d.writeEmu.pauseForPage()
		return
	}
	start := d.writeEmu.begin()
	copyStart := time.Now()
	d.memOps.Copy(dst, src)
	d.writeEmu.slowdown(time.Since(copyStart))
	d.writeEmu.end(start, len(src))
	d.writeEmu.pauseForPage()
}

// pmReadCopy is pmWriteCopy's read-direction counterpart.
func (d *Device) pmReadCopy(dst, src []byte) {
	if d.cfg.SimWholeDevice {
		d.memOps.Copy(dst, src)
		d.readEmu.pauseForPage()
		return
	}
	start := d.readEmu.begin()
	copyStart := time.Now()
	d.memOps.Copy(dst, src)
	d.readEmu.slowdown(time.Since(copyStart))
	d.readEmu.end(start, len(dst))
	d.readEmu.pauseForPage()
}

func (d *Device) reportEvent(event string, err error) {
	if d.OnEvent != nil {
		d.OnEvent(event, err)
	}
}

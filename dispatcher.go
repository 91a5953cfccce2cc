// dispatcher.go: request splitting, buffered/unbuffered write paths,
// read path, and the barrier protocol.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import (
	"bytes"
	"fmt"
	"time"
)

// cachelineSize is the unit sub-page write diffing compares against, so a
// protected write only dirties the cachelines that actually changed.
const cachelineSize = 64

// MakeRequest dispatches one block I/O request against this device,
// following the nine-step protocol of spec.md §4.5.
func (d *Device) MakeRequest(req Request) error {
	if req.Flush && d.cfg.HonorFlush {
		d.barrier()
	}

	if req.Direction == DirWrite {
		// Yield priority to any in-progress barrier before proceeding.
		d.barrierLock.Lock()
		d.barrierLock.Unlock()
		d.inflightWrites.Add(1)
		defer d.inflightWrites.Add(-1)
	}

	nBytes := req.lenBytes()
	sectors := uint64(nBytes) / SectorSize
	if req.Sector+sectors > d.cfg.CapacitySectors {
		return newError(KindCapacityExceeded, "MakeRequest",
			fmt.Sprintf("sector %d len %d bytes exceeds capacity of %d sectors", req.Sector, nBytes, d.cfg.CapacitySectors))
	}

	d.stats.recordRequest(req.Direction, sectors, req.Flush, req.FUA)

	if nBytes == 0 {
		// A zero-length request is a legal flush-only probe; the barrier
		// above (if requested) has already run.
		return nil
	}

	// Whole-device emulation (the default) times the entire request; PM-only
	// emulation instead times each individual PM copy via
	// pmWriteCopy/pmReadCopy, so no window is opened here.
	emu := d.readEmu
	if req.Direction == DirWrite {
		emu = d.writeEmu
	}
	var start time.Time
	if d.cfg.SimWholeDevice {
		start = emu.begin()
	}

	d.updateLastAccess()

	sector := req.Sector
	var err error
	for _, seg := range req.Segments {
		if len(seg.Data) == 0 {
			continue
		}
		if req.Direction == DirWrite {
			err = d.writeSegment(sector, seg.Data, req.FUA)
		} else {
			err = d.readSegment(sector, seg.Data)
		}
		if err != nil {
			break
		}
		sector += uint64(len(seg.Data)) / SectorSize
	}

	if d.cfg.SimWholeDevice {
		emu.end(start, nBytes)
	}
	return err
}

// writeSegment splits one scatter-gather segment into per-physical-block
// chunks and writes each through the buffered write path (spec.md §4.5).
func (d *Device) writeSegment(sector uint64, data []byte, fua bool) error {
	remaining := data
	sec := sector
	for len(remaining) > 0 {
		pbn := sectorToPBN(sec)
		inPB := pageOffsetInPB(sec)
		n := PageSize - inPB
		if n > len(remaining) {
			n = len(remaining)
		}
		if err := d.writePBChunk(pbn, inPB, remaining[:n], fua); err != nil {
			return err
		}
		remaining = remaining[n:]
		sec += uint64(n) / SectorSize
	}
	return nil
}

// writePBChunk buffers a write covering [offset, offset+len(chunk)) of pbn,
// hydrating the slot from PM first if the chunk does not cover the whole
// block. If fua is set and the device honors FUA (cfg.HonorFUA, the fua<Y/N>
// clause), it additionally performs an unbuffered write straight to PM
// (spec.md §4.5 write_segment).
func (d *Device) writePBChunk(pbn PBN, offset int, chunk []byte, fua bool) error {
	pbi := &d.pbi[pbn]
	pbi.mu.Lock()
	buf := d.buffers.bufferFor(pbn)
	_, bbn, ok := buf.lookup(pbn)
	if !ok {
		bbn = buf.allocate(pbn)
		if len(chunk) != PageSize {
			copy(buf.slots[bbn][:], d.pmPage(pbn))
		}
	}
	copy(buf.slots[bbn][offset:offset+len(chunk)], chunk)
	buf.bbi[bbn].dirty = true
	pbi.mu.Unlock()

	if fua && d.cfg.HonorFUA {
		return d.unbufferedWrite(pbn, offset, chunk)
	}
	return nil
}

// readSegment splits one scatter-gather segment into per-physical-block
// chunks and services each from the buffer or from PM (spec.md §4.5
// read_segment).
func (d *Device) readSegment(sector uint64, data []byte) error {
	remaining := data
	sec := sector
	for len(remaining) > 0 {
		pbn := sectorToPBN(sec)
		inPB := pageOffsetInPB(sec)
		n := PageSize - inPB
		if n > len(remaining) {
			n = len(remaining)
		}
		d.readPBChunk(pbn, inPB, remaining[:n])
		remaining = remaining[n:]
		sec += uint64(n) / SectorSize
	}
	return nil
}

func (d *Device) readPBChunk(pbn PBN, offset int, dst []byte) {
	pbi := &d.pbi[pbn]
	pbi.mu.Lock()
	defer pbi.mu.Unlock()

	buf := d.buffers.bufferFor(pbn)
	if _, bbn, ok := buf.lookup(pbn); ok {
		copy(dst, buf.slots[bbn][offset:offset+len(dst)])
		return
	}

	if d.checksums != nil && !d.checksums.verify(d, pbn) {
		d.stats.recordChecksumMismatch()
		d.reportEvent("checksum_mismatch", newError(KindChecksumMismatch, "readSegment", fmt.Sprintf("pbn %d", pbn)))
	}
	d.pmReadCopy(dst, d.pmPage(pbn)[offset:offset+len(dst)])
}

// unbufferedWrite performs a protected write straight to PM, used for FUA
// double-writes (spec.md §4.5 "Unbuffered write").
func (d *Device) unbufferedWrite(pbn PBN, offset int, chunk []byte) error {
	pbi := &d.pbi[pbn]
	pbi.mu.Lock()
	defer pbi.mu.Unlock()

	var dst []byte
	d.protector.WithWriteAccess(pbn, pbn, func() {
		dst = d.pmPage(pbn)[offset : offset+len(chunk)]
		if d.cfg.SubpageUpdate {
			subpageDiffCopy(dst, chunk)
		} else {
			d.pmWriteCopy(dst, chunk)
		}
	})

	if d.cfg.WriteVerify && !d.memOps.Verify(dst, chunk) {
		err := newError(KindVerificationMismatch, "unbufferedWrite", fmt.Sprintf("pbn %d readback mismatch", pbn))
		d.FatalHandler(err)
		return err
	}
	if d.checksums != nil {
		d.checksums.updateRange(d, pbn, pbn)
	}
	return nil
}

// subpageDiffCopy copies src into dst one cacheline at a time, skipping
// cachelines that already match, to avoid dirtying cachelines the write
// did not actually change (spec.md §4.5).
func subpageDiffCopy(dst, src []byte) {
	for i := 0; i < len(dst); i += cachelineSize {
		end := i + cachelineSize
		if end > len(dst) {
			end = len(dst)
		}
		if !bytes.Equal(dst[i:end], src[i:end]) {
			copy(dst[i:end], src[i:end])
		}
	}
}

// barrier quiesces writers, drains every buffer of the device, and applies
// a cache-attribute-appropriate fence (spec.md §4.8).
func (d *Device) barrier() {
	d.barrierLock.Lock()
	defer d.barrierLock.Unlock()

	for d.inflightWrites.Load() > 0 {
		// spin: bounded by in-flight writers already past the
		// increment-barrierLock handshake in MakeRequest.
	}

	for _, b := range d.buffers.buffers {
		b.flush(b.numSlots, callerDestroyer)
	}

	d.applyBarrierFence()
}

// applyBarrierFence implements the cache-attribute table of spec.md §4.8.
// Only the write-back-without-any-store-ordering-primitive case needs a
// real fence; every other configuration already ordered its stores inline.
func (d *Device) applyBarrierFence() {
	if d.cfg.CacheAttr == CacheWriteBack && !d.cfg.NonTemporalStore && !d.cfg.CLFlush {
		d.memOps.Fence()
	}
}

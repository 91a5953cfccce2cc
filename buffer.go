// buffer.go: DRAM staging buffer — ring of slots, BBI table, allocator
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import (
	"fmt"
	"sync"
)

// BBI is the per-slot metadata the spec calls "Buffer Block Info": which
// PBN a slot holds and whether it is dirty.
type BBI struct {
	pbn   PBN
	dirty bool
}

// sortEntry pairs a buffer slot with the PBN it holds, used as flush's
// pre-allocated sort/coalesce scratch space (spec.md §4.3).
type sortEntry struct {
	bbn BBN
	pbn PBN
}

// Buffer is an owned ring of 4096-byte slots sitting in front of a slice of
// the PM region. Writes land here first; the flush engine drains dirty
// slots back into PM, sorted by PBN when write-protection is PTE-based so
// permission changes coalesce across long runs.
type Buffer struct {
	dev      *Device
	id       int
	numSlots int

	slots [][PageSize]byte
	bbi   []BBI

	posDirty int
	posClean int
	numDirty int

	bufferLock sync.Mutex
	flushLock  sync.Mutex

	sortScratch []sortEntry
	batchSize   int

	sync *syncer
}

// BufferGroup partitions PBNs across K independent buffers by
// (pbn / stride) mod K, so each PB is owned by exactly one buffer and
// disjoint buffers never contend on bufferLock/flushLock for the same PBN.
type BufferGroup struct {
	buffers []*Buffer
	stride  int
}

const bytesPerMiB = 1 << 20

func newBufferGroup(dev *Device, cfg DeviceConfig) (*BufferGroup, error) {
	bufNum := cfg.BufNum
	if bufNum <= 0 {
		bufNum = 1
	}
	stride := cfg.BufStride
	if stride <= 0 {
		stride = defaultBufStride
	}
	slotsPerBuffer := int(cfg.BufSizeMB * bytesPerMiB / PageSize)
	if slotsPerBuffer <= 0 {
		return nil, fmt.Errorf("bufsize too small: must hold at least one %d-byte page", PageSize)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	group := &BufferGroup{
		buffers: make([]*Buffer, bufNum),
		stride:  stride,
	}
	for i := 0; i < bufNum; i++ {
		b := &Buffer{
			dev:         dev,
			id:          i,
			numSlots:    slotsPerBuffer,
			slots:       make([][PageSize]byte, slotsPerBuffer),
			bbi:         make([]BBI, slotsPerBuffer),
			sortScratch: make([]sortEntry, slotsPerBuffer),
			batchSize:   batchSize,
		}
		b.sync = newSyncer(b)
		group.buffers[i] = b
	}
	for _, b := range group.buffers {
		b.sync.start()
	}
	return group, nil
}

// bufferFor returns the buffer that owns pbn.
func (g *BufferGroup) bufferFor(pbn PBN) *Buffer {
	idx := (int(pbn) / g.stride) % len(g.buffers)
	return g.buffers[idx]
}

// lookup returns the BBI slot a PBN is buffered in. The caller must already
// hold the PBI lock for pbn (spec.md §4.1).
func (b *Buffer) lookup(pbn PBN) (BBI, BBN, bool) {
	pbi := &b.dev.pbi[pbn]
	if pbi.bbn == notBuffered {
		return BBI{}, notBuffered, false
	}
	return b.bbi[pbi.bbn], pbi.bbn, true
}

// allocate obtains a free slot for pbn, foreground-flushing a batch if the
// buffer is full. The caller must hold pbi.lock for pbn for the duration of
// this call (spec.md §4.2).
func (b *Buffer) allocate(pbn PBN) BBN {
	for {
		b.bufferLock.Lock()
		if b.numDirty >= b.numSlots {
			b.bufferLock.Unlock()
			b.flush(b.batchSize, callerAllocator)
			continue
		}

		pos := b.posClean
		b.posClean = nextPos(b.posClean, b.numSlots)
		b.numDirty++
		// Mark dirty before any data is written: this is what lets the
		// flusher assume every slot in [pos_dirty, pos_clean) is dirty,
		// rather than tolerating an "allocated but still clean" window.
		b.bbi[pos].dirty = true
		b.bufferLock.Unlock()

		// Safe without bufferLock: the caller's PBI lock on pbn keeps every
		// other actor out of this PBN, and pos was just reserved for it.
		b.bbi[pos].pbn = pbn
		b.dev.pbi[pbn].bbn = BBN(pos)
		return BBN(pos)
	}
}

// stopSyncer halts this buffer's background syncer. Called once from
// Device.Close before the final synchronous drain.
func (b *Buffer) stopSyncer() {
	b.sync.stop()
}

func nextPos(pos, n int) int {
	pos++
	if pos == n {
		return 0
	}
	return pos
}

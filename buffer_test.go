// buffer_test.go: DRAM staging buffer unit tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import "testing"

func TestBuffer_AllocateThenLookup(t *testing.T) {
	cfg := smallCapacityConfig(16)
	dev := newTestDevice(t, cfg)

	pbn := PBN(3)
	pbi := &dev.pbi[pbn]
	pbi.mu.Lock()
	buf := dev.buffers.bufferFor(pbn)
	bbn := buf.allocate(pbn)
	pbi.mu.Unlock()

	if bbn == notBuffered {
		t.Fatal("allocate returned the notBuffered sentinel")
	}
	if pbi.bbn != bbn {
		t.Fatalf("pbi.bbn = %d, want %d (allocate must bind the PBI)", pbi.bbn, bbn)
	}

	got, lookedUpBBN, ok := buf.lookup(pbn)
	if !ok {
		t.Fatal("lookup reported not buffered after allocate")
	}
	if lookedUpBBN != bbn {
		t.Fatalf("lookup BBN = %d, want %d", lookedUpBBN, bbn)
	}
	if got.pbn != pbn {
		t.Fatalf("bbi.pbn = %d, want %d", got.pbn, pbn)
	}
	if !got.dirty {
		t.Fatal("bbi.dirty = false immediately after allocate, want true")
	}
}

func TestBuffer_AllocateForcesFlushWhenFull(t *testing.T) {
	cfg := smallCapacityConfig(512)
	cfg.BufSizeMB = 1 // 256 slots
	cfg.BufNum = 1
	cfg.BatchSize = 8
	dev := newTestDevice(t, cfg)
	buf := dev.buffers.buffers[0]

	// Fill every slot with a distinct PBN, leaving none clean.
	for i := 0; i < buf.numSlots; i++ {
		pbn := PBN(i)
		pbi := &dev.pbi[pbn]
		pbi.mu.Lock()
		buf.allocate(pbn)
		pbi.mu.Unlock()
	}

	buf.bufferLock.Lock()
	full := buf.numDirty == buf.numSlots
	buf.bufferLock.Unlock()
	if !full {
		t.Fatal("expected the buffer to be completely full")
	}

	// One more allocate must trigger a foreground flush to make room.
	pbn := PBN(buf.numSlots)
	pbi := &dev.pbi[pbn]
	pbi.mu.Lock()
	bbn := buf.allocate(pbn)
	pbi.mu.Unlock()

	if bbn == notBuffered {
		t.Fatal("allocate returned the notBuffered sentinel after forced flush")
	}
	buf.bufferLock.Lock()
	dirty := buf.numDirty
	buf.bufferLock.Unlock()
	if dirty >= buf.numSlots {
		t.Fatalf("numDirty = %d after forced flush, want < %d", dirty, buf.numSlots)
	}
}

func TestBufferGroup_PartitionsDisjointly(t *testing.T) {
	cfg := smallCapacityConfig(4096)
	cfg.BufNum = 4
	cfg.BufStride = 16
	dev := newTestDevice(t, cfg)

	seen := make(map[int]int)
	for pbn := PBN(0); pbn < 256; pbn++ {
		idx := (int(pbn) / cfg.BufStride) % cfg.BufNum
		b := dev.buffers.bufferFor(pbn)
		if b != dev.buffers.buffers[idx] {
			t.Fatalf("pbn %d routed to buffer %p, want buffer index %d", pbn, b, idx)
		}
		seen[idx]++
	}
	if len(seen) != cfg.BufNum {
		t.Fatalf("only %d of %d buffers were ever selected", len(seen), cfg.BufNum)
	}
}

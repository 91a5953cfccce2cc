// flush_test.go: flush engine sort/coalesce/protect tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import (
	"bytes"
	"testing"
)

func TestFlush_CleansContiguousRunAndClearsBinding(t *testing.T) {
	cfg := smallCapacityConfig(16)
	cfg.WriteProtect = true
	cfg.Checksum = true
	dev := newTestDevice(t, cfg)
	buf := dev.buffers.buffers[0]

	want := make(map[PBN][]byte)
	for _, pbn := range []PBN{0, 1, 2, 5} {
		data := fill(byte(pbn) + 1)
		want[pbn] = data
		if err := dev.MakeRequest(Request{Sector: uint64(pbn) * SectorsPerPage, Direction: DirWrite, Segments: []Segment{{Data: data}}}); err != nil {
			t.Fatalf("write pbn %d failed: %v", pbn, err)
		}
	}

	n := buf.flush(buf.numSlots, callerSyncer)
	if n != len(want) {
		t.Fatalf("flush cleaned %d slots, want %d", n, len(want))
	}

	for pbn, data := range want {
		if !bytes.Equal(dev.pmPage(pbn), data) {
			t.Errorf("pbn %d: PM contents mismatch after flush", pbn)
		}
		if dev.pbi[pbn].bbn != notBuffered {
			t.Errorf("pbi[%d].bbn = %d after flush, want notBuffered", pbn, dev.pbi[pbn].bbn)
		}
		if !dev.checksums.verify(dev, pbn) {
			t.Errorf("pbn %d: checksum verify failed after flush", pbn)
		}
	}

	buf.bufferLock.Lock()
	dirty := buf.numDirty
	buf.bufferLock.Unlock()
	if dirty != 0 {
		t.Fatalf("numDirty = %d after full flush, want 0", dirty)
	}
}

func TestFlush_NoOpOnEmptyBuffer(t *testing.T) {
	cfg := smallCapacityConfig(16)
	dev := newTestDevice(t, cfg)
	buf := dev.buffers.buffers[0]

	if n := buf.flush(buf.batchSize, callerAllocator); n != 0 {
		t.Fatalf("flush on an empty buffer cleaned %d, want 0", n)
	}
}

func TestFlush_BudgetClampedToNumDirty(t *testing.T) {
	cfg := smallCapacityConfig(16)
	dev := newTestDevice(t, cfg)
	buf := dev.buffers.buffers[0]

	data := fill(0x01)
	if err := dev.MakeRequest(Request{Sector: 0, Direction: DirWrite, Segments: []Segment{{Data: data}}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	n := buf.flush(1000, callerSyncer)
	if n != 1 {
		t.Fatalf("flush with an oversized budget cleaned %d, want 1", n)
	}
}

// flush.go: the flush engine — sort, coalesce, protect, copy, verify, checksum
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import (
	"fmt"
	"sort"
)

// callerKind identifies who triggered a flush, for stats/diagnostics —
// spec.md §4.2/§4.6/§4.8 name three callers.
type callerKind int

const (
	callerAllocator callerKind = iota
	callerSyncer
	callerDestroyer
)

// flush drains up to budget dirty slots back into PM and returns the number
// actually cleaned. It is safe to call concurrently with allocate and with
// other flush callers on other buffers, but at most one flush runs on this
// buffer at a time (flushLock). See spec.md §4.3.
func (b *Buffer) flush(budget int, caller callerKind) int {
	b.flushLock.Lock()
	defer b.flushLock.Unlock()

	b.bufferLock.Lock()
	if budget > b.numDirty {
		budget = b.numDirty
	}
	if b.numDirty == 0 || budget == 0 {
		b.bufferLock.Unlock()
		return 0
	}

	entries := b.sortScratch[:budget]
	pos := b.posDirty
	for i := 0; i < budget; i++ {
		slot := (pos + i) % b.numSlots
		entries[i] = sortEntry{bbn: BBN(slot), pbn: b.bbi[slot].pbn}
	}
	b.bufferLock.Unlock()

	// PTE mode turns random dirty-slot order into maximal contiguous PBN
	// runs, so permission changes and TLB shootdowns amortize across many
	// pages. Bypass mode has no per-page permission cost to amortize, so
	// sorting is skipped entirely.
	if b.dev.protector.RequiresSort() {
		sort.Slice(entries, func(i, j int) bool { return entries[i].pbn < entries[j].pbn })
	}

	cleaned := 0
	for i := 0; i < len(entries); {
		j := i + 1
		for j < len(entries) && entries[j].pbn == entries[j-1].pbn+1 {
			j++
		}
		b.flushRange(entries[i:j])
		cleaned += j - i
		i = j
	}

	b.bufferLock.Lock()
	b.posDirty = (b.posDirty + cleaned) % b.numSlots
	b.numDirty -= cleaned
	b.bufferLock.Unlock()

	b.dev.stats.recordFlush(caller, cleaned)
	return cleaned
}

// flushRange drains one maximal run of consecutive PBNs. Every PBN in run
// is, by the caller's contract, currently buffered and owned by this
// buffer (spec.md §4.3).
func (b *Buffer) flushRange(run []sortEntry) {
	dev := b.dev
	first, last := run[0].pbn, run[len(run)-1].pbn

	locked := make([]*PBI, 0, len(run))
	dev.protector.WithWriteAccess(first, last, func() {
		for _, e := range run {
			pbi := &dev.pbi[e.pbn]
			pbi.mu.Lock()
			locked = append(locked, pbi)
			if pbi.bbn == e.bbn && b.bbi[e.bbn].dirty {
				dev.pmWriteCopy(dev.pmPage(e.pbn), b.slots[e.bbn][:])
				b.bbi[e.bbn].dirty = false
			}
		}
	})

	if dev.checksums != nil {
		dev.checksums.updateRange(dev, first, last)
	}

	// Second pass, still holding every PBI lock acquired above: verify,
	// clear the PBI<->BBI binding, then release.
	for i, e := range run {
		pbi := locked[i]
		if dev.cfg.WriteVerify {
			if !dev.memOps.Verify(dev.pmPage(e.pbn), b.slots[e.bbn][:]) {
				pbi.mu.Unlock()
				dev.FatalHandler(newError(KindVerificationMismatch, "flushRange",
					fmt.Sprintf("pbn %d readback mismatch", e.pbn)))
				continue
			}
		}
		pbi.bbn = notBuffered
		pbi.mu.Unlock()
	}
}

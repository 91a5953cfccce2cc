// protect.go: write-protection mode switch and the arch-specific memory
// operations the core depends on only through an interface (spec.md §9).
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

// WriteProtector abstracts the two write-protection strategies spec.md §4.4
// describes: PTE mode flips page-table permissions around each protected
// window; bypass mode leaves pages read-only and instead disables
// processor-level write-protection enforcement for the window. Both present
// the same API to the flush engine and the unbuffered writer.
type WriteProtector interface {
	// ProtectsAtRest reports whether PM pages are marked read-only between
	// protected windows (true for both PTE and bypass mode; false when
	// write-protection is disabled entirely).
	ProtectsAtRest() bool

	// RequiresSort reports whether the flush engine should sort a dirty
	// snapshot by PBN before flushing, to coalesce permission changes
	// across contiguous runs. True for PTE mode only.
	RequiresSort() bool

	// Protect and Unprotect mark [first, last] of the PM region read-only
	// or writable. NewDevice and Close call them over the whole region
	// when ProtectsAtRest is true, and PTE mode's WithWriteAccess brackets
	// each window with them. Every implementation here is a no-op.
	Protect(first, last PBN)
	Unprotect(first, last PBN)

	// WithWriteAccess runs fn with write access enabled for [first, last].
	// PTE mode brackets fn with Unprotect/Protect; bypass mode disables
	// processor-level write-protect and interrupts around fn without
	// touching any page table entry.
	WithWriteAccess(first, last PBN, fn func())
}

// pteProtector implements PTE-mode write protection: pages are read-only at
// rest, and a protected window temporarily flips the covered range
// writable. There is no real MMU underneath this software emulation, so
// Protect/Unprotect only need to preserve the bookkeeping the rest of the
// device depends on (RequiresSort, ProtectsAtRest); the actual permission
// bits are not independently enforced in portable Go.
type pteProtector struct {
	dev *Device
}

func newPTEProtector(dev *Device) *pteProtector {
	return &pteProtector{dev: dev}
}

func (p *pteProtector) ProtectsAtRest() bool { return true }
func (p *pteProtector) RequiresSort() bool   { return true }

func (p *pteProtector) Protect(first, last PBN)   {}
func (p *pteProtector) Unprotect(first, last PBN) {}

func (p *pteProtector) WithWriteAccess(first, last PBN, fn func()) {
	p.Unprotect(first, last)
	fn()
	p.Protect(first, last)
}

// bypassProtector implements supervisor-bypass mode: pages stay marked
// read-only at rest, but a protected window disables processor-level
// write-protect enforcement (and interrupts, on real hardware) instead of
// touching the page tables. It needs no sort, since there is no per-page
// cost to amortize. Incompatible with private mapping — NewDevice rejects
// that combination before a protector is ever constructed.
type bypassProtector struct {
	dev *Device
}

func newBypassProtector(dev *Device) *bypassProtector {
	return &bypassProtector{dev: dev}
}

func (p *bypassProtector) ProtectsAtRest() bool { return true }
func (p *bypassProtector) RequiresSort() bool   { return false }

func (p *bypassProtector) Protect(first, last PBN)   {}
func (p *bypassProtector) Unprotect(first, last PBN) {}

func (p *bypassProtector) WithWriteAccess(first, last PBN, fn func()) {
	// On real hardware this clears CR0.WP and disables local interrupts
	// for the duration of fn. Neither primitive exists in portable Go;
	// fn runs under the PBI locks the caller already holds, which is the
	// only serialization this software emulation can offer.
	fn()
}

// MemoryOps abstracts the arch-specific copy and fence primitives the
// original driver hand-rolls per architecture: non-temporal stores/loads,
// cacheline flush, mfence/sfence. The core depends only on this interface
// (spec.md §9 Redesign Flags).
type MemoryOps interface {
	// Copy moves a page's worth of bytes from src into dst, honoring the
	// configured non-temporal-store/cacheline-flush policy.
	Copy(dst, src []byte)
	// Verify re-reads dst and reports whether it matches src, for
	// write-verification.
	Verify(dst, src []byte) bool
	// Fence applies whatever store fence the device's cache-attribute
	// configuration requires when none is already implicit in Copy.
	Fence()
}

// portableMemoryOps is the only MemoryOps implementation this module
// ships: plain Go copy and byte comparison. Non-temporal stores, explicit
// cacheline flush and mfence/sfence have no portable Go equivalent without
// cgo or architecture-specific assembly, which is out of scope (spec.md
// Non-goals); Go's memory model already makes a copy visible to any
// goroutine that later acquires the same mutex, which is the only
// visibility guarantee this software emulation can make.
type portableMemoryOps struct {
	cfg DeviceConfig
}

func newPortableMemoryOps(cfg DeviceConfig) *portableMemoryOps {
	return &portableMemoryOps{cfg: cfg}
}

func (m *portableMemoryOps) Copy(dst, src []byte) {
	copy(dst, src)
}

func (m *portableMemoryOps) Verify(dst, src []byte) bool {
	if len(dst) != len(src) {
		return false
	}
	for i := range dst {
		if dst[i] != src[i] {
			return false
		}
	}
	return true
}

func (m *portableMemoryOps) Fence() {}

// noProtector is used when write-protection is disabled entirely
// (DeviceConfig.WriteProtect == false): PM pages are never read-only, so
// there is nothing to lift around a protected window.
type noProtector struct{}

func newNoProtector() *noProtector { return &noProtector{} }

func (p *noProtector) ProtectsAtRest() bool      { return false }
func (p *noProtector) RequiresSort() bool        { return false }
func (p *noProtector) Protect(first, last PBN)   {}
func (p *noProtector) Unprotect(first, last PBN) {}
func (p *noProtector) WithWriteAccess(first, last PBN, fn func()) {
	fn()
}

package vmm

import (
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/pmm"
	"sync/atomic"
)

// ptePhysPageMask extracts the physical memory address pointed to by a page
// table entry. Bits 12-51 contain the physical memory address.
const ptePhysPageMask = uint64(0x000ffffffffff000)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when the entry maps a 2M or 1G page instead of
	// pointing to a lower level table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// cpuManagedFlags are updated by the MMU and ignored when comparing mappings.
const cpuManagedFlags = FlagAccessed | FlagDirty

// PageTableEntry describes a page table entry. These entries encode a
// physical frame address and a set of flags.
type PageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// Flags returns the flag bits of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) &^ ptePhysPageMask)
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = PageTableEntry(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = PageTableEntry(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uint64(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *PageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = PageTableEntry((uint64(*pte) &^ ptePhysPageMask) | (uint64(frame.Address()) & ptePhysPageMask))
}

// Load atomically reads the entry.
func (pte *PageTableEntry) Load() PageTableEntry {
	return PageTableEntry(atomic.LoadUint64((*uint64)(pte)))
}

// Store atomically replaces the entry.
func (pte *PageTableEntry) Store(val PageTableEntry) {
	atomic.StoreUint64((*uint64)(pte), uint64(val))
}

// CompareAndSwap atomically replaces the entry with val if it still holds old.
func (pte *PageTableEntry) CompareAndSwap(old, val PageTableEntry) bool {
	return atomic.CompareAndSwapUint64((*uint64)(pte), uint64(old), uint64(val))
}

// makeEntry returns an entry that points to frame with the supplied flags.
func makeEntry(frame pmm.Frame, flags PageTableEntryFlag) PageTableEntry {
	var pte PageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	return pte
}

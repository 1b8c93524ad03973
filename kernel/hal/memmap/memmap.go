// Package memmap describes the physical memory layout reported by the boot
// firmware.
package memmap

import (
	"bootcore/kernel/kfmt"
	"bootcore/kernel/mem"
	"slices"
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// End returns the address of the first byte after the region.
func (e *MemoryMapEntry) End() uint64 {
	return e.PhysAddress + e.Length
}

// PageRange returns the page-aligned sub-range [start, end) that is fully
// contained in the region. Reported addresses may not be page-aligned so the
// start is rounded up and the end is rounded down.
func (e *MemoryMapEntry) PageRange() (start, end uint64) {
	start = mem.AlignUp(e.PhysAddress, uint64(mem.PageSize))
	end = mem.AlignDown(e.End(), uint64(mem.PageSize))
	if end < start {
		end = start
	}
	return start, end
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region. The visitor must return true to
// continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// Map is the system memory map as reported by the boot firmware.
type Map []MemoryMapEntry

// VisitMemRegions invokes the supplied visitor for each region in the map.
// Entries with an unknown type are reported as MemReserved. The visitor
// receives a copy of each entry.
func (m Map) VisitMemRegions(visitor MemRegionVisitor) {
	for _, entry := range m {
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// TotalMemory returns the address of the first byte after the highest
// available region. Frames at or above this address are never tracked.
func (m Map) TotalMemory() uint64 {
	var total uint64
	m.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if _, end := entry.PageRange(); entry.Type == MemAvailable && end > total {
			total = end
		}
		return true
	})
	return total
}

// AvailableMemory returns the sum of the lengths of all available regions.
func (m Map) AvailableMemory() mem.Size {
	var avail mem.Size
	m.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Type == MemAvailable {
			avail += mem.Size(entry.Length)
		}
		return true
	})
	return avail
}

// AvailableRanges returns the page-aligned available ranges sorted by
// address with overlapping or adjacent ranges merged.
func (m Map) AvailableRanges() [][2]uint64 {
	var ranges [][2]uint64
	m.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if start, end := entry.PageRange(); entry.Type == MemAvailable && end > start {
			ranges = append(ranges, [2]uint64{start, end})
		}
		return true
	})

	slices.SortFunc(ranges, func(a, b [2]uint64) int {
		switch {
		case a[0] < b[0]:
			return -1
		case a[0] > b[0]:
			return 1
		default:
			return 0
		}
	})

	merged := ranges[:0]
	for _, r := range ranges {
		if last := len(merged) - 1; last >= 0 && r[0] <= merged[last][1] {
			merged[last][1] = max(merged[last][1], r[1])
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// VisitHoles invokes visitor for every page-aligned range [start, end) below
// limit that is not covered by an available region. The visitor must return
// true to continue or false to abort the scan.
func (m Map) VisitHoles(limit uint64, visitor func(start, end uint64) bool) {
	var cur uint64
	for _, r := range m.AvailableRanges() {
		if cur >= limit {
			return
		}

		if r[0] > cur && !visitor(cur, min(r[0], limit)) {
			return
		}
		cur = max(cur, r[1])
	}

	if cur < limit {
		visitor(cur, limit)
	}
}

// Print logs the memory map.
func (m Map) Print() {
	kfmt.Printf("[memmap] system memory map:\n")
	m.VisitMemRegions(func(region *MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.End(), region.Length, region.Type.String())
		return true
	})
	kfmt.Printf("[memmap] available memory: %dKb\n", uint64(m.AvailableMemory()/mem.Kb))
}

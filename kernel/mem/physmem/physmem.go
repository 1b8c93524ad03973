// Package physmem provides access to identity-mapped physical memory. All
// code that needs to read or write the contents of a physical frame (page
// tables, allocator bitmaps, loaded images) goes through a Window instead of
// casting physical addresses to pointers.
package physmem

import (
	"bootcore/kernel"
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/pmm"
	"unsafe"
)

var (
	errOutOfWindow      = &kernel.Error{Module: "physmem", Message: "physical address range is not covered by the memory window"}
	errUnalignedRegion  = &kernel.Error{Module: "physmem", Message: "memory region base and size must be page-aligned"}
	errUnalignedBacking = &kernel.Error{Module: "physmem", Message: "memory region backing store must be 8-byte aligned"}
)

// Window is a capability for accessing physical memory. Implementations
// return byte views that alias the underlying memory so writes are visible
// to any other view of the same frame.
type Window interface {
	// FrameSlice returns a PageSize-long view of the supplied frame.
	FrameSlice(frame pmm.Frame) ([]byte, *kernel.Error)

	// Slice returns a view of size bytes starting at physAddr.
	Slice(physAddr uintptr, size mem.Size) ([]byte, *kernel.Error)
}

// Region is a Window over a contiguous block of memory that is identity
// mapped at a known physical base address.
type Region struct {
	base uintptr
	data []byte
}

// NewRegion creates a Region that exposes data as the physical memory range
// [base, base+len(data)).
func NewRegion(base uintptr, data []byte) (*Region, *kernel.Error) {
	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	if base&pageSizeMinus1 != 0 || uintptr(len(data))&pageSizeMinus1 != 0 {
		return nil, errUnalignedRegion
	}

	if len(data) != 0 && uintptr(unsafe.Pointer(&data[0]))&7 != 0 {
		return nil, errUnalignedBacking
	}

	return &Region{base: base, data: data}, nil
}

// Base returns the physical address of the first byte in the region.
func (r *Region) Base() uintptr {
	return r.base
}

// Size returns the region size in bytes.
func (r *Region) Size() mem.Size {
	return mem.Size(len(r.data))
}

// Slice implements Window.
func (r *Region) Slice(physAddr uintptr, size mem.Size) ([]byte, *kernel.Error) {
	if physAddr < r.base {
		return nil, errOutOfWindow
	}

	offset := uint64(physAddr - r.base)
	if offset > uint64(len(r.data)) || uint64(size) > uint64(len(r.data))-offset {
		return nil, errOutOfWindow
	}

	return r.data[offset : offset+uint64(size) : offset+uint64(size)], nil
}

// FrameSlice implements Window.
func (r *Region) FrameSlice(frame pmm.Frame) ([]byte, *kernel.Error) {
	if !frame.Valid() {
		return nil, errOutOfWindow
	}

	return r.Slice(frame.Address(), mem.PageSize)
}

// Words overlays a uint64 slice on top of a page-sized view returned by a
// Window. Page tables and allocator bitmaps use this to access their entries
// with atomic operations.
func Words(page []byte) []uint64 {
	if len(page) < 8 {
		return nil
	}

	return unsafe.Slice((*uint64)(unsafe.Pointer(&page[0])), len(page)>>mem.PointerShift)
}

// Package mem contains the memory size primitives shared by the physical and
// virtual memory managers.
package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	return AlignUp(uint64(s), uint64(PageSize)) >> PageShift
}

// AlignDown rounds addr down to the nearest multiple of align. Align must be
// a power of two.
func AlignDown(addr, align uint64) uint64 {
	return addr &^ (align - 1)
}

// AlignUp rounds addr up to the nearest multiple of align. Align must be a
// power of two.
func AlignUp(addr, align uint64) uint64 {
	return (addr + align - 1) &^ (align - 1)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

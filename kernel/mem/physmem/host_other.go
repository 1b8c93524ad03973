//go:build !linux

package physmem

import "bootcore/kernel/mem"

// HostRegion is a Region backed by host memory. On hosts without anonymous
// mmap support the backing store is a regular Go allocation.
type HostRegion struct {
	Region
}

// MapHost allocates size bytes of host memory and exposes them as the
// physical range [base, base+size).
func MapHost(base uintptr, size mem.Size) (*HostRegion, error) {
	size = mem.Size(mem.AlignUp(uint64(size), uint64(mem.PageSize)))
	region, err := NewRegion(base, make([]byte, size))
	if err != nil {
		return nil, err
	}

	return &HostRegion{Region: *region}, nil
}

// Close releases the backing store.
func (r *HostRegion) Close() error {
	r.data = nil
	return nil
}

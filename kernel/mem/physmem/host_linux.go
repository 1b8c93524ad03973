package physmem

import (
	"bootcore/kernel/mem"

	"golang.org/x/sys/unix"
)

// HostRegion is a Region backed by an anonymous mapping in the host process.
// It is used to emulate the machine's physical memory when running outside
// of the boot environment.
type HostRegion struct {
	Region
}

// MapHost reserves size bytes of anonymous host memory and exposes them as
// the physical range [base, base+size). The mapping is lazily committed by
// the host kernel so large sizes are cheap until touched.
func MapHost(base uintptr, size mem.Size) (*HostRegion, error) {
	size = mem.Size(mem.AlignUp(uint64(size), uint64(mem.PageSize)))
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, err
	}

	region, kErr := NewRegion(base, data)
	if kErr != nil {
		_ = unix.Munmap(data)
		return nil, kErr
	}

	return &HostRegion{Region: *region}, nil
}

// Close releases the host mapping. The region must not be used afterwards.
func (r *HostRegion) Close() error {
	if r.data == nil {
		return nil
	}

	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

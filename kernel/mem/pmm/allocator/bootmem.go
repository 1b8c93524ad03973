package allocator

import (
	"bootcore/kernel"
	"bootcore/kernel/hal/memmap"
	"bootcore/kernel/kfmt"
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/pmm"
)

var (
	// ErrBootAllocOutOfMemory is returned by the boot memory allocator
	// when no run of the requested length is available.
	ErrBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

	errBootAllocZeroPages = &kernel.Error{Module: "boot_mem_alloc", Message: "page count must be greater than zero"}
)

// frameRun describes count contiguous frames starting at base.
type frameRun struct {
	base  pmm.Frame
	count uint64
}

func (r frameRun) end() pmm.Frame {
	return r.base + pmm.Frame(r.count)
}

// BootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the frame allocator and stage loaded images.
//
// The allocator uses the memory map provided by the firmware to detect free
// memory blocks and hands out runs of contiguous frames from the lowest
// available address upwards. Frames occupied by the boot stub image are
// excluded. Freed runs are kept in a free list and reused before any new
// frames are handed out.
type BootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// nextFrame is the lowest frame that has never been handed out.
	nextFrame pmm.Frame

	// regions holds the available frame ranges in address order.
	regions []frameRun

	freeList []frameRun
	grants   []frameRun

	// Keep track of the boot stub image location so we exclude this region.
	reservedStartAddr, reservedEndAddr uintptr
	reservedStart, reservedEnd         pmm.Frame

	memMap memmap.Map

	// InUseFn, if set, reports frames that are owned by another allocator
	// and must be skipped.
	InUseFn func(pmm.Frame) bool
}

// NewBootMemAllocator returns a boot memory allocator for the supplied memory
// map. The physical range [reservedStart, reservedEnd) is never handed out.
func NewBootMemAllocator(memMap memmap.Map, reservedStart, reservedEnd uintptr) *BootMemAllocator {
	// round down reserved start to the nearest page and round up reserved
	// end to the nearest page.
	alloc := &BootMemAllocator{
		memMap:            memMap,
		reservedStartAddr: reservedStart,
		reservedEndAddr:   reservedEnd,
		reservedStart:     pmm.FrameFromAddress(reservedStart),
		reservedEnd:       pmm.Frame(mem.AlignUp(uint64(reservedEnd), uint64(mem.PageSize)) >> mem.PageShift),
	}

	for _, r := range memMap.AvailableRanges() {
		alloc.regions = append(alloc.regions, frameRun{
			base:  pmm.Frame(r[0] >> mem.PageShift),
			count: (r[1] - r[0]) >> mem.PageShift,
		})
	}

	return alloc
}

// AllocFrame reserves a single frame.
func (alloc *BootMemAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	return alloc.AllocPages(1)
}

// AllocPages reserves a run of count contiguous frames inside a single
// available region and returns the first frame of the run.
func (alloc *BootMemAllocator) AllocPages(count uint64) (pmm.Frame, *kernel.Error) {
	if count == 0 {
		return pmm.InvalidFrame, errBootAllocZeroPages
	}

	base, ok := alloc.allocFromFreeList(count)
	if !ok {
		if base, ok = alloc.allocFromRegions(count); !ok {
			return pmm.InvalidFrame, ErrBootAllocOutOfMemory
		}
	}

	alloc.allocCount += count
	alloc.grants = append(alloc.grants, frameRun{base, count})
	return base, nil
}

// FreePages returns a run obtained via AllocPages to the allocator. Runs that
// were not handed out by this allocator are ignored.
func (alloc *BootMemAllocator) FreePages(base pmm.Frame, count uint64) {
	if count == 0 {
		return
	}

	freed := frameRun{base, count}
	for i, grant := range alloc.grants {
		if freed.base < grant.base || freed.end() > grant.end() {
			continue
		}

		// Split the grant around the freed run.
		alloc.grants = append(alloc.grants[:i], alloc.grants[i+1:]...)
		if freed.base > grant.base {
			alloc.grants = append(alloc.grants, frameRun{grant.base, uint64(freed.base - grant.base)})
		}
		if freed.end() < grant.end() {
			alloc.grants = append(alloc.grants, frameRun{freed.end(), uint64(grant.end() - freed.end())})
		}

		alloc.freeList = append(alloc.freeList, freed)
		alloc.allocCount -= count
		return
	}

	kfmt.Printf("[boot_mem_alloc] ignoring free of unknown run 0x%x (%d pages)\n", base.Address(), count)
}

// VisitAllocations invokes visitor for every outstanding run. The visitor
// must return true to continue or false to abort the scan.
func (alloc *BootMemAllocator) VisitAllocations(visitor func(base pmm.Frame, count uint64) bool) {
	for _, grant := range alloc.grants {
		if !visitor(grant.base, grant.count) {
			return
		}
	}
}

// AllocCount returns the number of frames currently handed out.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

func (alloc *BootMemAllocator) allocFromFreeList(count uint64) (pmm.Frame, bool) {
	for i, run := range alloc.freeList {
		if base, ok := alloc.findRun(run, count); ok {
			alloc.freeList = append(alloc.freeList[:i], alloc.freeList[i+1:]...)
			if base > run.base {
				alloc.freeList = append(alloc.freeList, frameRun{run.base, uint64(base - run.base)})
			}
			if tail := (frameRun{base, count}).end(); tail < run.end() {
				alloc.freeList = append(alloc.freeList, frameRun{tail, uint64(run.end() - tail)})
			}
			return base, true
		}
	}

	return pmm.InvalidFrame, false
}

func (alloc *BootMemAllocator) allocFromRegions(count uint64) (pmm.Frame, bool) {
	for _, region := range alloc.regions {
		// Skip over already allocated regions
		if alloc.nextFrame >= region.end() {
			continue
		}

		if alloc.nextFrame > region.base {
			region = frameRun{alloc.nextFrame, uint64(region.end() - alloc.nextFrame)}
		}

		if base, ok := alloc.findRun(region, count); ok {
			alloc.nextFrame = base + pmm.Frame(count)
			return base, true
		}
	}

	return pmm.InvalidFrame, false
}

// findRun returns the lowest frame in window that starts a run of count
// frames that are neither reserved nor reported in use.
func (alloc *BootMemAllocator) findRun(window frameRun, count uint64) (pmm.Frame, bool) {
	var (
		runStart = window.base
		runLen   uint64
	)

	for frame := window.base; frame < window.end(); frame++ {
		if frame >= alloc.reservedStart && frame < alloc.reservedEnd {
			frame = alloc.reservedEnd - 1
			runStart, runLen = alloc.reservedEnd, 0
			continue
		}

		if alloc.InUseFn != nil && alloc.InUseFn(frame) {
			runStart, runLen = frame+1, 0
			continue
		}

		if runLen++; runLen == count {
			return runStart, true
		}
	}

	return pmm.InvalidFrame, false
}

// PrintMemoryMap prints out the system's memory map and the location of the
// reserved boot stub image.
func (alloc *BootMemAllocator) PrintMemoryMap() {
	alloc.memMap.Print()
	kfmt.Printf("[boot_mem_alloc] boot image loaded at 0x%x - 0x%x\n", alloc.reservedStartAddr, alloc.reservedEndAddr)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.reservedEndAddr-alloc.reservedStartAddr),
		uint64(alloc.reservedEnd-alloc.reservedStart),
	)
}

package vmm

import (
	"testing"

	"bootcore/kernel"
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/physmem"
	"bootcore/kernel/mem/pmm"
)

var errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames"}

// testFrameAllocator hands out consecutive frames and records every call.
type testFrameAllocator struct {
	next, limit pmm.Frame
	allocs      []pmm.Frame
	freed       []pmm.Frame

	// onAlloc, if set, is invoked after each successful allocation.
	onAlloc func(pmm.Frame)
}

func (a *testFrameAllocator) alloc() (pmm.Frame, *kernel.Error) {
	if a.next >= a.limit {
		return pmm.InvalidFrame, errTestOutOfFrames
	}

	frame := a.next
	a.next++
	a.allocs = append(a.allocs, frame)

	if a.onAlloc != nil {
		a.onAlloc(frame)
	}
	return frame, nil
}

func (a *testFrameAllocator) free(frame pmm.Frame) *kernel.Error {
	a.freed = append(a.freed, frame)
	return nil
}

// testMemory returns a window over pages frames of zeroed memory starting at
// physical address 0. Every byte is set to junk so tests can verify that new
// tables get cleared.
func testMemory(t *testing.T, pages int) *physmem.Region {
	t.Helper()

	backing := make([]byte, pages*int(mem.PageSize))
	for i := range backing {
		backing[i] = 0xf0
	}

	region, err := physmem.NewRegion(0, backing)
	if err != nil {
		t.Fatal(err)
	}
	return region
}

// zeroFrame clears a frame so it can be used as an empty root table.
func zeroFrame(t *testing.T, window physmem.Window, frame pmm.Frame) {
	t.Helper()

	page, err := window.FrameSlice(frame)
	if err != nil {
		t.Fatal(err)
	}
	mem.Memset(page, 0)
}

// tableEntry returns a copy of entry index of the table stored in frame.
func tableEntry(t *testing.T, window physmem.Window, frame pmm.Frame, index uint) PageTableEntry {
	t.Helper()

	table, err := tableAt(window, frame)
	if err != nil {
		t.Fatal(err)
	}
	return table[index].Load()
}

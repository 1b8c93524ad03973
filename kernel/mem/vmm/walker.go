package vmm

import (
	"bootcore/kernel"
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/physmem"
	"bootcore/kernel/mem/pmm"
	"unsafe"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errWalkPastLeaf      = &kernel.Error{Module: "vmm", Message: "cannot descend below a leaf table"}
	errNoFrameAllocator  = &kernel.Error{Module: "vmm", Message: "a frame allocator is required to create page tables"}
	errInvalidLevel      = &kernel.Error{Module: "vmm", Message: "invalid page table level"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// FrameFreeFn is a function that returns a frame to its allocator.
type FrameFreeFn func(pmm.Frame) *kernel.Error

// pageTable is a view of the entries stored in a page table frame.
type pageTable [entriesPerTable]PageTableEntry

// tableAt returns the page table stored in frame.
func tableAt(window physmem.Window, frame pmm.Frame) (*pageTable, *kernel.Error) {
	page, err := window.FrameSlice(frame)
	if err != nil {
		return nil, err
	}
	return (*pageTable)(unsafe.Pointer(&page[0])), nil
}

// PageWalker is a cursor positioned at a page table of a known level. It
// resolves virtual addresses by descending from its table towards the leaf
// level. PageWalker values are cheap to copy.
type PageWalker struct {
	mem     physmem.Window
	table   pmm.Frame
	level   Level
	allocFn FrameAllocatorFn
	freeFn  FrameFreeFn
}

// NewPageWalker returns a walker positioned at the table stored in frame.
// allocFn is used by CreateLeaf to obtain frames for missing tables; freeFn,
// if not nil, receives frames that turned out not to be needed.
func NewPageWalker(window physmem.Window, table pmm.Frame, level Level, allocFn FrameAllocatorFn, freeFn FrameFreeFn) PageWalker {
	return PageWalker{
		mem:     window,
		table:   table,
		level:   level,
		allocFn: allocFn,
		freeFn:  freeFn,
	}
}

// Level returns the level of the table the walker is positioned at.
func (w PageWalker) Level() Level {
	return w.level
}

// Table returns the frame that holds the walker's table.
func (w PageWalker) Table() pmm.Frame {
	return w.table
}

// entry returns the entry that covers virtAddr in the walker's table.
func (w PageWalker) entry(virtAddr uintptr) (*PageTableEntry, *kernel.Error) {
	if !w.level.Valid() {
		return nil, errInvalidLevel
	}

	table, err := tableAt(w.mem, w.table)
	if err != nil {
		return nil, err
	}
	return &table[w.level.Index(virtAddr)], nil
}

// Down returns a walker positioned at the table one level below, following
// the entry that covers virtAddr. It returns ErrInvalidMapping if that entry
// is not present.
func (w PageWalker) Down(virtAddr uintptr) (PageWalker, *kernel.Error) {
	if !w.level.Valid() {
		return w, errInvalidLevel
	}

	next, ok := w.level.Down()
	if !ok {
		return w, errWalkPastLeaf
	}

	pte, err := w.entry(virtAddr)
	if err != nil {
		return w, err
	}

	entry := pte.Load()
	switch {
	case !entry.HasFlags(FlagPresent):
		return w, ErrInvalidMapping
	case entry.HasFlags(FlagHugePage):
		return w, errNoHugePageSupport
	}

	w.table, w.level = entry.Frame(), next
	return w, nil
}

// GetLeaf descends to the leaf table without allocating and returns the leaf
// entry for virtAddr. If a table along the way is missing, it returns
// ErrInvalidMapping together with the level whose entry was not present.
func (w PageWalker) GetLeaf(virtAddr uintptr) (*PageTableEntry, Level, *kernel.Error) {
	var err *kernel.Error
	for !w.level.IsLeaf() {
		level := w.level
		if w, err = w.Down(virtAddr); err != nil {
			return nil, level, err
		}
	}

	pte, err := w.entry(virtAddr)
	return pte, Level1, err
}

// CreateLeaf behaves like GetLeaf but allocates, zeroes and installs any
// missing tables along the way. New tables are published with a single
// compare-and-swap; if another walker installed a table first, the freshly
// allocated frame is released and the existing table is followed. When an
// allocation fails, CreateLeaf returns the error and the level whose entry
// could not be populated. Tables that were created before the failure are
// left in place.
func (w PageWalker) CreateLeaf(virtAddr uintptr) (*PageTableEntry, Level, *kernel.Error) {
	for !w.level.IsLeaf() {
		level := w.level

		pte, err := w.entry(virtAddr)
		if err != nil {
			return nil, level, err
		}

		if entry := pte.Load(); !entry.HasFlags(FlagPresent) {
			if err = w.installTable(pte, entry); err != nil {
				return nil, level, err
			}
		}

		if w, err = w.Down(virtAddr); err != nil {
			return nil, level, err
		}
	}

	pte, err := w.entry(virtAddr)
	return pte, Level1, err
}

// installTable allocates a zeroed table and publishes it in pte if pte still
// holds the unused value old.
func (w PageWalker) installTable(pte *PageTableEntry, old PageTableEntry) *kernel.Error {
	if w.allocFn == nil {
		return errNoFrameAllocator
	}

	frame, err := w.allocFn()
	if err != nil {
		return err
	}

	page, err := w.mem.FrameSlice(frame)
	if err != nil {
		w.release(frame)
		return err
	}
	mem.Memset(page, 0)

	if !pte.CompareAndSwap(old, makeEntry(frame, FlagPresent|FlagRW)) {
		w.release(frame)
	}
	return nil
}

func (w PageWalker) release(frame pmm.Frame) {
	if w.freeFn != nil {
		_ = w.freeFn(frame)
	}
}

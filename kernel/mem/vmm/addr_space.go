package vmm

import (
	"bootcore/kernel"
	"bootcore/kernel/cpu"
	"bootcore/kernel/kfmt"
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/physmem"
	"bootcore/kernel/mem/pmm"
)

var (
	// ErrPageTableConflict is returned when mapping a page whose leaf entry
	// already points to a different frame.
	ErrPageTableConflict = &kernel.Error{Module: "vmm", Message: "page is already mapped to a different frame"}

	errNoExecuteDisabled = &kernel.Error{Module: "vmm", Message: "no-execute mappings require EFER.NXE to be enabled"}
)

// AddressSpaceConfig holds the parameters for creating an AddressSpace.
type AddressSpaceConfig struct {
	// Memory provides access to the frames that hold the page tables.
	Memory physmem.Window

	// AllocFn supplies frames for the root table and any missing tables.
	AllocFn FrameAllocatorFn

	// FreeFn, if set, receives table frames that were allocated but not
	// installed.
	FreeFn FrameFreeFn

	// FiveLevel selects a Level5 root table.
	FiveLevel bool

	// NoExecuteFn reports whether no-execute mappings are allowed. A nil
	// value rejects all mappings that request FlagNoExecute.
	NoExecuteFn func() bool
}

// AddressSpace is a page table hierarchy rooted at a single table frame.
type AddressSpace struct {
	mem         physmem.Window
	root        pmm.Frame
	rootLevel   Level
	allocFn     FrameAllocatorFn
	freeFn      FrameFreeFn
	noExecuteFn func() bool
}

// NewAddressSpace allocates and clears a root table and returns an address
// space that uses it.
func NewAddressSpace(cfg AddressSpaceConfig) (*AddressSpace, *kernel.Error) {
	if cfg.AllocFn == nil {
		return nil, errNoFrameAllocator
	}

	root, err := cfg.AllocFn()
	if err != nil {
		return nil, err
	}

	page, err := cfg.Memory.FrameSlice(root)
	if err != nil {
		return nil, err
	}
	mem.Memset(page, 0)

	as := &AddressSpace{
		mem:         cfg.Memory,
		root:        root,
		rootLevel:   RootLevel(cfg.FiveLevel),
		allocFn:     cfg.AllocFn,
		freeFn:      cfg.FreeFn,
		noExecuteFn: cfg.NoExecuteFn,
	}

	kfmt.Printf("[vmm] %s root table at 0x%x\n", as.rootLevel, root.Address())
	return as, nil
}

// Root returns the frame that holds the root table.
func (as *AddressSpace) Root() pmm.Frame {
	return as.root
}

// RootLevel returns the level of the root table.
func (as *AddressSpace) RootLevel() Level {
	return as.rootLevel
}

// Walker returns a PageWalker positioned at the root table.
func (as *AddressSpace) Walker() PageWalker {
	return NewPageWalker(as.mem, as.root, as.rootLevel, as.allocFn, as.freeFn)
}

// Map establishes a mapping between a virtual page and a physical memory
// frame, creating any missing page tables. Mapping a page again to the same
// frame with the same flags has no effect.
func (as *AddressSpace) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if err := as.checkFlags(flags); err != nil {
		return err
	}

	pte, _, err := as.Walker().CreateLeaf(page.Address())
	if err != nil {
		return err
	}

	return as.MapLeaf(pte, frame, flags)
}

// MapLeaf installs a mapping to frame in a leaf entry obtained via
// PageWalker.CreateLeaf. FlagPresent is always added to flags. It returns
// ErrPageTableConflict if the entry already maps a different frame.
func (as *AddressSpace) MapLeaf(pte *PageTableEntry, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if err := as.checkFlags(flags); err != nil {
		return err
	}

	want := makeEntry(frame, flags|FlagPresent)
	for {
		cur := pte.Load()
		if cur.HasFlags(FlagPresent) {
			if cur.Frame() != frame {
				return ErrPageTableConflict
			}

			if cur.Flags()&^cpuManagedFlags == want.Flags() {
				return nil
			}
		}

		if pte.CompareAndSwap(cur, want) {
			return nil
		}
	}
}

// checkFlags rejects flag combinations the CPU has not been configured for.
func (as *AddressSpace) checkFlags(flags PageTableEntryFlag) *kernel.Error {
	if flags&FlagNoExecute != 0 && (as.noExecuteFn == nil || !as.noExecuteFn()) {
		return errNoExecuteDisabled
	}
	return nil
}

// Unmap removes a mapping previously installed via a call to Map.
func (as *AddressSpace) Unmap(page Page) *kernel.Error {
	pte, _, err := as.Walker().GetLeaf(page.Address())
	if err != nil {
		return err
	}

	if !pte.Load().HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	pte.Store(0)
	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, _, err := as.Walker().GetLeaf(virtAddr)
	if err != nil {
		return 0, err
	}

	entry := pte.Load()
	if !entry.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return entry.Frame().Address() + PageOffset(virtAddr), nil
}

// LeafVisitor is invoked by Visit for each present leaf entry. The visitor
// must return true to continue or false to abort the scan.
type LeafVisitor func(virtAddr uintptr, pte PageTableEntry) bool

// Visit invokes visitor for every present leaf entry in ascending virtual
// address order.
func (as *AddressSpace) Visit(visitor LeafVisitor) *kernel.Error {
	_, err := as.visitTable(as.root, as.rootLevel, 0, visitor)
	return err
}

func (as *AddressSpace) visitTable(frame pmm.Frame, level Level, base uintptr, visitor LeafVisitor) (bool, *kernel.Error) {
	table, err := tableAt(as.mem, frame)
	if err != nil {
		return false, err
	}

	for index := range table {
		entry := table[index].Load()
		if !entry.HasFlags(FlagPresent) {
			continue
		}

		virtAddr := base | uintptr(index)<<level.Shift()
		if level.IsLeaf() {
			if !visitor(Canonical(as.rootLevel, virtAddr), entry) {
				return false, nil
			}
			continue
		}

		if entry.HasFlags(FlagHugePage) {
			return false, errNoHugePageSupport
		}

		next, _ := level.Down()
		if cont, err := as.visitTable(entry.Frame(), next, virtAddr, visitor); !cont || err != nil {
			return false, err
		}
	}

	return true, nil
}

// Activate loads the root table into the root-table register.
func (as *AddressSpace) Activate(regs cpu.ControlRegisters) {
	regs.SwitchPDT(as.root.Address())
}

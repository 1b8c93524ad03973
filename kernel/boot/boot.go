// Package boot assembles the memory core used by the boot stub: the boot
// memory allocator, the frame allocator and the kernel address space. It
// also maps the kernel image and hands control state over to the kernel.
package boot

import (
	"bootcore/kernel"
	"bootcore/kernel/cpu"
	"bootcore/kernel/hal/memmap"
	"bootcore/kernel/kfmt"
	"bootcore/kernel/loader"
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/physmem"
	"bootcore/kernel/mem/pmm"
	"bootcore/kernel/mem/pmm/allocator"
	"bootcore/kernel/mem/vmm"
)

var (
	errNoMemory      = &kernel.Error{Module: "boot", Message: "a physical memory window is required"}
	errNoMemoryMap   = &kernel.Error{Module: "boot", Message: "memory map reports no available memory"}
	errHandoffDone   = &kernel.Error{Module: "boot", Message: "boot arguments have already been handed off"}
	errArgsNotMapped = &kernel.Error{Module: "boot", Message: "boot argument block lies outside physical memory"}
	errArgsInUse     = &kernel.Error{Module: "boot", Message: "boot argument block overlaps memory that is already in use"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Config holds the inputs of the boot memory core.
type Config struct {
	// Memory provides access to physical memory.
	Memory physmem.Window

	// MemoryMap is the firmware memory map.
	MemoryMap memmap.Map

	// Reserved holds the physical extents [start, end) of the boot stub
	// image. These frames are never handed out.
	Reserved [2]uintptr

	// BlockWords is the number of bitmap words per tracker block. Zero
	// selects allocator.DefaultBlockWords.
	BlockWords uint64

	// CPU provides the control registers. If nil, a SoftRegisters value
	// is used.
	CPU cpu.ControlRegisters

	// FiveLevelFn reports whether five-level paging is available. If nil,
	// cpu.FiveLevelPagingSupported is used.
	FiveLevelFn func() bool

	// ArgsAddr overrides the physical address of the boot argument block.
	// Zero selects ArgsAddr.
	ArgsAddr uintptr
}

// Context holds the state of an initialized boot memory core.
type Context struct {
	// Frames tracks every physical frame below TotalMemory.
	Frames *allocator.BitmapAllocator

	// Space is the kernel address space.
	Space *vmm.AddressSpace

	// TotalMemory is the exclusive upper bound of usable physical memory.
	TotalMemory uint64

	// FiveLevel is true if Space uses a Level5 root table.
	FiveLevel bool

	memory    physmem.Window
	bootMem   *allocator.BootMemAllocator
	cpu       cpu.ControlRegisters
	argsAddr  uintptr
	image     loader.LoadedImage
	handedOff bool
}

// New initializes the boot memory core.
func New(cfg Config) (*Context, *kernel.Error) {
	if cfg.Memory == nil {
		return nil, errNoMemory
	}

	if cfg.CPU == nil {
		cfg.CPU = &cpu.SoftRegisters{}
	}

	if cfg.FiveLevelFn == nil {
		cfg.FiveLevelFn = cpu.FiveLevelPagingSupported
	}

	if cfg.ArgsAddr == 0 {
		cfg.ArgsAddr = ArgsAddr
	}

	totalMemory := cfg.MemoryMap.TotalMemory()
	if totalMemory == 0 {
		return nil, errNoMemoryMap
	}
	cfg.MemoryMap.Print()

	bootMem := allocator.NewBootMemAllocator(cfg.MemoryMap, cfg.Reserved[0], cfg.Reserved[1])

	// The frame allocator grows its chain through the raw boot allocator;
	// the tracking page source would re-enter the frame allocator lock.
	frames, err := allocator.NewBitmapAllocator(allocator.BitmapConfig{
		Window:      cfg.Memory,
		PageSource:  bootMem,
		TotalMemory: totalMemory,
		BlockWords:  cfg.BlockWords,
	})
	if err != nil {
		return nil, err
	}
	bootMem.InUseFn = frames.FrameInUse

	ctx := &Context{
		Frames:      frames,
		TotalMemory: totalMemory,
		memory:      cfg.Memory,
		bootMem:     bootMem,
		cpu:         cfg.CPU,
		argsAddr:    cfg.ArgsAddr,
	}

	if err = ctx.reserveBootMemory(cfg); err != nil {
		return nil, err
	}

	if err = ctx.reserveArgs(); err != nil {
		return nil, err
	}

	cfg.CPU.EnableNoExecute()
	if !cpu.NoExecuteSupported() {
		kfmt.Printf("[boot] warning: CPU does not report no-execute support\n")
	}

	ctx.FiveLevel = cfg.FiveLevelFn()

	if ctx.Space, err = vmm.NewAddressSpace(vmm.AddressSpaceConfig{
		Memory:      cfg.Memory,
		AllocFn:     frames.AllocFn(),
		FreeFn:      frames.FreeFrame,
		FiveLevel:   ctx.FiveLevel,
		NoExecuteFn: cfg.CPU.NoExecuteEnabled,
	}); err != nil {
		return nil, err
	}

	kfmt.Printf("[boot] memory core ready; total memory: %dKb, reserved frames: %d, paging levels: %d\n",
		totalMemory/uint64(mem.Kb), frames.ReservedFrames(), ctx.Space.RootLevel().Rank())
	return ctx, nil
}

// reserveBootMemory marks the frames that the frame allocator must never
// hand out: holes in the memory map, the boot stub image and every run
// granted by the boot allocator so far.
func (ctx *Context) reserveBootMemory(cfg Config) *kernel.Error {
	var err *kernel.Error

	cfg.MemoryMap.VisitHoles(ctx.TotalMemory, func(start, end uint64) bool {
		err = ctx.markRange(uintptr(start), uintptr(end))
		return err == nil
	})
	if err != nil {
		return err
	}

	if cfg.Reserved[1] > cfg.Reserved[0] {
		reservedEnd := min(uint64(cfg.Reserved[1]), ctx.TotalMemory)
		if err = ctx.markRange(cfg.Reserved[0], uintptr(reservedEnd)); err != nil {
			return err
		}
	}

	ctx.bootMem.VisitAllocations(func(base pmm.Frame, count uint64) bool {
		err = ctx.markRange(base.Address(), (base + pmm.Frame(count)).Address())
		return err == nil
	})
	return err
}

// reserveArgs claims the frames of the boot argument block before any page
// table or staging frame is allocated. An argument block outside physical
// memory is reported by Handoff.
func (ctx *Context) reserveArgs() *kernel.Error {
	end := ctx.argsAddr + uintptr(ArgsSize)
	if uint64(end) > ctx.TotalMemory {
		return nil
	}

	for addr := uintptr(mem.AlignDown(uint64(ctx.argsAddr), uint64(mem.PageSize))); addr < end; addr += uintptr(mem.PageSize) {
		if ctx.Frames.FrameInUse(pmm.FrameFromAddress(addr)) {
			return errArgsInUse
		}
	}

	return ctx.markRange(ctx.argsAddr, end)
}

// markRange marks every frame overlapping [start, end) as used.
func (ctx *Context) markRange(start, end uintptr) *kernel.Error {
	for addr := uintptr(mem.AlignDown(uint64(start), uint64(mem.PageSize))); addr < end; addr += uintptr(mem.PageSize) {
		if err := ctx.Frames.MarkAsUsed(addr); err != nil {
			return err
		}
	}
	return nil
}

// LoadKernel maps the LOAD segments of image at base. The base address is
// made canonical for the paging mode of the kernel address space. Staging
// frames are reserved in the frame allocator.
func (ctx *Context) LoadKernel(image []byte, base uintptr) (loader.LoadedImage, *loader.MapError) {
	if canonical := vmm.Canonical(ctx.Space.RootLevel(), base); canonical != base {
		kfmt.Printf("[boot] image base 0x%x is not canonical; using 0x%x\n", base, canonical)
		base = canonical
	}

	img, err := loader.MapImage(loader.Env{
		Memory: ctx.memory,
		Pages:  &trackingPageSource{source: ctx.bootMem, frames: ctx.Frames},
		Space:  ctx.Space,
	}, image, base)
	if err != nil {
		return loader.LoadedImage{}, err
	}

	ctx.image = img
	return img, nil
}

// Handoff completes the argument block with the state owned by the boot
// context, writes it at the boot argument address and activates the kernel
// address space. The argument block frames are reserved by New and are
// identity-mapped present and no-execute, without write access, so that the
// kernel can read them after the switch. Handoff may only succeed once.
func (ctx *Context) Handoff(args Args) *kernel.Error {
	if ctx.handedOff {
		return errHandoffDone
	}

	if args.Image == (loader.LoadedImage{}) {
		args.Image = ctx.image
	}
	args.TrackerBase = ctx.Frames.TrackerBase()
	args.TrackerBlockWords = ctx.Frames.BlockWords()
	args.RootTable = ctx.Space.Root().Address()
	args.RootLevel = ctx.Space.RootLevel()

	end := ctx.argsAddr + uintptr(ArgsSize)
	if uint64(end) > ctx.TotalMemory {
		return errArgsNotMapped
	}

	for addr := uintptr(mem.AlignDown(uint64(ctx.argsAddr), uint64(mem.PageSize))); addr < end; addr += uintptr(mem.PageSize) {
		if err := ctx.Space.Map(vmm.PageFromAddress(addr), pmm.FrameFromAddress(addr), vmm.FlagPresent|vmm.FlagNoExecute); err != nil {
			return err
		}
	}

	if err := WriteArgs(ctx.memory, ctx.argsAddr, args); err != nil {
		return err
	}

	ctx.Space.Activate(ctx.cpu)
	ctx.handedOff = true

	kfmt.Printf("[boot] handing off to 0x%x; args at 0x%x, root table at 0x%x\n",
		args.Image.EntryPoint, ctx.argsAddr, args.RootTable)
	return nil
}

// Fatal reports an unrecoverable boot error and halts.
func Fatal(err error) {
	switch t := err.(type) {
	case *kernel.Error:
		panicFn(t)
	case *loader.MapError:
		panicFn(&kernel.Error{Module: t.Err.Module, Message: t.Error()})
	default:
		panicFn(&kernel.Error{Module: "boot", Message: err.Error()})
	}
}

// trackingPageSource hands out runs from the boot allocator and reserves
// them in the frame allocator.
type trackingPageSource struct {
	source *allocator.BootMemAllocator
	frames *allocator.BitmapAllocator
}

func (s *trackingPageSource) AllocPages(count uint64) (pmm.Frame, *kernel.Error) {
	base, err := s.source.AllocPages(count)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	for frame := base; frame < base+pmm.Frame(count); frame++ {
		if err = s.frames.MarkAsUsed(frame.Address()); err != nil {
			s.release(base, frame)
			s.source.FreePages(base, count)
			return pmm.InvalidFrame, err
		}
	}
	return base, nil
}

func (s *trackingPageSource) FreePages(base pmm.Frame, count uint64) {
	s.release(base, base+pmm.Frame(count))
	s.source.FreePages(base, count)
}

// release clears the frame allocator reservations for [from, to).
func (s *trackingPageSource) release(from, to pmm.Frame) {
	for frame := from; frame < to; frame++ {
		_ = s.frames.FreeFrame(frame)
	}
}

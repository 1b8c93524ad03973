package main

import (
	"bootcore/kernel/boot"
	"bootcore/kernel/cpu"
	"bootcore/kernel/hal/memmap"
	"bootcore/kernel/hal/multiboot"
	"bootcore/kernel/kfmt"
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/physmem"
	"bootcore/kernel/mem/vmm"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// The legacy BIOS area below 1M is reported as reserved.
	legacyHoleStart = 0x9f000
	legacyHoleEnd   = 0x100000

	// The simulated boot stub occupies the first 1M above the legacy hole.
	stubSize = 0x100000
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[elfmap] error: %s\n", err.Error())
	os.Exit(1)
}

// parseSize parses a memory size with an optional K, M or G suffix.
func parseSize(s string) (mem.Size, error) {
	var (
		unit = mem.Byte
		num  = strings.ToUpper(strings.TrimSpace(s))
	)

	switch {
	case strings.HasSuffix(num, "K"):
		unit = mem.Kb
	case strings.HasSuffix(num, "M"):
		unit = mem.Mb
	case strings.HasSuffix(num, "G"):
		unit = mem.Gb
	}
	if unit != mem.Byte {
		num = num[:len(num)-1]
	}

	v, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid memory size %q", s)
	}

	if size := mem.Size(v) * unit; size >= legacyHoleEnd+stubSize+16*mem.PageSize {
		return size, nil
	}
	return 0, errors.Errorf("memory size %q is too small", s)
}

// fiveLevelFn maps the -5level flag to a detection function.
func fiveLevelFn(mode string) (func() bool, error) {
	switch mode {
	case "auto":
		return cpu.FiveLevelPagingSupported, nil
	case "on":
		return func() bool { return true }, nil
	case "off":
		return func() bool { return false }, nil
	default:
		return nil, errors.Errorf("invalid -5level value %q; supported values are: auto, on or off", mode)
	}
}

// pcMemoryMap returns the memory map of a PC with size bytes of RAM.
func pcMemoryMap(size mem.Size) memmap.Map {
	return memmap.Map{
		{PhysAddress: uint64(mem.PageSize), Length: legacyHoleStart - uint64(mem.PageSize), Type: memmap.MemAvailable},
		{PhysAddress: legacyHoleStart, Length: legacyHoleEnd - legacyHoleStart, Type: memmap.MemReserved},
		{PhysAddress: legacyHoleEnd, Length: uint64(size) - legacyHoleEnd, Type: memmap.MemAvailable},
	}
}

// loadBootInfo reads the memory map and framebuffer description from a
// multiboot2 information block.
func loadBootInfo(path string) (memmap.Map, boot.Framebuffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, boot.Framebuffer{}, errors.Wrap(err, "read multiboot information")
	}

	info, kErr := multiboot.Parse(data)
	if kErr != nil {
		return nil, boot.Framebuffer{}, errors.Wrap(kErr, path)
	}

	memMap := info.MemoryMap()
	if len(memMap) == 0 {
		return nil, boot.Framebuffer{}, errors.Errorf("%s: no memory map tag", path)
	}

	var fb boot.Framebuffer
	if fbInfo, ok := info.Framebuffer(); ok {
		fb = boot.Framebuffer{
			Base:   uintptr(fbInfo.PhysAddr),
			Size:   fbInfo.Size(),
			Width:  uint64(fbInfo.Width),
			Height: uint64(fbInfo.Height),
			Stride: uint64(fbInfo.Pitch),
			Format: uint64(fbInfo.Type),
		}
	}

	return memMap, fb, nil
}

// dumpMappings writes one line per mapped page.
func dumpMappings(w io.Writer, space *vmm.AddressSpace) error {
	var count int
	err := space.Visit(func(virtAddr uintptr, pte vmm.PageTableEntry) bool {
		var perm = [3]byte{'r', '-', '-'}
		if pte.HasFlags(vmm.FlagRW) {
			perm[1] = 'w'
		}
		if !pte.HasFlags(vmm.FlagNoExecute) {
			perm[2] = 'x'
		}

		fmt.Fprintf(w, "0x%016x -> 0x%010x %s\n", virtAddr, pte.Frame().Address(), perm[:])
		count++
		return true
	})
	if err != nil {
		return errors.Wrap(err, "walk page tables")
	}

	fmt.Fprintf(w, "%d page(s) mapped\n", count)
	return nil
}

func runTool() error {
	memSize := flag.String("mem", "4G", "the size of the simulated physical memory (K, M or G suffix)")
	baseAddr := flag.String("base", fmt.Sprintf("0x%x", boot.KernelAddr), "the virtual base address for the kernel image")
	fiveLevel := flag.String("5level", "auto", "five-level paging: auto, on or off")
	blockWords := flag.Uint64("block-words", 0, "the number of bitmap words per frame tracker block (0 selects the default)")
	verbose := flag.Bool("v", false, "dump the installed mappings and the boot log")
	handoff := flag.Bool("args", false, "write and read back the boot argument block")
	mbInfo := flag.String("mbinfo", "", "a multiboot2 information block that supplies the memory map and framebuffer")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "elfmap: map the LOAD segments of an x86-64 ELF image into simulated page tables\n\n")
		fmt.Fprint(os.Stderr, "Usage: elfmap [options] image\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		exit(errors.New("missing image file argument"))
	}

	size, err := parseSize(*memSize)
	if err != nil {
		return err
	}

	base, err := strconv.ParseUint(*baseAddr, 0, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid base address %q", *baseAddr)
	}

	detectFn, err := fiveLevelFn(*fiveLevel)
	if err != nil {
		return err
	}

	var (
		memMap = pcMemoryMap(size)
		args   boot.Args
	)
	if *mbInfo != "" {
		if memMap, args.Framebuffer, err = loadBootInfo(*mbInfo); err != nil {
			return err
		}
		size = max(size, mem.Size(mem.AlignUp(memMap.TotalMemory(), uint64(mem.PageSize))))
	}

	if *verbose {
		kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: os.Stderr, Prefix: []byte("elfmap: ")})
	}

	image, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return errors.Wrap(err, "read kernel image")
	}

	region, err := physmem.MapHost(0, size)
	if err != nil {
		return errors.Wrap(err, "map simulated physical memory")
	}
	defer region.Close()

	regs := &cpu.SoftRegisters{}
	ctx, kErr := boot.New(boot.Config{
		Memory:      region,
		MemoryMap:   memMap,
		Reserved:    [2]uintptr{legacyHoleEnd, legacyHoleEnd + stubSize},
		BlockWords:  *blockWords,
		CPU:         regs,
		FiveLevelFn: detectFn,
	})
	if kErr != nil {
		return errors.Wrap(kErr, "initialize boot memory")
	}

	img, mapErr := ctx.LoadKernel(image, uintptr(base))
	if mapErr != nil {
		return errors.Wrap(mapErr, "map kernel image")
	}

	fmt.Printf("paging levels: %d\n", ctx.Space.RootLevel().Rank())
	fmt.Printf("root table:    0x%x\n", ctx.Space.Root().Address())
	fmt.Printf("staging:       0x%x (%d pages)\n", img.Base, img.Pages)
	fmt.Printf("entry point:   0x%x\n", img.EntryPoint)
	fmt.Printf("frames in use: %d of %d\n", ctx.Frames.ReservedFrames(), ctx.Frames.TotalFrames())

	if *verbose {
		if err = dumpMappings(&kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("  ")}, ctx.Space); err != nil {
			return err
		}
	}

	if !*handoff {
		return nil
	}

	if size < mem.Size(boot.ArgsAddr)+boot.ArgsSize {
		return errors.Errorf("the boot argument block at 0x%x requires at least %dM of memory", boot.ArgsAddr, (boot.ArgsAddr>>20)+1)
	}

	if kErr = ctx.Handoff(args); kErr != nil {
		return errors.Wrap(kErr, "hand off")
	}

	if args, kErr = boot.ReadArgs(region, boot.ArgsAddr); kErr != nil {
		return errors.Wrap(kErr, "read back boot arguments")
	}

	fmt.Printf("boot arguments at 0x%x:\n", boot.ArgsAddr)
	fmt.Printf("  image:   base 0x%x, %d pages, entry 0x%x\n", args.Image.Base, args.Image.Pages, args.Image.EntryPoint)
	fmt.Printf("  tracker: 0x%x, %d words per block\n", args.TrackerBase, args.TrackerBlockWords)
	fmt.Printf("  fb:      0x%x, %dx%d, stride %d\n", args.Framebuffer.Base, args.Framebuffer.Width, args.Framebuffer.Height, args.Framebuffer.Stride)
	fmt.Printf("  root:    %s at 0x%x, active: 0x%x\n", args.RootLevel, args.RootTable, regs.ActivePDT())
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}

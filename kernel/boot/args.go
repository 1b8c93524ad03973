package boot

import (
	"bootcore/kernel"
	"bootcore/kernel/loader"
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/physmem"
	"bootcore/kernel/mem/vmm"
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

const (
	// ArgsAddr is the physical address of the boot argument block. The
	// block is identity-mapped in the kernel address space.
	ArgsAddr = uintptr(0x8000_0000)

	// KernelAddr is the virtual base address of the kernel image. It is
	// made canonical for the active paging mode when the image is mapped.
	KernelAddr = uintptr(0x01FF_FFFF_0000_0000)

	// argsMagic ("BOOTARGS") is stored in the first word of the block.
	argsMagic = uint64(0x424f4f5441524753)
)

// ErrBadArgs is returned when no valid boot argument block is found at the
// requested address.
var ErrBadArgs = &kernel.Error{Module: "boot", Message: "invalid boot argument block"}

// Framebuffer describes the linear framebuffer set up by the firmware.
type Framebuffer struct {
	Base   uintptr
	Size   uint64
	Width  uint64
	Height uint64
	Stride uint64
	Format uint64
}

// Args is the boot argument block passed to the kernel.
type Args struct {
	Image       loader.LoadedImage
	Framebuffer Framebuffer

	// FontBase and FontSize locate the console font in physical memory.
	FontBase uintptr
	FontSize uint64

	HeapSize uint64

	// TrackerBase is the physical address of the first frame tracker block
	// and TrackerBlockWords the number of bitmap words per block.
	TrackerBase       uintptr
	TrackerBlockWords uint64

	// RootTable is the physical address of the root page table and
	// RootLevel its level in the paging hierarchy.
	RootTable uintptr
	RootLevel vmm.Level
}

// argsBlock is the in-memory encoding of Args. Every field is stored as a
// little-endian 64-bit word.
type argsBlock struct {
	Magic uint64

	ImageBase, ImagePages, ImageEntry uint64

	FBBase, FBSize, FBWidth, FBHeight, FBStride, FBFormat uint64

	FontBase, FontSize uint64

	HeapSize uint64

	TrackerBase, TrackerBlockWords uint64

	RootTable, RootLevel uint64
}

const (
	argsWords = int(unsafe.Sizeof(argsBlock{}) >> mem.PointerShift)

	// ArgsSize is the encoded size of the boot argument block.
	ArgsSize = mem.Size(unsafe.Sizeof(argsBlock{}))
)

var errUnalignedArgs = &kernel.Error{Module: "boot", Message: "boot argument block must be 8-byte aligned"}

func (a *Args) encode() argsBlock {
	return argsBlock{
		Magic:             argsMagic,
		ImageBase:         uint64(a.Image.Base),
		ImagePages:        a.Image.Pages,
		ImageEntry:        uint64(a.Image.EntryPoint),
		FBBase:            uint64(a.Framebuffer.Base),
		FBSize:            a.Framebuffer.Size,
		FBWidth:           a.Framebuffer.Width,
		FBHeight:          a.Framebuffer.Height,
		FBStride:          a.Framebuffer.Stride,
		FBFormat:          a.Framebuffer.Format,
		FontBase:          uint64(a.FontBase),
		FontSize:          a.FontSize,
		HeapSize:          a.HeapSize,
		TrackerBase:       uint64(a.TrackerBase),
		TrackerBlockWords: a.TrackerBlockWords,
		RootTable:         uint64(a.RootTable),
		RootLevel:         uint64(a.RootLevel),
	}
}

func (b *argsBlock) decode() Args {
	return Args{
		Image: loader.LoadedImage{
			Base:       uintptr(b.ImageBase),
			Pages:      b.ImagePages,
			EntryPoint: uintptr(b.ImageEntry),
		},
		Framebuffer: Framebuffer{
			Base:   uintptr(b.FBBase),
			Size:   b.FBSize,
			Width:  b.FBWidth,
			Height: b.FBHeight,
			Stride: b.FBStride,
			Format: b.FBFormat,
		},
		FontBase:          uintptr(b.FontBase),
		FontSize:          b.FontSize,
		HeapSize:          b.HeapSize,
		TrackerBase:       uintptr(b.TrackerBase),
		TrackerBlockWords: b.TrackerBlockWords,
		RootTable:         uintptr(b.RootTable),
		RootLevel:         vmm.Level(b.RootLevel),
	}
}

// WriteArgs encodes args into the memory at physical address addr.
func WriteArgs(window physmem.Window, addr uintptr, args Args) *kernel.Error {
	dst, err := argsSlice(window, addr)
	if err != nil {
		return err
	}

	block := args.encode()
	if _, encErr := binary.Encode(dst, binary.LittleEndian, &block); encErr != nil {
		return &kernel.Error{Module: "boot", Message: encErr.Error()}
	}
	return nil
}

// ReadArgs decodes the boot argument block at physical address addr. Each
// word is read with a single atomic load as the block may have been written
// by a different agent. ReadArgs returns ErrBadArgs if the block does not
// start with the expected magic word.
func ReadArgs(window physmem.Window, addr uintptr) (Args, *kernel.Error) {
	src, err := argsSlice(window, addr)
	if err != nil {
		return Args{}, err
	}

	var (
		words = physmem.Words(src)
		raw   [ArgsSize]byte
	)
	for i := 0; i < argsWords; i++ {
		binary.NativeEndian.PutUint64(raw[i<<mem.PointerShift:], atomic.LoadUint64(&words[i]))
	}

	var block argsBlock
	if _, decErr := binary.Decode(raw[:], binary.LittleEndian, &block); decErr != nil || block.Magic != argsMagic {
		return Args{}, ErrBadArgs
	}

	return block.decode(), nil
}

func argsSlice(window physmem.Window, addr uintptr) ([]byte, *kernel.Error) {
	if addr&(1<<mem.PointerShift-1) != 0 {
		return nil, errUnalignedArgs
	}
	return window.Slice(addr, ArgsSize)
}

package allocator

import (
	"bootcore/kernel"
	"bootcore/kernel/kfmt"
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/physmem"
	"bootcore/kernel/mem/pmm"
	"bootcore/kernel/sync"
	"math"
	"math/bits"
	"sync/atomic"
)

const (
	// MaxBlockWords is the number of bitmap words that fit in a tracker
	// block next to its link word.
	MaxBlockWords = uint64(mem.PageSize>>mem.PointerShift) - 1

	// DefaultBlockWords is used when BitmapConfig.BlockWords is zero.
	DefaultBlockWords = MaxBlockWords

	// linkPresent is set in a block's link word when another block
	// follows it in the chain.
	linkPresent = uint64(1)
	linkMask    = ^uint64(mem.PageSize - 1)
)

var (
	// ErrOutOfMemory is returned when no frame below the total memory
	// limit is free and the tracker chain cannot be extended.
	ErrOutOfMemory = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}

	// ErrDoubleFree is returned when freeing a frame that is not allocated.
	// The allocator state is left unchanged.
	ErrDoubleFree = &kernel.Error{Module: "bitmap_alloc", Message: "frame is not allocated"}

	// ErrAddressOutOfRange is returned for frames beyond the total memory
	// limit or outside the range covered by the tracker chain.
	ErrAddressOutOfRange = &kernel.Error{Module: "bitmap_alloc", Message: "frame address is out of range"}

	errInvalidBlockWords = &kernel.Error{Module: "bitmap_alloc", Message: "block words must be in the range [1, 511]"}
	errNoPageSource      = &kernel.Error{Module: "bitmap_alloc", Message: "a page source is required to allocate the first tracker block"}
)

// BitmapConfig holds the parameters for creating a BitmapAllocator.
type BitmapConfig struct {
	// Window provides access to the frames that hold the tracker blocks.
	Window physmem.Window

	// PageSource supplies the frames for new tracker blocks. If it is nil
	// after the first block has been created, the chain never grows.
	PageSource pmm.PageSource

	// TotalMemory is the exclusive upper bound for tracked frame addresses.
	TotalMemory uint64

	// BlockWords is the number of 64-bit bitmap words per tracker block.
	BlockWords uint64

	// FirstBlock, if non-zero and valid, is used as the first tracker
	// block instead of obtaining one from PageSource.
	FirstBlock pmm.Frame
}

// trackerBlock is a cached view of a tracker block. Word 0 holds the link to
// the next block; words [1, blockWords] hold the bitmap.
type trackerBlock struct {
	frame pmm.Frame
	words []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a chain of bitmap blocks. Each block lives in a single
// physical frame and tracks blockWords*64 consecutive frames. Frame i of a
// block is tracked by bit (63 - i%64) of word 1+i/64.
type BitmapAllocator struct {
	mutex sync.Spinlock

	window      physmem.Window
	source      pmm.PageSource
	totalMemory uint64
	blockWords  uint64
	blockFrames uint64

	// blocks holds the chain in link order. It is replaced, never
	// mutated, so FrameInUse can read it without holding the lock.
	blocks atomic.Pointer[[]trackerBlock]

	// reservedFrames tracks the number of frames marked as used.
	reservedFrames uint64
}

// NewBitmapAllocator creates a frame allocator with a single tracker block.
// The block's own frame is marked as used if it falls within the range the
// block tracks.
func NewBitmapAllocator(cfg BitmapConfig) (*BitmapAllocator, *kernel.Error) {
	if cfg.BlockWords == 0 {
		cfg.BlockWords = DefaultBlockWords
	}

	if cfg.BlockWords > MaxBlockWords {
		return nil, errInvalidBlockWords
	}

	alloc := &BitmapAllocator{
		window:      cfg.Window,
		source:      cfg.PageSource,
		totalMemory: cfg.TotalMemory,
		blockWords:  cfg.BlockWords,
		blockFrames: cfg.BlockWords << 6,
	}
	alloc.blocks.Store(&[]trackerBlock{})

	if !cfg.FirstBlock.Valid() || cfg.FirstBlock == 0 {
		if alloc.source == nil {
			return nil, errNoPageSource
		}

		var err *kernel.Error
		if cfg.FirstBlock, err = alloc.source.AllocPages(1); err != nil {
			return nil, err
		}
	}

	if err := alloc.appendBlock(cfg.FirstBlock); err != nil {
		return nil, err
	}

	kfmt.Printf("[bitmap_alloc] tracker at 0x%x, %d frames per block, total memory: %dKb\n",
		cfg.FirstBlock.Address(), alloc.blockFrames, alloc.totalMemory/uint64(mem.Kb))

	return alloc, nil
}

// AllocFrame reserves the free frame with the lowest address and returns it.
// If all tracked frames are in use and the chain covers less than the total
// memory, a new tracker block is appended. AllocFrame returns ErrOutOfMemory
// without modifying any state if no frame can be reserved.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	for {
		blocks := *alloc.blocks.Load()
		for blockIndex, block := range blocks {
			for wordIndex := uint64(1); wordIndex <= alloc.blockWords; wordIndex++ {
				word := atomic.LoadUint64(&block.words[wordIndex])
				if word == math.MaxUint64 {
					continue
				}

				local := (wordIndex-1)<<6 + uint64(bits.LeadingZeros64(^word))
				frame := pmm.Frame(uint64(blockIndex)*alloc.blockFrames + local)

				// Frames are scanned in ascending order so
				// every remaining free frame is also out of
				// bounds.
				if !alloc.inBounds(frame) {
					return pmm.InvalidFrame, ErrOutOfMemory
				}

				alloc.setBit(frame)
				return frame, nil
			}
		}

		if err := alloc.grow(); err != nil {
			return pmm.InvalidFrame, ErrOutOfMemory
		}
	}
}

// AllocFn returns a frame allocation function backed by this allocator that
// can be passed to the vmm package.
func (alloc *BitmapAllocator) AllocFn() func() (pmm.Frame, *kernel.Error) {
	return alloc.AllocFrame
}

// FreeFrame releases a frame previously reserved via AllocFrame or
// MarkAsUsed. Freeing an unreserved frame logs a warning and returns
// ErrDoubleFree; callers may treat it as non-fatal.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if !alloc.inBounds(frame) || !alloc.covered(frame) {
		return ErrAddressOutOfRange
	}

	if !alloc.testBit(frame) {
		kfmt.Printf("[bitmap_alloc] DoubleFree: frame 0x%x is not allocated\n", frame.Address())
		return ErrDoubleFree
	}

	alloc.clearBit(frame)
	return nil
}

// MarkAsUsed reserves the frame that contains physAddr without going through
// AllocFrame. Unaligned addresses are rounded down to the containing frame.
// The tracker chain is extended if it does not yet cover the frame. Marking
// a frame that is already reserved has no effect.
func (alloc *BitmapAllocator) MarkAsUsed(physAddr uintptr) *kernel.Error {
	if physAddr&uintptr(mem.PageSize-1) != 0 {
		kfmt.Printf("[bitmap_alloc] MarkAsUsed: address 0x%x is not page-aligned; rounding down\n", physAddr)
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	frame := pmm.FrameFromAddress(physAddr)
	if !alloc.inBounds(frame) {
		return ErrAddressOutOfRange
	}

	for !alloc.covered(frame) {
		if err := alloc.grow(); err != nil {
			return ErrAddressOutOfRange
		}
	}

	if !alloc.testBit(frame) {
		alloc.setBit(frame)
	}
	return nil
}

// FrameInUse returns true if frame is tracked and reserved. It does not
// acquire the allocator lock and can safely be called by page sources while
// the allocator is growing its chain.
func (alloc *BitmapAllocator) FrameInUse(frame pmm.Frame) bool {
	if !frame.Valid() || !alloc.covered(frame) {
		return false
	}
	return alloc.testBit(frame)
}

// TrackerBase returns the physical address of the first tracker block.
func (alloc *BitmapAllocator) TrackerBase() uintptr {
	return (*alloc.blocks.Load())[0].frame.Address()
}

// BlockWords returns the number of bitmap words per tracker block.
func (alloc *BitmapAllocator) BlockWords() uint64 {
	return alloc.blockWords
}

// Blocks returns the number of tracker blocks in the chain.
func (alloc *BitmapAllocator) Blocks() int {
	return len(*alloc.blocks.Load())
}

// TotalFrames returns the number of frames below the total memory limit.
func (alloc *BitmapAllocator) TotalFrames() uint64 {
	return alloc.totalMemory >> mem.PageShift
}

// ReservedFrames returns the number of frames currently marked as used.
func (alloc *BitmapAllocator) ReservedFrames() uint64 {
	return atomic.LoadUint64(&alloc.reservedFrames)
}

// inBounds returns true if the entire frame lies below the total memory limit.
func (alloc *BitmapAllocator) inBounds(frame pmm.Frame) bool {
	return frame.Valid() && uint64(frame)+1 <= alloc.totalMemory>>mem.PageShift
}

// covered returns true if the tracker chain includes a block for frame.
func (alloc *BitmapAllocator) covered(frame pmm.Frame) bool {
	return uint64(frame)/alloc.blockFrames < uint64(len(*alloc.blocks.Load()))
}

// canGrow returns true if the chain covers less than the total memory.
func (alloc *BitmapAllocator) canGrow() bool {
	coverage := uint64(len(*alloc.blocks.Load())) * alloc.blockFrames
	return alloc.source != nil && coverage < alloc.totalMemory>>mem.PageShift
}

// grow obtains a frame from the page source and appends it to the chain.
func (alloc *BitmapAllocator) grow() *kernel.Error {
	if !alloc.canGrow() {
		return ErrOutOfMemory
	}

	frame, err := alloc.source.AllocPages(1)
	if err != nil {
		return err
	}

	if err = alloc.appendBlock(frame); err != nil {
		alloc.source.FreePages(frame, 1)
		return err
	}

	return nil
}

// appendBlock zeroes frame, links it after the current chain tail and marks
// the tracker block frames that the chain now covers.
func (alloc *BitmapAllocator) appendBlock(frame pmm.Frame) *kernel.Error {
	page, err := alloc.window.FrameSlice(frame)
	if err != nil {
		return err
	}
	mem.Memset(page, 0)

	var (
		oldBlocks = *alloc.blocks.Load()
		newBlocks = make([]trackerBlock, len(oldBlocks), len(oldBlocks)+1)
	)
	copy(newBlocks, oldBlocks)
	newBlocks = append(newBlocks, trackerBlock{frame: frame, words: physmem.Words(page)})

	if tail := len(oldBlocks) - 1; tail >= 0 {
		atomic.StoreUint64(&oldBlocks[tail].words[0], uint64(frame.Address())|linkPresent)
	}
	alloc.blocks.Store(&newBlocks)

	// Mark the block frames tracked by the new block, and the new block
	// itself if an earlier block already tracks it.
	newIndex := uint64(len(newBlocks) - 1)
	for _, block := range newBlocks {
		index := uint64(block.frame) / alloc.blockFrames
		if index != newIndex && (block.frame != frame || index > newIndex) {
			continue
		}

		if alloc.inBounds(block.frame) && !alloc.testBit(block.frame) {
			alloc.setBit(block.frame)
		}
	}

	return nil
}

// bitLocation returns the word that tracks frame and the mask for its bit.
func (alloc *BitmapAllocator) bitLocation(frame pmm.Frame) (*uint64, uint64) {
	var (
		blocks = *alloc.blocks.Load()
		block  = blocks[uint64(frame)/alloc.blockFrames]
		local  = uint64(frame) % alloc.blockFrames
	)

	return &block.words[1+local>>6], 1 << (63 - local&63)
}

func (alloc *BitmapAllocator) testBit(frame pmm.Frame) bool {
	word, mask := alloc.bitLocation(frame)
	return atomic.LoadUint64(word)&mask != 0
}

func (alloc *BitmapAllocator) setBit(frame pmm.Frame) {
	word, mask := alloc.bitLocation(frame)
	for {
		old := atomic.LoadUint64(word)
		if atomic.CompareAndSwapUint64(word, old, old|mask) {
			break
		}
	}
	atomic.AddUint64(&alloc.reservedFrames, 1)
}

func (alloc *BitmapAllocator) clearBit(frame pmm.Frame) {
	word, mask := alloc.bitLocation(frame)
	for {
		old := atomic.LoadUint64(word)
		if atomic.CompareAndSwapUint64(word, old, old&^mask) {
			break
		}
	}
	atomic.AddUint64(&alloc.reservedFrames, ^uint64(0))
}

// VisitChain walks the tracker chain through the link words stored in
// physical memory and invokes visitor with the physical address of each
// block. It is used to verify the hand-off representation of the chain.
func VisitChain(window physmem.Window, trackerBase uintptr, visitor func(blockAddr uintptr) bool) *kernel.Error {
	for addr := trackerBase; ; {
		if !visitor(addr) {
			return nil
		}

		page, err := window.Slice(addr, mem.Size(8))
		if err != nil {
			return err
		}

		link := atomic.LoadUint64(&physmem.Words(page)[0])
		if link&linkPresent == 0 {
			return nil
		}
		addr = uintptr(link & linkMask)
	}
}

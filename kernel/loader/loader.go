// Package loader maps the LOAD segments of an ELF64 image into an address
// space. Segment contents are copied into a single contiguous block of
// staging memory which then backs the mappings.
package loader

import (
	"bootcore/kernel"
	"bootcore/kernel/kfmt"
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/physmem"
	"bootcore/kernel/mem/pmm"
	"bootcore/kernel/mem/vmm"
	"bytes"
	"debug/elf"
	"slices"
)

// Env holds the collaborators that MapImage needs.
type Env struct {
	// Memory provides access to the staging memory.
	Memory physmem.Window

	// Pages supplies the staging memory.
	Pages pmm.PageSource

	// Space receives the image mappings.
	Space *vmm.AddressSpace
}

// LoadedImage describes a mapped image.
type LoadedImage struct {
	// Base is the physical address of the staging memory.
	Base uintptr

	// Pages is the number of staging pages.
	Pages uint64

	// EntryPoint is the virtual address of the image entry point.
	EntryPoint uintptr
}

// segment is a LOAD program header with its page-aligned span.
type segment struct {
	vaddr uint64
	data  []byte
	flags elf.ProgFlag

	// [spanStart, spanEnd) is the segment extent rounded to the
	// effective alignment.
	spanStart, spanEnd uint64
}

// MapImage copies the LOAD segments of image into freshly allocated staging
// memory and maps them at targetBase+vaddr in env.Space. Writable segments
// are mapped read-write and non-executable segments are mapped with the
// no-execute flag.
//
// On failure, mappings that were already installed are left in place.
func MapImage(env Env, image []byte, targetBase uintptr) (LoadedImage, *MapError) {
	if targetBase&uintptr(mem.PageSize-1) != 0 {
		return LoadedImage{}, newMapError(ErrUnsupportedSegment, errUnalignedBase)
	}

	segments, entry, mErr := parseImage(image)
	if mErr != nil {
		return LoadedImage{}, mErr
	}

	if mErr = checkSpans(segments); mErr != nil {
		return LoadedImage{}, mErr
	}

	// Staging covers [minBase, maxEnd) including any gaps between spans
	// so every segment lands at staging+(vaddr-minBase).
	minBase, maxEnd := segments[0].spanStart, segments[len(segments)-1].spanEnd
	pageCount := (maxEnd - minBase) >> mem.PageShift

	stagingFrame, err := env.Pages.AllocPages(pageCount)
	if err != nil {
		return LoadedImage{}, newMapError(ErrOutOfPhysicalMemory, err)
	}

	staging, err := env.Memory.Slice(stagingFrame.Address(), mem.Size(maxEnd-minBase))
	if err != nil {
		env.Pages.FreePages(stagingFrame, pageCount)
		return LoadedImage{}, newMapError(ErrOutOfPhysicalMemory, err)
	}

	mem.Memset(staging, 0)
	for _, seg := range segments {
		copy(staging[seg.vaddr-minBase:], seg.data)
	}

	for _, seg := range segments {
		flags := vmm.FlagPresent
		if seg.flags&elf.PF_W != 0 {
			flags |= vmm.FlagRW
		}
		if seg.flags&elf.PF_X == 0 {
			flags |= vmm.FlagNoExecute
		}

		for offset := seg.spanStart; offset < seg.spanEnd; offset += uint64(mem.PageSize) {
			var (
				virtAddr = targetBase + uintptr(offset)
				frame    = stagingFrame + pmm.Frame((offset-minBase)>>mem.PageShift)
			)

			pte, level, err := env.Space.Walker().CreateLeaf(virtAddr)
			if err != nil {
				return LoadedImage{}, &MapError{Err: ErrMappingFailed, Level: level, VirtAddr: virtAddr, Cause: err}
			}

			if err = env.Space.MapLeaf(pte, frame, flags); err != nil {
				mapErr := &MapError{Err: ErrMappingFailed, Level: vmm.Level1, VirtAddr: virtAddr, Cause: err}
				if err == vmm.ErrPageTableConflict {
					mapErr.Err, mapErr.Cause = err, nil
				}
				return LoadedImage{}, mapErr
			}
		}
	}

	img := LoadedImage{
		Base:       stagingFrame.Address(),
		Pages:      pageCount,
		EntryPoint: targetBase + uintptr(entry),
	}

	kfmt.Printf("[loader] mapped %d segment(s) at 0x%x; staging: 0x%x (%d pages), entry: 0x%x\n",
		len(segments), targetBase+uintptr(minBase), img.Base, img.Pages, img.EntryPoint)
	return img, nil
}

var (
	errUnalignedBase  = &kernel.Error{Module: "loader", Message: "target base must be page-aligned"}
	errBadAlignment   = &kernel.Error{Module: "loader", Message: "segment alignment must be a power of two"}
	errOverlappingSeg = &kernel.Error{Module: "loader", Message: "segment spans overlap"}
	errNotELF64       = &kernel.Error{Module: "loader", Message: "image is not a little-endian x86-64 ELF64 file"}
	errBadType        = &kernel.Error{Module: "loader", Message: "image is neither an executable nor a shared object"}
	errFileszMemsz    = &kernel.Error{Module: "loader", Message: "segment file size exceeds its memory size"}
	errSegmentBounds  = &kernel.Error{Module: "loader", Message: "segment file contents lie outside the image"}
	errNoLoadSegments = &kernel.Error{Module: "loader", Message: "image has no LOAD segments"}
)

// parseImage returns the non-empty LOAD segments of image sorted by virtual
// address, together with the image entry point.
func parseImage(image []byte) ([]segment, uint64, *MapError) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, 0, newMapError(ErrCorruptImage, &kernel.Error{Module: "loader", Message: err.Error()})
	}

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_X86_64 {
		return nil, 0, newMapError(ErrCorruptImage, errNotELF64)
	}

	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, 0, newMapError(ErrCorruptImage, errBadType)
	}

	var (
		segments []segment
		imageLen = uint64(len(image))
	)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if prog.Filesz > prog.Memsz {
			return nil, 0, newMapError(ErrCorruptImage, errFileszMemsz)
		}

		if prog.Off > imageLen || prog.Filesz > imageLen-prog.Off {
			return nil, 0, newMapError(ErrCorruptImage, errSegmentBounds)
		}

		if prog.Vaddr+prog.Memsz < prog.Vaddr {
			return nil, 0, newMapError(ErrCorruptImage, errSegmentBounds)
		}

		align := max(prog.Align, uint64(mem.PageSize))
		if !mem.IsPowerOfTwo(align) {
			return nil, 0, newMapError(ErrUnsupportedSegment, errBadAlignment)
		}

		if prog.Memsz == 0 {
			continue
		}

		segments = append(segments, segment{
			vaddr:     prog.Vaddr,
			data:      image[prog.Off : prog.Off+prog.Filesz],
			flags:     prog.Flags,
			spanStart: mem.AlignDown(prog.Vaddr, align),
			spanEnd:   mem.AlignUp(prog.Vaddr+prog.Memsz, align),
		})
	}

	if len(segments) == 0 {
		return nil, 0, newMapError(ErrCorruptImage, errNoLoadSegments)
	}

	slices.SortFunc(segments, func(a, b segment) int {
		switch {
		case a.spanStart < b.spanStart:
			return -1
		case a.spanStart > b.spanStart:
			return 1
		default:
			return 0
		}
	})

	return segments, f.Entry, nil
}

// checkSpans rejects segments whose spans overlap. Segments must be sorted
// by span start.
func checkSpans(segments []segment) *MapError {
	for i := 1; i < len(segments); i++ {
		if segments[i].spanStart < segments[i-1].spanEnd {
			return newMapError(ErrUnsupportedSegment, errOverlappingSeg)
		}
	}
	return nil
}

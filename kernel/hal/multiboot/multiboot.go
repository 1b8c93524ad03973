// Package multiboot decodes the multiboot2 information block that a boot
// loader passes to the boot stub. It is an alternative source for the
// firmware memory map and the framebuffer description.
package multiboot

import (
	"bootcore/kernel"
	"bootcore/kernel/hal/memmap"
	"encoding/binary"
	"strings"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize is the size of the total size and reserved fields
	// that precede the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type and size fields of each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry size and entry version fields
	// that precede the memory map entries.
	mmapHeaderSize = 8

	// mmapEntrySize is the minimum size of a memory map entry: a 64-bit
	// address, a 64-bit length, a 32-bit type and 32 reserved bits.
	mmapEntrySize = 24

	// fbInfoSize is the size of the framebuffer tag fields that precede
	// the color info.
	fbInfoSize = 22
)

var (
	// ErrInvalidInfo is returned when the information block is truncated
	// or its tags are malformed.
	ErrInvalidInfo = &kernel.Error{Module: "multiboot", Message: "invalid multiboot information block"}
)

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// Size returns the number of bytes covered by the framebuffer.
func (i *FramebufferInfo) Size() uint64 {
	return uint64(i.Pitch) * uint64(i.Height)
}

// Info is a decoded view of a multiboot2 information block.
type Info struct {
	data []byte
}

// Parse validates the tag layout of the information block in data. The
// block is not copied.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize+tagHeaderSize {
		return nil, ErrInvalidInfo
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if totalSize < infoHeaderSize+tagHeaderSize || uint64(totalSize) > uint64(len(data)) {
		return nil, ErrInvalidInfo
	}

	info := &Info{data: data[:totalSize]}

	// The tag list must be terminated by an end tag.
	var terminated bool
	if err := info.visitTags(func(tag tagType, _ []byte) bool {
		terminated = tag == tagMbSectionEnd
		return !terminated
	}); err != nil {
		return nil, err
	}

	if !terminated {
		return nil, ErrInvalidInfo
	}
	return info, nil
}

// MemoryMap returns the memory map reported by the boot loader. It returns
// an empty map if the information block has no memory map tag.
func (i *Info) MemoryMap() memmap.Map {
	contents := i.findTag(tagMemoryMap)
	if len(contents) < mmapHeaderSize {
		return nil
	}

	entrySize := binary.LittleEndian.Uint32(contents)
	if entrySize < mmapEntrySize {
		return nil
	}

	var m memmap.Map
	for entries := contents[mmapHeaderSize:]; uint32(len(entries)) >= entrySize; entries = entries[entrySize:] {
		m = append(m, memmap.MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(entries),
			Length:      binary.LittleEndian.Uint64(entries[8:]),
			Type:        memmap.MemoryEntryType(binary.LittleEndian.Uint32(entries[16:])),
		})
	}

	return m
}

// Framebuffer returns information about the framebuffer initialized by the
// boot loader. The second return value is false if no framebuffer info is
// available.
func (i *Info) Framebuffer() (FramebufferInfo, bool) {
	contents := i.findTag(tagFramebufferInfo)
	if len(contents) < fbInfoSize {
		return FramebufferInfo{}, false
	}

	return FramebufferInfo{
		PhysAddr: binary.LittleEndian.Uint64(contents),
		Pitch:    binary.LittleEndian.Uint32(contents[8:]),
		Width:    binary.LittleEndian.Uint32(contents[12:]),
		Height:   binary.LittleEndian.Uint32(contents[16:]),
		Bpp:      contents[20],
		Type:     FramebufferType(contents[21]),
	}, true
}

// CmdLine returns the key-value pairs passed to the boot stub in the boot
// command line. Keys without a value are mapped to themselves.
func (i *Info) CmdLine() map[string]string {
	kv := make(map[string]string)

	contents := i.findTag(tagBootCmdLine)
	if nul := strings.IndexByte(string(contents), 0); nul != -1 {
		contents = contents[:nul]
	}

	for _, pair := range strings.Fields(string(contents)) {
		if key, value, found := strings.Cut(pair, "="); found {
			kv[key] = value
		} else {
			kv[key] = key
		}
	}

	return kv
}

// findTag returns the contents of the first tag of the given type, excluding
// the tag header, or nil if the tag is not present.
func (i *Info) findTag(tag tagType) []byte {
	var contents []byte
	_ = i.visitTags(func(cur tagType, data []byte) bool {
		if cur == tag {
			contents = data
			return false
		}
		return cur != tagMbSectionEnd
	})

	return contents
}

// visitTags invokes visitor with the type and contents of each tag until
// the visitor returns false.
func (i *Info) visitTags(visitor func(tag tagType, contents []byte) bool) *kernel.Error {
	for offset := uint64(infoHeaderSize); ; {
		if offset+tagHeaderSize > uint64(len(i.data)) {
			return ErrInvalidInfo
		}

		var (
			tag  = tagType(binary.LittleEndian.Uint32(i.data[offset:]))
			size = uint64(binary.LittleEndian.Uint32(i.data[offset+4:]))
		)
		if size < tagHeaderSize || offset+size > uint64(len(i.data)) {
			return ErrInvalidInfo
		}

		if !visitor(tag, i.data[offset+tagHeaderSize:offset+size]) {
			return nil
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}
}

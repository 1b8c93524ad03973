package vmm

import "bootcore/kernel/mem"

// Level identifies a page table level by its rank. Level1 tables hold the
// entries that map physical frames; Level5 is the root when five-level
// paging is enabled.
type Level uint8

// The supported page table levels.
const (
	Level1 Level = iota + 1
	Level2
	Level3
	Level4
	Level5
)

const (
	// entriesPerTable is the number of entries in a page table of any
	// level.
	entriesPerTable = 512

	// indexBits is the number of virtual address bits that select an
	// entry within a table.
	indexBits = 9
	indexMask = entriesPerTable - 1
)

// levelInfo is indexed by rank.
var levelInfo = [Level5 + 1]struct {
	shift uint8
	name  string
}{
	{0, "invalid"},
	{mem.PageShift + 0*indexBits, "PT"},
	{mem.PageShift + 1*indexBits, "PD"},
	{mem.PageShift + 2*indexBits, "PDPT"},
	{mem.PageShift + 3*indexBits, "PML4"},
	{mem.PageShift + 4*indexBits, "PML5"},
}

// Valid returns true if l is one of the supported levels.
func (l Level) Valid() bool {
	return l >= Level1 && l <= Level5
}

// Rank returns the numeric rank of the level.
func (l Level) Rank() uint8 {
	return uint8(l)
}

// IsLeaf returns true for the level whose entries map frames.
func (l Level) IsLeaf() bool {
	return l == Level1
}

// Down returns the level below l. The second return value is false for the
// leaf level.
func (l Level) Down() (Level, bool) {
	if !l.Valid() || l.IsLeaf() {
		return 0, false
	}
	return l - 1, true
}

// Shift returns the bit position of the lowest virtual address bit that
// selects an entry in a table of this level.
func (l Level) Shift() uint {
	if !l.Valid() {
		return 0
	}
	return uint(levelInfo[l].shift)
}

// Index returns the index of the entry that covers virtAddr within a table
// of this level.
func (l Level) Index(virtAddr uintptr) uint {
	return uint(virtAddr>>l.Shift()) & indexMask
}

// EntrySpan returns the number of bytes of virtual address space covered by
// a single entry of a table at this level.
func (l Level) EntrySpan() uint64 {
	return 1 << l.Shift()
}

// String implements fmt.Stringer for Level.
func (l Level) String() string {
	if !l.Valid() {
		return levelInfo[0].name
	}
	return levelInfo[l].name
}

// RootLevel returns the root table level for the paging mode.
func RootLevel(fiveLevel bool) Level {
	if fiveLevel {
		return Level5
	}
	return Level4
}

// Canonical sign-extends the highest virtual address bit that is translated
// by a hierarchy rooted at root.
func Canonical(root Level, virtAddr uintptr) uintptr {
	unused := 64 - (root.Shift() + indexBits)
	return uintptr(int64(virtAddr<<unused) >> unused)
}

// ComposeAddress builds the canonical virtual address whose table indices
// starting at the root level are given by indices, followed by the page
// offset. Missing trailing indices are treated as zero.
func ComposeAddress(root Level, indices []uint, offset uintptr) uintptr {
	var virtAddr = offset & uintptr(mem.PageSize-1)
	for i, level := 0, root; i < len(indices) && level.Valid(); i, level = i+1, level-1 {
		virtAddr |= uintptr(indices[i]&indexMask) << level.Shift()
	}

	return Canonical(root, virtAddr)
}

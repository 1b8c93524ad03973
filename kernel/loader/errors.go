package loader

import (
	"bootcore/kernel"
	"bootcore/kernel/mem/vmm"
	"fmt"
)

var (
	// ErrCorruptImage is returned when the image is not a well-formed
	// little-endian x86-64 ELF64 executable with at least one LOAD segment.
	ErrCorruptImage = &kernel.Error{Module: "loader", Message: "corrupt ELF image"}

	// ErrUnsupportedSegment is returned for LOAD segments whose alignment
	// or placement cannot be staged.
	ErrUnsupportedSegment = &kernel.Error{Module: "loader", Message: "unsupported ELF segment"}

	// ErrOutOfPhysicalMemory is returned when the staging memory for the
	// image cannot be obtained.
	ErrOutOfPhysicalMemory = &kernel.Error{Module: "loader", Message: "out of physical memory"}

	// ErrMappingFailed is returned when a page table required for mapping
	// the image could not be created.
	ErrMappingFailed = &kernel.Error{Module: "loader", Message: "page mapping failed"}
)

// MapError describes a MapImage failure. Err holds one of the loader
// sentinels or vmm.ErrPageTableConflict. Level and VirtAddr are set for
// mapping failures and Cause holds the underlying error, if any.
type MapError struct {
	Err      *kernel.Error
	Level    vmm.Level
	VirtAddr uintptr
	Cause    *kernel.Error
}

// Error implements error.
func (e *MapError) Error() string {
	msg := e.Err.Error()
	if e.Level.Valid() {
		msg += fmt.Sprintf(" at %s entry for 0x%x", e.Level, e.VirtAddr)
	}

	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the sentinel error so callers can use errors.Is.
func (e *MapError) Unwrap() error {
	return e.Err
}

func newMapError(err, cause *kernel.Error) *MapError {
	return &MapError{Err: err, Cause: cause}
}

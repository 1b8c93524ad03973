// Package kernel contains the types shared by every boot-time memory
// management package.
package kernel

// Error describes a boot-time error. Errors are defined as package-level
// pointers to an Error value so callers can compare them by identity without
// requiring any allocation on the failure paths.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

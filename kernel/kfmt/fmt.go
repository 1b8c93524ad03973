// Package kfmt implements the logging facade used by the boot core. Output is
// buffered in a fixed-size ring buffer until a sink becomes available.
package kfmt

import (
	"fmt"
	"io"

	"bootcore/kernel/sync"
)

var (
	// earlyPrintBuffer captures Printf output emitted before an output sink
	// has been attached.
	earlyPrintBuffer ringBuffer

	// outputSink is where Printf sends its output. If nil, output is
	// redirected to earlyPrintBuffer.
	outputSink io.Writer

	sinkLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and flushes
// any data accumulated in the early print buffer into it.
func SetOutputSink(w io.Writer) {
	sinkLock.Guard(func() {
		outputSink = w
		if w != nil {
			_, _ = io.Copy(w, &earlyPrintBuffer)
		}
	})
}

// GetOutputSink returns the currently active output sink or nil if output is
// still being buffered.
func GetOutputSink() io.Writer {
	var w io.Writer
	sinkLock.Guard(func() { w = outputSink })
	return w
}

// Printf formats according to a fmt-style format specifier and writes to the
// active output sink. Messages emitted by the core are prefixed with the name
// of the emitting module in square brackets, e.g. "[vmm] ...".
func Printf(format string, args ...interface{}) {
	sinkLock.Guard(func() {
		Fprintf(outputSink, format, args...)
	})
}

// Fprintf behaves like Printf but writes the formatted output to w. A nil w
// writes to the early print buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = &earlyPrintBuffer
	}

	_, _ = fmt.Fprintf(w, format, args...)
}

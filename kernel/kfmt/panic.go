package kfmt

import (
	"bootcore/kernel"
	"bootcore/kernel/cpu"
)

// runtimeModule is reported for panics that do not carry a *kernel.Error.
const runtimeModule = "rt"

// cpuHaltFn is mocked by tests.
var cpuHaltFn = cpu.Halt

// Panic outputs the supplied error (if not nil) and halts the CPU. Calls to
// Panic never return unless cpuHaltFn is replaced.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: runtimeModule, Message: t}
	case error:
		err = &kernel.Error{Module: runtimeModule, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** boot panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

package kfmt

import "pmos/kernel"

var (
	// cpuHaltFn is invoked by Panic after printing the error banner. kmain
	// points it at the CPU's halt instruction; until then Panic parks the
	// calling goroutine forever.
	cpuHaltFn = func() { select {} }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltFn registers the function used by Panic to stop the CPU.
func SetHaltFn(fn func()) {
	if fn == nil {
		fn = func() { select {} }
	}
	cpuHaltFn = fn
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

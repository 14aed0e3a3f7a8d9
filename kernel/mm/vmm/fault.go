package vmm

import (
	"bytes"
	"runtime/debug"

	"pmos/kernel/gate"
	"pmos/kernel/kfmt"
	"pmos/kernel/mm"
)

var (
	// stackDumpFn returns the call stack printed by the page fault
	// handler. It is overridden by tests.
	stackDumpFn = debug.Stack
)

// FaultReason decodes the error code pushed by the CPU for a page fault.
type FaultReason uint32

const (
	// FaultProtection is set when the page was present but the access
	// violated its permissions. If clear, the page was not present.
	FaultProtection FaultReason = 1 << iota

	// FaultWrite is set when the faulting access was a write.
	FaultWrite

	// FaultUser is set when the CPU was running in user mode.
	FaultUser

	// FaultReserved is set when a page table entry had a reserved bit set.
	FaultReserved

	// FaultFetch is set when the fault was caused by an instruction fetch.
	FaultFetch
)

// String returns a description of the fault.
func (r FaultReason) String() string {
	op := "read"
	switch {
	case r&FaultFetch != 0:
		op = "instruction fetch"
	case r&FaultWrite != 0:
		op = "write"
	}

	var desc string
	switch {
	case r&FaultProtection != 0:
		desc = "page protection violation (" + op + ")"
	case op == "write":
		desc = "write to non-present page"
	default:
		desc = op + " from non-present page"
	}

	if r&FaultUser != 0 {
		desc += " in user-mode"
	}
	if r&FaultReserved != 0 {
		desc += "; page table has reserved bit set"
	}
	return desc
}

// pageFaultHandler runs when the CPU raises a page fault. It prints a
// diagnostic and maps the faulting page to the forbidden page in the active
// address space so that the faulting access can be retried.
func (m *Manager) pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = uintptr(m.hw.ReadCR2())
		faultPage    = mm.PageFromAddress(faultAddress)
		w            = &kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[vmm] ")}
	)

	kfmt.Fprintf(w, "page fault while accessing address: 0x%08x\n", faultAddress)
	kfmt.Fprintf(w, "reason: %s\n", FaultReason(regs.Info))
	kfmt.Fprintf(w, "registers:\n")
	regs.DumpTo(w)
	kfmt.Fprintf(w, "call stack:\n%s\n", bytes.TrimRight(stackDumpFn(), "\n"))

	if m.active == nil {
		kfmt.Fprintf(w, "no active address space; fault not handled\n")
		return
	}

	if err := m.active.MapForbidden(faultPage); err != nil {
		kfmt.Fprintf(w, "unable to map page 0x%08x to the forbidden page: %s\n", faultPage.Address(), err.Message)
		return
	}

	kfmt.Fprintf(w, "page 0x%08x mapped to the forbidden page\n", faultPage.Address())
}

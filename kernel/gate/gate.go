// Package gate provides the interrupt dispatch table of the 32-bit
// protected-mode CPU.
package gate

import (
	"io"

	"pmos/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception or
// interrupt occurs.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// Info contains the error code pushed by the CPU for exceptions or the
	// IRQ number for HW interrupts.
	Info uint32

	// The return frame used by IRET
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %08x EBX = %08x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %08x EDX = %08x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %08x EDI = %08x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %08x ERR = %08x\n", r.EBP, r.Info)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %08x CS  = %08x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %08x SS  = %08x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %08x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// Overflow occurs when the INTO instruction is executed with the
	// overflow flag set.
	Overflow = InterruptNumber(4)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an exception occurs within a running
	// exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory or page table entry
	// is not present or when a privilege and/or RW protection check fails.
	PageFaultException = InterruptNumber(14)
)

// Handler is invoked with a snapshot of the CPU registers when the interrupt
// it is registered for occurs.
type Handler func(*Registers)

// Table routes interrupts to their registered handlers. The zero value is an
// empty table with every gate marked as non-present.
type Table struct {
	handlers [256]Handler
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Registering a handler for a slot that
// already has one replaces it.
func (t *Table) HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	t.handlers[intNumber] = handler
}

// Installed returns true if a handler is registered for intNumber.
func (t *Table) Installed(intNumber InterruptNumber) bool {
	return t.handlers[intNumber] != nil
}

// Dispatch routes an incoming interrupt to the handler registered for it. It
// returns false if the gate is not present.
func (t *Table) Dispatch(intNumber InterruptNumber, regs *Registers) bool {
	handler := t.handlers[intNumber]
	if handler == nil {
		return false
	}

	handler(regs)
	return true
}

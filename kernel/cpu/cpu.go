// Package cpu provides a single-core 32-bit x86 protected-mode CPU. It owns
// the control registers, the interrupt flag and the interrupt dispatch table
// and performs every memory access through a two-level MMU that walks page
// directories and page tables stored in physical memory.
package cpu

import (
	"pmos/kernel"
	"pmos/kernel/gate"
	"pmos/kernel/mm"
)

const (
	// cr0PG enables paging.
	cr0PG = uint32(1 << 31)

	// cr0WP makes read-only pages write-protected for supervisor accesses.
	cr0WP = uint32(1 << 16)

	// cr3AddrMask selects the page directory base address bits.
	cr3AddrMask = uint32(0xfffff000)

	eflagsIF = uint32(1 << 9)

	kernelCodeSelector = uint32(0x08)
	kernelDataSelector = uint32(0x10)
	userCodeSelector   = uint32(0x1b)
	userDataSelector   = uint32(0x23)
)

var (
	// ErrAccessDropped is returned when a memory access still faults after
	// the page fault handler returned.
	ErrAccessDropped = &kernel.Error{Module: "cpu", Message: "memory access dropped after repeated page fault"}

	// ErrUnhandledException is returned when an exception is raised while
	// no handler is installed for it. The CPU is halted.
	ErrUnhandledException = &kernel.Error{Module: "cpu", Message: "unhandled exception; CPU halted"}

	// ErrBusError is returned when a physical address falls outside
	// the installed memory.
	ErrBusError = &kernel.Error{Module: "cpu", Message: "physical address not backed by memory"}

	// ErrHalted is returned by memory accesses issued after the CPU has
	// been halted.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "CPU is halted"}
)

// Privilege describes the privilege level of a memory access.
type Privilege uint8

const (
	// Supervisor accesses are issued by code running in ring 0.
	Supervisor Privilege = iota

	// User accesses are issued by code running in ring 3.
	User
)

// CPU is a single x86 core attached to a block of physical memory.
type CPU struct {
	mem *mm.PhysMem
	idt gate.Table

	cr0 uint32
	cr2 uint32
	cr3 uint32

	interrupts bool
	halted     bool
}

// New returns a CPU in its reset state (paging off, interrupts masked)
// attached to mem.
func New(mem *mm.PhysMem) *CPU {
	return &CPU{mem: mem}
}

// Memory returns the physical memory attached to the CPU.
func (c *CPU) Memory() *mm.PhysMem {
	return c.mem
}

// EnableInterrupts enables interrupt handling.
func (c *CPU) EnableInterrupts() {
	c.interrupts = true
}

// DisableInterrupts disables interrupt handling.
func (c *CPU) DisableInterrupts() {
	c.interrupts = false
}

// InterruptsEnabled returns the state of the interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	return c.interrupts
}

// Halt stops instruction execution. Any memory access issued after Halt
// fails with ErrHalted.
func (c *CPU) Halt() {
	c.interrupts = false
	c.halted = true
}

// Halted returns true if the CPU has been halted.
func (c *CPU) Halted() bool {
	return c.halted
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address.
func (c *CPU) SwitchPDT(pdtPhysAddr uintptr) {
	c.cr3 = uint32(pdtPhysAddr) & cr3AddrMask
}

// ActivePDT returns the physical address of the currently active page table.
func (c *CPU) ActivePDT() uintptr {
	return uintptr(c.cr3 & cr3AddrMask)
}

// EnablePaging sets CR0.PG and CR0.WP. From this point on every access is
// translated through the page directory loaded in CR3.
func (c *CPU) EnablePaging() {
	c.cr0 |= cr0PG | cr0WP
}

// PagingEnabled returns true if CR0.PG is set.
func (c *CPU) PagingEnabled() bool {
	return c.cr0&cr0PG != 0
}

// ReadCR2 returns the value stored in the CR2 register.
func (c *CPU) ReadCR2() uint32 {
	return c.cr2
}

// HandleInterrupt installs handler for the specified interrupt number.
func (c *CPU) HandleInterrupt(intNumber gate.InterruptNumber, handler gate.Handler) {
	c.idt.HandleInterrupt(intNumber, handler)
}

// ReadByte reads the byte at virtAddr.
func (c *CPU) ReadByte(virtAddr uintptr, priv Privilege) (byte, *kernel.Error) {
	physAddr, err := c.access(virtAddr, false, priv)
	if err != nil {
		return 0, err
	}
	return *c.mem.Byte(physAddr), nil
}

// WriteByte stores val at virtAddr.
func (c *CPU) WriteByte(virtAddr uintptr, val byte, priv Privilege) *kernel.Error {
	physAddr, err := c.access(virtAddr, true, priv)
	if err != nil {
		return err
	}
	*c.mem.Byte(physAddr) = val
	return nil
}

// Read fills buf with the bytes starting at virtAddr. It returns the number
// of bytes read before an access failed.
func (c *CPU) Read(virtAddr uintptr, buf []byte, priv Privilege) (int, *kernel.Error) {
	for i := range buf {
		b, err := c.ReadByte(virtAddr+uintptr(i), priv)
		if err != nil {
			return i, err
		}
		buf[i] = b
	}
	return len(buf), nil
}

// Write stores data starting at virtAddr. It returns the number of bytes
// written before an access failed.
func (c *CPU) Write(virtAddr uintptr, data []byte, priv Privilege) (int, *kernel.Error) {
	for i, b := range data {
		if err := c.WriteByte(virtAddr+uintptr(i), b, priv); err != nil {
			return i, err
		}
	}
	return len(data), nil
}

// access translates virtAddr into a physical address. A failed translation
// raises a page fault; once the handler returns the access is retried a
// single time.
func (c *CPU) access(virtAddr uintptr, write bool, priv Privilege) (uintptr, *kernel.Error) {
	if c.halted {
		return 0, ErrHalted
	}

	for attempt := 0; attempt < 2; attempt++ {
		physAddr, errCode, err := c.translate(virtAddr, write, priv)
		if err != nil {
			return 0, err
		}

		if errCode == noFault {
			return physAddr, nil
		}

		if err = c.raisePageFault(virtAddr, errCode, priv); err != nil {
			return 0, err
		}
	}

	return 0, ErrAccessDropped
}

// raisePageFault loads CR2 and dispatches the page fault exception with
// interrupts masked for the duration of the handler.
func (c *CPU) raisePageFault(virtAddr uintptr, errCode uint32, priv Privilege) *kernel.Error {
	c.cr2 = uint32(virtAddr)

	regs := gate.Registers{
		Info: errCode,
		CS:   kernelCodeSelector,
		SS:   kernelDataSelector,
	}
	if priv == User {
		regs.CS, regs.SS = userCodeSelector, userDataSelector
	}
	if c.interrupts {
		regs.EFlags |= eflagsIF
	}

	prevIF := c.interrupts
	c.interrupts = false
	handled := c.idt.Dispatch(gate.PageFaultException, &regs)
	c.interrupts = prevIF

	if !handled {
		c.Halt()
		return ErrUnhandledException
	}
	return nil
}

// Package vmm implements the virtual memory manager: page tables, address
// spaces, page fault recovery and address space cloning for fork.
package vmm

import (
	"pmos/kernel"
	"pmos/kernel/gate"
	"pmos/kernel/kfmt"
	"pmos/kernel/mm"
	"pmos/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrInvalidFrame is returned when trying to map the reserved null frame.
	ErrInvalidFrame = &kernel.Error{Module: "vmm", Message: "frame 0 cannot be mapped"}

	// ErrCloneAllocation is returned when an address space cannot be cloned
	// because the frame allocator ran out of memory. No frames are leaked.
	ErrCloneAllocation = &kernel.Error{Module: "vmm", Message: "not enough memory to clone address space"}

	// ErrAddressSpaceDestroyed is returned when operating on an address
	// space after Destroy has been called on it.
	ErrAddressSpaceDestroyed = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}

	// ErrAddressSpaceInUse is returned when destroying the kernel address
	// space or the active address space.
	ErrAddressSpaceInUse = &kernel.Error{Module: "vmm", Message: "cannot destroy the kernel or the active address space"}

	errTableNotAddressable = &kernel.Error{Module: "vmm", Message: "page table frame is not backed by physical memory"}
)

// Hardware describes the CPU facilities used by the virtual memory manager.
type Hardware interface {
	sync.InterruptController

	// SwitchPDT loads the physical address of a page directory into CR3.
	SwitchPDT(pdtPhysAddr uintptr)

	// ActivePDT returns the physical address of the active page directory.
	ActivePDT() uintptr

	// EnablePaging turns on address translation.
	EnablePaging()

	// PagingEnabled returns true if address translation is on.
	PagingEnabled() bool

	// ReadCR2 returns the faulting address of the last page fault.
	ReadCR2() uint32

	// HandleInterrupt installs a handler for an interrupt number.
	HandleInterrupt(gate.InterruptNumber, gate.Handler)
}

// Config contains the boot parameters used to initialize the virtual memory
// manager.
type Config struct {
	// KernelEnd is the physical address where the kernel image (code,
	// data and boot-time allocations) ends.
	KernelEnd uintptr

	// HeapSlack is the amount of memory past KernelEnd that is identity
	// mapped for future kernel heap growth. Defaults to 64K.
	HeapSlack uintptr
}

// Manager owns the kernel address space, the forbidden page and the notion
// of the active address space.
type Manager struct {
	hw     Hardware
	mem    *mm.PhysMem
	frames mm.FrameAllocator
	lock   sync.InterruptLock

	// forbiddenFrame is filled with 0xff and mapped read-only in place of
	// pages that fault.
	forbiddenFrame mm.Frame

	kernelSpace *AddressSpace
	active      *AddressSpace
}

// Init initializes the vmm system. It reserves the frames occupied by the
// kernel, sets up the forbidden page, creates the kernel page directory with
// an identity mapping of [PageSize, KernelEnd+HeapSlack), installs the page
// fault handler and enables paging.
//
// The null page is left unmapped so that nil pointer dereferences fault.
func Init(hw Hardware, mem *mm.PhysMem, frames mm.FrameAllocator, cfg Config) (*Manager, *kernel.Error) {
	if cfg.HeapSlack == 0 {
		cfg.HeapSlack = defaultHeapSlack
	}

	m := &Manager{
		hw:     hw,
		mem:    mem,
		frames: frames,
		lock:   sync.NewInterruptLock(hw),
	}

	identityEnd := (cfg.KernelEnd + cfg.HeapSlack + mm.PageSize - 1) &^ (mm.PageSize - 1)

	// Frames used by the kernel image and its heap must never be handed out
	for frame := mm.Frame(0); frame < mm.FrameFromAddress(identityEnd); frame++ {
		if err := frames.ReserveFrame(frame); err != nil {
			return nil, err
		}
	}

	var err *kernel.Error
	if m.forbiddenFrame, err = frames.AllocFrame(); err != nil {
		return nil, err
	}
	if err = mem.Memset(m.forbiddenFrame, 0xff); err != nil {
		return nil, err
	}

	if m.kernelSpace, err = m.newEmptySpace(); err != nil {
		return nil, err
	}

	if _, err = m.kernelSpace.IdentityMapRegion(1, identityEnd-mm.PageSize, FlagPresent|FlagRW); err != nil {
		return nil, err
	}

	// The fault handler must be in place before paging is enabled.
	hw.HandleInterrupt(gate.PageFaultException, m.pageFaultHandler)

	if err = m.SwitchTo(m.kernelSpace); err != nil {
		return nil, err
	}

	kfmt.Printf("[vmm] identity mapped [0x%08x - 0x%08x); forbidden page at frame %d\n", mm.PageSize, identityEnd, m.forbiddenFrame)
	return m, nil
}

// KernelSpace returns the kernel address space.
func (m *Manager) KernelSpace() *AddressSpace {
	return m.kernelSpace
}

// ActiveSpace returns the address space currently loaded in CR3.
func (m *Manager) ActiveSpace() *AddressSpace {
	return m.active
}

// ForbiddenFrame returns the frame that backs every page remapped by the page
// fault handler.
func (m *Manager) ForbiddenFrame() mm.Frame {
	return m.forbiddenFrame
}

// Frames returns the frame allocator used by the manager.
func (m *Manager) Frames() mm.FrameAllocator {
	return m.frames
}

// SwitchTo loads space into CR3, enables paging if it is not yet enabled and
// records space as the active address space. All three steps run with
// interrupts masked.
func (m *Manager) SwitchTo(space *AddressSpace) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if space.destroyed {
		return ErrAddressSpaceDestroyed
	}

	m.hw.SwitchPDT(space.pdtFrame.Address())
	if !m.hw.PagingEnabled() {
		m.hw.EnablePaging()
	}
	m.active = space
	return nil
}

// NewAddressSpace creates an empty address space that shares every kernel
// page table by reference.
func (m *Manager) NewAddressSpace() (*AddressSpace, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	space, err := m.newEmptySpace()
	if err != nil {
		return nil, err
	}

	kernelDir, dir := m.table(m.kernelSpace.pdtFrame), m.table(space.pdtFrame)
	for index, entry := range kernelDir {
		if entry.Mapped() {
			dir[index] = entry
		}
	}

	return space, nil
}

// newEmptySpace allocates a zeroed page directory.
func (m *Manager) newEmptySpace() (*AddressSpace, *kernel.Error) {
	pdtFrame, err := m.frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	if err = m.mem.Memset(pdtFrame, 0); err != nil {
		_ = m.frames.FreeFrame(pdtFrame)
		return nil, err
	}

	return &AddressSpace{mgr: m, pdtFrame: pdtFrame}, nil
}

// sharedWithKernel returns true if directory slot index of dir references the
// same page table as the kernel directory. Frames are compared instead of
// whole entries as the CPU updates the accessed bit independently in each
// directory.
func (m *Manager) sharedWithKernel(dir *[entriesPerTable]PageTableEntry, index int) bool {
	kernelEntry := m.table(m.kernelSpace.pdtFrame)[index]
	return kernelEntry.Mapped() && kernelEntry.Frame() == dir[index].Frame()
}

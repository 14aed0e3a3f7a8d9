package vmm

import (
	"pmos/kernel"
	"pmos/kernel/mm"
)

// AddressSpace describes a page directory together with the page tables and
// frames it reaches. Page tables that are also referenced by the kernel
// directory are shared by every address space; all other tables and mapped
// frames belong to this address space alone.
type AddressSpace struct {
	mgr       *Manager
	pdtFrame  mm.Frame
	destroyed bool
}

// Frame returns the physical frame that holds the page directory.
func (as *AddressSpace) Frame() mm.Frame {
	return as.pdtFrame
}

// Destroyed returns true once Destroy has released the address space.
func (as *AddressSpace) Destroyed() bool {
	return as.destroyed
}

// Destroy releases every frame owned by the address space: the frames mapped
// through its private page tables (except the forbidden page), the private
// page tables and finally the page directory. Tables shared with the kernel
// are left untouched. The kernel address space and the active address space
// cannot be destroyed.
func (as *AddressSpace) Destroy() *kernel.Error {
	m := as.mgr
	m.lock.Acquire()
	defer m.lock.Release()

	switch {
	case as.destroyed:
		return ErrAddressSpaceDestroyed
	case as == m.kernelSpace || as == m.active:
		return ErrAddressSpaceInUse
	}

	var firstErr *kernel.Error
	release := func(frame mm.Frame) {
		if err := m.frames.FreeFrame(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	dir := m.table(as.pdtFrame)
	for index := range dir {
		if !dir[index].Mapped() || m.sharedWithKernel(dir, index) {
			continue
		}

		for _, pte := range m.table(dir[index].Frame()) {
			if pte.Mapped() && pte.Frame() != m.forbiddenFrame {
				release(pte.Frame())
			}
		}

		release(dir[index].Frame())
		dir[index] = 0
	}

	release(as.pdtFrame)
	as.destroyed = true
	return firstErr
}

// VisitMappings invokes visitor for every mapped page in the address space in
// increasing page order. Pages reached through tables shared with the kernel
// are reported with shared set to true. The visit is aborted if the visitor
// returns false.
func (as *AddressSpace) VisitMappings(visitor func(page mm.Page, pte PageTableEntry, shared bool) bool) {
	if as.destroyed {
		return
	}

	m := as.mgr
	dir := m.table(as.pdtFrame)
	for dirIndex := range dir {
		if !dir[dirIndex].Mapped() {
			continue
		}

		shared := as != m.kernelSpace && m.sharedWithKernel(dir, dirIndex)
		for tableIndex, pte := range m.table(dir[dirIndex].Frame()) {
			if !pte.Mapped() {
				continue
			}

			page := mm.Page(dirIndex<<pageLevelBits[1] | tableIndex)
			if !visitor(page, pte, shared) {
				return
			}
		}
	}
}

// OwnedFrames returns the number of frames that Destroy would release.
func (as *AddressSpace) OwnedFrames() int {
	if as.destroyed {
		return 0
	}

	m := as.mgr
	count := 1
	dir := m.table(as.pdtFrame)
	for index := range dir {
		if !dir[index].Mapped() || m.sharedWithKernel(dir, index) {
			continue
		}

		count++
		for _, pte := range m.table(dir[index].Frame()) {
			if pte.Mapped() && pte.Frame() != m.forbiddenFrame {
				count++
			}
		}
	}
	return count
}

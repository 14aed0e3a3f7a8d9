package vmm

import (
	"pmos/kernel"
	"pmos/kernel/mm"
)

// Map establishes a mapping between a virtual page and a physical memory frame
// in this address space. Missing page tables are allocated from the frame
// allocator. FlagPresent is always set on the new entry and the frame is
// reserved in the frame allocator.
//
// If the page is already mapped, Map leaves the existing mapping in place and
// returns nil. Attempts to map frame 0 return ErrInvalidFrame.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if frame == 0 || !frame.Valid() {
		return ErrInvalidFrame
	}

	m := as.mgr
	m.lock.Acquire()
	defer m.lock.Release()

	if as.destroyed {
		return ErrAddressSpaceDestroyed
	}

	pte, err := m.lookupOrCreate(as.pdtFrame, page)
	if err != nil {
		return err
	}

	if pte.Mapped() {
		return nil
	}

	if err = m.frames.ReserveFrame(frame); err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)
	return nil
}

// MapToFirstAvailable maps page to a cleared frame obtained from the frame
// allocator. If the page is already mapped, MapToFirstAvailable returns nil
// without allocating. pmm.ErrOutOfMemory is returned when no frame is
// available; the address space is left unchanged apart from any page table
// that had to be created.
func (as *AddressSpace) MapToFirstAvailable(page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	m := as.mgr
	m.lock.Acquire()
	defer m.lock.Release()

	if as.destroyed {
		return ErrAddressSpaceDestroyed
	}

	pte, err := m.lookupOrCreate(as.pdtFrame, page)
	if err != nil {
		return err
	}

	if pte.Mapped() {
		return nil
	}

	frame, err := m.frames.AllocFrame()
	if err != nil {
		return err
	}

	if err = m.mem.Memset(frame, 0); err != nil {
		_ = m.frames.FreeFrame(frame)
		return err
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)
	return nil
}

// Unmap removes the mapping for page and releases its frame back to the frame
// allocator. The forbidden page is never released. Unmapping a page that is
// not mapped is a no-op.
func (as *AddressSpace) Unmap(page mm.Page) *kernel.Error {
	m := as.mgr
	m.lock.Acquire()
	defer m.lock.Release()

	if as.destroyed {
		return ErrAddressSpaceDestroyed
	}

	pte := m.lookup(as.pdtFrame, page)
	if pte == nil || !pte.Mapped() {
		return nil
	}

	frame := pte.Frame()
	*pte = 0

	if frame == m.forbiddenFrame {
		return nil
	}
	return m.frames.FreeFrame(frame)
}

// MapForbidden maps page to the forbidden page with read-only supervisor
// permissions. Reads through the mapping return 0xff; writes fault.
func (as *AddressSpace) MapForbidden(page mm.Page) *kernel.Error {
	return as.Map(page, as.mgr.forbiddenFrame, FlagPresent)
}

// Translate returns the raw page table entry for virtAddr. A zero entry is
// returned if no page table covers virtAddr.
func (as *AddressSpace) Translate(virtAddr uintptr) PageTableEntry {
	pte := as.mgr.lookup(as.pdtFrame, mm.PageFromAddress(virtAddr))
	if pte == nil {
		return 0
	}
	return *pte
}

// TranslateAddress returns the physical address that corresponds to the
// supplied virtual address or ErrInvalidMapping if the virtual address does
// not correspond to a mapped physical address.
func (as *AddressSpace) TranslateAddress(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte := as.Translate(virtAddr)
	if !pte.Mapped() || !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pte.Frame().Address() + (virtAddr & (mm.PageSize - 1)), nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func (as *AddressSpace) IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift)

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := as.Map(curPage, mm.Frame(curPage), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

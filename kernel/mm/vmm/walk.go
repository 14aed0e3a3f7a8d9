package vmm

import (
	"unsafe"

	"pmos/kernel"
	"pmos/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *PageTableEntry) bool

// table returns the page directory or page table stored in the specified
// frame.
func (m *Manager) table(frame mm.Frame) *[entriesPerTable]PageTableEntry {
	data := m.mem.FrameData(frame)
	if data == nil {
		return nil
	}
	return (*[entriesPerTable]PageTableEntry)(unsafe.Pointer(&data[0]))
}

// walk performs a page table walk for the given virtual address starting at
// the page directory stored in pdtFrame. It calls the suppplied walkFn with
// the page table entry that corresponds to each page table level. If walkFn
// returns false then the walk is aborted.
//
// walkFn may install a table in a directory entry; the walk continues with
// the table the entry points to after walkFn returns.
func (m *Manager) walk(pdtFrame mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pdtFrame
	for level := uint8(0); level < pageLevels; level++ {
		table := m.table(tableFrame)
		if table == nil {
			return
		}

		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		pte := &table[entryIndex]
		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// lookup returns the final page table entry for page in the page directory
// stored in pdtFrame, or nil if the page table covering page does not exist.
// lookup never allocates.
func (m *Manager) lookup(pdtFrame mm.Frame, page mm.Page) *PageTableEntry {
	var entry *PageTableEntry

	m.walk(pdtFrame, page.Address(), func(pteLevel uint8, pte *PageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		// Abort walk if the next page table is missing
		return pte.Mapped()
	})

	return entry
}

// lookupOrCreate behaves like lookup but allocates, clears and installs the
// page table covering page if it does not exist. New tables are installed as
// present, writeable and user accessible; the final entry decides the
// effective permissions.
func (m *Manager) lookupOrCreate(pdtFrame mm.Frame, page mm.Page) (*PageTableEntry, *kernel.Error) {
	var (
		entry *PageTableEntry
		err   *kernel.Error
	)

	m.walk(pdtFrame, page.Address(), func(pteLevel uint8, pte *PageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		if pte.Mapped() {
			return true
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		var newTableFrame mm.Frame
		if newTableFrame, err = m.frames.AllocFrame(); err != nil {
			return false
		}

		if err = m.mem.Memset(newTableFrame, 0); err != nil {
			_ = m.frames.FreeFrame(newTableFrame)
			return false
		}

		*pte = 0
		pte.SetFrame(newTableFrame)
		pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		return true
	})

	if err == nil && entry == nil {
		err = errTableNotAddressable
	}

	return entry, err
}

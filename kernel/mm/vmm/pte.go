package vmm

import "pmos/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint32

// PageTableEntry describes a page directory or page table entry. These
// entries encode a physical frame address and a set of flags. An entry whose
// frame is 0 is unmapped regardless of its flags.
type PageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Flags returns the flag bits of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint32(pte) &^ ptePhysPageMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (PageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | uint32(frame.Address()))
}

// Mapped returns true if the entry points to a frame.
func (pte PageTableEntry) Mapped() bool {
	return pte.Frame() != 0
}

// String returns a human readable list of the flags set on the entry.
func (f PageTableEntryFlag) String() string {
	names := [...]string{"present", "writeable", "user_access", "write_through", "no_cache", "accessed", "dirty", "huge", "global"}

	var out []byte
	for bit, name := range names {
		if f&(1<<uint(bit)) == 0 {
			continue
		}
		if len(out) != 0 {
			out = append(out, ' ')
		}
		out = append(out, name...)
	}
	return string(out)
}

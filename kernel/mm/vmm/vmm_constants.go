package vmm

const (
	// pageLevels indicates the number of page levels supported by the
	// 32-bit x86 architecture without PAE.
	pageLevels = 2

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-31 contain the physical memory address.
	ptePhysPageMask = uint32(0xfffff000)

	// entriesPerTable is the number of entries in a page directory or a page
	// table.
	entriesPerTable = 1 << 10

	// defaultHeapSlack is the amount of memory past the end of the kernel
	// image that is identity-mapped for the kernel heap when no explicit
	// value is configured.
	defaultHeapSlack = uintptr(0x10000)
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the 32-bit x86 architecture each level uses 10 bits which amounts
	// to 1024 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4M pages instead of 4K pages. Huge
	// pages are never created by this package.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal
)

// cloneFlagMask selects the flags copied from a source entry when an address
// space is cloned.
const cloneFlagMask = FlagPresent | FlagRW | FlagUserAccessible | FlagAccessed | FlagDirty

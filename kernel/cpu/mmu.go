package cpu

import "pmos/kernel"

const (
	ptePresent  = uint32(1 << 0)
	pteRW       = uint32(1 << 1)
	pteUser     = uint32(1 << 2)
	pteAccessed = uint32(1 << 5)
	pteDirty    = uint32(1 << 6)

	pteFrameMask = uint32(0xfffff000)

	// Page fault error code bits pushed by the CPU.
	faultProtection = uint32(1 << 0)
	faultWrite      = uint32(1 << 1)
	faultUser       = uint32(1 << 2)

	// noFault is returned by translate when the access is allowed.
	noFault = ^uint32(0)
)

// translate walks the active page directory and returns the physical address
// for virtAddr. If the access is not permitted, translate returns the error
// code that must accompany the page fault. On success the accessed bit is set
// on both entries and the dirty bit is set on the page table entry for writes.
func (c *CPU) translate(virtAddr uintptr, write bool, priv Privilege) (uintptr, uint32, *kernel.Error) {
	if !c.PagingEnabled() {
		if c.mem.Byte(virtAddr) == nil {
			return 0, 0, ErrBusError
		}
		return virtAddr, noFault, nil
	}

	errCode := uint32(0)
	if write {
		errCode |= faultWrite
	}
	if priv == User {
		errCode |= faultUser
	}

	addr := uint32(virtAddr)
	pde := c.mem.Uint32(uintptr(c.cr3&cr3AddrMask) + uintptr(addr>>22)<<2)
	if pde == nil {
		return 0, 0, ErrBusError
	}
	if *pde&ptePresent == 0 {
		return 0, errCode, nil
	}

	pte := c.mem.Uint32(uintptr(*pde&pteFrameMask) + uintptr((addr>>12)&0x3ff)<<2)
	if pte == nil {
		return 0, 0, ErrBusError
	}
	if *pte&ptePresent == 0 {
		return 0, errCode, nil
	}

	// Effective permissions are the intersection of both levels
	effective := *pde & *pte
	if priv == User && effective&pteUser == 0 {
		return 0, errCode | faultProtection, nil
	}
	if write && effective&pteRW == 0 && (priv == User || c.cr0&cr0WP != 0) {
		return 0, errCode | faultProtection, nil
	}

	*pde |= pteAccessed
	*pte |= pteAccessed
	if write {
		*pte |= pteDirty
	}

	physAddr := uintptr(*pte&pteFrameMask) | (virtAddr & 0xfff)
	if c.mem.Byte(physAddr) == nil {
		return 0, 0, ErrBusError
	}
	return physAddr, noFault, nil
}

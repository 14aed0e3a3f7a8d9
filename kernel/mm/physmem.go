package mm

import (
	"unsafe"

	"pmos/kernel"
)

var errPhysAddrOutOfRange = &kernel.Error{Module: "mm", Message: "physical address out of range"}

// PhysMem models the machine's RAM. Kernel structures that the MMU
// dereferences by physical address (page directories and tables) live inside
// it, exactly where the hardware walker expects them.
type PhysMem struct {
	data []byte
}

// NewPhysMem allocates size bytes of physical memory. The size is rounded down
// to a whole number of frames.
func NewPhysMem(size Size) *PhysMem {
	size &^= Size(PageSize - 1)
	return &PhysMem{data: make([]byte, size)}
}

// Size returns the amount of physical memory in bytes.
func (m *PhysMem) Size() Size {
	return Size(len(m.data))
}

// FrameCount returns the number of frames backed by this memory.
func (m *PhysMem) FrameCount() uint32 {
	return uint32(uintptr(len(m.data)) >> PageShift)
}

// Contains returns true if frame f is backed by this memory.
func (m *PhysMem) Contains(f Frame) bool {
	return f.Valid() && uintptr(f) < uintptr(m.FrameCount())
}

// FrameData returns a PageSize-long view of the contents of frame f or nil if
// the frame is not backed by this memory.
func (m *PhysMem) FrameData(f Frame) []byte {
	if !m.Contains(f) {
		return nil
	}

	start := f.Address()
	return m.data[start : start+PageSize : start+PageSize]
}

// Memset sets every byte of frame f to value. The implementation makes
// log2(PageSize) copy calls instead of a byte loop.
func (m *PhysMem) Memset(f Frame, value byte) *kernel.Error {
	target := m.FrameData(f)
	if target == nil {
		return errPhysAddrOutOfRange
	}

	target[0] = value
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
	return nil
}

// Memcopy copies the contents of frame src to frame dst.
func (m *PhysMem) Memcopy(src, dst Frame) *kernel.Error {
	srcData, dstData := m.FrameData(src), m.FrameData(dst)
	if srcData == nil || dstData == nil {
		return errPhysAddrOutOfRange
	}

	copy(dstData, srcData)
	return nil
}

// Uint32 returns a pointer to the aligned 32-bit word at physAddr or nil if
// the address is out of range. It is the primitive used by the MMU to read and
// update page directory and page table entries.
func (m *PhysMem) Uint32(physAddr uintptr) *uint32 {
	physAddr &^= 3
	if physAddr+4 > uintptr(len(m.data)) {
		return nil
	}
	return (*uint32)(unsafe.Pointer(&m.data[physAddr]))
}

// Byte returns a pointer to the byte at physAddr or nil if the address is out
// of range.
func (m *PhysMem) Byte(physAddr uintptr) *byte {
	if physAddr >= uintptr(len(m.data)) {
		return nil
	}
	return &m.data[physAddr]
}

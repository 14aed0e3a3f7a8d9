// Package mm defines the types shared by the physical and virtual memory
// managers: frame and page indices, memory sizes, the frame allocator
// contract and the machine's physical memory.
package mm

import "pmos/kernel"

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(^uintptr(0))
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// FrameAllocator is implemented by physical frame allocators. The virtual
// memory manager only talks to this interface so the allocation policy can be
// replaced without touching its callers.
type FrameAllocator interface {
	// AllocFrame reserves and returns the next free frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame releases a frame previously reserved by AllocFrame or
	// ReserveFrame.
	FreeFrame(Frame) *kernel.Error

	// ReserveFrame flags a specific frame as in use. Reserving a frame
	// that is already in use is not an error.
	ReserveFrame(Frame) *kernel.Error

	// IsAllocated returns true if the frame is currently in use.
	IsAllocated(Frame) bool
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

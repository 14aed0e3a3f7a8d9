// Package pmm implements the physical frame allocator.
package pmm

import (
	"io"
	"math/bits"

	"pmos/kernel"
	"pmos/kernel/kfmt"
	"pmos/kernel/mm"
)

var (
	// ErrOutOfMemory is returned by AllocFrame when every frame is in use.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidFrame is returned when releasing a frame that is not
	// currently allocated or when referencing a frame outside the managed
	// range.
	ErrInvalidFrame = &kernel.Error{Module: "pmm", Message: "frame is not managed by the allocator or not allocated"}
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap with one bit per frame. A set bit marks a frame
// as in use.
//
// Allocations are first-fit: AllocFrame always returns the lowest-numbered
// free frame. Frame 0 is reserved when the allocator is created so that a zero
// frame number can be used to denote an absent mapping.
type BitmapAllocator struct {
	// totalFrames tracks the number of frames managed by the allocator.
	totalFrames uint32

	// reservedFrames tracks the number of frames currently in use.
	reservedFrames uint32

	// freeBitmap tracks used/free frames; frame i maps to bit (i % 64) of
	// block (i / 64). Bits past totalFrames in the last block are kept set
	// so they are never handed out.
	freeBitmap []uint64
}

// NewBitmapAllocator returns an allocator managing every frame that fits in
// memSize bytes of physical memory.
func NewBitmapAllocator(memSize mm.Size) *BitmapAllocator {
	totalFrames := uint32(uint64(memSize) >> mm.PageShift)
	alloc := &BitmapAllocator{
		totalFrames: totalFrames,
		freeBitmap:  make([]uint64, (totalFrames+63)>>6),
	}

	if tail := totalFrames & 63; tail != 0 {
		alloc.freeBitmap[len(alloc.freeBitmap)-1] = ^uint64(0) << tail
	}

	if totalFrames != 0 {
		alloc.markUsed(0)
	}

	return alloc
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	return alloc.totalFrames
}

// FreeFrames returns the number of frames that can still be allocated.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	return alloc.totalFrames - alloc.reservedFrames
}

// AllocFrame reserves the lowest-numbered free frame. It returns
// ErrOutOfMemory if no frame is available.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.reservedFrames == alloc.totalFrames {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	for blockIndex, block := range alloc.freeBitmap {
		// Skip fully allocated blocks
		if block == ^uint64(0) {
			continue
		}

		frame := mm.Frame(blockIndex<<6 + bits.TrailingZeros64(^block))
		alloc.markUsed(frame)
		return frame, nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame so it can be handed out again. Releasing a frame
// that is not in use (e.g. a double free) returns ErrInvalidFrame and leaves the
// allocator state unchanged.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if !alloc.IsAllocated(frame) || frame == 0 {
		return ErrInvalidFrame
	}

	block, mask := alloc.bitFor(frame)
	alloc.freeBitmap[block] &^= mask
	alloc.reservedFrames--
	return nil
}

// ReserveFrame flags a particular frame as in use. It is used when a
// caller-supplied physical frame gets mapped (e.g. the identity mapping of the
// kernel image) so that AllocFrame never returns it. Reserving a frame that is
// already in use is a no-op.
func (alloc *BitmapAllocator) ReserveFrame(frame mm.Frame) *kernel.Error {
	if !alloc.inRange(frame) {
		return ErrInvalidFrame
	}

	if !alloc.IsAllocated(frame) {
		alloc.markUsed(frame)
	}
	return nil
}

// IsAllocated returns true if the frame is currently in use. Frames outside
// the managed range are reported as not allocated.
func (alloc *BitmapAllocator) IsAllocated(frame mm.Frame) bool {
	if !alloc.inRange(frame) {
		return false
	}

	block, mask := alloc.bitFor(frame)
	return alloc.freeBitmap[block]&mask != 0
}

// VisitFrames invokes visitor for every managed frame in increasing order. The
// visit is aborted if the visitor returns false.
func (alloc *BitmapAllocator) VisitFrames(visitor func(frame mm.Frame, allocated bool) bool) {
	for frame := mm.Frame(0); frame < mm.Frame(alloc.totalFrames); frame++ {
		if !visitor(frame, alloc.IsAllocated(frame)) {
			return
		}
	}
}

// PrintStats writes a summary of the allocator state to w.
func (alloc *BitmapAllocator) PrintStats(w io.Writer) {
	kfmt.Fprintf(w, "[pmm] frames: total=%d reserved=%d free=%d (%s free)\n",
		alloc.totalFrames,
		alloc.reservedFrames,
		alloc.FreeFrames(),
		mm.Size(uint64(alloc.FreeFrames())<<mm.PageShift),
	)
}

func (alloc *BitmapAllocator) inRange(frame mm.Frame) bool {
	return frame.Valid() && uint64(frame) < uint64(alloc.totalFrames)
}

func (alloc *BitmapAllocator) bitFor(frame mm.Frame) (int, uint64) {
	return int(frame >> 6), uint64(1) << (frame & 63)
}

func (alloc *BitmapAllocator) markUsed(frame mm.Frame) {
	block, mask := alloc.bitFor(frame)
	alloc.freeBitmap[block] |= mask
	alloc.reservedFrames++
}

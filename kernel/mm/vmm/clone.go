package vmm

import (
	"pmos/kernel"
	"pmos/kernel/kfmt"
	"pmos/kernel/mm"
)

// cloneTx tracks the frames allocated while cloning an address space so that
// they can all be released if the clone cannot be completed.
type cloneTx struct {
	mgr    *Manager
	frames []mm.Frame
}

// allocFrame allocates a frame and records it in the transaction.
func (tx *cloneTx) allocFrame() (mm.Frame, *kernel.Error) {
	frame, err := tx.mgr.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	tx.frames = append(tx.frames, frame)
	return frame, nil
}

// rollback releases every frame allocated by the transaction in reverse
// allocation order.
func (tx *cloneTx) rollback() {
	for index := len(tx.frames) - 1; index >= 0; index-- {
		_ = tx.mgr.frames.FreeFrame(tx.frames[index])
	}
	tx.frames = nil
}

// cloneTable allocates a new page table and fills it with copies of the
// entries in srcFrame. Every mapped page gets a fresh frame holding a copy of
// the original contents; pages mapped to the forbidden page keep pointing to
// it.
func (tx *cloneTx) cloneTable(srcFrame mm.Frame) (mm.Frame, *kernel.Error) {
	m := tx.mgr

	dstFrame, err := tx.allocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}
	if err = m.mem.Memset(dstFrame, 0); err != nil {
		return mm.InvalidFrame, err
	}

	src, dst := m.table(srcFrame), m.table(dstFrame)
	for index := range src {
		if !src[index].Mapped() {
			continue
		}

		pageFrame := m.forbiddenFrame
		if src[index].Frame() != m.forbiddenFrame {
			if pageFrame, err = tx.allocFrame(); err != nil {
				return mm.InvalidFrame, err
			}
			if err = m.mem.Memcopy(src[index].Frame(), pageFrame); err != nil {
				return mm.InvalidFrame, err
			}
		}

		dst[index] = 0
		dst[index].SetFrame(pageFrame)
		dst[index].SetFlags(src[index].Flags() & cloneFlagMask)
	}

	return dstFrame, nil
}

// Clone creates a copy of the address space that can be handed to a forked
// process. Page tables shared with the kernel directory are shared by the
// clone as well. Every other page table is duplicated together with the
// contents of the pages it maps so that writes to one address space are never
// visible in the other.
//
// Clone either succeeds or leaves the frame allocator exactly as it found it:
// if any allocation fails, all frames reserved by the call are released and
// ErrCloneAllocation is returned.
func (as *AddressSpace) Clone() (*AddressSpace, *kernel.Error) {
	m := as.mgr
	m.lock.Acquire()
	defer m.lock.Release()

	if as.destroyed {
		return nil, ErrAddressSpaceDestroyed
	}

	var (
		tx       = cloneTx{mgr: m}
		dstFrame mm.Frame
		err      *kernel.Error
	)

	fail := func(cause *kernel.Error) (*AddressSpace, *kernel.Error) {
		allocated := len(tx.frames)
		tx.rollback()
		kfmt.Printf("[vmm] clone of address space at frame %d failed: %s; released %d frames\n", as.pdtFrame, cause.Message, allocated)
		return nil, ErrCloneAllocation
	}

	if dstFrame, err = tx.allocFrame(); err != nil {
		return fail(err)
	}
	if err = m.mem.Memset(dstFrame, 0); err != nil {
		return fail(err)
	}

	src, dst := m.table(as.pdtFrame), m.table(dstFrame)
	for index := range src {
		if !src[index].Mapped() {
			continue
		}

		// Kernel tables are linked, not copied
		if m.sharedWithKernel(src, index) {
			dst[index] = src[index]
			continue
		}

		var tableFrame mm.Frame
		if tableFrame, err = tx.cloneTable(src[index].Frame()); err != nil {
			return fail(err)
		}

		dst[index] = 0
		dst[index].SetFrame(tableFrame)
		dst[index].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	}

	return &AddressSpace{mgr: m, pdtFrame: dstFrame}, nil
}

package vmm

import (
	"io"

	"pmos/kernel/kfmt"
	"pmos/kernel/mm"
)

// DumpTo writes the layout of the address space to w: every present
// directory entry followed by its mapped pages. Runs of consecutive pages that
// map consecutive frames with identical flags are collapsed into one line.
func (as *AddressSpace) DumpTo(w io.Writer) {
	if as.destroyed {
		kfmt.Fprintf(w, "address space at frame %d has been destroyed\n", as.pdtFrame)
		return
	}

	m := as.mgr
	kfmt.Fprintf(w, "page directory at 0x%08x\n", as.pdtFrame.Address())

	dir := m.table(as.pdtFrame)
	for dirIndex := range dir {
		pde := dir[dirIndex]
		if !pde.Mapped() {
			continue
		}

		shared := ""
		if as != m.kernelSpace && m.sharedWithKernel(dir, dirIndex) {
			shared = " shared"
		}
		kfmt.Fprintf(w, "- entry %d (%s)%s -> 0x%08x\n", dirIndex, pde.Flags(), shared, pde.Frame().Address())

		run := pageRun{forbiddenFrame: m.forbiddenFrame}
		for tableIndex, pte := range m.table(pde.Frame()) {
			if !pte.Mapped() {
				continue
			}

			page := mm.Page(dirIndex<<pageLevelBits[1] | tableIndex)
			if run.extend(page, pte) {
				continue
			}

			run.dumpTo(w)
			run.start, run.end, run.pte, run.count = page, page, pte, 1
		}
		run.dumpTo(w)
	}
}

// pageRun describes a run of pages mapped to consecutive frames (or all to
// the forbidden page) with the same flags.
type pageRun struct {
	start, end     mm.Page
	pte            PageTableEntry
	count          int
	forbiddenFrame mm.Frame
}

func (r *pageRun) forbidden() bool {
	return r.pte.Frame() == r.forbiddenFrame
}

func (r *pageRun) extend(page mm.Page, pte PageTableEntry) bool {
	if r.count == 0 || page != r.end+1 || pte.Flags() != r.pte.Flags() {
		return false
	}

	switch {
	case r.forbidden() && pte.Frame() == r.forbiddenFrame:
	case !r.forbidden() && pte.Frame() == r.pte.Frame()+mm.Frame(r.count):
	default:
		return false
	}

	r.end = page
	r.count++
	return true
}

func (r *pageRun) dumpTo(w io.Writer) {
	if r.count == 0 {
		return
	}

	if r.count == 1 {
		kfmt.Fprintf(w, "    - page 0x%08x (%s) -> ", r.start.Address(), r.pte.Flags())
	} else {
		kfmt.Fprintf(w, "    - pages 0x%08x-0x%08x (%s) -> ", r.start.Address(), r.end.Address()+mm.PageSize-1, r.pte.Flags())
	}

	if r.forbidden() {
		kfmt.Fprintf(w, "forbidden page\n")
		return
	}
	kfmt.Fprintf(w, "0x%08x\n", r.pte.Frame().Address())
}

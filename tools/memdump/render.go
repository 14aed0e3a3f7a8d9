package main

import (
	"fmt"
	"io"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
	"golang.org/x/image/font/basicfont"

	"pmos/kernel/mm"
	"pmos/kernel/mm/vmm"
)

// frameKind classifies a physical frame in the rendered map.
type frameKind uint8

const (
	frameFree frameKind = iota
	frameReserved
	frameForbidden
	frameDirectory
	frameTable
	frameData
	frameKindCount
)

var frameKindNames = [frameKindCount]string{
	"free",
	"kernel",
	"forbidden",
	"page directory",
	"page table",
	"process data",
}

var frameKindColors = [frameKindCount]string{
	"#1d2021",
	"#458588",
	"#cc241d",
	"#d79921",
	"#b16286",
	"#98971a",
}

const (
	cellSize     = 8
	cellsPerRow  = 64
	margin       = 16
	lineHeight   = 16
	legendSwatch = 10
)

// frameMap holds the classification of every frame managed by the
// allocator.
type frameMap struct {
	kinds []frameKind
}

// classifyFrames builds a frameMap for the scenario machine. Frames mapped by
// the kernel address space are kernel frames; allocated frames that are not
// otherwise accounted for hold page tables.
func (s *scenario) classifyFrames() *frameMap {
	fm := &frameMap{kinds: make([]frameKind, s.sys.Frames.TotalFrames())}
	s.sys.Frames.VisitFrames(func(frame mm.Frame, allocated bool) bool {
		if allocated {
			fm.kinds[frame] = frameTable
		}
		return true
	})
	fm.set(0, frameReserved)

	forbidden := s.sys.VMM.ForbiddenFrame()
	kernelSpace := s.sys.VMM.KernelSpace()
	kernelSpace.VisitMappings(func(_ mm.Page, pte vmm.PageTableEntry, _ bool) bool {
		fm.set(pte.Frame(), frameReserved)
		return true
	})
	fm.set(kernelSpace.Frame(), frameDirectory)

	for _, pid := range s.sys.Procs.PIDs() {
		p, err := s.sys.Procs.Lookup(pid)
		if err != nil {
			continue
		}
		fm.addSpace(p.AddressSpace(), forbidden)
	}
	fm.set(forbidden, frameForbidden)
	return fm
}

func (fm *frameMap) set(frame mm.Frame, kind frameKind) {
	if int(frame) < len(fm.kinds) {
		fm.kinds[frame] = kind
	}
}

// addSpace marks the directory and the private data frames of space.
func (fm *frameMap) addSpace(space *vmm.AddressSpace, forbidden mm.Frame) {
	fm.set(space.Frame(), frameDirectory)

	space.VisitMappings(func(_ mm.Page, pte vmm.PageTableEntry, shared bool) bool {
		if !shared && pte.Frame() != forbidden {
			fm.set(pte.Frame(), frameData)
		}
		return true
	})
}

// count returns the number of frames of the supplied kind.
func (fm *frameMap) count(kind frameKind) int {
	var n int
	for _, k := range fm.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

// render draws the frame map as a grid of cells, one per frame, followed by
// a legend, and encodes it as a PNG image to w.
func (fm *frameMap) render(w io.Writer, title string) error {
	rows := (len(fm.kinds) + cellsPerRow - 1) / cellsPerRow
	gridHeight := rows * cellSize
	width := 2*margin + cellsPerRow*cellSize
	height := 2*margin + lineHeight + gridHeight + margin + int(frameKindCount)*lineHeight

	dc := gg.NewContext(width, height)
	dc.SetHexColor("#282828")
	dc.Clear()
	dc.SetFontFace(basicfont.Face7x13)

	dc.SetHexColor("#ebdbb2")
	dc.DrawString(title, margin, margin+lineHeight/2)

	top := float64(margin + lineHeight)
	for frame, kind := range fm.kinds {
		x := float64(margin + (frame%cellsPerRow)*cellSize)
		y := top + float64((frame/cellsPerRow)*cellSize)
		dc.DrawRectangle(x, y, cellSize-1, cellSize-1)
		dc.SetHexColor(frameKindColors[kind])
		dc.Fill()
	}

	legendTop := top + float64(gridHeight+margin)
	for kind := frameKind(0); kind < frameKindCount; kind++ {
		y := legendTop + float64(int(kind)*lineHeight)
		dc.DrawRectangle(margin, y, legendSwatch, legendSwatch)
		dc.SetHexColor(frameKindColors[kind])
		dc.Fill()

		dc.SetHexColor("#ebdbb2")
		dc.DrawString(fmt.Sprintf("%-15s %d", frameKindNames[kind], fm.count(kind)), margin+2*legendSwatch, y+legendSwatch)
	}

	return errors.Wrap(dc.EncodePNG(w), "encoding frame map")
}

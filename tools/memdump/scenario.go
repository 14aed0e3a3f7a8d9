package main

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"pmos/kernel"
	"pmos/kernel/cpu"
	"pmos/kernel/kmain"
	"pmos/kernel/mm"
	"pmos/kernel/mm/vmm"
	"pmos/kernel/proc"
	"pmos/multiboot"
)

const (
	// kernelEnd is the physical address where the emulated kernel image
	// ends.
	kernelEnd = uintptr(0x100000)

	// userDataAddr is where the scenario places the init process data.
	userDataAddr = uintptr(0x40000000)

	// unmappedAddr is never mapped by the scenario; touching it triggers a
	// page fault.
	unmappedAddr = uintptr(0x50000000)
)

var (
	initMessage  = []byte("hello from init")
	childMessage = []byte("hello from child")
)

// kernelErr converts a kernel error into a wrapped error value. It returns
// nil when err is nil.
func kernelErr(err *kernel.Error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// scenario holds the machine state produced by runScenario.
type scenario struct {
	sys   *kmain.System
	init  *proc.Process
	child *proc.Process
}

// bootMachine emulates a boot loader: it builds a multiboot information
// block describing memSize bytes of RAM and boots the kernel with cmdLine.
func bootMachine(memSize mm.Size, cmdLine string) (*kmain.System, error) {
	info, err := multiboot.NewInfo(
		new(multiboot.Builder).
			AddBootLoaderName("memdump").
			AddCmdLine(cmdLine).
			AddMemoryMap(
				multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
				multiboot.MemoryMapEntry{PhysAddress: 0x9fc00, Length: 0x60400, Type: multiboot.MemReserved},
				multiboot.MemoryMapEntry{PhysAddress: 0x100000, Length: uint64(memSize) - 0x100000, Type: multiboot.MemAvailable},
			).
			Bytes(),
	)
	if err != nil {
		return nil, kernelErr(err, "building boot information")
	}

	sys, err := kmain.Boot(cpu.New(mm.NewPhysMem(memSize)), info, kernelEnd)
	if err != nil {
		return nil, kernelErr(err, "booting kernel")
	}
	return sys, nil
}

// runScenario maps a data page into init, forks it, lets the child modify
// its copy and finally touches an unmapped address from the child so that the
// fault handler installs the forbidden page.
func runScenario(sys *kmain.System) (*scenario, error) {
	s := &scenario{sys: sys, init: sys.Init}

	if err := sys.Procs.Dispatch(s.init.PID()); err != nil {
		return nil, kernelErr(err, "dispatching init")
	}

	page := mm.PageFromAddress(userDataAddr)
	flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible
	if err := s.init.AddressSpace().MapToFirstAvailable(page, flags); err != nil {
		return nil, kernelErr(err, "mapping init data page")
	}
	if _, err := sys.CPU.Write(userDataAddr, initMessage, cpu.User); err != nil {
		return nil, kernelErr(err, "writing init data")
	}

	child, err := sys.Procs.Fork(s.init)
	if err != nil {
		return nil, kernelErr(err, "forking init")
	}
	s.child = child

	if err := sys.Procs.Dispatch(child.PID()); err != nil {
		return nil, kernelErr(err, "dispatching child")
	}
	if _, err := sys.CPU.Write(userDataAddr, childMessage, cpu.User); err != nil {
		return nil, kernelErr(err, "writing child data")
	}

	if _, err := sys.CPU.ReadByte(unmappedAddr, cpu.Supervisor); err != nil {
		return nil, kernelErr(err, "touching unmapped address")
	}

	return s, nil
}

// readData returns the contents of the scenario data page as seen by the
// process with the supplied pid.
func (s *scenario) readData(pid proc.PID, n int) ([]byte, error) {
	if err := s.sys.Procs.Dispatch(pid); err != nil {
		return nil, kernelErr(err, "dispatching process")
	}

	buf := make([]byte, n)
	if _, err := s.sys.CPU.Read(userDataAddr, buf, cpu.User); err != nil {
		return nil, kernelErr(err, "reading process data")
	}
	return bytes.TrimRight(buf, "\x00"), nil
}

// report writes the page directory of every live process followed by the
// frame allocator statistics.
func (s *scenario) report(w io.Writer) error {
	for _, pid := range s.sys.Procs.PIDs() {
		p, err := s.sys.Procs.Lookup(pid)
		if err != nil {
			return kernelErr(err, "looking up process")
		}

		data, rerr := s.readData(pid, len(childMessage))
		if rerr != nil {
			return rerr
		}

		if _, werr := fmt.Fprintf(w, "process %d sees %q\n", pid, data); werr != nil {
			return errors.Wrap(werr, "writing report")
		}
		p.AddressSpace().DumpTo(w)
	}

	s.sys.Frames.PrintStats(w)
	return nil
}

// Package kmain contains the kernel entry point. It configures the memory
// managers from the boot information and starts the init process.
package kmain

import (
	"pmos/kernel"
	"pmos/kernel/cpu"
	"pmos/kernel/kfmt"
	"pmos/kernel/mm"
	"pmos/kernel/mm/pmm"
	"pmos/kernel/mm/vmm"
	"pmos/kernel/proc"
	"pmos/multiboot"
)

var (
	errNoMemory = &kernel.Error{Module: "kmain", Message: "no usable memory reported by the boot loader"}
)

// System groups the subsystems brought up by Boot.
type System struct {
	CPU    *cpu.CPU
	Frames *pmm.BitmapAllocator
	VMM    *vmm.Manager
	Procs  *proc.Table

	// Init is the first process started by the kernel.
	Init *proc.Process
}

// Boot brings up the frame allocator, the virtual memory manager and the
// process table on machine and spawns the init process. kernelEnd is the
// physical address where the kernel image ends.
//
// The following command line options are recognized:
//   - mem=<size>: limit the amount of memory used by the kernel.
//   - heapslack=<size>: memory past the kernel image that is identity mapped
//     for the kernel heap.
//
// Sizes accept an optional K, M or G suffix.
func Boot(machine *cpu.CPU, info *multiboot.Info, kernelEnd uintptr) (*System, *kernel.Error) {
	memSize, err := detectMemory(machine.Memory(), info)
	if err != nil {
		return nil, err
	}

	cfg := vmm.Config{KernelEnd: kernelEnd}
	if v, ok := info.CmdLine()["heapslack"]; ok {
		slack, err := mm.ParseSize(v)
		if err != nil {
			return nil, err
		}
		cfg.HeapSlack = uintptr(slack)
	}

	sys := &System{
		CPU:    machine,
		Frames: pmm.NewBitmapAllocator(memSize),
	}
	kfmt.Printf("[kmain] memory: %s (%d frames)\n", memSize, sys.Frames.TotalFrames())

	if sys.VMM, err = vmm.Init(machine, machine.Memory(), sys.Frames, cfg); err != nil {
		return nil, err
	}

	sys.Procs = proc.NewTable(sys.VMM, machine)
	if sys.Init, err = sys.Procs.Spawn(); err != nil {
		return nil, err
	}

	sys.Frames.PrintStats(kfmt.GetOutputSink())
	machine.EnableInterrupts()
	return sys, nil
}

// Kmain boots the kernel. Any error raised while booting is unrecoverable:
// it is reported through kfmt.Panic and the CPU is halted.
func Kmain(machine *cpu.CPU, info *multiboot.Info, kernelEnd uintptr) *System {
	kfmt.SetHaltFn(machine.Halt)

	sys, err := Boot(machine, info, kernelEnd)
	if err != nil {
		kfmt.Panic(err)
		return nil
	}
	return sys
}

// detectMemory returns the amount of memory managed by the kernel. The mem=
// command line option takes precedence over the highest available address in
// the memory map which in turn takes precedence over the basic memory info.
// The result never exceeds the installed memory.
func detectMemory(mem *mm.PhysMem, info *multiboot.Info) (mm.Size, *kernel.Error) {
	var memSize mm.Size

	if v, ok := info.CmdLine()["mem"]; ok {
		size, err := mm.ParseSize(v)
		if err != nil {
			return 0, err
		}
		memSize = size
	}

	if memSize == 0 {
		info.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
			if entry.Type != multiboot.MemAvailable {
				return true
			}

			if end := mm.Size(entry.PhysAddress + entry.Length); end > memSize {
				memSize = end
			}
			return true
		})
	}

	if memSize == 0 {
		if _, upperKb, ok := info.BasicMemInfo(); ok {
			memSize = (mm.Size(upperKb) + 1024) * mm.Kb
		}
	}

	if memSize == 0 || memSize > mem.Size() {
		memSize = mem.Size()
	}

	memSize &^= mm.Size(mm.PageSize - 1)
	if memSize == 0 {
		return 0, errNoMemory
	}
	return memSize, nil
}

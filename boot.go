package main

import (
	"os"
	"strings"

	"pmos/kernel/cpu"
	"pmos/kernel/kfmt"
	"pmos/kernel/kmain"
	"pmos/kernel/mm"
	"pmos/multiboot"
)

const (
	installedMemory = 16 * mm.Mb
	kernelImageEnd  = uintptr(0x100000)
)

// main emulates the boot loader hand-off: it attaches installedMemory bytes
// of RAM to a fresh CPU, passes the program arguments as the kernel command
// line and invokes the kernel entrypoint (kmain.Kmain).
//
// Kmain halts the CPU if the kernel cannot be brought up; in that case the
// process exits with a non-zero status.
func main() {
	kfmt.SetOutputSink(os.Stdout)

	info, err := multiboot.NewInfo(
		new(multiboot.Builder).
			AddBootLoaderName("pmos").
			AddBasicMemInfo(639, uint32((installedMemory-mm.Mb)/mm.Kb)).
			AddCmdLine(strings.Join(os.Args[1:], " ")).
			Bytes(),
	)
	if err != nil {
		kfmt.Printf("%s\n", err)
		os.Exit(1)
	}

	machine := cpu.New(mm.NewPhysMem(installedMemory))
	if kmain.Kmain(machine, info, kernelImageEnd) == nil || machine.Halted() {
		os.Exit(1)
	}
}

// Command memdump boots the kernel on an emulated machine, runs a short
// fork and page fault scenario and dumps the resulting memory layout: the
// page directory of every process as text and the physical frame map as a
// PNG image.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"pmos/kernel/kfmt"
	"pmos/kernel/mm"
)

// minMemory is the smallest machine that fits the kernel image and the init
// process.
const minMemory = 2 * mm.Mb

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memdump] error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	memFlag := flag.String("mem", "4M", "the amount of installed memory (K, M or G suffixes are supported)")
	cmdLine := flag.String("cmdline", "", "the kernel command line passed by the emulated boot loader")
	output := flag.String("out", "", "a file to write the frame map PNG to; the image is skipped if empty")
	quiet := flag.Bool("quiet", false, "suppress the kernel log")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "memdump: boot an emulated machine and dump its memory layout\n\n")
		fmt.Fprint(os.Stderr, "Usage: memdump [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	memSize, kerr := mm.ParseSize(*memFlag)
	if kerr != nil {
		return errors.Wrapf(kerr, "invalid -mem value %q", *memFlag)
	}
	if memSize < minMemory {
		return errors.Errorf("at least %s of memory is required", minMemory)
	}

	if !*quiet {
		kfmt.SetOutputSink(os.Stderr)
	}

	sys, err := bootMachine(memSize, *cmdLine)
	if err != nil {
		return err
	}

	s, err := runScenario(sys)
	if err != nil {
		return err
	}

	if err = s.report(os.Stdout); err != nil {
		return err
	}

	if *output == "" {
		return nil
	}

	fOut, err := os.Create(*output)
	if err != nil {
		return errors.Wrap(err, "creating frame map image")
	}
	defer fOut.Close()

	return s.classifyFrames().render(fOut, fmt.Sprintf("pmos frame map: %s, %d frames", memSize, sys.Frames.TotalFrames()))
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}

// spydump attaches to a running python process and prints the current
// stack trace of every thread once. Handy for "what is this thing stuck
// on" moments without committing to a full profiling session.
package main

import (
	"flag"
	"fmt"
	"os"

	"openspy/internal/config"
	"openspy/internal/logging"
	"openspy/spy"
)

func main() {
	pid := flag.Int("pid", 0, "pid of the python process to dump")
	native := flag.Bool("native", false, "include native (C/C++/Cython) frames")
	locals := flag.Bool("locals", false, "include local variables")
	verbose := flag.Bool("verbose", false, "log diagnostics to stderr")
	flag.Parse()

	if *pid == 0 {
		fmt.Fprintln(os.Stderr, "usage: spydump -pid <pid> [-native] [-locals]")
		os.Exit(2)
	}
	if *verbose {
		if err := logging.Init(false); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		defer logging.Close()
	} else {
		logging.Discard()
	}

	cfg, err := config.Resolve()
	if err != nil {
		logging.Fatalf("bad configuration: %v", err)
	}
	cfg.Native = *native
	if *locals {
		cfg.DumpLocals = 1
	}

	target, err := spy.RetryNew(*pid, cfg, 5)
	if err != nil {
		logging.Fatalf("failed to attach to %d: %v", *pid, err)
	}

	traces, err := target.StackTraces()
	if err != nil {
		logging.Fatalf("failed to sample %d: %v", *pid, err)
	}

	fmt.Printf("Process %d: python %s\n", *pid, target.Version)
	for i := range traces {
		t := &traces[i]
		name := t.ThreadName
		if name == "" {
			name = "thread"
		}
		fmt.Printf("\n%s %s (%s)\n", name, t.FormatThreadID(), t.StatusStr())
		for _, frame := range t.Frames {
			file := frame.ShortFilename
			if file == "" {
				file = frame.Filename
			}
			fmt.Printf("    %s (%s:%d)\n", frame.Name, file, frame.Line)
			for _, local := range frame.Locals {
				kind := "local"
				if local.Arg {
					kind = "arg"
				}
				if local.Repr != "" {
					fmt.Printf("        %s %s = %s\n", kind, local.Name, local.Repr)
				} else {
					fmt.Printf("        %s %s @ 0x%x\n", kind, local.Name, local.Addr)
				}
			}
		}
	}
}

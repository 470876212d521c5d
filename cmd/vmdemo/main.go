// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command vmdemo drives the virtual memory subsystem end to end, the
// way a trap handler and a fork syscall would: insert a mapping, fault
// it in, fork it with sharing (COW), and write through the child, whose
// write fault splits the COW mapping before the child's bytes are copied
// in, so the parent's page is left untouched. The demo does not read the
// parent's page back to check this. It exists to exercise
// pkg/addrspace's public operations together rather than in isolation,
// the small-scale analogue of the teacher's runsc driving sentry/mm.
package main

import (
	"flag"
	"fmt"
	"os"

	"vmkern.dev/vm/pkg/addrspace"
	"vmkern.dev/vm/pkg/hostarch"
	"vmkern.dev/vm/pkg/log"
	"vmkern.dev/vm/pkg/pagealloc"
	"vmkern.dev/vm/pkg/ptable"
	"vmkern.dev/vm/pkg/slaballoc"
	"vmkern.dev/vm/pkg/vmconfig"
	"vmkern.dev/vm/pkg/vmnode"
)

// literalLogPath implements log.FileOpts by returning the pattern
// unchanged: vmdemo's -log-file takes a plain path, not a template with
// %TIMESTAMP%/%PROGRAM%-style substitutions.
type literalLogPath struct{}

func (literalLogPath) Build(pattern string) string { return pattern }

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	logFile := flag.String("log-file", "", "write debug output as JSON to this file instead of stdout")
	flag.Parse()

	if *debug {
		var emitter log.Emitter
		if *logFile != "" {
			f, err := log.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, literalLogPath{})
			if err != nil {
				fmt.Fprintln(os.Stderr, "vmdemo:", err)
				os.Exit(1)
			}
			emitter = log.JSONEmitter{Writer: &log.Writer{Next: f}}
		} else {
			emitter = log.K8sJSONEmitter{Writer: &log.Writer{Next: os.Stdout}}
		}
		log.SetTarget(&log.BasicLogger{Level: log.Debug, Emitter: emitter})
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vmdemo:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := vmconfig.Default()
	alloc := pagealloc.NewAllocator()
	slabs := slaballoc.NewAllocator()

	parent, err := addrspace.New(cfg, alloc, slabs)
	if err != nil {
		return fmt.Errorf("new address space: %w", err)
	}
	defer parent.DecRef()

	const npages = 2
	node, err := vmnode.New(alloc, npages, vmnode.EAGER, nil, cfg.NodeMaxPages)
	if err != nil {
		return fmt.Errorf("new node: %w", err)
	}

	const base hostarch.Addr = 0x10000
	if err := parent.Insert(node, base, true); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	log.Infof("vmdemo: inserted %d pages at %#x", npages, base)

	if _, err := parent.PageFault(base, 0); err != nil {
		return fmt.Errorf("pagefault: %w", err)
	}
	if err := parent.CopyOut(base, []byte("hello from the parent")); err != nil {
		return fmt.Errorf("copy_out: %w", err)
	}
	log.Infof("vmdemo: parent faulted in and wrote its page")

	child, err := parent.Copy(true)
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	defer child.DecRef()
	log.Infof("vmdemo: forked child with share=true (COW)")

	if _, err := child.PageFault(base, ptable.FaultWrite); err != nil {
		return fmt.Errorf("child write fault: %w", err)
	}
	if err := child.CopyOut(base, []byte("hello from the child")); err != nil {
		return fmt.Errorf("child copy_out: %w", err)
	}
	log.Infof("vmdemo: child wrote through its COW mapping, triggering a split")

	return nil
}

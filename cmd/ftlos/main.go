// Command ftlos boots the kernel: build the per-hart table, the task
// executor, and the physical frame allocator, start pid 1, then run one
// idle loop per hart pulling work off the shared executor. Grounded in
// biscuit/kernel/main.go's boot sequence, with the ACPI/APIC discovery
// and AHCI/NIC attach dropped per spec.md §6's boot contract (RISC-V
// hart id arrives in a register, not discovered over a bus).
package main

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ftl-os/ftlos/proc"
	"github.com/ftl-os/ftlos/ustr"
)

const (
	defaultHarts  = 4
	defaultFrames = 1 << 16 // 256 MiB of 4 KiB frames
)

func main() {
	fmt.Printf("FTL OS\n")
	fmt.Printf("  go runtime: %v\n", runtime.Version())
	fmt.Printf("  harts: %d, frames: %d\n", defaultHarts, defaultFrames)

	k := proc.NewKernel(defaultHarts, defaultFrames)

	root, _, err := proc.NewRootProcess(k, 0, ustr.Ustr("init"))
	if err != nil {
		panic(fmt.Sprintf("failed to start init: %v", err))
	}
	fmt.Printf("started init, pid %d\n", root.Pid)

	// proc.NewOOMKiller(k).Run() is the hook a frame-allocation-failure
	// path would call; physmem.Allocator has no such callback yet, so
	// it is not wired into the boot loop here.

	var wg sync.WaitGroup
	for hartID := 0; hartID < defaultHarts; hartID++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			hartLoop(k, id)
		}(hartID)
	}
	wg.Wait()
}

// hartLoop is one hart's idle loop: drain runnable tasks, and back off
// briefly when there is nothing to do. A real hart would issue WFI and
// wait for an interrupt; that instruction sequence is out of scope
// (spec.md §16), so a bounded sleep stands in for it here.
func hartLoop(k *proc.Kernel, hartID int) {
	idle := time.Microsecond
	for {
		if k.Exec.RunOne(hartID) {
			idle = time.Microsecond
			continue
		}
		time.Sleep(idle)
		if idle < time.Millisecond {
			idle *= 2
		}
	}
}

// Package percpu aggregates the state a single CPU keeps about itself --
// its scheduler, timer and DPC queues, its LAPIC id, and its TSS -- behind
// a Block found through the KERNEL_GS_BASE model-specific register, the
// way original_source's xernel/kernel/src/cpu.rs's PerCpu/register_cpu/
// current_cpu trio does (spec.md §4.11's "per-CPU block").
package percpu

import (
	"novaos/kernel"
	"novaos/kernel/cpu"
	"novaos/kernel/dpc"
	"novaos/kernel/proc"
	"novaos/kernel/sched"
	"novaos/kernel/timer"
	"unsafe"
)

// kernelGSBaseMSR addresses the KERNEL_GS_BASE MSR. On real hardware a
// swapgs exchanges this with the live GS_BASE on every ring transition, so
// the kernel always finds its own Block here regardless of what GS held
// while user code ran; this core never issues swapgs itself (no user-mode
// entry path exists yet), so the value written during Register simply
// stays put for Current to read back.
const kernelGSBaseMSR = 0xC0000102

var (
	errAlreadyRegistered = &kernel.Error{Module: "percpu", Message: "CPU already registered"}
	errNotRegistered     = &kernel.Error{Module: "percpu", Message: "current CPU accessed before Register"}
)

// TSS models the fields of the task state segment this kernel cares
// about: the ring-0 stack pointer loaded on every privilege-level change
// (RSP0) and the stack reserved for double faults (IST1), one 16-byte GDT
// descriptor's worth of state per CPU (spec.md §6).
type TSS struct {
	RSP0 uintptr
	IST1 uintptr
}

// Block is the per-CPU state registered once for each CPU the bootstrap
// sequence brings up.
type Block struct {
	ID      int
	LAPICID uint32
	Sched   *sched.CPU
	Timer   *timer.Queue
	DPC     *dpc.Queue
	TSS     TSS
}

var (
	blocks []*Block

	writeMSRFn = cpu.WriteMSR
	readMSRFn  = cpu.ReadMSR
)

// UseMockMSR swaps in an in-memory stand-in for the KERNEL_GS_BASE MSR so
// tests can Register/Current without real hardware, mirroring
// kernel/ipl's UseMockCR8 helper. It returns a function that restores the
// real MSR accessors and clears every registered Block.
func UseMockMSR() (restore func()) {
	var cur uint64
	writeMSRFn = func(reg uint32, val uint64) {
		if reg == kernelGSBaseMSR {
			cur = val
		}
	}
	readMSRFn = func(reg uint32) uint64 {
		if reg == kernelGSBaseMSR {
			return cur
		}
		return 0
	}
	return func() {
		writeMSRFn = cpu.WriteMSR
		readMSRFn = cpu.ReadMSR
		blocks = nil
	}
}

// Register constructs a Block for CPU id with its own fresh scheduler,
// timer queue and DPC queue, and makes it the Block Current returns when
// called from that CPU. idle is the thread sched.NewCPU parks as the
// block's idle thread. Registering the same id twice is an invariant
// violation and panics (spec.md §7, spec.md §4.11).
func Register(id int, lapicID uint32, idle *proc.Thread) *Block {
	for _, b := range blocks {
		if b.ID == id {
			kernel.Panic(errAlreadyRegistered)
		}
	}

	b := &Block{
		ID:      id,
		LAPICID: lapicID,
		Sched:   sched.NewCPU(idle),
		Timer:   &timer.Queue{},
		DPC:     &dpc.Queue{},
	}
	blocks = append(blocks, b)
	writeMSRFn(kernelGSBaseMSR, uint64(uintptr(unsafe.Pointer(b))))
	return b
}

// Current returns the calling CPU's Block. It panics if no Block has been
// registered for the calling CPU yet.
func Current() *Block {
	ptr := uintptr(readMSRFn(kernelGSBaseMSR))
	if ptr == 0 {
		kernel.Panic(errNotRegistered)
	}
	return (*Block)(unsafe.Pointer(ptr))
}

// WireCurrent points kernel/sched, kernel/timer and kernel/dpc's own
// current-CPU seams at this package's Current, so that once every CPU has
// a registered Block, Reschedule/Enqueue/Sleep and DPC/timer enqueue calls
// each operate on the calling CPU's own queues instead of sharing the
// single package-level default those packages start with. kernel/boot
// calls this once, after the boot CPU's Block has been registered.
func WireCurrent() {
	sched.SetCurrentFn(func() *sched.CPU { return Current().Sched })
	timer.SetCurrentQueueFn(func() *timer.Queue { return Current().Timer })
	dpc.SetCurrentQueueFn(func() *dpc.Queue { return Current().DPC })
}

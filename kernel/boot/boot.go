// Package boot sequences the kernel's bootstrap (spec.md §4.10): it is the
// one place that calls every subsystem's Init/SetXxxFn exactly once, in the
// order each one's own prerequisites require, and is therefore the only
// package allowed to know about all of them at once. Every other package in
// this module either reaches its collaborators through a constructor
// argument or discovers them lazily through a Set*Fn seam that boot wires
// here.
package boot

import (
	"novaos/device/acpi"
	"novaos/kernel"
	"novaos/kernel/apic"
	"novaos/kernel/cpu"
	"novaos/kernel/dpc"
	"novaos/kernel/gate"
	"novaos/kernel/goruntime"
	"novaos/kernel/hal"
	"novaos/kernel/hal/multiboot"
	"novaos/kernel/ipl"
	"novaos/kernel/irq"
	"novaos/kernel/kfmt"
	"novaos/kernel/mem/pmm/allocator"
	"novaos/kernel/mem/vma"
	"novaos/kernel/mem/vmm"
	"novaos/kernel/percpu"
	"novaos/kernel/proc"
	"novaos/kernel/sched"
	"novaos/kernel/timer"
	"reflect"
)

// kernelPageOffset is the virtual-to-physical offset of the higher-half
// kernel mapping this image is linked at. original_source's xernel reads
// this from the Limine bootloader's HHDM response; this core's multiboot
// bootloader protocol reports no such field, so, like the teacher's own
// linker conventions, the offset is a link-time constant instead.
const kernelPageOffset = 0xffffffff80000000

// reschedulePeriodMicros is the quantum the periodic reschedule interrupt
// fires at.
const reschedulePeriodMicros = 10_000

var errNoUsableMemory = &kernel.Error{Module: "boot", Message: "bootloader reported no usable memory regions"}

// Init runs the full bootstrap sequence described by spec.md §4.10 and
// never returns: once the idle thread and the first kernel thread are
// enqueued, it enables interrupts and halts, handing control to the
// scheduler's timer-driven reschedule path. multibootInfoPtr is the pointer
// the bootloader left in a register for the rt0 trampoline to pick up.
func Init(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.DetectHardware()
	kfmt.Printf("[boot] novaos starting\n")

	kernelStart, kernelEnd := kernelImageBounds()

	gdt := &percpu.GDTLayout{}
	gdt.Install()
	irq.Init()
	disableLegacyPIC()

	// The boot allocator hands out frames for the Go runtime's own heap
	// bootstrap, before anything capable of tracking frees exists.
	allocator.InitBootMemAllocator(kernelStart, kernelEnd)
	vmm.SetFrameAllocator(allocator.AllocFrame)
	if err := vmm.Init(kernelPageOffset); err != nil {
		kernel.Panic(err)
	}

	if err := goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	// With a working heap, the buddy allocator can track individual frees;
	// it takes over from the boot allocator for the rest of the kernel's
	// lifetime.
	buddy := allocator.NewFromMemoryMap(kernelStart, kernelEnd)
	if buddy.TotalFrames() == 0 {
		kernel.Panic(errNoUsableMemory)
	}
	vmm.SetFrameAllocator(buddy.AllocFrame)
	proc.SetFrameAllocator(buddy.AllocFrame, buddy.FreeFrame)

	kernelProcess := proc.InitKernelProcess()

	resolver := acpi.Active()
	hpet, err := apic.NewHPET(resolver)
	if err != nil {
		kernel.Panic(err)
	}

	lapic, err := apic.New()
	if err != nil {
		kernel.Panic(err)
	}
	if err := lapic.Calibrate(hpet); err != nil {
		kernel.Panic(err)
	}

	irq.SetEOIHandler(lapic.EOI)
	irq.SetDPCDrain(dpc.Drain)

	timerVector, err := irq.AllocateVector(ipl.Clock)
	if err != nil {
		kernel.Panic(err)
	}
	irq.HandleIRQVector(timerVector, func(*gate.Registers) { timer.Dispatch() })

	dpcSignalVector, err := irq.AllocateVector(ipl.DPC)
	if err != nil {
		kernel.Panic(err)
	}
	// The self-IPI carries no payload of its own; it exists purely to
	// interrupt a CPU sitting at a lower IPL so Dispatch's IPL raise/lower
	// around the handler drains the DPC queue on the way back down.
	irq.HandleIRQVector(dpcSignalVector, func(*gate.Registers) {})

	proc.SetIdleLoopEntry(funcEntry(idleLoop))
	idle, err := proc.NewIdleThread()
	if err != nil {
		kernel.Panic(err)
	}

	percpu.Register(0, lapic.ID(), idle)
	percpu.WireCurrent()

	timer.SetArmFn(func(microSeconds uint64) { lapic.OneShot(timerVector, microSeconds) })
	dpc.SetSignalFn(func() { lapic.SendIPI(lapic.ID(), dpcSignalVector) })

	vmm.SetCurrentVMTableFn(func() *vma.Table {
		t := sched.Current()
		if t == nil || t.Process == nil {
			return nil
		}
		return t.Process.VM
	})

	kernelThread, err := proc.NewKernelThread(funcEntry(kernelMain))
	if err != nil {
		kernel.Panic(err)
	}
	sched.Enqueue(kernelThread)

	lapic.Periodic(timerVector, reschedulePeriodMicros)

	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}

// funcEntry returns the entry address of a top-level Go function, suitable
// as the RIP a freshly created thread's trap frame resumes at. fn must not
// be a closure: reflect.Value.Pointer only documents a stable, meaningful
// result for plain function values.
func funcEntry(fn func()) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// idleLoop is the body of the per-CPU idle thread (spec.md §4.8's thread
// with PriorityLow that the scheduler falls back to when its run queue is
// empty): halt until the next interrupt, forever. It is a body-less
// asm-stub function in the teacher's cpu_amd64.go convention because idling
// is just "hlt; jmp $-1" and has no Go-expressible body.
func idleLoop()

// kernelMain is the entry point of the first real kernel thread enqueued by
// Init. A production build would hand off to service initialization here;
// this core has no such services (every concrete subsystem is either
// already brought up by Init or explicitly out of scope), so it parks.
func kernelMain() {
	for {
		sched.Sleep(reschedulePeriodMicros)
	}
}

// kernelImageBounds walks the loaded ELF sections to find the lowest and
// highest addresses the kernel image occupies, the bound
// allocator.NewFromMemoryMap and allocator.InitBootMemAllocator need in
// order to exclude the kernel's own frames from the pool they hand out.
func kernelImageBounds() (start, end uintptr) {
	start = ^uintptr(0)
	multiboot.VisitElfSections(func(_ string, flags multiboot.ElfSectionFlag, address uintptr, size uint64) {
		if flags&multiboot.ElfSectionAllocated == 0 || size == 0 {
			return
		}
		if address < start {
			start = address
		}
		if secEnd := address + uintptr(size); secEnd > end {
			end = secEnd
		}
	})
	if start > end {
		start, end = 0, 0
	}
	return start, end
}

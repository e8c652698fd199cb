package irq

import (
	"novaos/kernel"
	"novaos/kernel/cpu"
	"novaos/kernel/gate"
	"novaos/kernel/ipl"
)

// IRQHandler is invoked for IRQ vectors (32-255) once the dispatcher has
// raised the CPU's IPL to the vector's class. CPU exceptions (vectors 0-31)
// are routed through HandleException / HandleExceptionWithCode instead,
// using the narrower Frame/Regs convention those functions were already
// built around.
type IRQHandler func(*gate.Registers)

const firstIRQVector = 0x20

var (
	irqHandlers [256]IRQHandler
	allocated   [256]bool

	// eoiFn signals end-of-interrupt to the local APIC. It is registered
	// by kernel/apic during boot to avoid an import cycle between irq and
	// apic (the APIC driver itself is installed as an IRQ handler here).
	eoiFn func()

	// drainDPCFn drains the per-CPU DPC queue. It is registered by
	// kernel/dpc during boot for the same reason.
	drainDPCFn func()

	// cpuEnableInterruptsFn/cpuDisableInterruptsFn/handleInterruptFn are
	// mocked by tests and automatically inlined by the compiler when
	// compiling the kernel.
	cpuEnableInterruptsFn  = cpu.EnableInterrupts
	cpuDisableInterruptsFn = cpu.DisableInterrupts
	handleInterruptFn      = gate.HandleInterrupt

	errUnhandledVector  = &kernel.Error{Module: "irq", Message: "unhandled interrupt"}
	errIncomingIPLLow   = &kernel.Error{Module: "irq", Message: "incoming interrupt's IPL is not above the current IPL"}
	errNoVectorInClass  = &kernel.Error{Module: "irq", Message: "no free vector left in the requested IPL class"}
)

// HandleIRQVector installs handler for vector, which must have been
// obtained from AllocateVector (or otherwise be >= firstIRQVector). The
// vector's IDT gate is wired, via gate.HandleInterrupt, to call back into
// Dispatch - handler itself only runs once Dispatch has raised IPL to the
// vector's class.
func HandleIRQVector(vector uint8, handler IRQHandler) {
	if irqHandlers[vector] == nil {
		handleInterruptFn(gate.InterruptNumber(vector), 0, func(regs *gate.Registers) {
			Dispatch(vector, regs)
		})
	}
	irqHandlers[vector] = handler
}

// Init brings up the IDT and generic dispatcher. It must run after the GDT
// and TSS are installed (kernel/irq does not own either) and before
// interrupts are enabled.
func Init() {
	gate.Init()
}

// SetEOIHandler registers the function used to signal end-of-interrupt to
// the local APIC for vectors > 31.
func SetEOIHandler(fn func()) {
	eoiFn = fn
}

// SetDPCDrain registers the function invoked whenever lowering IPL crosses
// the DPC threshold.
func SetDPCDrain(fn func()) {
	drainDPCFn = fn
}

// AllocateVector reserves an unused vector within the 16-vector window of
// the requested IPL class and returns it. Vectors are allocated starting at
// max(level<<4, firstIRQVector) and walking upward; allocation fails with
// errNoVectorInClass once all 16 vectors in the class have been claimed.
func AllocateVector(level ipl.IPL) (uint8, *kernel.Error) {
	base := uint16(level) << 4
	if base < firstIRQVector {
		base = firstIRQVector
	}

	for v := base; v < base+16 && v < 256; v++ {
		if !allocated[v] {
			allocated[v] = true
			return uint8(v), nil
		}
	}

	return 0, errNoVectorInClass
}

// Dispatch is the generic interrupt handler described by the kernel's
// interrupt priority ladder. Every IRQ vector's IDT stub funnels into this
// function by way of the asm trampoline installed by gate.Init: it asserts
// that the incoming interrupt's IPL dominates the current one, raises IPL
// to the vector's class, invokes the installed handler with interrupts
// re-enabled, signals EOI, and lowers IPL back via Splx.
func Dispatch(vector uint8, regs *gate.Registers) {
	vectorIPL := ipl.ForVector(vector)
	if vectorIPL < ipl.Current() {
		kernel.Panic(errIncomingIPLLow)
	}

	prevIPL := ipl.Raise(vectorIPL)
	cpuEnableInterruptsFn()

	handler := irqHandlers[vector]
	if handler == nil {
		kernel.Panic(errUnhandledVector)
	}
	handler(regs)

	if vector > 31 && eoiFn != nil {
		eoiFn()
	}

	cpuDisableInterruptsFn()
	Splx(prevIPL)
}

// Splx lowers the CPU's IPL to level, draining the per-CPU DPC queue first
// if doing so crosses the DPC threshold from above. Code that needs to
// lower IPL outside of Dispatch (e.g. after enqueueing a DPC inline) should
// call this instead of ipl.Splx directly so the drain still happens.
func Splx(level ipl.IPL) {
	if ipl.Current() > ipl.DPC && level <= ipl.DPC && drainDPCFn != nil {
		drainDPCFn()
	}
	ipl.Splx(level)
}

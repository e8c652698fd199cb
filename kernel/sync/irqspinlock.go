package sync

import "novaos/kernel/cpu"

// the following functions are mocked by tests and are automatically inlined
// by the compiler when compiling the kernel.
var (
	interruptsEnabledFn  = cpu.InterruptsEnabled
	enableInterruptsFn   = cpu.EnableInterrupts
	disableInterruptsFn  = cpu.DisableInterrupts
)

// IRQSpinlock is a Spinlock variant for critical sections that may also be
// entered from an interrupt handler. Acquire additionally disables
// interrupts on the calling CPU for the duration of the critical section and
// Release restores whatever interrupt-enable state was in effect when the
// lock was taken, so a lock first acquired from ordinary (interrupts-on)
// code and later re-entered from a handler (interrupts-off) never
// accidentally turns interrupts back on.
//
// The frame allocator and the kernel pagemap (spec.md §5) are the two
// pieces of global state protected by this lock: both can be touched from
// IRQ context (a page fault, a DPC allocating a new page table) as well as
// from ordinary thread code.
type IRQSpinlock struct {
	lock Spinlock

	// heldIRQ records, per acquisition, whether interrupts were enabled
	// before Acquire disabled them. IRQSpinlock is only ever held by one
	// CPU at a time (the inner Spinlock ensures that), so a single field
	// is enough to remember the state across the matching Release.
	heldIRQ bool
}

// Acquire disables interrupts on the calling CPU, then blocks until the
// underlying spinlock is acquired. Re-acquiring a lock already held by the
// current CPU deadlocks, exactly like Spinlock.
func (l *IRQSpinlock) Acquire() {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()
	l.lock.Acquire()
	l.heldIRQ = enabled
}

// Release relinquishes the lock and restores interrupts to whatever state
// they were in immediately before the matching Acquire.
func (l *IRQSpinlock) Release() {
	enabled := l.heldIRQ
	l.lock.Release()
	if enabled {
		enableInterruptsFn()
	}
}

// UseMockInterruptState replaces the interrupt-enable accessors with an
// in-memory stand-in so packages outside sync (e.g. the frame allocator)
// can exercise IRQSpinlock-guarded code without real CLI/STI instructions.
// It returns a restore function that puts the real accessors back, mirroring
// kernel/ipl.UseMockCR8.
func UseMockInterruptState(initiallyEnabled bool) (restore func()) {
	enabled := initiallyEnabled
	origEnabled, origEnable, origDisable := interruptsEnabledFn, enableInterruptsFn, disableInterruptsFn
	interruptsEnabledFn = func() bool { return enabled }
	enableInterruptsFn = func() { enabled = true }
	disableInterruptsFn = func() { enabled = false }
	return func() {
		interruptsEnabledFn, enableInterruptsFn, disableInterruptsFn = origEnabled, origEnable, origDisable
	}
}

// Package ipl implements the interrupt priority ladder: a strictly
// monotonic barrier stored in CR8 that gates which interrupt handlers may
// preempt the currently running code on a CPU.
package ipl

import (
	"novaos/kernel"
	"novaos/kernel/cpu"
)

// IPL is an interrupt priority level. Higher values gate more: a handler may
// only run while the CPU's current IPL is strictly less than the handler's
// own IPL.
type IPL uint8

const (
	// Passive is the level ordinary kernel and user code runs at.
	Passive IPL = 0
	// APC is used for asynchronous procedure calls.
	APC IPL = 1
	// DPC gates deferred procedure call execution; the scheduler never
	// runs above this level.
	DPC IPL = 2
	// Device is the band used by device interrupt handlers.
	Device IPL = 13
	// Clock is the level the periodic reschedule/timer interrupt runs at.
	Clock IPL = 14
	// High is the highest level, used for short, non-preemptible sections.
	High IPL = 15
)

var (
	errLoweredBeyondCurrent = &kernel.Error{Module: "ipl", Message: "splx target exceeds current IPL"}
	errRaisedBelowCurrent   = &kernel.Error{Module: "ipl", Message: "raise target is below current IPL"}

	// readCR8Fn/writeCR8Fn are mocked by tests and automatically inlined by
	// the compiler when compiling the kernel.
	readCR8Fn  = cpu.ReadCR8
	writeCR8Fn = cpu.WriteCR8
)

// Current returns the CPU's current IPL.
func Current() IPL {
	return IPL(readCR8Fn())
}

// Raise moves the CPU's IPL up to level and returns the previous value.
// level must be greater than or equal to the current IPL; violating this
// ordering is an invariant violation and panics.
func Raise(level IPL) IPL {
	cur := Current()
	if level < cur {
		kernel.Panic(errRaisedBelowCurrent)
	}
	writeCR8Fn(uint64(level))
	return cur
}

// Splx restores the CPU's IPL to level, which must be less than or equal to
// the current IPL. Lowering IPL below the DPC threshold is the trigger point
// for draining the per-CPU DPC queue; callers that need that behavior should
// use irq.Splx instead of calling this function directly.
func Splx(level IPL) {
	if level > Current() {
		kernel.Panic(errLoweredBeyondCurrent)
	}
	writeCR8Fn(uint64(level))
}

// ForVector returns the IPL class encoded in the high nibble of a vector
// number: vector bits 7:4 select the IPL class, bits 3:0 discriminate
// within the class.
func ForVector(vector uint8) IPL {
	return IPL(vector >> 4)
}

// UseMockCR8 replaces the CR8 accessors with an in-memory stand-in so
// packages outside ipl can exercise IPL-dependent code paths without a real
// CPU. It returns a restore function that puts the real accessors back.
func UseMockCR8() (restore func()) {
	var cur uint64
	origRead, origWrite := readCR8Fn, writeCR8Fn
	readCR8Fn = func() uint64 { return cur }
	writeCR8Fn = func(level uint64) { cur = level }
	return func() {
		readCR8Fn, writeCR8Fn = origRead, origWrite
	}
}

// Package apic drives the local APIC timer and the HPET used to calibrate
// it. The local APIC is the source of the periodic interrupt that feeds the
// scheduler's reschedule DPC and the timer queue's one-shot deadlines.
package apic

import (
	"novaos/kernel"
	"novaos/kernel/cpu"
	"novaos/kernel/mem"
	"novaos/kernel/mem/pmm"
	"novaos/kernel/mem/vmm"
	"unsafe"
)

const (
	apicBaseMSR = 0x1B

	apicBaseMSRBSP    = 1 << 8
	apicBaseMSREnable = 1 << 11

	regID           = 0x20
	regTaskPriority = 0x80
	regEOI          = 0xB0
	regSIV          = 0xF0
	regLVTTimer     = 0x320
	regTimerInitCnt = 0x380
	regTimerCurCnt  = 0x390
	regTimerDivide  = 0x3E0

	// sivAPICSoftwareEnable is bit 8 of the spurious interrupt vector
	// register; it must be set for the local APIC to deliver interrupts.
	sivAPICSoftwareEnable uint32 = 1 << 8
	spuriousVector        uint32 = 0xFF

	timerModePeriodic uint32 = 1 << 17
	timerDivideBy16   uint32 = 0b1011

	// calibrationWindowHPETTicks is the number of HPET ticks the calibration
	// routine busy-waits for while sampling the APIC timer's countdown.
	calibrationSampleDivisor = 100
)

// LAPIC drives a single CPU's local APIC. It must be created once per CPU
// that is brought online.
type LAPIC struct {
	base      uintptr
	frequency uint64

	readRegFn  func(offset uintptr) uint32
	writeRegFn func(offset uintptr, val uint32)
}

var (
	identityMapFn = vmm.IdentityMapRegion
	readMSRFn     = cpu.ReadMSR

	errCalibrationStalled = &kernel.Error{Module: "apic", Message: "local APIC timer calibration against the HPET made no progress"}
)

// New discovers the local APIC's MMIO base address via the IA32_APIC_BASE
// MSR, identity-maps its register page and returns a ready-to-use LAPIC with
// the software-enable bit set. Callers still need to calibrate the timer
// (via Calibrate) before trusting OneShot/Periodic deadlines.
func New() (*LAPIC, *kernel.Error) {
	base := readMSRFn(apicBaseMSR)
	base &^= apicBaseMSRBSP
	base &^= apicBaseMSREnable

	physBase := uintptr(base)
	page, err := identityMapFn(pmm.FrameFromAddress(physBase), mem.Size(mem.PageSize), vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return nil, err
	}

	l := &LAPIC{base: page.Address() + vmm.PageOffset(physBase)}
	l.readRegFn = l.readReg
	l.writeRegFn = l.writeReg
	l.enable()

	return l, nil
}

func (l *LAPIC) readReg(offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(l.base + offset))
}

func (l *LAPIC) writeReg(offset uintptr, val uint32) {
	*(*uint32)(unsafe.Pointer(l.base + offset)) = val
}

func (l *LAPIC) enable() {
	l.writeRegFn(regSIV, spuriousVector|sivAPICSoftwareEnable)
	l.writeRegFn(regTaskPriority, 0)
}

// ID returns the APIC id of the CPU this LAPIC instance belongs to.
func (l *LAPIC) ID() uint32 {
	return l.readRegFn(regID)
}

// EOI signals end-of-interrupt for the highest-priority in-service interrupt.
// kernel/irq calls this (via SetEOIHandler) after every IRQ vector handler
// returns.
func (l *LAPIC) EOI() {
	l.writeRegFn(regEOI, 0)
}

// Calibrate measures the local APIC timer's tick frequency against the
// HPET's main counter by counting down from the maximum value for roughly
// 1/calibrationSampleDivisor of a second and extrapolating.
func (l *LAPIC) Calibrate(h *HPET) *kernel.Error {
	l.writeRegFn(regTimerDivide, timerDivideBy16)

	ticksToWait := h.Frequency() / calibrationSampleDivisor
	start := h.ReadCounter()

	l.writeRegFn(regTimerInitCnt, 0xFFFFFFFF)
	for h.ReadCounter()-start < ticksToWait {
	}
	elapsedAPICTicks := uint64(0xFFFFFFFF) - uint64(l.readRegFn(regTimerCurCnt))
	l.writeRegFn(regTimerInitCnt, 0)

	elapsedHPETTicks := h.ReadCounter() - start
	if elapsedHPETTicks == 0 {
		return errCalibrationStalled
	}

	l.frequency = elapsedAPICTicks * h.Frequency() / elapsedHPETTicks
	return nil
}

// OneShot arms the timer to fire vector once after roughly microSeconds.
// Calibrate must have run first.
func (l *LAPIC) OneShot(vector uint8, microSeconds uint64) {
	l.writeRegFn(regTimerDivide, timerDivideBy16)
	l.writeRegFn(regLVTTimer, uint32(vector))
	l.writeRegFn(regTimerInitCnt, l.ticksFor(microSeconds))
}

// Periodic arms the timer to fire vector every microSeconds until Stop is
// called. Calibrate must have run first.
func (l *LAPIC) Periodic(vector uint8, microSeconds uint64) {
	l.writeRegFn(regTimerDivide, timerDivideBy16)
	l.writeRegFn(regLVTTimer, timerModePeriodic|uint32(vector))
	l.writeRegFn(regTimerInitCnt, l.ticksFor(microSeconds))
}

// Stop disarms the timer.
func (l *LAPIC) Stop() {
	l.writeRegFn(regTimerInitCnt, 0)
}

func (l *LAPIC) ticksFor(microSeconds uint64) uint32 {
	return uint32((l.frequency * microSeconds / (1000 * 1000)) / 16)
}

// SendIPI sends an inter-processor interrupt. destAPICID selects the target
// CPU; vector is delivered as a fixed-mode interrupt.
func (l *LAPIC) SendIPI(destAPICID uint32, vector uint8) {
	const regICRLow = 0x300
	const regICRHigh = 0x310

	l.writeRegFn(regICRHigh, destAPICID<<24)
	l.writeRegFn(regICRLow, uint32(vector))
}

package apic

import (
	"novaos/device/acpi/table"
	"novaos/kernel"
	"novaos/kernel/mem"
	"novaos/kernel/mem/pmm"
	"novaos/kernel/mem/vmm"
	"unsafe"
)

const (
	hpetSignature = "HPET"

	regCapabilities = 0x000
	regConfig       = 0x010
	regMainCounter  = 0x0F0

	configEnableCNF uint64 = 1

	// femtosecondsPerSecond is used to convert the period encoded in the
	// HPET's capabilities register (in femtoseconds) into a tick frequency.
	femtosecondsPerSecond = 1_000_000_000_000_000
)

var errHPETTableMissing = &kernel.Error{Module: "apic", Message: "ACPI HPET table not found"}

// HPET models the memory-mapped High Precision Event Timer, used as a
// reference clock to calibrate the local APIC's timer frequency.
type HPET struct {
	base      uintptr
	frequency uint64

	readCounterFn func() uint64
}

// NewHPET locates the HPET ACPI table via resolver, identity-maps its
// register block and enables the main counter.
func NewHPET(resolver table.Resolver) (*HPET, *kernel.Error) {
	header := resolver.LookupTable(hpetSignature)
	if header == nil {
		return nil, errHPETTableMissing
	}

	hpetTable := (*table.HPET)(unsafe.Pointer(header))
	physBase := uintptr(hpetTable.BaseAddress.Address)

	page, err := identityMapFn(pmm.FrameFromAddress(physBase), mem.Size(mem.PageSize), vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return nil, err
	}

	h := &HPET{base: page.Address() + vmm.PageOffset(physBase)}
	h.readCounterFn = h.readMainCounter

	period := h.read(regCapabilities) >> 32
	h.frequency = femtosecondsPerSecond / period

	h.write(regConfig, h.read(regConfig)|configEnableCNF)

	return h, nil
}

func (h *HPET) read(offset uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(h.base + offset))
}

func (h *HPET) write(offset uintptr, val uint64) {
	*(*uint64)(unsafe.Pointer(h.base + offset)) = val
}

func (h *HPET) readMainCounter() uint64 {
	return h.read(regMainCounter)
}

// ReadCounter returns the current value of the HPET's free-running main
// counter.
func (h *HPET) ReadCounter() uint64 {
	return h.readCounterFn()
}

// Frequency returns the HPET's tick frequency in Hz.
func (h *HPET) Frequency() uint64 {
	return h.frequency
}

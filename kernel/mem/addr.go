package mem

import "novaos/kernel"

var (
	// ErrNonCanonicalAddress is returned when constructing a VirtAddr from a
	// value whose bits 48-63 are not a sign extension of bit 47.
	ErrNonCanonicalAddress = &kernel.Error{Module: "mem", Message: "virtual address is not canonical"}
)

// PhysAddr is an opaque wrapper around a 64-bit physical memory address.
type PhysAddr uintptr

// Aligned returns true if the address is a multiple of align, which must be
// a power of two.
func (a PhysAddr) Aligned(align Size) bool {
	return uintptr(a)&(uintptr(align)-1) == 0
}

// AlignDown rounds the address down to the nearest multiple of align.
func (a PhysAddr) AlignDown(align Size) PhysAddr {
	return PhysAddr(uintptr(a) &^ (uintptr(align) - 1))
}

// AlignUp rounds the address up to the nearest multiple of align.
func (a PhysAddr) AlignUp(align Size) PhysAddr {
	return PhysAddr((uintptr(a) + uintptr(align) - 1) &^ (uintptr(align) - 1))
}

// Uintptr returns the raw address value.
func (a PhysAddr) Uintptr() uintptr {
	return uintptr(a)
}

// VirtAddr is an opaque wrapper around a canonical 64-bit virtual memory
// address. Bits 48-63 of a canonical address are always a sign extension of
// bit 47.
type VirtAddr uintptr

// signBit47 is bit 47, whose value must be replicated into bits 48-63 for a
// virtual address to be canonical.
const signBit47 = uintptr(1) << 47

// NewVirtAddr constructs a VirtAddr from a raw value, failing if the value
// is not canonical.
func NewVirtAddr(raw uintptr) (VirtAddr, *kernel.Error) {
	v := VirtAddr(raw)
	if !v.Canonical() {
		return 0, ErrNonCanonicalAddress
	}
	return v, nil
}

// Canonical returns true if bits 48-63 of the address are a sign extension
// of bit 47.
func (a VirtAddr) Canonical() bool {
	top := uintptr(a) >> 48
	if uintptr(a)&signBit47 != 0 {
		return top == 0xffff
	}
	return top == 0
}

// Aligned returns true if the address is a multiple of align, which must be
// a power of two.
func (a VirtAddr) Aligned(align Size) bool {
	return uintptr(a)&(uintptr(align)-1) == 0
}

// AlignDown rounds the address down to the nearest multiple of align.
func (a VirtAddr) AlignDown(align Size) VirtAddr {
	return VirtAddr(uintptr(a) &^ (uintptr(align) - 1))
}

// AlignUp rounds the address up to the nearest multiple of align.
func (a VirtAddr) AlignUp(align Size) VirtAddr {
	return VirtAddr((uintptr(a) + uintptr(align) - 1) &^ (uintptr(align) - 1))
}

// Add returns a new VirtAddr offset by delta bytes.
func (a VirtAddr) Add(delta uintptr) VirtAddr {
	return VirtAddr(uintptr(a) + delta)
}

// Uintptr returns the raw address value.
func (a VirtAddr) Uintptr() uintptr {
	return uintptr(a)
}

package vmm

import (
	"novaos/kernel"
	"novaos/kernel/mem"
	"novaos/kernel/mem/pmm"
	"unsafe"
)

var errMisalignedHugePage = &kernel.Error{Module: "vmm", Message: "huge page mapping is not aligned to its page size"}

// hugePageLevel returns the page table level at which a mapping for the
// given size class terminates instead of stepping down to a smaller table.
func hugePageLevel(size mem.PageSizeClass) uint8 {
	switch size {
	case mem.Size1GiB:
		return pageLevels - 3
	case mem.Size2MiB:
		return pageLevels - 2
	default:
		return pageLevels - 1
	}
}

// MapHuge establishes a mapping between a virtual page and a physical frame
// using a 2MiB or 1GiB leaf entry instead of the usual 4KiB one. Both page
// and frame must be aligned to size; Size4KiB is accepted as a convenience
// and simply delegates to Map.
func MapHuge(page Page, frame pmm.Frame, size mem.PageSizeClass, flags PageTableEntryFlag) *kernel.Error {
	if size == mem.Size4KiB {
		return Map(page, frame, flags)
	}

	if !mem.VirtAddr(page.Address()).Aligned(size.Bytes()) || !mem.PhysAddr(frame.Address()).Aligned(size.Bytes()) {
		return errMisalignedHugePage
	}

	targetLevel := hugePageLevel(size)

	var err *kernel.Error
	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == targetLevel {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | FlagHugePage | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			newTableFrame, err = frameAllocator()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			nextTableAddr := (uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1])
			mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// MapRange establishes mappings covering byteLen bytes of the physical range
// starting at frame onto the virtual range starting at page, using 1GiB and
// 2MiB pages wherever alignment and the remaining length allow it and
// falling back to 4KiB pages at the unaligned edges of the range.
func MapRange(page Page, frame pmm.Frame, byteLen mem.Size, flags PageTableEntryFlag) *kernel.Error {
	remaining := uint64((byteLen + mem.PageSize - 1) &^ (mem.PageSize - 1))

	for remaining > 0 {
		size := mem.Size4KiB
		switch {
		case remaining >= uint64(mem.Size1GiB.Bytes()) &&
			mem.VirtAddr(page.Address()).Aligned(mem.Size1GiB.Bytes()) &&
			mem.PhysAddr(frame.Address()).Aligned(mem.Size1GiB.Bytes()):
			size = mem.Size1GiB
		case remaining >= uint64(mem.Size2MiB.Bytes()) &&
			mem.VirtAddr(page.Address()).Aligned(mem.Size2MiB.Bytes()) &&
			mem.PhysAddr(frame.Address()).Aligned(mem.Size2MiB.Bytes()):
			size = mem.Size2MiB
		}

		if err := MapHuge(page, frame, size, flags); err != nil {
			return err
		}

		step := uint64(size.Bytes())
		page += Page(step >> mem.PageShift)
		frame += pmm.Frame(step >> mem.PageShift)
		remaining -= step
	}

	return nil
}

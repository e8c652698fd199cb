package vmm

import (
	"novaos/kernel"
	"novaos/kernel/mem/pmm"
	"unsafe"
)

// kernelSpaceBoundary is the P4 entry index at which the higher half shared
// kernel mappings begin. Entries below it are private to each address space.
const kernelSpaceBoundary = 256

// FillWithKernelEntries copies the higher-half P4 entries of kernelPDT into
// pdt so that every address space shares the very same kernel page tables
// without duplicating them. Only one physical frame can be reached through
// the fixed temporary mapping slot at a time, so the kernel half is staged
// through a small on-stack buffer rather than mapped twice at once.
func (pdt PageDirectoryTable) FillWithKernelEntries(kernelPDT PageDirectoryTable) *kernel.Error {
	pdtLock.Acquire()
	defer pdtLock.Release()

	var buf [512 - kernelSpaceBoundary]pageTableEntry

	srcPage, err := mapTemporaryFn(kernelPDT.pdtFrame)
	if err != nil {
		return err
	}
	srcTable := (*[512]pageTableEntry)(unsafe.Pointer(srcPage.Address()))
	copy(buf[:], srcTable[kernelSpaceBoundary:])
	if err := unmapFn(srcPage); err != nil {
		return err
	}

	dstPage, err := mapTemporaryFn(pdt.pdtFrame)
	if err != nil {
		return err
	}
	dstTable := (*[512]pageTableEntry)(unsafe.Pointer(dstPage.Address()))
	copy(dstTable[kernelSpaceBoundary:], buf[:])
	return unmapFn(dstPage)
}

// DeallocateTree walks every page table level beneath pdt's P4 table and
// releases the frames backing the lower-half (private) tables via free.
// Upper-half entries are left untouched since FillWithKernelEntries made
// them aliases of the shared kernel tables, not owned by this address
// space. The frames that page table leaves map to (the actual page
// contents) are never touched here; that is the caller's responsibility
// since those frames may still be referenced elsewhere (e.g. shared pages).
func (pdt PageDirectoryTable) DeallocateTree(free func(pmm.Frame) *kernel.Error) *kernel.Error {
	pdtLock.Acquire()
	defer pdtLock.Release()

	return deallocateLevel(pdt.pdtFrame, 0, free)
}

func deallocateLevel(tableFrame pmm.Frame, pteLevel uint8, free func(pmm.Frame) *kernel.Error) *kernel.Error {
	tablePage, err := mapTemporaryFn(tableFrame)
	if err != nil {
		return err
	}
	table := (*[512]pageTableEntry)(unsafe.Pointer(tablePage.Address()))

	entryCount := 512
	if pteLevel == 0 {
		entryCount = kernelSpaceBoundary
	}

	var children []pmm.Frame
	if pteLevel < pageLevels-1 {
		for i := 0; i < entryCount; i++ {
			if table[i].HasFlags(FlagPresent) && !table[i].HasFlags(FlagHugePage) {
				children = append(children, table[i].Frame())
			}
		}
	}

	if err := unmapFn(tablePage); err != nil {
		return err
	}

	for _, child := range children {
		if err := deallocateLevel(child, pteLevel+1, free); err != nil {
			return err
		}
	}

	return free(tableFrame)
}

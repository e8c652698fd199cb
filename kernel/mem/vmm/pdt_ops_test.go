package vmm

import (
	"novaos/kernel"
	"novaos/kernel/mem"
	"novaos/kernel/mem/pmm"
	"novaos/kernel/sync"
	"os"
	"testing"
	"unsafe"
)

func TestMain(m *testing.M) {
	restore := sync.UseMockInterruptState(true)
	code := m.Run()
	restore()
	os.Exit(code)
}

// fakeTableBackers keeps the backing arrays of fabricated page tables alive
// for the duration of a test; without it nothing else references the slice
// and the garbage collector would be free to reclaim it.
var fakeTableBackers [][]byte

// newFakeTable allocates a page-aligned 512-entry table and returns a
// pmm.Frame whose Address() (frame << PageShift) reconstructs exactly that
// aligned address, so mapTemporaryFn can be stubbed out as the identity
// function Page(f) without needing a separate frame->address lookup.
func newFakeTable() (pmm.Frame, *[512]pageTableEntry) {
	raw := make([]byte, 2*mem.PageSize)
	fakeTableBackers = append(fakeTableBackers, raw)

	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)

	frame := pmm.Frame(aligned >> mem.PageShift)
	table := (*[512]pageTableEntry)(unsafe.Pointer(aligned))
	return frame, table
}

func withFakeTempMapping(t *testing.T) {
	t.Helper()
	origMapTemp, origUnmap := mapTemporaryFn, unmapFn
	t.Cleanup(func() {
		mapTemporaryFn = origMapTemp
		unmapFn = origUnmap
		fakeTableBackers = nil
	})

	mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), nil }
	unmapFn = func(_ Page) *kernel.Error { return nil }
}

func TestFillWithKernelEntriesCopiesUpperHalfOnly(t *testing.T) {
	withFakeTempMapping(t)

	kernelFrame, kernelTable := newFakeTable()
	for i := kernelSpaceBoundary; i < 512; i++ {
		kernelTable[i] = pageTableEntry(i) | pageTableEntry(FlagPresent)
	}

	newFrame, newTable := newFakeTable()
	for i := 0; i < kernelSpaceBoundary; i++ {
		newTable[i] = pageTableEntry(0xdead) // pre-existing private entries
	}

	pdt := PageDirectoryTable{pdtFrame: newFrame}
	kernelPDT := PageDirectoryTable{pdtFrame: kernelFrame}
	if err := pdt.FillWithKernelEntries(kernelPDT); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := kernelSpaceBoundary; i < 512; i++ {
		if newTable[i] != kernelTable[i] {
			t.Fatalf("entry %d: expected copy of kernel entry %v; got %v", i, kernelTable[i], newTable[i])
		}
	}
	for i := 0; i < kernelSpaceBoundary; i++ {
		if newTable[i] != pageTableEntry(0xdead) {
			t.Fatalf("entry %d: lower half must be left untouched; got %v", i, newTable[i])
		}
	}
}

func TestDeallocateTreeSkipsKernelHalf(t *testing.T) {
	withFakeTempMapping(t)

	root, rootTable := newFakeTable()
	kernelChild, _ := newFakeTable()
	userChild, userChildTable := newFakeTable()
	userLeaf, _ := newFakeTable()

	rootTable[kernelSpaceBoundary] = pageTableEntry(kernelChild.Address()) | pageTableEntry(FlagPresent)
	rootTable[0] = pageTableEntry(userChild.Address()) | pageTableEntry(FlagPresent)
	userChildTable[0] = pageTableEntry(userLeaf.Address()) | pageTableEntry(FlagPresent)

	var freed []pmm.Frame
	pdt := PageDirectoryTable{pdtFrame: root}
	if err := pdt.DeallocateTree(func(f pmm.Frame) *kernel.Error {
		freed = append(freed, f)
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[pmm.Frame]bool{root: true, userChild: true, userLeaf: true}
	if len(freed) != len(want) {
		t.Fatalf("expected %d frames freed; got %d: %v", len(want), len(freed), freed)
	}
	for _, f := range freed {
		if f == kernelChild {
			t.Fatalf("kernel-half subtree must never be freed")
		}
		if !want[f] {
			t.Fatalf("unexpected frame freed: %v", f)
		}
	}
}

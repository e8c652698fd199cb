package vma

import (
	"novaos/kernel"
	"novaos/kernel/mem"
	"testing"
)

const testPage = uintptr(mem.PageSize)

func newTestTable() *Table {
	return NewTable(mem.VirtAddr(0x1000), mem.VirtAddr(0x100000), 4*testPage)
}

func TestCreateEntryLowPicksLowestAvailableSlot(t *testing.T) {
	tbl := newTestTable()

	e1, err := tbl.CreateEntryLow(testPage, Read|Write, Private|Anonymous)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e1.Start != tbl.Low {
		t.Fatalf("expected first entry to start at Low (0x%x), got 0x%x", tbl.Low, e1.Start)
	}

	e2, err := tbl.CreateEntryLow(testPage, Read, Private)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e2.Start <= e1.End() {
		t.Fatalf("expected second entry (0x%x) to start after the first entry's guard gap (ends 0x%x)", e2.Start, e1.End())
	}
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", tbl.Len())
	}
}

func TestEntriesNeverOverlapOrTouchGuardGap(t *testing.T) {
	tbl := newTestTable()

	start := tbl.Low + 0x10000
	if _, err := tbl.CreateEntryAt(start, testPage, Read|Write, Private); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Any request touching [start-guardGap, start+PageSize+guardGap) must
	// be rejected as unavailable.
	for _, probe := range []mem.VirtAddr{start - mem.VirtAddr(guardGap), start, start + mem.VirtAddr(testPage)} {
		if tbl.IsAvailable(probe, testPage) {
			t.Errorf("expected 0x%x to be unavailable (guard gap around existing entry at 0x%x)", probe, start)
		}
	}

	// A request that leaves a full guard page on both sides must succeed.
	far := start + mem.VirtAddr(testPage) + mem.VirtAddr(guardGap) + 1
	if !tbl.IsAvailable(far, testPage) {
		t.Errorf("expected 0x%x to be available, it clears the guard gap", far)
	}
}

// TestIsAvailableChecksFollowingEntryToo covers approaching an existing
// entry from below: a query entirely before an entry's Start can still
// reach into that entry's guard-expanded zone.
func TestIsAvailableChecksFollowingEntryToo(t *testing.T) {
	tbl := newTestTable()

	entryStart := tbl.Low + 0x20000
	if _, err := tbl.CreateEntryAt(entryStart, testPage, Read|Write, Private); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Ends only half a guard page before entryStart: well clear of overlap,
	// but still inside entryStart's guard-expanded zone [entryStart-guardGap, ...).
	probeStart := entryStart - mem.VirtAddr(guardGap/2) - mem.VirtAddr(testPage)
	if tbl.IsAvailable(probeStart, testPage) {
		t.Fatalf("expected 0x%x to be unavailable, it ends inside the guard gap before 0x%x", probeStart, entryStart)
	}

	// Clears the full guard gap before entryStart.
	clearStart := entryStart - mem.VirtAddr(guardGap) - mem.VirtAddr(testPage)
	if !tbl.IsAvailable(clearStart, testPage) {
		t.Fatalf("expected 0x%x to be available, it clears the guard gap before 0x%x", clearStart, entryStart)
	}
}

func TestCreateEntryAtFallsBackToNearestGap(t *testing.T) {
	tbl := newTestTable()

	start := tbl.Low + 0x10000
	first, err := tbl.CreateEntryAt(start, testPage, Read|Write, Private)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Ask for the same (now occupied) start again; expect a nearby gap.
	second, err := tbl.CreateEntryAt(start, testPage, Read, Private)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Start == first.Start {
		t.Fatalf("expected CreateEntryAt to relocate, got the same start 0x%x", second.Start)
	}
	if second.Start < first.End()+mem.VirtAddr(guardGap) {
		t.Fatalf("relocated entry at 0x%x does not clear the first entry's guard gap (ends 0x%x)", second.Start, first.End())
	}
}

func TestCreateEntryHighWalksDownwardFromProcessEnd(t *testing.T) {
	tbl := newTestTable()

	e := tbl.CreateEntryHigh(testPage, Read|Write, Private|Anonymous)
	if e.End() != tbl.High {
		t.Fatalf("expected stack entry to end at High (0x%x), got 0x%x", tbl.High, e.End())
	}

	e2 := tbl.CreateEntryHigh(testPage, Read|Write, Private|Anonymous)
	if e2.End() >= e.Start {
		t.Fatalf("expected second high entry to land below the first (first starts 0x%x)", e.Start)
	}
}

func TestCreateEntryHighPanicsWhenItCrossesLow(t *testing.T) {
	tbl := NewTable(mem.VirtAddr(0x1000), mem.VirtAddr(0x1000+2*testPage), testPage)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when create_entry_high has no room above Low")
		}
	}()

	for i := 0; i < 10; i++ {
		tbl.CreateEntryHigh(2*testPage, Read|Write, Private)
	}
}

func TestGetEntryFromAddress(t *testing.T) {
	tbl := newTestTable()

	e, err := tbl.CreateEntryAt(tbl.Low+0x10000, 3*testPage, Read|Write|Execute, Private)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := tbl.GetEntryFromAddress(e.Start); got != e {
		t.Fatalf("expected GetEntryFromAddress(start) to return the entry")
	}
	if got := tbl.GetEntryFromAddress(e.Start + mem.VirtAddr(testPage)); got != e {
		t.Fatalf("expected GetEntryFromAddress(mid) to return the entry")
	}
	if got := tbl.GetEntryFromAddress(e.End()); got != nil {
		t.Fatalf("expected GetEntryFromAddress(end) to miss, got %+v", got)
	}
	if got := tbl.GetEntryFromAddress(tbl.Low); got != nil {
		t.Fatalf("expected GetEntryFromAddress(unmapped) to return nil, got %+v", got)
	}
}

func TestCleanUpFreesEveryMappedPage(t *testing.T) {
	tbl := newTestTable()

	e, err := tbl.CreateEntryAt(tbl.Low+0x10000, 2*testPage, Read|Write, Private|Anonymous)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	errNotMapped := &kernel.Error{Module: "test", Message: "page not mapped"}

	// Only the entry's first page was ever faulted in; the second is
	// still a demand-zero hole that CleanUp must tolerate.
	mapped := map[mem.VirtAddr]uintptr{e.Start: 0x4000}

	var freed []uintptr
	var unmapped []mem.VirtAddr

	translate := func(addr mem.VirtAddr) (uintptr, *kernel.Error) {
		phys, ok := mapped[addr]
		if !ok {
			return 0, errNotMapped
		}
		return phys, nil
	}
	free := func(phys uintptr) *kernel.Error {
		freed = append(freed, phys)
		return nil
	}
	unmap := func(addr mem.VirtAddr) *kernel.Error {
		unmapped = append(unmapped, addr)
		return nil
	}

	if err := tbl.CleanUp(translate, free, unmap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(freed) != 1 || freed[0] != 0x4000 {
		t.Fatalf("expected exactly the mapped page's frame to be freed, got %v", freed)
	}
	if len(unmapped) != 1 || unmapped[0] != e.Start {
		t.Fatalf("expected exactly the mapped page to be unmapped, got %v", unmapped)
	}
}

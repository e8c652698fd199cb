// Package vma implements the per-process virtual-memory-area table: an
// ordered record of the virtual address intervals a process has asked the
// kernel to back, together with their protection and mapping flags. It is
// the structure page-fault handling (kernel/mem/vmm) consults to tell a
// legal, resolvable miss from a fatal access, and the structure the ELF
// loader and the user-stack/brk syscalls populate.
package vma

import (
	"novaos/kernel"
	"novaos/kernel/mem"

	"github.com/google/btree"
)

// Protection is the set of accesses a VM entry permits.
type Protection uint8

const (
	// Read permits loads from the region.
	Read Protection = 1 << iota
	// Write permits stores to the region.
	Write
	// Execute permits instruction fetch from the region.
	Execute
)

// MapFlags describes how a VM entry's backing memory is shared.
type MapFlags uint8

const (
	// Shared means writes to the region are visible to every mapper of
	// the same backing file.
	Shared MapFlags = 1 << iota
	// Private means writes are copy-on-write, private to this mapping.
	Private
	// Anonymous means the region has no backing file; missing pages are
	// resolved by demand-zero rather than by reading from a file.
	Anonymous
)

// degree is the btree branching factor. The table is small (a handful to a
// few dozen entries per process) so the exact value has little effect;
// google/btree documents 32 as a reasonable default.
const degree = 32

// File identifies the backing file of a non-anonymous entry. The VFS
// surface itself lives in kernel/vfs; vma only needs a stable, comparable
// handle plus the byte offset the mapping starts at, so it stores that
// handle as an opaque value instead of importing kernel/vfs (which would
// create an import cycle through kernel/proc).
type File struct {
	Vnode  any
	Offset uintptr
}

// Entry describes one mapped virtual address interval,
// [Start, Start+Length), inside a single process's address space.
type Entry struct {
	Start  mem.VirtAddr
	Length uintptr
	Prot   Protection
	Flags  MapFlags
	File   *File
}

// End returns the address one past the last byte covered by e.
func (e *Entry) End() mem.VirtAddr {
	return e.Start.Add(e.Length)
}

// Contains reports whether addr falls within [Start, End).
func (e *Entry) Contains(addr mem.VirtAddr) bool {
	return addr >= e.Start && addr < e.End()
}

// Allows reports whether access is permitted by e's protection bits.
func (e *Entry) Allows(access Protection) bool {
	return e.Prot&access == access
}

var (
	ErrOverlap          = &kernel.Error{Module: "vma", Message: "requested range overlaps an existing entry or its guard gap"}
	ErrNoLowSlot        = &kernel.Error{Module: "vma", Message: "no available slot at or above the process's low address bound"}
	ErrSlotTaken        = &kernel.Error{Module: "vma", Message: "requested start address is not available and no neighbouring gap fits"}
	errCrossedLowBound  = "create_entry_high reached the process's low address bound without finding a free slot"
)

// Table is the ordered set of VM entries belonging to a single process.
// Entries are kept ordered by Start, which is what lets IsAvailable,
// GetEntryFromAddress and CleanUp all run in O(log n) / O(n) time instead of
// a linear scan per call.
type Table struct {
	entries *btree.BTreeG[*Entry]

	// Low and High bound the half of the address space this table hands
	// out slots in (a process's lower canonical half, spec.md §3). They
	// are fields rather than package constants so tests can use a small
	// address range instead of the real user address space layout.
	Low, High mem.VirtAddr

	// StackSize is the increment CreateEntryHigh walks downward by while
	// looking for the initial user stack's slot.
	StackSize uintptr
}

// NewTable constructs an empty VM entry table bounding its allocations to
// [low, high).
func NewTable(low, high mem.VirtAddr, stackSize uintptr) *Table {
	return &Table{
		entries:   btree.NewG(degree, entryLess),
		Low:       low,
		High:      high,
		StackSize: stackSize,
	}
}

func entryLess(a, b *Entry) bool {
	return a.Start < b.Start
}

// Len returns the number of entries currently in the table.
func (t *Table) Len() int {
	return t.entries.Len()
}

// Ascend calls fn for every entry in ascending Start order, stopping early
// if fn returns false. The iteration is not safe to retain or resume once
// the table is mutated (spec.md §9 "lazy sequences").
func (t *Table) Ascend(fn func(*Entry) bool) {
	t.entries.Ascend(func(e *Entry) bool { return fn(e) })
}

// guardGap is the one-page buffer spec.md §4.3 requires between adjacent
// entries, so a stack/heap overrun faults instead of silently touching a
// neighbouring mapping.
const guardGap = uintptr(mem.PageSize)

// IsAvailable reports whether [start, start+length) -- expanded by a
// one-page guard gap on both sides -- is free of every existing entry.
//
// Because entries never overlap each other, the only entries that could
// possibly reach into our guard-expanded range are the one immediately
// preceding it and the one immediately following it in address order: any
// other entry would have to overlap one of those two to reach any closer,
// which contradicts entries never overlapping.
func (t *Table) IsAvailable(start mem.VirtAddr, length uintptr) bool {
	end := start.Add(length)

	var prev *Entry
	t.entries.DescendLessOrEqual(&Entry{Start: end}, func(e *Entry) bool {
		if e.Start >= end {
			return true
		}
		prev = e
		return false
	})

	if prev != nil {
		gapStart := prev.Start
		if gapStart >= mem.VirtAddr(guardGap) {
			gapStart -= mem.VirtAddr(guardGap)
		}
		gapEnd := prev.End().Add(guardGap)
		if start < gapEnd && end > gapStart {
			return false
		}
	}

	var next *Entry
	t.entries.AscendGreaterOrEqual(&Entry{Start: end}, func(e *Entry) bool {
		next = e
		return false
	})

	if next != nil {
		nextGapStart := next.Start
		if nextGapStart >= mem.VirtAddr(guardGap) {
			nextGapStart -= mem.VirtAddr(guardGap)
		}
		if end > nextGapStart {
			return false
		}
	}

	return true
}

// CreateEntryLow finds the lowest slot at or above Low that fits length
// bytes (with guard gaps) and inserts a new entry there.
func (t *Table) CreateEntryLow(length uintptr, prot Protection, flags MapFlags) (*Entry, *kernel.Error) {
	candidate := t.Low

	found := false
	t.entries.Ascend(func(e *Entry) bool {
		if t.IsAvailable(candidate, length) {
			found = true
			return false
		}
		next := e.End().Add(guardGap)
		if next > candidate {
			candidate = next
		}
		return true
	})

	if !found {
		if candidate.Add(length) > t.High || !t.IsAvailable(candidate, length) {
			return nil, ErrNoLowSlot
		}
	}

	return t.insert(candidate, length, prot, flags)
}

// CreateEntryHigh finds the highest slot ending at High, used for the
// initial user stack. It walks downward in StackSize increments and panics
// (an invariant violation per spec.md §4.3) if it crosses Low without
// finding room.
func (t *Table) CreateEntryHigh(length uintptr, prot Protection, flags MapFlags) *Entry {
	end := t.High
	for {
		start := end - mem.VirtAddr(length)
		if start < t.Low {
			kernel.Panic(errCrossedLowBound)
		}
		if t.IsAvailable(start, length) {
			e, err := t.insert(start, length, prot, flags)
			if err != nil {
				kernel.Panic(err)
			}
			return e
		}
		end -= mem.VirtAddr(t.StackSize)
	}
}

// CreateEntryAt installs an entry at the exact address start if it is free;
// otherwise it scans the entries at or after start for the nearest gap of
// at least length+2*PageSize and uses that instead.
func (t *Table) CreateEntryAt(start mem.VirtAddr, length uintptr, prot Protection, flags MapFlags) (*Entry, *kernel.Error) {
	if t.IsAvailable(start, length) {
		return t.insert(start, length, prot, flags)
	}

	needed := length + 2*uintptr(mem.PageSize)

	var following []*Entry
	t.entries.AscendGreaterOrEqual(&Entry{Start: start}, func(e *Entry) bool {
		following = append(following, e)
		return true
	})

	for i, e := range following {
		gapStart := e.End().Add(guardGap)
		gapEnd := t.High
		if i+1 < len(following) {
			gapEnd = following[i+1].Start
		}
		if uintptr(gapEnd-gapStart) >= needed {
			return t.insert(gapStart, length, prot, flags)
		}
	}

	return nil, ErrSlotTaken
}

// GetEntryFromAddress returns the entry covering addr, or nil if none does.
func (t *Table) GetEntryFromAddress(addr mem.VirtAddr) *Entry {
	var found *Entry
	t.entries.DescendLessOrEqual(&Entry{Start: addr}, func(e *Entry) bool {
		if e.Contains(addr) {
			found = e
		}
		return false
	})
	return found
}

func (t *Table) insert(start mem.VirtAddr, length uintptr, prot Protection, flags MapFlags) (*Entry, *kernel.Error) {
	if !t.IsAvailable(start, length) {
		return nil, ErrOverlap
	}
	e := &Entry{Start: start, Length: length, Prot: prot, Flags: flags}
	t.entries.ReplaceOrInsert(e)
	return e, nil
}

// CleanUp walks every entry and, for each page-aligned address it covers,
// translates it through the process's pagemap; whenever a frame is mapped
// there it is deallocated via free and the mapping removed via unmap. It is
// called when a process's address space is torn down (spec.md §3's process
// invariant: "dropping a process unmaps every VM entry and deallocates
// every frame backing it").
func (t *Table) CleanUp(
	translate func(mem.VirtAddr) (uintptr, *kernel.Error),
	free func(uintptr) *kernel.Error,
	unmap func(mem.VirtAddr) *kernel.Error,
) *kernel.Error {
	var firstErr *kernel.Error

	t.entries.Ascend(func(e *Entry) bool {
		for addr := e.Start; addr < e.End(); addr = addr.Add(uintptr(mem.PageSize)) {
			phys, err := translate(addr)
			if err != nil {
				// Not every page in an entry is necessarily mapped
				// (e.g. a demand-zero page never touched); skip it.
				continue
			}
			if err := free(phys); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := unmap(addr); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return true
	})

	return firstErr
}

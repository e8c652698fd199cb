package allocator

import (
	"novaos/kernel"
	"novaos/kernel/hal/multiboot"
	"novaos/kernel/mem"
	"novaos/kernel/mem/pmm"
	"novaos/kernel/sync"
)

// MaxOrder bounds the largest block size managed by the allocator at
// 2^MaxOrder pages (1GiB with a 4KiB page size), matching the largest huge
// page size supported by the mapper.
const MaxOrder = 18

var (
	errOrderTooLarge     = &kernel.Error{Module: "buddy_alloc", Message: "requested order exceeds MaxOrder"}
	errNoMemoryAvailable = &kernel.Error{Module: "buddy_alloc", Message: "no free block available to satisfy allocation"}
)

// region records one contiguous span handed to the allocator via AddRegion.
// It exists only for reporting; the buddy math operates on absolute frame
// numbers and does not consult this slice.
type region struct {
	base pmm.Frame
	size uint64
}

// BuddyAllocator is a binary buddy physical frame allocator. A free block of
// order k covers 2^k contiguous frames starting at a frame number that is a
// multiple of 2^k. Two order-k blocks whose frame numbers differ only in bit
// k are buddies; whenever both become free they are merged into a single
// order-(k+1) block.
//
// Unlike a bootstrap-time allocator, BuddyAllocator keeps its free lists as
// ordinary Go maps rather than linking freed blocks together through their
// own physical storage: by the time this allocator takes over from the boot
// allocator, novaos/kernel/goruntime has already brought up a working heap,
// so there is no reason to avoid it.
//
// BuddyAllocator is also global state: every CPU and every IRQ/DPC path
// that allocates or frees a frame reaches the same instance. spec.md §5
// requires it to be guarded by a lock that also excludes the interrupts
// that might re-enter it (a page fault or a DPC can both allocate frames),
// hence the IRQSpinlock rather than a plain Spinlock.
type BuddyAllocator struct {
	mu sync.IRQSpinlock

	freeList    [MaxOrder + 1]map[pmm.Frame]struct{}
	regions     []region
	totalFrames uint64
	freeFrames  uint64
}

// Init prepares the allocator's free lists. It must be called before any
// call to AddRegion.
func (b *BuddyAllocator) Init() {
	for order := range b.freeList {
		b.freeList[order] = make(map[pmm.Frame]struct{})
	}
}

// NewFromMemoryMap constructs and populates a BuddyAllocator by walking the
// bootloader-provided memory map, registering every available region while
// carving out the frames occupied by the loaded kernel image.
func NewFromMemoryMap(kernelStart, kernelEnd uintptr) *BuddyAllocator {
	b := &BuddyAllocator{}
	b.Init()

	pageSizeMinus1 := uint64(mem.PageSize - 1)
	kernelStartFrame := pmm.Frame((uint64(kernelStart) &^ pageSizeMinus1) >> mem.PageShift)
	kernelEndFrame := pmm.Frame(((uint64(kernelEnd)+pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)

	multiboot.VisitMemRegions(func(r *multiboot.MemoryMapEntry) bool {
		if r.Type != multiboot.MemAvailable || r.Length < uint64(mem.PageSize) {
			return true
		}

		startFrame := pmm.Frame(((r.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		endFrame := pmm.Frame(((r.PhysAddress+r.Length) &^ pageSizeMinus1) >> mem.PageShift)

		b.addRange(startFrame, endFrame, kernelStartFrame, kernelEndFrame)
		return true
	})

	return b
}

// addRange registers [start, end) with the allocator, excluding the
// [kernelStart, kernelEnd) sub-range if it overlaps.
func (b *BuddyAllocator) addRange(start, end, kernelStart, kernelEnd pmm.Frame) {
	if end <= start {
		return
	}

	if kernelEnd <= start || kernelStart >= end {
		b.AddRegion(start, uint64(end-start))
		return
	}

	if kernelStart > start {
		b.AddRegion(start, uint64(kernelStart-start))
	}
	if kernelEnd < end {
		b.AddRegion(kernelEnd, uint64(end-kernelEnd))
	}
}

// AddRegion hands a contiguous span of frameCount frames starting at start
// over to the allocator. The span is broken up into the largest
// order-aligned blocks that fit and each block is inserted into its free
// list.
func (b *BuddyAllocator) AddRegion(start pmm.Frame, frameCount uint64) {
	if frameCount == 0 {
		return
	}

	b.mu.Acquire()
	defer b.mu.Release()

	b.regions = append(b.regions, region{base: start, size: frameCount})
	b.totalFrames += frameCount
	b.freeFrames += frameCount

	cur := uint64(start)
	remaining := frameCount
	for remaining > 0 {
		order := uint(MaxOrder)
		for order > 0 && (cur%(uint64(1)<<order) != 0 || (uint64(1)<<order) > remaining) {
			order--
		}

		blockSize := uint64(1) << order
		b.freeList[order][pmm.Frame(cur)] = struct{}{}
		cur += blockSize
		remaining -= blockSize
	}
}

// Allocate reserves a block of 2^order contiguous frames and returns the
// frame number of its first frame. It returns errOrderTooLarge if order
// exceeds MaxOrder and errNoMemoryAvailable if no block large enough is
// free.
func (b *BuddyAllocator) Allocate(order uint) (pmm.Frame, *kernel.Error) {
	if order > MaxOrder {
		return pmm.InvalidFrame, errOrderTooLarge
	}

	b.mu.Acquire()
	defer b.mu.Release()

	frame, err := b.allocateOrder(order)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	b.freeFrames -= uint64(1) << order
	return frame, nil
}

// allocateOrder returns a free block of the requested order, splitting a
// block from the next order up if the free list for order is empty.
func (b *BuddyAllocator) allocateOrder(order uint) (pmm.Frame, *kernel.Error) {
	if order > MaxOrder {
		return pmm.InvalidFrame, errNoMemoryAvailable
	}

	if frame, ok := popAny(b.freeList[order]); ok {
		return frame, nil
	}

	parent, err := b.allocateOrder(order + 1)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	buddy := parent + pmm.Frame(uint64(1)<<order)
	b.freeList[order][buddy] = struct{}{}
	return parent, nil
}

// Deallocate returns a block of 2^order frames starting at frame to the
// allocator, recursively merging it with its buddy for as long as the buddy
// is also free.
func (b *BuddyAllocator) Deallocate(frame pmm.Frame, order uint) *kernel.Error {
	if order > MaxOrder {
		return errOrderTooLarge
	}

	b.mu.Acquire()
	defer b.mu.Release()

	b.freeFrames += uint64(1) << order
	b.deallocateOrder(frame, order)
	return nil
}

func (b *BuddyAllocator) deallocateOrder(frame pmm.Frame, order uint) {
	if order == MaxOrder {
		b.freeList[order][frame] = struct{}{}
		return
	}

	buddy := pmm.Frame(uint64(frame) ^ (uint64(1) << order))
	if _, buddyFree := b.freeList[order][buddy]; !buddyFree {
		b.freeList[order][frame] = struct{}{}
		return
	}

	delete(b.freeList[order], buddy)
	parent := frame
	if buddy < frame {
		parent = buddy
	}
	b.deallocateOrder(parent, order+1)
}

// AllocFrame allocates a single (order-0) frame. It satisfies
// pmm.FrameAllocatorFn and vmm.FrameAllocatorFn so a *BuddyAllocator can be
// installed via SetFrameAllocator once it has taken over from the boot
// allocator.
func (b *BuddyAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	return b.Allocate(0)
}

// FreeFrame releases a single (order-0) frame previously returned by
// AllocFrame.
func (b *BuddyAllocator) FreeFrame(f pmm.Frame) *kernel.Error {
	return b.Deallocate(f, 0)
}

// TotalFrames returns the number of frames registered with the allocator
// across all calls to AddRegion.
func (b *BuddyAllocator) TotalFrames() uint64 { return b.totalFrames }

// FreeFrames returns the number of frames currently available for
// allocation.
func (b *BuddyAllocator) FreeFrames() uint64 { return b.freeFrames }

// popAny removes and returns an arbitrary element from set, relying on Go's
// unordered map iteration. It reports false if set is empty.
func popAny(set map[pmm.Frame]struct{}) (pmm.Frame, bool) {
	for f := range set {
		delete(set, f)
		return f, true
	}
	return pmm.InvalidFrame, false
}

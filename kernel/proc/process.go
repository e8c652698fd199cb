package proc

import (
	"novaos/kernel"
	"novaos/kernel/mem"
	"novaos/kernel/mem/pmm"
	"novaos/kernel/mem/vma"
	"novaos/kernel/mem/vmm"
	"novaos/kernel/vfs"
)

// Segment selectors, matching the six-descriptor GDT spec.md §6 describes
// (null, kernel code, kernel data, a 16-byte TSS descriptor, user data,
// user code): kernel code/data are ring 0 at offsets 0x08/0x10; user
// data/code are ring 3 (RPL=3, hence the |3) at offsets 0x28/0x30.
const (
	kernelCodeSelector = 0x08
	kernelDataSelector = 0x10
	userDataSelector   = 0x28 | 3
	userCodeSelector   = 0x30 | 3

	// rflagsInterruptEnabled is the initial RFLAGS value for a freshly
	// created thread: reserved bit 1 plus IF (bit 9).
	rflagsInterruptEnabled = 0x202
)

// StackSize is the size of a kernel or user thread stack, not counting its
// guard page.
const StackSize = 4 * uintptr(mem.PageSize)

var (
	// KernelThreadStackTop is the kernel virtual address every process's
	// kernel-stack high-water mark starts counting down from. It is chosen
	// below the recursive self-map / temporary-mapping slots that occupy
	// the top of the address space (kernel/mem/vmm's P4 indices 510-511).
	KernelThreadStackTop = mem.VirtAddr(0xffffff0000000000)

	// ProcessStart and ProcessEnd bound the lower canonical half a user
	// process's VM table hands out slots in (spec.md §3).
	ProcessStart = mem.VirtAddr(0x0000000000400000)
	ProcessEnd   = mem.VirtAddr(0x0000800000000000)

	errAlreadyInitialized = &kernel.Error{Module: "proc", Message: "kernel process already initialized"}
	errNoKernelProcess     = &kernel.Error{Module: "proc", Message: "kernel process accessed before InitKernelProcess"}
)

// allocFrameFn/mapFn/unmapFn are the injectable seams process stack carving
// goes through; they are wired to the live frame allocator and vmm.Map /
// vmm.Unmap during boot and overridden by tests.
var (
	allocFrameFn = func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, errNoKernelProcess }
	freeFrameFn  = func(pmm.Frame) *kernel.Error { return nil }
	mapFn        = vmm.Map
	translateFn  = vmm.Translate

	// pdtUnmapFn/pdtDeallocateTreeFn go through a *PageDirectoryTable
	// rather than the package-level vmm functions since a process's
	// cleanup acts on its own (possibly inactive) page table; tests
	// override these instead of exercising the asm-backed PDT internals.
	pdtUnmapFn = func(pdt *vmm.PageDirectoryTable, page vmm.Page) *kernel.Error {
		return pdt.Unmap(page)
	}
	pdtDeallocateTreeFn = func(pdt *vmm.PageDirectoryTable, free func(pmm.Frame) *kernel.Error) *kernel.Error {
		return pdt.DeallocateTree(free)
	}
)

// SetFrameAllocator registers the physical frame allocator process stack
// carving and VM table cleanup use.
func SetFrameAllocator(allocFn func() (pmm.Frame, *kernel.Error), freeFn func(pmm.Frame) *kernel.Error) {
	allocFrameFn = allocFn
	freeFrameFn = freeFn
}

// Process owns an address space: a (possibly absent) pagemap, a VM entry
// table, a thread list, and a file-descriptor table.
type Process struct {
	PID      int
	PageTable *vmm.PageDirectoryTable
	Parent   *Process
	Children []*Process
	Threads  []*Thread
	VM       *vma.Table
	Cwd      string

	kernelStackTop mem.VirtAddr
	nextTID        int
	nextFD         int
	fds            map[int]*vfs.OpenFile
}

var (
	kernelProcess  *Process
	pidCounter     int
)

// InitKernelProcess constructs the global kernel process, the default
// owner of kernel threads that are not created on behalf of any user
// process. Like the frame allocator and the kernel pagemap, it is
// write-once state: a second call panics (spec.md §9 "Global singletons").
func InitKernelProcess() *Process {
	if kernelProcess != nil {
		kernel.Panic(errAlreadyInitialized)
	}
	kernelProcess = newProcess(nil, nil)
	return kernelProcess
}

// KernelProcess returns the global kernel process. It panics if
// InitKernelProcess has not run yet.
func KernelProcess() *Process {
	if kernelProcess == nil {
		kernel.Panic(errNoKernelProcess)
	}
	return kernelProcess
}

// NewUserProcess creates a new process with its own pagemap (sharing the
// kernel's upper half via FillWithKernelEntries, already established on
// pageTable by the caller) and an empty VM table spanning
// [ProcessStart, ProcessEnd).
func NewUserProcess(parent *Process, pageTable *vmm.PageDirectoryTable) *Process {
	p := newProcess(parent, pageTable)
	p.VM = vma.NewTable(ProcessStart, ProcessEnd, StackSize)
	if parent != nil {
		parent.Children = append(parent.Children, p)
	}
	return p
}

func newProcess(parent *Process, pageTable *vmm.PageDirectoryTable) *Process {
	pid := pidCounter
	pidCounter++

	return &Process{
		PID:            pid,
		PageTable:      pageTable,
		Parent:         parent,
		Cwd:            "/",
		kernelStackTop: KernelThreadStackTop,
		fds:            make(map[int]*vfs.OpenFile),
	}
}

// NextTID returns the next thread id for this process, starting at 0.
func (p *Process) NextTID() int {
	tid := p.nextTID
	p.nextTID++
	return tid
}

// AppendFD installs handle under the lowest unused file descriptor and
// returns it.
func (p *Process) AppendFD(handle *vfs.OpenFile) int {
	fd := p.nextFD
	for {
		if _, taken := p.fds[fd]; !taken {
			break
		}
		fd++
	}
	p.fds[fd] = handle
	if fd == p.nextFD {
		p.nextFD++
	}
	return fd
}

// FD returns the open file installed at fd, or nil if none is.
func (p *Process) FD(fd int) *vfs.OpenFile {
	return p.fds[fd]
}

// CloseFD removes fd from the table, closing the underlying vnode.
func (p *Process) CloseFD(fd int) *kernel.Error {
	f, ok := p.fds[fd]
	if !ok {
		return nil
	}
	delete(p.fds, fd)
	return f.Close()
}

// newKernelStack carves StackSize bytes plus a one-page guard off p's
// kernel-stack watermark and maps it via the shared kernel address space
// (valid regardless of which pagemap is active, since FillWithKernelEntries
// aliases every process's upper half to the very same tables). It returns
// the stack's top address, suitable as an initial RSP.
func (p *Process) newKernelStack() (mem.VirtAddr, *kernel.Error) {
	top := p.kernelStackTop
	bottom := top - mem.VirtAddr(StackSize)
	p.kernelStackTop = bottom - mem.VirtAddr(uintptr(mem.PageSize))

	for addr := bottom; addr < top; addr = addr.Add(uintptr(mem.PageSize)) {
		frame, err := allocFrameFn()
		if err != nil {
			return 0, err
		}
		if err := mapFn(vmm.PageFromAddress(addr.Uintptr()), frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return 0, err
		}
	}

	return top, nil
}

// Cleanup tears down p's address space: every VM entry is unmapped and its
// backing frame freed, and the private (lower-half) page table frames are
// released. It is the Go analogue of spec.md §3's "dropping a process"
// invariant.
func (p *Process) Cleanup() *kernel.Error {
	if p.VM == nil || p.PageTable == nil {
		return nil
	}

	err := p.VM.CleanUp(
		func(addr mem.VirtAddr) (uintptr, *kernel.Error) {
			return translateFn(addr.Uintptr())
		},
		func(phys uintptr) *kernel.Error {
			return freeFrameFn(pmm.FrameFromAddress(phys))
		},
		func(addr mem.VirtAddr) *kernel.Error {
			return pdtUnmapFn(p.PageTable, vmm.PageFromAddress(addr.Uintptr()))
		},
	)
	if err != nil {
		return err
	}

	return pdtDeallocateTreeFn(p.PageTable, freeFrameFn)
}

// threadExited removes t from p's thread list and, once the list is empty,
// marks the process for cleanup (spec.md §4.8 "cancellation... schedules
// the owning process's cleanup if no threads remain").
func (p *Process) threadExited(t *Thread) {
	for i, th := range p.Threads {
		if th == t {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			break
		}
	}
	if len(p.Threads) == 0 {
		p.Cleanup()
	}
}

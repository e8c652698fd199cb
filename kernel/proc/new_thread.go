package proc

import (
	"novaos/kernel"
	"novaos/kernel/mem"
	"novaos/kernel/mem/vma"
)

// idleLoopEntry is the address NewIdleThread points RIP at. It is never
// actually branched to in tests; on real hardware it is the address of the
// asm idle loop (hlt; jmp $-1) kernel/boot installs.
var idleLoopEntry uintptr

// SetIdleLoopEntry registers the entry point NewIdleThread uses.
func SetIdleLoopEntry(entry uintptr) {
	idleLoopEntry = entry
}

// NewKernelThread creates a Ready thread owned by the kernel process,
// running entry on a freshly carved kernel stack with interrupts enabled
// (spec.md §4.8 "a kernel thread is created by allocating a kernel stack
// from the owning process... and initializing its TrapFrame").
func NewKernelThread(entry uintptr) (*Thread, *kernel.Error) {
	return newKernelThread(KernelProcess(), entry, PriorityNormal)
}

func newKernelThread(owner *Process, entry uintptr, priority Priority) (*Thread, *kernel.Error) {
	top, err := owner.newKernelStack()
	if err != nil {
		return nil, err
	}

	t := &Thread{
		ID:                owner.NextTID(),
		Process:           owner,
		Status:            Ready,
		Priority:          priority,
		KernelStackTop:    top,
		KernelStackBottom: top - mem.VirtAddr(StackSize),
	}
	t.Frame.CS = kernelCodeSelector
	t.Frame.SS = kernelDataSelector
	t.Frame.RIP = uint64(entry)
	t.Frame.RSP = uint64(top)
	t.Frame.RFlags = rflagsInterruptEnabled

	owner.Threads = append(owner.Threads, t)
	return t, nil
}

// NewIdleThread creates the per-CPU idle thread: a low-priority kernel
// thread that never leaves the run queue empty.
func NewIdleThread() (*Thread, *kernel.Error) {
	t, err := newKernelThread(KernelProcess(), idleLoopEntry, PriorityLow)
	return t, err
}

// NewUserThread creates a Ready thread owned by process, running entry at
// user privilege on a freshly allocated user stack (a VM entry grown
// downward from the process's high address bound) with its own
// kernel-entry scratch and kernel stack for syscall/interrupt trampolines
// (spec.md §4.8 "a user thread additionally allocates a user stack as a VM
// entry in the process... and records a kernel-entry scratch").
func NewUserThread(process *Process, entry uintptr) (*Thread, *kernel.Error) {
	stackEntry := process.VM.CreateEntryHigh(StackSize, vma.Read|vma.Write, vma.Private|vma.Anonymous)

	kernelTop, err := process.newKernelStack()
	if err != nil {
		return nil, err
	}

	t := &Thread{
		ID:                process.NextTID(),
		Process:           process,
		Status:            Ready,
		Priority:          PriorityNormal,
		KernelStackTop:    kernelTop,
		KernelStackBottom: kernelTop - mem.VirtAddr(StackSize),
		Scratch:           &EntryScratch{},
	}
	t.Frame.CS = userCodeSelector
	t.Frame.SS = userDataSelector
	t.Frame.RIP = uint64(entry)
	t.Frame.RSP = uint64(stackEntry.End())
	t.Frame.RFlags = rflagsInterruptEnabled

	process.Threads = append(process.Threads, t)
	return t, nil
}

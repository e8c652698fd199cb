// Package sched implements the per-CPU thread scheduler: a FIFO run queue,
// the reschedule/switch_threads contract that moves the CPU from one
// Ready thread to another, and the Sleeping/BlockingOnIO transitions that
// take a thread out of the run queue until a timer or I/O completion makes
// it Ready again (spec.md §4.8).
package sched

import (
	"novaos/kernel/dpc"
	"novaos/kernel/mem"
	"novaos/kernel/mem/vmm"
	"novaos/kernel/proc"
	"novaos/kernel/timer"
)

// pendingSwitch is the (old, new) pair parked in a CPU's "next" slot by
// Reschedule, to be carried out by FinishSwitch at the tail of DPC
// draining -- spec.md §4.8's "no locks held across a context switch"
// contract, enforced by only ever switching from DPC context.
type pendingSwitch struct {
	old, new *proc.Thread
}

// CPU holds the scheduling state owned by a single CPU: its run queue,
// the thread it is currently executing, its idle thread, and the parked
// switch (if any) awaiting completion.
type CPU struct {
	runQueue []*proc.Thread
	current  *proc.Thread
	idle     *proc.Thread
	next     *pendingSwitch
}

// NewCPU constructs a CPU scheduling block whose idle thread is idle; idle
// both starts out as the running thread and is never itself pushed back
// onto the run queue.
func NewCPU(idle *proc.Thread) *CPU {
	idle.Status = proc.Running
	return &CPU{idle: idle, current: idle}
}

// Current returns the thread currently running on this CPU.
func (c *CPU) Current() *proc.Thread { return c.current }

// RunQueueLen returns the number of threads waiting to run, for tests and
// diagnostics.
func (c *CPU) RunQueueLen() int { return len(c.runQueue) }

var (
	defaultCPU CPU

	// currentFn locates the CPU scheduling block for the CPU running the
	// calling code. kernel/percpu overrides this once per-CPU blocks
	// exist; until then every caller shares one default CPU, which is
	// enough for single-core boot and for package tests.
	currentFn = func() *CPU { return &defaultCPU }
)

// SetCurrentFn overrides how this package locates the running CPU's
// scheduling block.
func SetCurrentFn(fn func() *CPU) {
	currentFn = fn
}

// Current returns the thread running on the calling CPU.
func Current() *proc.Thread {
	return currentFn().current
}

// Enqueue marks t Ready and appends it to the calling CPU's run queue.
// Used both for brand-new threads (proc.NewKernelThread/NewUserThread
// return threads already in the Ready state) and for threads woken from
// Sleeping/BlockingOnIO.
func Enqueue(t *proc.Thread) {
	c := currentFn()
	t.Status = proc.Ready
	c.runQueue = append(c.runQueue, t)
}

func (c *CPU) pickNext() *proc.Thread {
	if len(c.runQueue) == 0 {
		return c.idle
	}
	t := c.runQueue[0]
	c.runQueue = c.runQueue[1:]
	return t
}

// Reschedule implements spec.md §4.8's periodic reschedule operation. It is
// registered as the callback of a periodic timer event (kernel/timer),
// which means it always runs as a DPC at IPL=DPC: it pops the next Ready
// thread (or the idle thread, if the run queue is empty), requeues the
// outgoing thread unless it is idle or has already left the Running state
// (e.g. it called Sleep on its way here), and parks the pair for
// FinishSwitch. Reschedule enqueues FinishSwitch as a second DPC rather
// than calling it directly so the switch happens at the tail of the
// current DPC drain pass, after every DPC already queued ahead of it has
// run -- not interleaved with it.
func Reschedule(_ any) {
	c := currentFn()
	old := c.current
	next := c.pickNext()

	if old != nil && old != c.idle && old.Status == proc.Running {
		old.Status = proc.Ready
		c.runQueue = append(c.runQueue, old)
	}

	c.next = &pendingSwitch{old: old, new: next}
	dpc.Enqueue(finishSwitchDPC, nil)
}

func finishSwitchDPC(_ any) {
	FinishSwitch()
}

// FinishSwitch performs the context switch parked by the most recent call
// to Reschedule on the calling CPU, if any. It is a no-op if nothing is
// parked.
func FinishSwitch() {
	c := currentFn()
	sw := c.next
	if sw == nil {
		return
	}
	c.next = nil
	switchThreads(c, sw.old, sw.new)
}

// switchThreadsFn/loadPageTableFn/setKernelStackFn are the injectable
// seams around the actual context switch (spec.md §4.8's
// switch_threads contract): saving/restoring a thread's register context,
// loading its process's pagemap into CR3, and pointing the TSS's RSP0 at
// its kernel stack. Tests replace all three with no-op/recording stand-ins
// since there is no real CPU to switch on; kernel/boot wires the real
// versions during per-CPU bring-up.
var (
	saveContextFn    = saveContext
	restoreContextFn = restoreContext
	loadPageTableFn  = func(pt *vmm.PageDirectoryTable) { pt.Activate() }
	setKernelStackFn = func(mem.VirtAddr) {}
)

// SetKernelStackFn registers the function used to point the running CPU's
// TSS.RSP0 at a thread's kernel stack ahead of resuming it. kernel/percpu
// wires this once the per-CPU TSS exists.
func SetKernelStackFn(fn func(mem.VirtAddr)) {
	setKernelStackFn = fn
}

// switchThreads carries out spec.md §4.8's context-switch contract: save
// old's context (if old is still around to resume later), mark new
// Running and make it current, load its process's address space and
// kernel-stack pointer if it is a user thread, and resume it. On real
// hardware restoreContextFn never returns -- it loads new.Frame and
// iretq's into it; tests instead replace it with a stand-in that records
// the call and returns, so this function's own return is only reachable
// under test.
func switchThreads(c *CPU, old, new *proc.Thread) {
	if new == old {
		new.Status = proc.Running
		return
	}

	if old != nil && old.Status != proc.Terminated {
		saveContextFn(&old.Frame)
	}

	new.Status = proc.Running
	c.current = new

	if new.IsUser() && new.Process != nil && new.Process.PageTable != nil {
		loadPageTableFn(new.Process.PageTable)
	}
	setKernelStackFn(new.KernelStackTop)

	restoreContextFn(&new.Frame)
}

// Terminate removes t from the calling CPU's run queue (it may not be on
// it, e.g. if it is Sleeping or currently Running) and transitions it to
// Terminated via Thread.Cancel, which in turn schedules the owning
// process's cleanup once no threads remain (spec.md §4.8 "cancellation").
func Terminate(t *proc.Thread) {
	c := currentFn()
	for i, rt := range c.runQueue {
		if rt == t {
			c.runQueue = append(c.runQueue[:i], c.runQueue[i+1:]...)
			break
		}
	}
	t.Cancel()
}

// sleepWakeArg carries the sleeping thread through the timer/DPC plumbing
// to wakeDPC.
type sleepWakeArg struct{ t *proc.Thread }

// Sleep transitions the calling CPU's current thread to Sleeping and
// arms a one-shot timer event that moves it back to Ready after
// durationMicros (spec.md §4.8's Running --sleep(d)--> Sleeping --timer-->
// Ready transition). The caller is expected to immediately fall through
// to a reschedule point (e.g. return from the syscall/DPC that called
// Sleep); Sleep itself does not force one, matching spec.md's "a thread
// suspends exactly at a switch_threads or a blocking syscall".
func Sleep(durationMicros uint64) {
	c := currentFn()
	t := c.current
	t.Status = proc.Sleeping
	timer.Enqueue(durationMicros, false, wakeDPC, sleepWakeArg{t})
}

func wakeDPC(arg any) {
	Wake(arg.(sleepWakeArg).t)
}

// Wake transitions t from Sleeping or BlockingOnIO back to Ready and
// appends it to the calling CPU's run queue. Since threads never migrate
// between CPUs (spec.md §5), Wake must be called on the same CPU that
// created t -- true automatically for Sleep's timer-driven wakeups and
// for I/O completions serviced by the CPU that issued the request.
func Wake(t *proc.Thread) {
	if t.Status != proc.Sleeping && t.Status != proc.BlockingOnIO {
		return
	}
	Enqueue(t)
}

// Block transitions the calling CPU's current thread to BlockingOnIO. It
// is the scheduler-side half of a blocking syscall (spec.md §4.8's
// Running --wait I/O--> BlockingOnIO transition); the caller is
// responsible for arranging a later Wake once the I/O completes.
func Block() *proc.Thread {
	c := currentFn()
	t := c.current
	t.Status = proc.BlockingOnIO
	return t
}

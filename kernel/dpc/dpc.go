// Package dpc implements deferred procedure calls: work items queued from
// interrupt context and run either immediately (if the caller is already
// below the DPC IPL) or later, when the IPL ladder drains the queue while
// lowering back through the DPC threshold.
package dpc

import "novaos/kernel/ipl"

// Func is the callback signature for a deferred procedure call.
type Func func(arg any)

type entry struct {
	fn  Func
	arg any
}

// Queue is a per-CPU FIFO of pending DPCs. The zero value is ready to use.
type Queue struct {
	items []entry
}

func (q *Queue) enqueue(fn Func, arg any) {
	q.items = append(q.items, entry{fn, arg})
}

func (q *Queue) dequeue() (entry, bool) {
	if len(q.items) == 0 {
		return entry{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// Empty reports whether the queue has no pending work.
func (q *Queue) Empty() bool {
	return len(q.items) == 0
}

var (
	defaultQueue Queue

	// currentQueueFn returns the DPC queue owned by the running CPU.
	// kernel/percpu overrides this once per-CPU blocks exist; until then
	// every CPU shares the single package-level queue.
	currentQueueFn = func() *Queue { return &defaultQueue }

	// signalFn notifies the owning CPU that work was queued so it drains
	// the queue the next time IPL drops to the DPC threshold. kernel/boot
	// wires this to the local APIC's self-IPI (SendIPI to the current CPU
	// with the DPC vector).
	signalFn func()

	raiseFn   = ipl.Raise
	splxFn    = ipl.Splx
	currentFn = ipl.Current
)

// SetCurrentQueueFn overrides how Enqueue/Drain locate the running CPU's
// queue. Used by kernel/percpu once per-CPU state is available.
func SetCurrentQueueFn(fn func() *Queue) {
	currentQueueFn = fn
}

// SetSignalFn registers the function used to interrupt the owning CPU after
// a DPC is queued for later execution.
func SetSignalFn(fn func()) {
	signalFn = fn
}

// Enqueue schedules fn to run with arg. If the caller's IPL is already below
// the DPC threshold, fn runs inline, right here, with IPL briefly raised to
// DPC. Otherwise it is appended to the running CPU's queue and a signal is
// raised so the queue gets drained once IPL falls back to DPC or below.
func Enqueue(fn Func, arg any) {
	if currentFn() < ipl.DPC {
		prev := raiseFn(ipl.DPC)
		fn(arg)
		splxFn(prev)
		return
	}

	currentQueueFn().enqueue(fn, arg)
	if signalFn != nil {
		signalFn()
	}
}

// Drain runs every DPC currently queued for this CPU, in FIFO order. It is
// called by kernel/irq.Splx whenever lowering IPL crosses the DPC threshold
// from above, and must therefore be safe to call with IPL already at DPC.
//
// Each dequeue is bracketed by a brief raise to ipl.High so that a
// concurrent Enqueue from another CPU's IPI or from an interrupt on this
// CPU can never observe or mutate q.items mid-dequeue; the queued function
// itself then runs back down at DPC, matching the original's raise-to-High
// only for the dequeue step.
func Drain() {
	q := currentQueueFn()
	for {
		prev := raiseFn(ipl.High)
		e, ok := q.dequeue()
		splxFn(prev)
		if !ok {
			return
		}
		e.fn(e.arg)
	}
}

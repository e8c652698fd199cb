// Package timer implements the per-CPU timer-event queue: an ordered list
// of pending (callback, arg, deadline, periodic?) entries backed by the
// local APIC's one-shot timer.
package timer

import (
	"novaos/kernel/dpc"
	"sort"
)

// Event is a single pending timer entry. Deadline is always the number of
// microseconds remaining until the event should fire, measured from the
// last time the queue was rebaselined (the last Dispatch, or the event's own
// enqueue time if nothing has fired since).
type Event struct {
	deadline uint64
	periodic bool
	period   uint64
	fn       dpc.Func
	arg      any
}

// Queue is a per-CPU list of Events sorted by ascending deadline.
type Queue struct {
	events []*Event
}

// Len returns the number of pending events.
func (q *Queue) Len() int { return len(q.events) }

func (q *Queue) insert(e *Event) {
	i := sort.Search(len(q.events), func(i int) bool { return q.events[i].deadline >= e.deadline })
	q.events = append(q.events, nil)
	copy(q.events[i+1:], q.events[i:])
	q.events[i] = e
}

var (
	defaultQueue Queue

	// currentQueueFn returns the timer queue owned by the running CPU.
	// kernel/percpu overrides this once per-CPU blocks exist.
	currentQueueFn = func() *Queue { return &defaultQueue }

	// armFn programs the local APIC's one-shot timer to fire in
	// microSeconds. kernel/boot wires this to (*apic.LAPIC).OneShot.
	armFn func(microSeconds uint64)
)

// SetCurrentQueueFn overrides how Enqueue/Dispatch locate the running CPU's
// queue.
func SetCurrentQueueFn(fn func() *Queue) {
	currentQueueFn = fn
}

// SetArmFn registers the function used to program the hardware one-shot
// timer for the queue's new head deadline.
func SetArmFn(fn func(microSeconds uint64)) {
	armFn = fn
}

// Enqueue implements §4.7's enqueue operation: fn runs (via the DPC queue)
// after deadlineMicros microseconds; if periodic it is automatically
// re-armed for another deadlineMicros every time it fires. If the queue was
// empty the hardware one-shot is programmed directly from deadlineMicros; if
// the new event sorts ahead of the current head, the timer is reprogrammed
// to the new, shorter deadline. In all cases the event is inserted in sorted
// position.
func Enqueue(deadlineMicros uint64, periodic bool, fn dpc.Func, arg any) *Event {
	e := &Event{deadline: deadlineMicros, periodic: periodic, period: deadlineMicros, fn: fn, arg: arg}

	q := currentQueueFn()
	reprogram := q.Len() == 0 || e.deadline < q.events[0].deadline

	q.insert(e)
	if reprogram {
		arm(q)
	}
	return e
}

// Dispatch implements §4.7's event_dispatch operation, invoked by the timer
// interrupt handler at IPL Clock: it pops the head, rebaselines every
// remaining event's deadline against the time that just elapsed, fires the
// head plus any entries whose adjusted deadline became exactly zero (ties),
// re-arms periodic events for their next deadline, and reprograms the
// hardware one-shot for the new head.
func Dispatch() {
	q := currentQueueFn()
	if q.Len() == 0 {
		return
	}

	head := q.events[0]
	q.events = q.events[1:]

	for _, e := range q.events {
		e.deadline -= head.deadline
	}

	fired := []*Event{head}
	for q.Len() > 0 && q.events[0].deadline == 0 {
		fired = append(fired, q.events[0])
		q.events = q.events[1:]
	}

	for _, e := range fired {
		dpc.Enqueue(e.fn, e.arg)
		if e.periodic {
			Enqueue(e.period, true, e.fn, e.arg)
		}
	}

	if q.Len() > 0 {
		arm(q)
	}
}

func arm(q *Queue) {
	if armFn != nil && q.Len() > 0 {
		armFn(q.events[0].deadline)
	}
}

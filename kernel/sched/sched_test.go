package sched

import (
	"novaos/kernel/dpc"
	"novaos/kernel/gate"
	"novaos/kernel/ipl"
	"novaos/kernel/mem"
	"novaos/kernel/proc"
	"novaos/kernel/timer"
	"testing"
)

// resetSchedState gives every test a fresh CPU and fresh (mocked) IPL/DPC
// state, mirroring kernel/dpc's resetDPCState helper.
func resetSchedState(t *testing.T, cpu *CPU) {
	t.Helper()

	origCurrentFn := currentFn
	origSave, origRestore := saveContextFn, restoreContextFn
	origKStack := setKernelStackFn

	currentFn = func() *CPU { return cpu }
	saveContextFn = func(*gate.Registers) {}
	restoreContextFn = func(*gate.Registers) {}
	setKernelStackFn = func(mem.VirtAddr) {}

	restoreCR8 := ipl.UseMockCR8()
	dpc.SetCurrentQueueFn(func() *dpc.Queue { return &dpc.Queue{} })

	t.Cleanup(func() {
		currentFn = origCurrentFn
		saveContextFn, restoreContextFn = origSave, origRestore
		setKernelStackFn = origKStack
		restoreCR8()
	})
}

func newTestThread(id int, status proc.Status) *proc.Thread {
	return &proc.Thread{ID: id, Status: status}
}

func TestRescheduleRequeuesOutgoingRunningThread(t *testing.T) {
	idle := newTestThread(0, proc.Running)
	cpu := NewCPU(idle)
	resetSchedState(t, cpu)

	a := newTestThread(1, proc.Running)
	b := newTestThread(2, proc.Ready)
	cpu.current = a
	cpu.runQueue = []*proc.Thread{b}

	ipl.Raise(ipl.DPC)
	Reschedule(nil)
	dpc.Drain()

	if cpu.current != b {
		t.Fatalf("expected b to become current, got thread %d", cpu.current.ID)
	}
	if b.Status != proc.Running {
		t.Fatalf("expected b to be Running, got %v", b.Status)
	}
	if a.Status != proc.Ready {
		t.Fatalf("expected a to be requeued Ready, got %v", a.Status)
	}
	if cpu.RunQueueLen() != 1 || cpu.runQueue[0] != a {
		t.Fatalf("expected a to be the sole run-queue entry, got %v", cpu.runQueue)
	}
}

func TestRescheduleDoesNotRequeueIdleOrNonRunningThread(t *testing.T) {
	idle := newTestThread(0, proc.Running)
	cpu := NewCPU(idle)
	resetSchedState(t, cpu)

	// The run queue is empty, so reschedule falls back to idle twice in a
	// row: idle should never end up appended to its own run queue.
	ipl.Raise(ipl.DPC)
	Reschedule(nil)
	dpc.Drain()

	if cpu.RunQueueLen() != 0 {
		t.Fatalf("expected idle to never be requeued, got run queue %v", cpu.runQueue)
	}
	if cpu.current != idle {
		t.Fatal("expected idle to remain current when the run queue is empty")
	}

	// A thread that put itself to Sleeping before reschedule ran must not
	// be requeued either.
	sleeper := newTestThread(1, proc.Sleeping)
	cpu.current = sleeper
	Reschedule(nil)
	dpc.Drain()

	if cpu.RunQueueLen() != 0 {
		t.Fatalf("expected a sleeping outgoing thread not to be requeued, got %v", cpu.runQueue)
	}
}

// TestTwoThreadAlternation exercises spec.md §8 scenario 4: two Ready
// threads alternate as the sole periodic reschedule timer event fires
// repeatedly, the way a 5ms reschedule timer would drive two cooperating
// kernel threads across real time.
func TestTwoThreadAlternation(t *testing.T) {
	idle := newTestThread(0, proc.Running)
	cpu := NewCPU(idle)
	resetSchedState(t, cpu)

	a := newTestThread(1, proc.Ready)
	b := newTestThread(2, proc.Ready)
	cpu.current = a
	a.Status = proc.Running
	cpu.runQueue = []*proc.Thread{b}

	var order []int
	origRestore := restoreContextFn
	restoreContextFn = func(r *gate.Registers) {}
	defer func() { restoreContextFn = origRestore }()

	for i := 0; i < 12; i++ {
		ipl.Raise(ipl.DPC)
		order = append(order, cpu.current.ID)
		Reschedule(nil)
		dpc.Drain()
		ipl.Splx(ipl.Passive)
	}

	var aCount, bCount int
	for _, id := range order {
		switch id {
		case 1:
			aCount++
		case 2:
			bCount++
		}
	}
	if aCount < 5 || bCount < 5 {
		t.Fatalf("expected roughly even alternation between the two threads, got a=%d b=%d (order=%v)", aCount, bCount, order)
	}
}

func TestSleepAndTimerWake(t *testing.T) {
	idle := newTestThread(0, proc.Running)
	cpu := NewCPU(idle)
	resetSchedState(t, cpu)

	a := newTestThread(1, proc.Running)
	cpu.current = a

	q := &timer.Queue{}
	timer.SetCurrentQueueFn(func() *timer.Queue { return q })
	timer.SetArmFn(func(uint64) {})
	defer timer.SetCurrentQueueFn(func() *timer.Queue { return &timer.Queue{} })

	Sleep(1000)
	if a.Status != proc.Sleeping {
		t.Fatalf("expected Sleep to transition the thread to Sleeping, got %v", a.Status)
	}
	if q.Len() != 1 {
		t.Fatalf("expected Sleep to arm exactly one timer event, got %d", q.Len())
	}

	timer.Dispatch()

	if a.Status != proc.Ready {
		t.Fatalf("expected the timer to wake the sleeping thread, got %v", a.Status)
	}
	if cpu.RunQueueLen() != 1 || cpu.runQueue[0] != a {
		t.Fatalf("expected the woken thread back on the run queue, got %v", cpu.runQueue)
	}
}

func TestTerminateRemovesFromRunQueue(t *testing.T) {
	idle := newTestThread(0, proc.Running)
	cpu := NewCPU(idle)
	resetSchedState(t, cpu)

	a := newTestThread(1, proc.Ready)
	b := newTestThread(2, proc.Ready)
	cpu.runQueue = []*proc.Thread{a, b}

	Terminate(a)

	if cpu.RunQueueLen() != 1 || cpu.runQueue[0] != b {
		t.Fatalf("expected only b left on the run queue, got %v", cpu.runQueue)
	}
	if a.Status != proc.Terminated {
		t.Fatalf("expected a to be Terminated, got %v", a.Status)
	}
}

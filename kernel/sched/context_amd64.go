package sched

import "novaos/kernel/gate"

// saveContext stores the callee-saved general-purpose registers plus the
// caller's RIP/RSP/RFLAGS/CS/SS into regs, exactly as if the running
// thread had taken an interrupt at this point (spec.md §4.8 "save
// callee-saved registers and RIP into old.context"). It is the Go-side
// declaration of the asm routine kernel/boot links in; there is no Go
// body because there is no Go stack to execute one on once the real
// switch happens.
func saveContext(regs *gate.Registers)

// restoreContext loads regs into the CPU and resumes execution there: for
// a thread that has run before this is a mid-function return from the
// matching saveContext call on some earlier switch; for a freshly created
// thread (proc.NewKernelThread/NewUserThread) regs holds the initial trap
// frame, and the asm routine takes the trampoline path instead --
// restoring the full frame and issuing iretq into the thread's entry
// point. Either way, this function does not return on real hardware.
func restoreContext(regs *gate.Registers)

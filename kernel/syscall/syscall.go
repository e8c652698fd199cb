// Package syscall implements the kernel's five-entry syscall dispatch
// table (spec.md §6's read/write/open/close/mmap) and, via errno.go,
// translates the internal errors raised along the way into the
// user-visible error set of spec.md §7. The entry trampoline itself -- the
// LSTAR target that swaps onto the per-thread kernel stack, saves the user
// register frame, and reads the syscall number and the six argument
// registers off it -- is explicitly out of scope ("the syscall ABI beyond
// the entry trampoline", spec.md Non-goals); Dispatch is what that
// trampoline calls once the number and arguments have already been pulled
// out of the saved frame.
package syscall

import (
	"novaos/kernel"
	"novaos/kernel/mem/vma"
	"novaos/kernel/proc"
	"novaos/kernel/vfs"
	"unsafe"
)

// Number identifies an entry in the dispatch table. The values match
// spec.md §6's stable numbering.
type Number uintptr

const (
	Read Number = iota
	Write
	Open
	Close
	Mmap

	numSyscalls
)

// Handler implements one syscall: t is the thread that trapped into the
// kernel, args its six argument registers in SysV order.
type Handler func(t *proc.Thread, args [6]uintptr) (uintptr, *kernel.Error)

var table = [numSyscalls]Handler{
	Read:  sysRead,
	Write: sysWrite,
	Open:  sysOpen,
	Close: sysClose,
	Mmap:  sysMmap,
}

var (
	errBadSyscallNumber = &kernel.Error{Module: "syscall", Message: "unknown syscall number"}
	errBadFD            = &kernel.Error{Module: "syscall", Message: "file descriptor not open"}
	errFileBackedMmap   = &kernel.Error{Module: "syscall", Message: "file-backed mmap is not supported"}
	errNoAddressSpace   = &kernel.Error{Module: "syscall", Message: "thread's process has no VM table"}
)

// Dispatch looks up num in the syscall table and invokes it on behalf of
// t. A negative fd in args[4] for Mmap (or any unrecognised number) is an
// InvalidArgument-class error rather than a panic: syscalls report faults
// to their caller instead of taking down the kernel (spec.md §7's
// "resource exhaustion... reported up as an error value" applies equally
// here).
func Dispatch(t *proc.Thread, num Number, args [6]uintptr) (uintptr, *kernel.Error) {
	if num >= numSyscalls || table[num] == nil {
		return ^uintptr(0), errBadSyscallNumber
	}
	ret, err := table[num](t, args)
	if err != nil {
		return ^uintptr(0), err
	}
	return ret, nil
}

func sysRead(t *proc.Thread, args [6]uintptr) (uintptr, *kernel.Error) {
	f := t.Process.FD(int(args[0]))
	if f == nil {
		return 0, errBadFD
	}
	buf := userBytes(args[1], args[2])
	n, err := f.Read(buf)
	if err != nil {
		return 0, err
	}
	return uintptr(n), nil
}

func sysWrite(t *proc.Thread, args [6]uintptr) (uintptr, *kernel.Error) {
	f := t.Process.FD(int(args[0]))
	if f == nil {
		return 0, errBadFD
	}
	buf := userBytes(args[1], args[2])
	n, err := f.Write(buf)
	if err != nil {
		return 0, err
	}
	return uintptr(n), nil
}

// sysOpen ignores the mode argument (args[1]): vfs.Lookup only resolves an
// existing path, and the VFS Non-goal ("the VFS trait surface... is not
// defined here") leaves O_CREAT-style mode handling to whatever concrete
// file system is eventually mounted under the Vnode contract.
func sysOpen(t *proc.Thread, args [6]uintptr) (uintptr, *kernel.Error) {
	path := userCString(args[0])
	v, err := vfs.Lookup(path)
	if err != nil {
		return 0, err
	}
	if err := v.DoOpen(); err != nil {
		return 0, err
	}
	fd := t.Process.AppendFD(&vfs.OpenFile{Vnode: v})
	return uintptr(fd), nil
}

func sysClose(t *proc.Thread, args [6]uintptr) (uintptr, *kernel.Error) {
	if err := t.Process.CloseFD(int(args[0])); err != nil {
		return 0, err
	}
	return 0, nil
}

// mmap protection bits, matching the POSIX PROT_READ/PROT_WRITE/PROT_EXEC
// values userspace callers already expect.
const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4
)

// sysMmap only resolves anonymous mappings (fd == -1, the POSIX convention
// for MAP_ANONYMOUS): kernel/mem/vmm's page-fault handler only resolves
// anonymous demand faults (vmm.errFileBackedNotSupported), so a file-backed
// request here would only fault fatally later. addr/flags (args[0]/args[3])
// are accepted but not honoured -- this table always picks the placement,
// matching spec.md's VM entry allocation contract (CreateEntryLow/High)
// rather than MAP_FIXED semantics, which nothing in this module exercises.
func sysMmap(t *proc.Thread, args [6]uintptr) (uintptr, *kernel.Error) {
	length, protBits, fd := args[1], args[2], int64(args[4])
	if fd != -1 {
		return 0, errFileBackedMmap
	}
	if t.Process == nil || t.Process.VM == nil {
		return 0, errNoAddressSpace
	}

	prot := vma.Protection(0)
	if protBits&protRead != 0 {
		prot |= vma.Read
	}
	if protBits&protWrite != 0 {
		prot |= vma.Write
	}
	if protBits&protExec != 0 {
		prot |= vma.Execute
	}

	entry, err := t.Process.VM.CreateEntryLow(length, prot, vma.Private|vma.Anonymous)
	if err != nil {
		return 0, err
	}
	return uintptr(entry.Start), nil
}

// userBytes views a user-supplied (pointer, length) pair as a byte slice.
// There is no separate kernel/user copy step: this core has no SMAP-style
// access validation layer (out of scope, spec.md "syscall ABI beyond the
// entry trampoline"), so the pointer is trusted the way the teacher's own
// VM code trusts a caller-supplied virtual address.
func userBytes(addr, length uintptr) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length))
}

// maxPathLen bounds how far userCString will walk looking for a NUL
// terminator, so a malformed user pointer cannot run the kernel off the
// end of mapped memory indefinitely.
const maxPathLen = 4096

func userCString(addr uintptr) string {
	ptr := (*byte)(unsafe.Pointer(addr))
	buf := unsafe.Slice(ptr, maxPathLen)
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

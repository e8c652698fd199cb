package syscall

import (
	"novaos/kernel"
	"novaos/kernel/mem/vma"
	"novaos/kernel/vfs"
)

// Errno is the user-visible error set a syscall return value is translated
// into, spec.md §7's closed list.
type Errno int

const (
	NoPermission Errno = iota + 1
	VNodeNotFound
	NotADirectory
	IsADirectory
	NoSpace
	NotEmpty
	EntryNotFound
	MountPointNotFound
	FileSystemNotFound
	MalformedPath
	InvalidArgument
)

func (e Errno) String() string {
	switch e {
	case NoPermission:
		return "no permission"
	case VNodeNotFound:
		return "vnode not found"
	case NotADirectory:
		return "not a directory"
	case IsADirectory:
		return "is a directory"
	case NoSpace:
		return "no space"
	case NotEmpty:
		return "not empty"
	case EntryNotFound:
		return "entry not found"
	case MountPointNotFound:
		return "mount point not found"
	case FileSystemNotFound:
		return "file system not found"
	case MalformedPath:
		return "malformed path"
	case InvalidArgument:
		return "invalid argument"
	default:
		return "unknown error"
	}
}

// errnoTable maps the internal sentinel errors a syscall handler can
// surface to the user-visible Errno they correspond to. Every error value
// in this table is an exported *kernel.Error singleton from the package
// that raises it (vfs, vma) specifically so this table can key off pointer
// identity rather than string matching.
var errnoTable = map[*kernel.Error]Errno{
	vfs.ErrNoRoot:        MountPointNotFound,
	vfs.ErrNotADirectory: NotADirectory,
	vfs.ErrNotSupported:  InvalidArgument,
	vma.ErrOverlap:       NoSpace,
	vma.ErrNoLowSlot:     NoSpace,
	vma.ErrSlotTaken:     NoSpace,
	errBadSyscallNumber:  InvalidArgument,
	errBadFD:             InvalidArgument,
	errFileBackedMmap:    InvalidArgument,
	errNoAddressSpace:    InvalidArgument,
}

// ErrnoOf translates err, as returned by Dispatch, to the user-visible
// Errno a syscall's caller sees. Any internal error this table does not
// recognise reports as InvalidArgument rather than leaking implementation
// detail across the syscall boundary.
func ErrnoOf(err *kernel.Error) Errno {
	if errno, ok := errnoTable[err]; ok {
		return errno
	}
	return InvalidArgument
}

// Package vfs defines the small virtual-file-system contract the kernel
// core calls through from the open/read/write/close syscalls. It does not
// implement a concrete file system: Vnode is an open set of function
// pointers a driver populates, in the spirit of the capability-record style
// used elsewhere in this kernel (kernel/device.Driver) rather than a Go
// interface, since different vnodes of the same Type routinely support
// different subsets of operations.
package vfs

import "novaos/kernel"

// Type identifies the kind of file a Vnode represents.
type Type uint8

const (
	TypeNone Type = iota
	TypeRegular
	TypeDirectory
	TypeBlockDevice
	TypeCharDevice
	TypeSymlink
	TypeSocket
	TypeFifo
)

var ErrNotSupported = &kernel.Error{Module: "vfs", Message: "operation not supported by this vnode"}

// DirEntry is a single entry returned by Vnode.Readdir.
type DirEntry struct {
	Name string
	Type Type
}

// Vnode is the kernel's handle to one file, directory or special node.
// Fields left nil are unsupported operations; the call-through wrappers
// below (Do*) translate a nil field into ErrNotSupported so callers never
// need to check the field directly.
type Vnode struct {
	Type  Type
	Mount *Mount

	// Data is opaque, driver-owned state (e.g. a ramfs inode index). vfs
	// never inspects it.
	Data any

	Open    func(v *Vnode) *kernel.Error
	Close   func(v *Vnode) *kernel.Error
	Read    func(v *Vnode, buf []byte, offset int64) (int, *kernel.Error)
	Write   func(v *Vnode, buf []byte, offset int64) (int, *kernel.Error)
	Lookup  func(v *Vnode, name string) (*Vnode, *kernel.Error)
	Create  func(v *Vnode, name string) (*Vnode, *kernel.Error)
	Mkdir   func(v *Vnode, name string) (*Vnode, *kernel.Error)
	Readdir func(v *Vnode) ([]DirEntry, *kernel.Error)
}

func (v *Vnode) DoOpen() *kernel.Error {
	if v.Open == nil {
		return ErrNotSupported
	}
	return v.Open(v)
}

func (v *Vnode) DoClose() *kernel.Error {
	if v.Close == nil {
		return ErrNotSupported
	}
	return v.Close(v)
}

func (v *Vnode) DoRead(buf []byte, offset int64) (int, *kernel.Error) {
	if v.Read == nil {
		return 0, ErrNotSupported
	}
	return v.Read(v, buf, offset)
}

func (v *Vnode) DoWrite(buf []byte, offset int64) (int, *kernel.Error) {
	if v.Write == nil {
		return 0, ErrNotSupported
	}
	return v.Write(v, buf, offset)
}

func (v *Vnode) DoLookup(name string) (*Vnode, *kernel.Error) {
	if v.Lookup == nil {
		return nil, ErrNotSupported
	}
	return v.Lookup(v, name)
}

func (v *Vnode) DoCreate(name string) (*Vnode, *kernel.Error) {
	if v.Create == nil {
		return nil, ErrNotSupported
	}
	return v.Create(v, name)
}

func (v *Vnode) DoMkdir(name string) (*Vnode, *kernel.Error) {
	if v.Mkdir == nil {
		return nil, ErrNotSupported
	}
	return v.Mkdir(v, name)
}

func (v *Vnode) DoReaddir() ([]DirEntry, *kernel.Error) {
	if v.Readdir == nil {
		return nil, ErrNotSupported
	}
	return v.Readdir(v)
}

// OpenFile is a process's file-descriptor-table entry: a vnode together
// with the byte offset the next read/write starts at.
type OpenFile struct {
	Vnode  *Vnode
	Offset int64
}

// Read reads into buf starting at the file's current offset and advances it
// by the number of bytes read.
func (f *OpenFile) Read(buf []byte) (int, *kernel.Error) {
	n, err := f.Vnode.DoRead(buf, f.Offset)
	if err == nil {
		f.Offset += int64(n)
	}
	return n, err
}

// Write writes buf starting at the file's current offset and advances it by
// the number of bytes written.
func (f *OpenFile) Write(buf []byte) (int, *kernel.Error) {
	n, err := f.Vnode.DoWrite(buf, f.Offset)
	if err == nil {
		f.Offset += int64(n)
	}
	return n, err
}

// Close releases the underlying vnode.
func (f *OpenFile) Close() *kernel.Error {
	return f.Vnode.DoClose()
}

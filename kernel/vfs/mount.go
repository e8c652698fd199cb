package vfs

import (
	"novaos/kernel"
	"strings"
)

var (
	ErrAlreadyMounted = &kernel.Error{Module: "vfs", Message: "root file system already mounted"}
	ErrNoRoot         = &kernel.Error{Module: "vfs", Message: "no root file system mounted"}
	ErrNotADirectory  = &kernel.Error{Module: "vfs", Message: "path component is not a directory"}
)

// Mount aggregates a mounted Vnode tree under a path prefix. Covered is the
// vnode this file system is mounted over (nil for the root mount).
type Mount struct {
	Path     string
	Root     *Vnode
	Covered  *Vnode
	children []*Mount
}

// root is the single root mount, installed once during boot by MountRoot.
// It follows the same write-once-then-panic-on-reinit discipline as the
// kernel's other global singletons (the frame allocator, the kernel
// pagemap).
var root *Mount

// MountRoot installs fs as the root file system. It panics if a root is
// already mounted.
func MountRoot(fs *Vnode) *Mount {
	if root != nil {
		kernel.Panic(ErrAlreadyMounted)
	}
	root = &Mount{Path: "/", Root: fs}
	return root
}

// Mount attaches fs under m at the vnode reached by path, relative to m's
// root, recording the mount point so future lookups through that vnode
// descend into fs instead.
func (m *Mount) Mount(path string, fs *Vnode) (*Mount, *kernel.Error) {
	covered, err := m.Lookup(path)
	if err != nil {
		return nil, err
	}
	child := &Mount{Path: path, Root: fs, Covered: covered}
	m.children = append(m.children, child)
	return child, nil
}

// Lookup resolves a slash-separated path against m's root vnode, descending
// through a mount point's Root whenever the path walks past a Covered
// vnode.
func (m *Mount) Lookup(path string) (*Vnode, *kernel.Error) {
	v := m.Root
	for _, name := range splitPath(path) {
		for _, child := range m.children {
			if child.Covered == v {
				v = child.Root
			}
		}
		if v.Type != TypeDirectory {
			return nil, ErrNotADirectory
		}
		next, err := v.DoLookup(name)
		if err != nil {
			return nil, err
		}
		v = next
	}
	return v, nil
}

func splitPath(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Lookup resolves path against the installed root mount.
func Lookup(path string) (*Vnode, *kernel.Error) {
	if root == nil {
		return nil, ErrNoRoot
	}
	return root.Lookup(path)
}

// Root returns the installed root mount, or nil if none has been mounted
// yet.
func Root() *Mount {
	return root
}

// resetRootForTest is only used by this package's tests to undo MountRoot's
// write-once guard between test cases.
func resetRootForTest() {
	root = nil
}

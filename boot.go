package main

import "novaos/kernel/boot"

// multibootInfoPtr is populated by the rt0 assembly stub before it jumps
// into this package's main. It is passed to boot.Init as a plain uintptr
// rather than inlined, which keeps the Go compiler from constant-folding
// the call away when it cannot see the assembly writer.
var multibootInfoPtr uintptr

// main is the only Go symbol the rt0 assembly stub calls. It exists purely
// as a trampoline into boot.Init: defining it in package main (rather than
// calling boot.Init directly from assembly) keeps the compiler from
// optimizing away the kernel's own code, since it has no other visibility
// into what the assembly caller does with the binary.
//
// main never returns. If boot.Init ever does, the rt0 stub halts the CPU.
func main() {
	boot.Init(multibootInfoPtr)
}

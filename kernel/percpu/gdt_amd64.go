package percpu

// Segment selectors for the six-descriptor GDT every CPU loads during
// bring-up: null, kernel code, kernel data, a 16-byte TSS descriptor
// (occupying two slots), user data, user code -- the same selector values
// kernel/proc already hard-codes for building thread trap frames, defined
// here too since GDTLayout is what originally hands them out.
const (
	NullSelector       = 0x00
	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10
	TSSSelector        = 0x18
	UserDataSelector   = 0x28 | 3
	UserCodeSelector   = 0x30 | 3
)

// GDTLayout describes one CPU's global descriptor table: the fixed
// kernel/user code and data descriptors every CPU shares the layout of,
// plus that CPU's own TSS descriptor (since RSP0/IST1 are per-CPU,
// original_source's arch/x64/gdt.rs builds a fresh GDT+TSS per AP rather
// than sharing one across CPUs).
type GDTLayout struct {
	TSS TSS
}

// Install loads g's GDT into GDTR, reloads the segment registers to the
// selectors above, and loads the TSS selector into TR. It is the Go-side
// declaration of the asm routine kernel/boot links in, in the same
// body-less style as kernel/cpu's ReadCR8/WriteCR8.
func (g *GDTLayout) Install()

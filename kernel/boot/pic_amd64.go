package boot

import "novaos/kernel/cpu"

// Legacy 8259 PIC ports and initialization command words, matching the
// standard PC/AT remap sequence.
const (
	pic1Command = 0x20
	pic1Data    = 0x21
	pic2Command = 0xA0
	pic2Data    = 0xA1

	icw1Init       = 0x11
	icw4Mode8086   = 0x01
	picMaskAll     = 0xFF
	pic1VectorBase = 0x20
	pic2VectorBase = 0x28
)

var outbFn = cpu.Outb

// disableLegacyPIC remaps the 8259 PIC's two banks away from the CPU
// exception vectors they collide with out of reset and then masks every
// line, handing interrupt routing over entirely to the local APIC
// (spec.md §4.10's "disable the legacy PIC" bootstrap step). The remap
// happens even though every line ends up masked: leaving the PIC's spurious
// vectors at 0x08-0x0F/0x70-0x77 would alias CPU exceptions if a line ever
// fired before being masked.
func disableLegacyPIC() {
	outbFn(pic1Command, icw1Init)
	outbFn(pic2Command, icw1Init)

	outbFn(pic1Data, pic1VectorBase)
	outbFn(pic2Data, pic2VectorBase)

	outbFn(pic1Data, 4) // tell master PIC there is a slave at IRQ2
	outbFn(pic2Data, 2) // tell slave PIC its cascade identity

	outbFn(pic1Data, icw4Mode8086)
	outbFn(pic2Data, icw4Mode8086)

	outbFn(pic1Data, picMaskAll)
	outbFn(pic2Data, picMaskAll)
}

package cpu

// Outb writes a byte to an x86 I/O port.
func Outb(port uint16, val uint8)

// Inb reads a byte from an x86 I/O port.
func Inb(port uint16) uint8

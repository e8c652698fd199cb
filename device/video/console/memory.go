package console

import (
	"image/color"
	"io"
	"novaos/device"
	"novaos/kernel"
	"novaos/kernel/hal/multiboot"
	"novaos/kernel/kfmt"
)

// MemoryConsole is a console.Device backed by an in-memory character grid
// instead of a physical framebuffer. It exists so the kernel always has a
// console to write diagnostics to without the VESA pixel-plotting, VGA DAC
// port I/O, or bitmap font/logo rendering a real display driver would need;
// none of that belongs to the memory-management and scheduling core this
// repository implements. Tests drive it directly, and kfmt.SetOutputSink
// ends up pointed at whatever TTY attaches to it (see kernel/hal.onConsoleInit).
type MemoryConsole struct {
	width  uint32
	height uint32

	cell []cell

	palette   color.Palette
	defaultFg uint8
	defaultBg uint8
}

type cell struct {
	ch     byte
	fg, bg uint8
}

// defaultPalette mirrors the 16-color EGA/VGA text-mode palette so a
// MemoryConsole presents the same default colors the teacher's hardware
// drivers did.
func defaultPalette() color.Palette {
	return color.Palette{
		color.RGBA{R: 0, G: 0, B: 0},
		color.RGBA{R: 0, G: 0, B: 128},
		color.RGBA{R: 0, G: 128, B: 0},
		color.RGBA{R: 0, G: 128, B: 128},
		color.RGBA{R: 128, G: 0, B: 0},
		color.RGBA{R: 128, G: 0, B: 128},
		color.RGBA{R: 64, G: 64, B: 0},
		color.RGBA{R: 128, G: 128, B: 128},
		color.RGBA{R: 64, G: 64, B: 64},
		color.RGBA{R: 0, G: 0, B: 255},
		color.RGBA{R: 0, G: 255, B: 0},
		color.RGBA{R: 0, G: 255, B: 255},
		color.RGBA{R: 255, G: 0, B: 0},
		color.RGBA{R: 255, G: 0, B: 255},
		color.RGBA{R: 255, G: 255, B: 0},
		color.RGBA{R: 255, G: 255, B: 255},
	}
}

// NewMemoryConsole creates a console with the given dimensions in
// characters, cleared to a space character in the default colors (light
// gray on black, color indices 7 and 0).
func NewMemoryConsole(columns, rows uint32) *MemoryConsole {
	c := &MemoryConsole{
		width:     columns,
		height:    rows,
		cell:      make([]cell, columns*rows),
		palette:   defaultPalette(),
		defaultFg: 7,
		defaultBg: 0,
	}
	for i := range c.cell {
		c.cell[i] = cell{ch: ' ', fg: c.defaultFg, bg: c.defaultBg}
	}
	return c
}

// Dimensions returns the console width and height. MemoryConsole has no
// separate pixel geometry, so both Dimension values return the character
// grid size.
func (c *MemoryConsole) Dimensions(Dimension) (uint32, uint32) {
	return c.width, c.height
}

// DefaultColors returns the default foreground and background colors used
// by this console.
func (c *MemoryConsole) DefaultColors() (fg, bg uint8) {
	return c.defaultFg, c.defaultBg
}

// Fill sets the contents of the specified rectangular region to the
// requested color. Both x and y coordinates are 1-based.
func (c *MemoryConsole) Fill(x, y, width, height uint32, fg, bg uint8) {
	if x == 0 {
		x = 1
	} else if x > c.width {
		x = c.width
	}
	if y == 0 {
		y = 1
	} else if y > c.height {
		y = c.height
	}
	if x+width-1 > c.width {
		width = c.width - x + 1
	}
	if y+height-1 > c.height {
		height = c.height - y + 1
	}

	for row := y; row < y+height; row++ {
		base := (row - 1) * c.width
		for col := x; col < x+width; col++ {
			c.cell[base+col-1] = cell{ch: ' ', fg: fg, bg: bg}
		}
	}
}

// Scroll shifts the console contents by lines rows in the requested
// direction. The caller is responsible for filling in the region left
// behind.
func (c *MemoryConsole) Scroll(dir ScrollDir, lines uint32) {
	if lines == 0 || lines > c.height {
		return
	}
	offset := lines * c.width

	switch dir {
	case ScrollDirUp:
		copy(c.cell, c.cell[offset:])
	case ScrollDirDown:
		copy(c.cell[offset:], c.cell[:uint32(len(c.cell))-offset])
	}
}

// Write sets the character and colors at the 1-based position (x, y). Out
// of range coordinates are a no-op, matching the teacher drivers' clipping
// behavior.
func (c *MemoryConsole) Write(ch byte, fg, bg uint8, x, y uint32) {
	if x < 1 || x > c.width || y < 1 || y > c.height {
		return
	}
	maxColorIndex := uint8(len(c.palette) - 1)
	if fg > maxColorIndex {
		fg = c.defaultFg
	}
	if bg > maxColorIndex {
		bg = c.defaultBg
	}
	c.cell[(y-1)*c.width+(x-1)] = cell{ch: ch, fg: fg, bg: bg}
}

// Palette returns the active color palette for this console.
func (c *MemoryConsole) Palette() color.Palette {
	return c.palette
}

// SetPaletteColor updates the color definition for the specified palette
// index. Unlike a real VGA console this never touches hardware; it exists
// purely so callers exercising the console.Device contract can observe a
// palette change.
func (c *MemoryConsole) SetPaletteColor(index uint8, rgba color.RGBA) {
	if index >= uint8(len(c.palette)) {
		return
	}
	c.palette[index] = rgba
}

// DriverName returns the name of this driver.
func (c *MemoryConsole) DriverName() string { return "memory_console" }

// DriverVersion returns the version of this driver.
func (c *MemoryConsole) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit initializes this driver. MemoryConsole allocates its grid in
// NewMemoryConsole, so there is nothing left to do here beyond reporting
// the dimensions it was probed with.
func (c *MemoryConsole) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "%dx%d character grid\n", c.width, c.height)
	return nil
}

// probeForMemoryConsole reports the bootloader-initialized framebuffer's
// character dimensions if one is present, regardless of its pixel format:
// MemoryConsole never touches the framebuffer itself, so an EGA text mode
// and a VESA graphics mode are equally usable as a character-count source.
func probeForMemoryConsole() device.Driver {
	fbInfo := getFramebufferInfoFn()
	if fbInfo == nil || fbInfo.Width == 0 || fbInfo.Height == 0 {
		return nil
	}

	columns, rows := fbInfo.Width, fbInfo.Height
	if fbInfo.Type != multiboot.FramebufferTypeEGA {
		columns, rows = columns/8, rows/16
	}
	if columns == 0 || rows == 0 {
		return nil
	}

	return NewMemoryConsole(columns, rows)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForMemoryConsole,
	})
}

package tty

import (
	"io"
	"novaos/device"
	"novaos/device/video/console"
	"novaos/kernel"
)

// LineWriter is a minimal tty.Device: it forwards written bytes straight
// to its attached console, tracking only a cursor position and
// interpreting \r, \n and \b, without the scrollback buffer, tab
// expansion or ANSI escape-sequence handling a full terminal emulator
// would add. It exists so the kernel has somewhere to send kfmt output
// that satisfies the tty.Device contract, not to emulate a real terminal.
type LineWriter struct {
	cons console.Device

	width, height uint16
	fg, bg        uint8
	cursorX       uint16
	cursorY       uint16
	state         State
}

// NewLineWriter creates an unattached LineWriter. Call AttachTo before
// writing to it.
func NewLineWriter() *LineWriter {
	return &LineWriter{cursorX: 1, cursorY: 1}
}

// AttachTo connects the writer to a console instance and resets the
// cursor to the console's top-left corner.
func (t *LineWriter) AttachTo(cons console.Device) {
	if cons == nil {
		return
	}
	t.cons = cons
	w, h := cons.Dimensions(console.Characters)
	t.width, t.height = uint16(w), uint16(h)
	t.fg, t.bg = cons.DefaultColors()
	t.cursorX, t.cursorY = 1, 1
}

// State returns the TTY's state.
func (t *LineWriter) State() State { return t.state }

// SetState updates the TTY's state. Becoming active does not need to
// resync old contents the way a scrollback-backed terminal would: with no
// buffer of its own, LineWriter has nothing to replay.
func (t *LineWriter) SetState(newState State) { t.state = newState }

// CursorPosition returns the current cursor position.
func (t *LineWriter) CursorPosition() (uint16, uint16) { return t.cursorX, t.cursorY }

// SetCursorPosition sets the current cursor position to (x, y), clipped to
// the attached console's viewport.
func (t *LineWriter) SetCursorPosition(x, y uint16) {
	if t.cons == nil {
		return
	}
	if x < 1 {
		x = 1
	} else if x > t.width {
		x = t.width
	}
	if y < 1 {
		y = 1
	} else if y > t.height {
		y = t.height
	}
	t.cursorX, t.cursorY = x, y
}

// Write implements io.Writer.
func (t *LineWriter) Write(data []byte) (int, error) {
	for count, b := range data {
		if err := t.WriteByte(b); err != nil {
			return count, err
		}
	}
	return len(data), nil
}

// WriteByte implements io.ByteWriter.
func (t *LineWriter) WriteByte(b byte) error {
	if t.cons == nil {
		return io.ErrClosedPipe
	}

	switch b {
	case '\r':
		t.cursorX = 1
	case '\n':
		t.newline()
	case '\b':
		if t.cursorX > 1 {
			t.cursorX--
			t.put(' ')
		}
	default:
		t.put(b)
		t.advance()
	}

	return nil
}

// put writes b at the current cursor position if the terminal is active.
func (t *LineWriter) put(b byte) {
	if t.state == StateActive {
		t.cons.Write(b, t.fg, t.bg, uint32(t.cursorX), uint32(t.cursorY))
	}
}

// advance moves the cursor right by one column, wrapping to a new line
// when it runs past the console's width.
func (t *LineWriter) advance() {
	t.cursorX++
	if t.cursorX > t.width {
		t.newline()
	}
}

// newline moves the cursor to the start of the next line, scrolling the
// console up by one row once the cursor reaches the bottom of the
// viewport.
func (t *LineWriter) newline() {
	t.cursorX = 1
	if t.cursorY < t.height {
		t.cursorY++
		return
	}
	if t.state == StateActive {
		t.cons.Scroll(console.ScrollDirUp, 1)
		t.cons.Fill(1, uint32(t.cursorY), uint32(t.width), 1, t.fg, t.bg)
	}
}

// DriverName returns the name of this driver.
func (t *LineWriter) DriverName() string { return "line_writer_tty" }

// DriverVersion returns the version of this driver.
func (t *LineWriter) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit initializes this driver. LineWriter has no state to set up
// before a console attaches to it.
func (t *LineWriter) DriverInit(_ io.Writer) *kernel.Error { return nil }

func probeForLineWriter() device.Driver {
	return NewLineWriter()
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForLineWriter,
	})
}

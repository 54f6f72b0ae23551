package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// inputResetter is implemented by ports that can discard bytes held in the
// driver's receive buffer (go.bug.st/serial.Port does).
type inputResetter interface {
	ResetInputBuffer() error
}

// ByteSource is the narrow contract the frame loop reads from. Available
// and Read never block: a Read with nothing buffered returns an empty
// slice and no error.
type ByteSource interface {
	// Available reports how many bytes can be read without waiting.
	Available() int
	// Read returns up to max buffered bytes, or all of them when max <= 0.
	Read(max int) ([]byte, error)
	// Flush discards everything buffered so far.
	Flush() error
	// Close releases the underlying port.
	Close() error
}

package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealPortSource opens the serial port at path with the provided options
// and wraps it in a PortSource. The caller starts Monitor.
func NewRealPortSource(path string, opts PortOptions) (*PortSource[serial.Port], error) {
	port, err := openPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewPortSource[serial.Port](port), nil
}

// OpenTrigger opens the sync output port at path and returns a Trigger
// writing msg on every state change. Only the baud rate of opts matters to
// the receiving device; the remaining fields take their defaults.
func OpenTrigger(path string, opts PortOptions, msg []byte) (*Trigger, error) {
	port, err := openPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewTrigger(port, msg), nil
}

func openPort(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// ListPorts returns the serial ports visible to the operating system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

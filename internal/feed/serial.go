package feed

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the part of a serial port the feeder reads from.
type Port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

// SerialOpener opens a serial device. serial.Open satisfies it once wrapped by
// RealSerialOpener.
type SerialOpener func(path string, mode *serial.Mode) (Port, error)

// RealSerialOpener opens a hardware port through go.bug.st/serial.
func RealSerialOpener(path string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// OpenSerial opens path with opts. Reads return after readTimeout with no
// data so callers can notice cancellation.
func OpenSerial(path string, opts PortOptions, readTimeout time.Duration, open SerialOpener) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	if open == nil {
		open = RealSerialOpener
	}

	port, err := open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
		}
	}
	return port, nil
}

// ListPorts returns the serial devices present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

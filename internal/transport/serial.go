package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialTransport implements Transport over a real serial port.
type SerialTransport struct {
	port     serial.Port
	portName string
	baudrate int
	closed   bool
}

// OpenSerial opens a serial port at the given baud rate with the 8N1
// framing all Silicon Labs firmware uses.
func OpenSerial(portName string, baudrate int) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	return &SerialTransport{
		port:     port,
		portName: portName,
		baudrate: baudrate,
	}, nil
}

// ReadWithDeadline reads up to len(buf) bytes before the deadline.
func (t *SerialTransport) ReadWithDeadline(buf []byte, deadline time.Time) (int, error) {
	if t.closed {
		return 0, ErrClosed
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, ErrTimeout
	}
	if err := t.port.SetReadTimeout(remaining); err != nil {
		return 0, fmt.Errorf("failed to set read timeout: %w", err)
	}

	n, err := t.port.Read(buf)
	if err != nil {
		return n, fmt.Errorf("serial read failed: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

// Write writes all of data to the port.
func (t *SerialTransport) Write(data []byte) (int, error) {
	if t.closed {
		return 0, ErrClosed
	}

	written := 0
	for written < len(data) {
		n, err := t.port.Write(data[written:])
		written += n
		if err != nil {
			return written, fmt.Errorf("serial write failed: %w", err)
		}
	}
	return written, nil
}

// SetBaudrate drains output, discards input and switches the line
// speed.
func (t *SerialTransport) SetBaudrate(baudrate int) error {
	if t.closed {
		return ErrClosed
	}
	if err := t.port.Drain(); err != nil {
		return fmt.Errorf("failed to drain output: %w", err)
	}
	if err := t.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input buffer: %w", err)
	}
	if baudrate == t.baudrate {
		return nil
	}
	if err := t.port.SetMode(&serial.Mode{
		BaudRate: baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}); err != nil {
		return fmt.Errorf("failed to set baudrate %d: %w", baudrate, err)
	}

	t.baudrate = baudrate
	return nil
}

// ResetInput discards buffered input.
func (t *SerialTransport) ResetInput() error {
	if t.closed {
		return ErrClosed
	}
	return t.port.ResetInputBuffer()
}

// Close closes the port.
func (t *SerialTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.port.Close()
}

// PortName returns the name the port was opened with.
func (t *SerialTransport) PortName() string { return t.portName }

// Baudrate returns the current line speed.
func (t *SerialTransport) Baudrate() int { return t.baudrate }

// SetDTR sets the DTR modem line. Used by board reset hooks.
func (t *SerialTransport) SetDTR(value bool) error {
	return t.port.SetDTR(value)
}

// SetRTS sets the RTS modem line. Used by board reset hooks.
func (t *SerialTransport) SetRTS(value bool) error {
	return t.port.SetRTS(value)
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// Package ash implements the Asynchronous Serial Host (ASH) link
// layer used by EmberZNet NCPs: byte-stuffed frames with a
// pseudo-random data whitener, a CRC-16 frame check and a
// window-of-one acknowledgement protocol.
package ash

import (
	"errors"
	"fmt"

	"github.com/NabuCasa/universal-silabs-flasher/internal/crc"
)

const (
	// Flag terminates every frame.
	Flag = 0x7E
	// Escape introduces a stuffed byte.
	Escape = 0x7D
	// XON and XOFF are software flow control bytes and never appear raw.
	XON  = 0x11
	XOFF = 0x13
	// Substitute marks a low-level error; the partial frame is dropped.
	Substitute = 0x18
	// Cancel drops the frame in progress.
	Cancel = 0x1A
)

const escapeXor = 0x20

var reservedBytes = [256]bool{
	Flag:       true,
	Escape:     true,
	XON:        true,
	XOFF:       true,
	Substitute: true,
	Cancel:     true,
}

var frameCRC = crc.NewCCITT(0xFFFF)

// FrameType classifies an ASH frame by its control byte.
type FrameType int

const (
	FrameData FrameType = iota
	FrameAck
	FrameNak
	FrameRst
	FrameRstAck
	FrameError
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameAck:
		return "ACK"
	case FrameNak:
		return "NAK"
	case FrameRst:
		return "RST"
	case FrameRstAck:
		return "RSTACK"
	case FrameError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ErrBadFrame indicates a frame failed its CRC or control decoding.
var ErrBadFrame = errors.New("bad ASH frame")

// Frame is a decoded ASH frame. Payload holds the unscrambled data
// field for DATA frames, or the raw payload for RSTACK/ERROR frames.
type Frame struct {
	Control byte
	Payload []byte
}

// Type classifies the frame by its control byte.
func (f Frame) Type() FrameType {
	switch {
	case f.Control&0x80 == 0:
		return FrameData
	case f.Control&0xE0 == 0x80:
		return FrameAck
	case f.Control&0xE0 == 0xA0:
		return FrameNak
	case f.Control == 0xC0:
		return FrameRst
	case f.Control == 0xC1:
		return FrameRstAck
	case f.Control == 0xC2:
		return FrameError
	}
	return FrameError
}

// FrmNum returns a DATA frame's sequence number.
func (f Frame) FrmNum() int { return int(f.Control>>4) & 0x07 }

// AckNum returns the acknowledged sequence number of a DATA, ACK or
// NAK frame.
func (f Frame) AckNum() int { return int(f.Control) & 0x07 }

// ReTx reports whether a DATA frame is a retransmission.
func (f Frame) ReTx() bool { return f.Control&0x08 != 0 }

// DataFrame builds a DATA frame carrying payload.
func DataFrame(frmNum, ackNum int, reTx bool, payload []byte) Frame {
	control := byte(frmNum&0x07)<<4 | byte(ackNum&0x07)
	if reTx {
		control |= 0x08
	}
	return Frame{Control: control, Payload: payload}
}

// AckFrame builds an ACK frame acknowledging up to ackNum.
func AckFrame(ackNum int) Frame {
	return Frame{Control: 0x80 | byte(ackNum&0x07)}
}

// NakFrame builds a NAK frame requesting retransmission from ackNum.
func NakFrame(ackNum int) Frame {
	return Frame{Control: 0xA0 | byte(ackNum&0x07)}
}

// RstFrame builds the reset request frame.
func RstFrame() Frame {
	return Frame{Control: 0xC0}
}

// Randomize XORs data in place with the ASH pseudo-random sequence
// (seed 0x42). The operation is its own inverse.
func Randomize(data []byte) {
	rand := byte(0x42)
	for i := range data {
		data[i] ^= rand
		if rand&0x01 != 0 {
			rand = (rand >> 1) ^ 0xB8
		} else {
			rand >>= 1
		}
	}
}

// Stuff escapes reserved bytes and appends the terminating flag.
func Stuff(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	for _, b := range data {
		if reservedBytes[b] {
			out = append(out, Escape, b^escapeXor)
		} else {
			out = append(out, b)
		}
	}
	return append(out, Flag)
}

// Unstuff reverses Stuff on a frame body with the flag already
// stripped.
func Unstuff(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	escaped := false
	for _, b := range data {
		if escaped {
			out = append(out, b^escapeXor)
			escaped = false
			continue
		}
		if b == Escape {
			escaped = true
			continue
		}
		out = append(out, b)
	}
	if escaped {
		return nil, fmt.Errorf("%w: trailing escape byte", ErrBadFrame)
	}
	return out, nil
}

// Encode serializes a frame: control byte, scrambled data field for
// DATA frames, big-endian CRC-16, byte stuffing and the closing flag.
func Encode(f Frame) []byte {
	body := make([]byte, 0, len(f.Payload)+3)
	body = append(body, f.Control)

	payload := append([]byte{}, f.Payload...)
	if f.Type() == FrameData {
		Randomize(payload)
	}
	body = append(body, payload...)

	sum := frameCRC.Checksum(body)
	body = append(body, byte(sum>>8), byte(sum))

	return Stuff(body)
}

// ParseFrame decodes an unstuffed frame body (flag stripped), checks
// the CRC and unscrambles DATA payloads.
func ParseFrame(body []byte) (Frame, error) {
	if len(body) < 3 {
		return Frame{}, fmt.Errorf("%w: too short (%d bytes)", ErrBadFrame, len(body))
	}

	content := body[:len(body)-2]
	wire := uint16(body[len(body)-2])<<8 | uint16(body[len(body)-1])
	if sum := frameCRC.Checksum(content); sum != wire {
		return Frame{}, fmt.Errorf("%w: CRC mismatch (computed 0x%04X, wire 0x%04X)", ErrBadFrame, sum, wire)
	}

	f := Frame{Control: content[0]}
	if len(content) > 1 {
		payload := append([]byte{}, content[1:]...)
		if f.Type() == FrameData {
			Randomize(payload)
		}
		f.Payload = payload
	}
	return f, nil
}

// Decoder incrementally extracts ASH frames from a byte stream.
// Every run of bytes up to a flag is decoded as one frame, so garbage
// before a frame is not dropped silently: it merges into that frame's
// body and Next reports ErrBadFrame. A Cancel or Substitute byte
// discards the frame in progress.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes from the transport.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next returns the next complete frame, or (nil, nil) when more input
// is needed. A frame that fails to decode is returned as ErrBadFrame
// so callers can count it against their bad-frame budget.
func (d *Decoder) Next() (*Frame, error) {
	for {
		body, rest, ok := d.nextBody()
		if !ok {
			return nil, nil
		}
		d.buf = rest

		if len(body) == 0 {
			continue
		}

		unstuffed, err := Unstuff(body)
		if err != nil {
			return nil, err
		}
		frame, err := ParseFrame(unstuffed)
		if err != nil {
			return nil, err
		}
		return &frame, nil
	}
}

func (d *Decoder) nextBody() (body, rest []byte, ok bool) {
	start := 0
	for i, b := range d.buf {
		switch b {
		case Cancel, Substitute:
			// Drop everything up to and including the cancel byte.
			start = i + 1
		case Flag:
			return d.buf[start:i], d.buf[i+1:], true
		}
	}
	if start > 0 {
		d.buf = append(d.buf[:0], d.buf[start:]...)
	}
	return nil, nil, false
}

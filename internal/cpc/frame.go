// Package cpc implements enough of the Silicon Labs Co-Processor
// Communication protocol to identify a running CPC secondary and
// reboot it into the Gecko bootloader: HDLC transport frames on the
// system endpoint carrying unnumbered property commands.
package cpc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/NabuCasa/universal-silabs-flasher/internal/crc"
)

// Flag starts every CPC transport frame.
const Flag = 0x14

// Endpoints used by the flasher.
const (
	EndpointSystem byte = 0
	// EndpointSecurity is endpoint 15, which carries the secondary
	// version query on newer firmware.
	EndpointSecurity byte = 15
)

// Frame type field of the control byte (bits 7..6).
const (
	frameTypeUnnumbered = 3
)

// Unnumbered frame types (control bits 5..0).
const (
	unnumberedPollFinal = 0x04
)

// Unnumbered command IDs.
const (
	CmdReset   byte = 0x01
	CmdPropGet byte = 0x02
	CmdPropSet byte = 0x03
	CmdPropIs  byte = 0x06
)

// Property IDs.
const (
	PropLastStatus           uint16 = 0x00
	PropProtocolVersion      uint16 = 0x01
	PropCapabilities         uint16 = 0x02
	PropSecondaryCPCVersion  uint16 = 0x03
	PropSecondaryAppVersion  uint16 = 0x04
	PropBootloaderRebootMode uint16 = 0x202
)

// Reboot modes for PropBootloaderRebootMode.
const (
	RebootApplication uint32 = 0
	RebootBootloader  uint32 = 1
)

var frameCRC = crc.NewCCITT(0xFFFF)

var (
	// ErrBadFrame indicates a frame failed a checksum or structural
	// check.
	ErrBadFrame = errors.New("bad CPC frame")
	// errShortBuffer indicates more bytes are needed.
	errShortBuffer = errors.New("buffer too short")
	// ErrForeignTraffic indicates the byte stream looks like another
	// protocol's framing, not CPC.
	ErrForeignTraffic = errors.New("stream does not look like CPC")
)

// Frame is a CPC transport frame.
type Frame struct {
	Endpoint byte
	Control  byte
	Payload  []byte
}

// unnumberedControl builds the control byte of an unnumbered
// poll/final frame.
func unnumberedControl() byte {
	return frameTypeUnnumbered<<6 | unnumberedPollFinal
}

// IsUnnumberedPollFinal reports whether the frame is an unnumbered
// poll/final frame, the only kind the flasher exchanges.
func (f Frame) IsUnnumberedPollFinal() bool {
	return f.Control>>6 == frameTypeUnnumbered && f.Control&0x3F == unnumberedPollFinal
}

// Serialize emits the frame: a 7-byte header (flag, 16-bit length,
// endpoint, control, header checksum) followed by the payload and its
// frame check sequence. The length field covers the payload plus the
// FCS.
func (f Frame) Serialize() []byte {
	length := len(f.Payload) + 2

	out := make([]byte, 0, 7+length)
	out = append(out, Flag, byte(length), byte(length>>8), f.Endpoint, f.Control)

	hcs := frameCRC.Checksum(out[:5])
	out = append(out, byte(hcs), byte(hcs>>8))

	out = append(out, f.Payload...)
	fcs := frameCRC.Checksum(f.Payload)
	out = append(out, byte(fcs), byte(fcs>>8))

	return out
}

// parseFrame decodes one frame from the front of data, returning the
// remainder. errShortBuffer means wait for more bytes; ErrBadFrame
// means resynchronize.
func parseFrame(data []byte) (*Frame, []byte, error) {
	if len(data) < 7 {
		return nil, data, errShortBuffer
	}
	if data[0] != Flag {
		return nil, data, fmt.Errorf("%w: invalid flag 0x%02X", ErrBadFrame, data[0])
	}

	length := int(binary.LittleEndian.Uint16(data[1:3]))
	endpoint := data[3]
	control := data[4]
	hcs := binary.LittleEndian.Uint16(data[5:7])

	if frameCRC.Checksum(data[:5]) != hcs {
		return nil, data, fmt.Errorf("%w: header checksum mismatch", ErrBadFrame)
	}
	if length < 2 {
		return nil, data, fmt.Errorf("%w: length %d too small", ErrBadFrame, length)
	}
	if len(data) < 7+length {
		return nil, data, errShortBuffer
	}

	payload := data[7 : 7+length-2]
	fcs := binary.LittleEndian.Uint16(data[7+length-2 : 7+length])
	if frameCRC.Checksum(payload) != fcs {
		return nil, data, fmt.Errorf("%w: payload checksum mismatch", ErrBadFrame)
	}

	frame := &Frame{
		Endpoint: endpoint,
		Control:  control,
		Payload:  append([]byte{}, payload...),
	}
	return frame, data[7+length:], nil
}

// Unnumbered is the sub-frame carried by unnumbered transport frames.
type Unnumbered struct {
	CommandID byte
	Seq       byte
	Payload   []byte
}

// Serialize emits [command, seq, length16, payload].
func (u Unnumbered) Serialize() []byte {
	out := make([]byte, 0, 4+len(u.Payload))
	out = append(out, u.CommandID, u.Seq, byte(len(u.Payload)), byte(len(u.Payload)>>8))
	return append(out, u.Payload...)
}

// parseUnnumbered decodes an unnumbered sub-frame.
func parseUnnumbered(data []byte) (*Unnumbered, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: unnumbered frame too short", ErrBadFrame)
	}
	length := int(binary.LittleEndian.Uint16(data[2:4]))
	if len(data) < 4+length {
		return nil, fmt.Errorf("%w: unnumbered frame truncated", ErrBadFrame)
	}
	if len(data) > 4+length {
		return nil, fmt.Errorf("%w: trailing bytes in unnumbered frame", ErrBadFrame)
	}
	return &Unnumbered{
		CommandID: data[0],
		Seq:       data[1],
		Payload:   append([]byte{}, data[4:4+length]...),
	}, nil
}

// PropertyPayload builds a property command payload: a 16-bit
// little-endian property ID followed by the value.
func PropertyPayload(prop uint16, value []byte) []byte {
	out := make([]byte, 0, 2+len(value))
	out = append(out, byte(prop), byte(prop>>8))
	return append(out, value...)
}

// ParseProperty splits a property command payload.
func ParseProperty(data []byte) (prop uint16, value []byte, err error) {
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("%w: property payload too short", ErrBadFrame)
	}
	return binary.LittleEndian.Uint16(data[:2]), data[2:], nil
}

// Decoder incrementally extracts CPC frames from a byte stream,
// resynchronizing on the next flag after garbage. It watches dropped
// bytes for ASH/HDLC flags so a probe can bail out early when the
// device is speaking a different protocol.
type Decoder struct {
	buf          []byte
	foreignFlags int
}

// Feed appends raw bytes from the transport.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next returns the next complete frame, or (nil, nil) when more input
// is needed. ErrForeignTraffic is returned once enough non-CPC framing
// bytes have been discarded.
func (d *Decoder) Next() (*Frame, error) {
	for {
		frame, rest, err := parseFrame(d.buf)
		if err == nil {
			d.buf = rest
			return frame, nil
		}
		if errors.Is(err, errShortBuffer) {
			return nil, nil
		}

		// Resync: drop up to the next flag byte.
		next := indexByteFrom(d.buf, 1, Flag)
		var dropped []byte
		if next == -1 {
			dropped = d.buf
			d.buf = nil
		} else {
			dropped = d.buf[:next]
			d.buf = d.buf[next:]
		}

		for _, b := range dropped {
			if b == 0x7E {
				d.foreignFlags++
			}
		}
		if d.foreignFlags >= 4 {
			return nil, ErrForeignTraffic
		}
		if next == -1 {
			return nil, nil
		}
	}
}

func indexByteFrom(data []byte, start int, b byte) int {
	for i := start; i < len(data); i++ {
		if data[i] == b {
			return i
		}
	}
	return -1
}

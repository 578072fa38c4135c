package spinel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NabuCasa/universal-silabs-flasher/internal/firmware"
	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

// Command IDs, encoded as packed unsigned integers on the wire.
const (
	CmdNoop         = 0
	CmdReset        = 1
	CmdPropValueGet = 2
	CmdPropValueSet = 3
	CmdPropValueIs  = 6
)

// Property IDs.
const (
	PropLastStatus      = 0
	PropProtocolVersion = 1
	PropNCPVersion      = 2
	PropInterfaceType   = 3
	PropCaps            = 5
)

// Reset reasons.
const (
	ResetPlatform   = 1
	ResetStack      = 2
	ResetBootloader = 3
)

const (
	// headerFlag marks bits 7..6 of every Spinel header.
	headerFlag = 0x80

	commandTimeout = time.Second
	commandRetries = 3
)

// ErrNoResponse indicates the NCP never answered a command.
var ErrNoResponse = errors.New("no response from Spinel NCP")

// PackUint encodes n as a Spinel packed unsigned integer: seven bits
// per octet, least significant first, high bit set on all but the
// last octet.
func PackUint(n uint32) []byte {
	if n == 0 {
		return []byte{0}
	}
	var out []byte
	for n > 0 {
		b := byte(n & 0x7F)
		n >>= 7
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

// UnpackUint decodes a packed unsigned integer from the front of data.
func UnpackUint(data []byte) (uint32, []byte, error) {
	var n uint32
	for i, b := range data {
		if i >= 4 {
			return 0, nil, fmt.Errorf("%w: packed integer too long", ErrBadFrame)
		}
		n |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return n, data[i+1:], nil
		}
	}
	return 0, nil, fmt.Errorf("%w: truncated packed integer", ErrBadFrame)
}

// Frame is a decoded Spinel frame.
type Frame struct {
	TID     byte
	Command uint32
	Payload []byte
}

// Serialize emits header, packed command and payload.
func (f Frame) Serialize() []byte {
	out := []byte{headerFlag | (f.TID & 0x0F)}
	out = append(out, PackUint(f.Command)...)
	return append(out, f.Payload...)
}

// parseSpinel decodes a frame from an unframed HDLC payload.
func parseSpinel(data []byte) (*Frame, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: too short", ErrBadFrame)
	}
	header := data[0]
	if header&0xC0 != headerFlag {
		return nil, fmt.Errorf("%w: invalid header 0x%02X", ErrBadFrame, header)
	}

	command, rest, err := UnpackUint(data[1:])
	if err != nil {
		return nil, err
	}
	return &Frame{
		TID:     header & 0x0F,
		Command: command,
		Payload: rest,
	}, nil
}

// Session drives Spinel commands over HDLC-lite framing.
type Session struct {
	t   transport.Transport
	dec hdlcDecoder
	tid byte
}

// NewSession wraps a transport in a Spinel session.
func NewSession(t transport.Transport) *Session {
	return &Session{t: t}
}

// nextTID cycles through transaction IDs 1..15; zero is reserved for
// unsolicited frames.
func (s *Session) nextTID() byte {
	s.tid = (s.tid % 15) + 1
	return s.tid
}

// Probe reads PROP_NCP_VERSION, identifying a Spinel application and
// its version.
func (s *Session) Probe() (firmware.Version, error) {
	version, err := s.NCPVersion()
	if err != nil {
		return firmware.Version{}, err
	}

	// "SL-OPENTHREAD/2.2.2.0_GitHub-91fa1f455; EFR32; Mar 14 2023" —
	// strip the unstable date code after the first semicolon.
	short, _, _ := strings.Cut(version, ";")

	// And the project prefix before the slash.
	if _, after, found := strings.Cut(short, "/"); found {
		short = after
	}
	return firmware.ParseVersion(strings.TrimSpace(short))
}

// NCPVersion returns the raw NCP version string.
func (s *Session) NCPVersion() (string, error) {
	payload, err := s.getProperty(PropNCPVersion)
	if err != nil {
		return "", err
	}
	return string(trimNul(payload)), nil
}

// Caps returns the NCP's capability list.
func (s *Session) Caps() ([]uint32, error) {
	payload, err := s.getProperty(PropCaps)
	if err != nil {
		return nil, err
	}

	var caps []uint32
	for len(payload) > 0 {
		c, rest, err := UnpackUint(payload)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
		payload = rest
	}
	return caps, nil
}

// EnterBootloader asks the NCP to reboot into the Gecko bootloader.
// No response is expected; the link drops.
func (s *Session) EnterBootloader() error {
	frame := Frame{
		TID:     s.nextTID(),
		Command: CmdReset,
		Payload: []byte{ResetBootloader},
	}
	if _, err := s.t.Write(hdlcEncode(frame.Serialize())); err != nil {
		return fmt.Errorf("failed to send reset: %w", err)
	}
	return nil
}

// getProperty issues PROP_VALUE_GET and returns the property value.
func (s *Session) getProperty(prop uint32) ([]byte, error) {
	rsp, err := s.request(CmdPropValueGet, PackUint(prop))
	if err != nil {
		return nil, err
	}

	gotProp, value, err := UnpackUint(rsp.Payload)
	if err != nil {
		return nil, err
	}
	if gotProp != prop {
		return nil, fmt.Errorf("%w: got property %d, want %d", ErrBadFrame, gotProp, prop)
	}
	return value, nil
}

// request sends one command and waits for the response with a
// matching transaction ID, retrying on timeout.
func (s *Session) request(command uint32, payload []byte) (*Frame, error) {
	tid := s.nextTID()
	wire := hdlcEncode(Frame{TID: tid, Command: command, Payload: payload}.Serialize())

	for attempt := 0; attempt <= commandRetries; attempt++ {
		if _, err := s.t.Write(wire); err != nil {
			return nil, fmt.Errorf("failed to send Spinel frame: %w", err)
		}

		rsp, err := s.awaitResponse(tid, time.Now().Add(commandTimeout))
		if err == nil {
			return rsp, nil
		}
		if !errors.Is(err, transport.ErrTimeout) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: command %d unanswered after %d attempts",
		ErrNoResponse, command, commandRetries+1)
}

func (s *Session) awaitResponse(tid byte, deadline time.Time) (*Frame, error) {
	chunk := make([]byte, 256)

	for {
		payload, err := s.dec.Next()
		if err != nil {
			// A corrupt frame; resync and keep reading.
			continue
		}
		if payload != nil {
			frame, err := parseSpinel(payload)
			if err != nil {
				continue
			}
			if frame.TID != tid {
				// Unsolicited (TID 0) or stale; drop it.
				continue
			}
			return frame, nil
		}

		if !time.Now().Before(deadline) {
			return nil, transport.ErrTimeout
		}
		n, err := s.t.ReadWithDeadline(chunk, deadline)
		if n > 0 {
			s.dec.Feed(chunk[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

func trimNul(data []byte) []byte {
	for i, b := range data {
		if b == 0 {
			return data[:i]
		}
	}
	return data
}

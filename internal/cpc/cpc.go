package cpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/NabuCasa/universal-silabs-flasher/internal/firmware"
	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

const (
	// commandTimeout bounds one request-response exchange.
	commandTimeout = time.Second
	// commandRetries is how many times an unanswered command is
	// resent.
	commandRetries = 3
)

// ErrNoResponse indicates the secondary never answered a command.
var ErrNoResponse = errors.New("no response from CPC secondary")

// Session drives unnumbered CPC commands on the system endpoint.
type Session struct {
	t   transport.Transport
	dec Decoder
	seq byte
}

// NewSession wraps a transport in a CPC session.
func NewSession(t transport.Transport) *Session {
	return &Session{t: t}
}

// Probe reads the secondary CPC version, identifying a CPC
// application.
func (s *Session) Probe() (firmware.Version, error) {
	return s.GetCPCVersion()
}

// GetCPCVersion reads PropSecondaryCPCVersion: three little-endian
// 32-bit components.
func (s *Session) GetCPCVersion() (firmware.Version, error) {
	rsp, err := s.request(CmdPropGet, PropertyPayload(PropSecondaryCPCVersion, nil))
	if err != nil {
		return firmware.Version{}, err
	}

	prop, value, err := ParseProperty(rsp.Payload)
	if err != nil {
		return firmware.Version{}, err
	}
	if prop != PropSecondaryCPCVersion {
		return firmware.Version{}, fmt.Errorf("%w: unexpected property 0x%04X", ErrBadFrame, prop)
	}
	if len(value) != 12 {
		return firmware.Version{}, fmt.Errorf("%w: version payload is %d bytes, expected 12", ErrBadFrame, len(value))
	}

	major := binary.LittleEndian.Uint32(value[0:4])
	minor := binary.LittleEndian.Uint32(value[4:8])
	patch := binary.LittleEndian.Uint32(value[8:12])
	return firmware.ParseVersion(fmt.Sprintf("%d.%d.%d", major, minor, patch))
}

// GetSecondaryAppVersion reads the NUL-terminated application version
// string, available on newer secondaries.
func (s *Session) GetSecondaryAppVersion() (firmware.Version, error) {
	rsp, err := s.request(CmdPropGet, PropertyPayload(PropSecondaryAppVersion, nil))
	if err != nil {
		return firmware.Version{}, err
	}

	_, value, err := ParseProperty(rsp.Payload)
	if err != nil {
		return firmware.Version{}, err
	}
	for i, b := range value {
		if b == 0 {
			value = value[:i]
			break
		}
	}
	return firmware.ParseVersion(string(value))
}

// EnterBootloader arms the bootloader reboot mode and resets the
// secondary. The link drops once the reset is acknowledged.
func (s *Session) EnterBootloader() error {
	var mode [4]byte
	binary.LittleEndian.PutUint32(mode[:], RebootBootloader)

	if _, err := s.request(CmdPropSet, PropertyPayload(PropBootloaderRebootMode, mode[:])); err != nil {
		return fmt.Errorf("failed to arm bootloader reboot: %w", err)
	}

	if _, err := s.request(CmdReset, nil); err != nil {
		return fmt.Errorf("failed to reset secondary: %w", err)
	}
	return nil
}

// request sends one unnumbered command on the system endpoint and
// waits for the matching response, retrying on timeout.
func (s *Session) request(commandID byte, payload []byte) (*Unnumbered, error) {
	seq := s.seq
	s.seq++

	frame := Frame{
		Endpoint: EndpointSystem,
		Control:  unnumberedControl(),
		Payload: Unnumbered{
			CommandID: commandID,
			Seq:       seq,
			Payload:   payload,
		}.Serialize(),
	}
	wire := frame.Serialize()

	for attempt := 0; attempt <= commandRetries; attempt++ {
		if _, err := s.t.Write(wire); err != nil {
			return nil, fmt.Errorf("failed to send CPC frame: %w", err)
		}

		rsp, err := s.awaitResponse(seq, time.Now().Add(commandTimeout))
		if err == nil {
			return rsp, nil
		}
		if !errors.Is(err, transport.ErrTimeout) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: command 0x%02X unanswered after %d attempts",
		ErrNoResponse, commandID, commandRetries+1)
}

func (s *Session) awaitResponse(seq byte, deadline time.Time) (*Unnumbered, error) {
	chunk := make([]byte, 256)

	for {
		frame, err := s.dec.Next()
		if err != nil {
			return nil, err
		}
		if frame != nil {
			if !frame.IsUnnumberedPollFinal() {
				continue
			}
			sub, err := parseUnnumbered(frame.Payload)
			if err != nil {
				continue
			}
			if sub.Seq != seq {
				// Unsolicited or stale; drop it.
				continue
			}
			return sub, nil
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

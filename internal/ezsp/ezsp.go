// Package ezsp implements the small slice of the EmberZNet Serial
// Protocol the flasher needs: protocol version negotiation, board
// info, manufacturing token access and rebooting into the Gecko
// bootloader.
package ezsp

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NabuCasa/universal-silabs-flasher/internal/ash"
	"github.com/NabuCasa/universal-silabs-flasher/internal/firmware"
	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

// Frame IDs. Protocol v8 widened frame IDs to 16 bits but kept the
// values the flasher uses.
const (
	FrameVersion                    = 0x00
	FrameGetMfgToken                = 0x0B
	FrameSetMfgToken                = 0x0C
	FrameGetEui64                   = 0x26
	FrameLaunchStandaloneBootloader = 0x8F
)

// Manufacturing token IDs.
const (
	MfgTokenString      = 0x01
	MfgTokenBoardName   = 0x02
	MfgTokenCustomEui64 = 0x09
)

// Ember status codes.
const (
	EmberSuccess = 0x00
)

const (
	// MinProtocolVersion is the legacy version every NCP understands
	// for the initial negotiation exchange.
	MinProtocolVersion = 4

	responseTimeout = 3 * time.Second
)

// ErrCommandFailed indicates the NCP rejected a command.
var ErrCommandFailed = errors.New("EZSP command failed")

// Client drives EZSP over an ASH session.
type Client struct {
	session *ash.Session
	seq     byte

	// protocolVersion is the negotiated EZSP protocol version; zero
	// until Connect succeeds.
	protocolVersion byte
}

// NewClient wraps a transport in an ASH session and EZSP client.
// Connect must be called before any command.
func NewClient(t transport.Transport) *Client {
	return &Client{session: ash.NewSession(t)}
}

// Connect resets the ASH link and negotiates the EZSP protocol
// version: the version command is first sent with the legacy version
// and, if the NCP speaks something newer, re-sent at the negotiated
// version using the matching frame format.
func (c *Client) Connect() error {
	return c.connect(c.session.Connect)
}

// ConnectWithTimeout connects with a caller-supplied ASH reset
// timeout, e.g. the short deadline used while probing.
func (c *Client) ConnectWithTimeout(timeout time.Duration, attempts int) error {
	return c.connect(func() error {
		return c.session.ConnectWithTimeout(timeout, attempts)
	})
}

func (c *Client) connect(reset func() error) error {
	if err := reset(); err != nil {
		return err
	}

	version, _, _, err := c.getVersion(MinProtocolVersion)
	if err != nil {
		return err
	}
	c.protocolVersion = MinProtocolVersion

	if version != MinProtocolVersion {
		c.protocolVersion = version
		if _, _, _, err := c.getVersion(version); err != nil {
			return err
		}
	}
	return nil
}

// ProtocolVersion returns the negotiated EZSP protocol version.
func (c *Client) ProtocolVersion() byte { return c.protocolVersion }

func (c *Client) getVersion(desired byte) (version, stackType byte, stackVersion uint16, err error) {
	params, err := c.commandWithVersion(desired, FrameVersion, []byte{desired})
	if err != nil {
		return 0, 0, 0, err
	}
	if len(params) < 4 {
		return 0, 0, 0, fmt.Errorf("%w: short version response (%d bytes)", ErrCommandFailed, len(params))
	}
	return params[0], params[1], uint16(params[2]) | uint16(params[3])<<8, nil
}

// StackInfo returns the NCP's stack type and encoded stack version.
func (c *Client) StackInfo() (stackType byte, stackVersion uint16, err error) {
	_, stackType, stackVersion, err = c.getVersion(c.protocolVersion)
	return stackType, stackVersion, err
}

// GetMfgToken reads a manufacturing token.
func (c *Client) GetMfgToken(token byte) ([]byte, error) {
	params, err := c.command(FrameGetMfgToken, []byte{token})
	if err != nil {
		return nil, err
	}
	if len(params) < 1 || int(params[0]) > len(params)-1 {
		return nil, fmt.Errorf("%w: malformed getMfgToken response", ErrCommandFailed)
	}
	return params[1 : 1+params[0]], nil
}

// SetMfgToken writes a manufacturing token. Most tokens are
// write-once.
func (c *Client) SetMfgToken(token byte, value []byte) error {
	payload := append([]byte{token, byte(len(value))}, value...)
	params, err := c.command(FrameSetMfgToken, payload)
	if err != nil {
		return err
	}
	if len(params) < 1 || params[0] != EmberSuccess {
		return fmt.Errorf("%w: setMfgToken status 0x%02X", ErrCommandFailed, statusByte(params))
	}
	return nil
}

// GetEui64 reads the NCP's IEEE address (little-endian on the wire).
func (c *Client) GetEui64() ([8]byte, error) {
	var eui [8]byte
	params, err := c.command(FrameGetEui64, nil)
	if err != nil {
		return eui, err
	}
	if len(params) < 8 {
		return eui, fmt.Errorf("%w: short getEui64 response", ErrCommandFailed)
	}
	copy(eui[:], params[:8])
	return eui, nil
}

// CanWriteCustomEui64 reports whether the custom EUI-64 token is still
// erased. The token is one-time programmable: once written it can
// never be changed.
func (c *Client) CanWriteCustomEui64() (bool, error) {
	token, err := c.GetMfgToken(MfgTokenCustomEui64)
	if err != nil {
		return false, err
	}
	return bytes.Equal(token, bytes.Repeat([]byte{0xFF}, len(token))), nil
}

// BoardInfo reads the manufacturing string and parses it as the
// application version. "7.1.3.0 GA" reports as 7.1.3.0 and
// "4.1.3 build 0" as 4.1.3.0.
func (c *Client) BoardInfo() (firmware.Version, error) {
	raw, err := c.GetMfgToken(MfgTokenString)
	if err != nil {
		return firmware.Version{}, err
	}

	str := string(bytes.TrimRight(raw, "\x00"))
	str = strings.ReplaceAll(str, " build ", ".")
	if fields := strings.Fields(str); len(fields) > 0 {
		str = fields[0]
	}

	version, err := firmware.ParseVersion(str)
	if err != nil {
		return firmware.Version{}, fmt.Errorf("unparseable MFG_STRING %q: %w", str, err)
	}
	return version, nil
}

// LaunchStandaloneBootloader reboots the NCP into the Gecko
// bootloader. The link drops immediately on success.
func (c *Client) LaunchStandaloneBootloader() error {
	params, err := c.command(FrameLaunchStandaloneBootloader, []byte{0x01})
	if err != nil {
		return err
	}
	if len(params) < 1 || params[0] != EmberSuccess {
		return fmt.Errorf("%w: launchStandaloneBootloader status 0x%02X", ErrCommandFailed, statusByte(params))
	}
	return nil
}

// command sends an EZSP command at the negotiated protocol version and
// returns the response parameters.
func (c *Client) command(frameID uint16, params []byte) ([]byte, error) {
	return c.commandWithVersion(c.protocolVersion, frameID, params)
}

// commandWithVersion frames a command for the given protocol version.
// Versions below 8 use a single-byte frame control and frame ID;
// version 8 and later use a two-byte frame control and a 16-bit
// little-endian frame ID.
func (c *Client) commandWithVersion(version byte, frameID uint16, params []byte) ([]byte, error) {
	seq := c.seq
	c.seq++

	var frame []byte
	if version >= 8 {
		frame = append([]byte{seq, 0x00, 0x01, byte(frameID), byte(frameID >> 8)}, params...)
	} else {
		frame = append([]byte{seq, 0x00, byte(frameID)}, params...)
	}

	if err := c.session.Send(frame); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(responseTimeout)
	for {
		response, err := c.session.Receive(deadline)
		if err != nil {
			return nil, err
		}

		gotSeq, gotID, gotParams, err := parseResponse(version, response)
		if err != nil {
			return nil, err
		}
		if gotSeq != seq || gotID != frameID {
			// Unsolicited callback or stale response; drop it.
			continue
		}
		return gotParams, nil
	}
}

func parseResponse(version byte, data []byte) (seq byte, frameID uint16, params []byte, err error) {
	if version >= 8 {
		if len(data) < 5 {
			return 0, 0, nil, fmt.Errorf("%w: short response frame", ErrCommandFailed)
		}
		return data[0], uint16(data[3]) | uint16(data[4])<<8, data[5:], nil
	}
	if len(data) < 3 {
		return 0, 0, nil, fmt.Errorf("%w: short response frame", ErrCommandFailed)
	}
	return data[0], uint16(data[2]), data[3:], nil
}

func statusByte(params []byte) byte {
	if len(params) > 0 {
		return params[0]
	}
	return 0xFF
}

// Package spinel implements the slice of OpenThread's Spinel protocol
// the flasher needs: HDLC-lite framed property get/set, NCP version
// discovery and rebooting into the Gecko bootloader.
package spinel

import (
	"errors"
	"fmt"

	"github.com/NabuCasa/universal-silabs-flasher/internal/crc"
)

// HDLC-lite special bytes.
const (
	hdlcFlag   = 0x7E
	hdlcEscape = 0x7D
	hdlcXON    = 0x11
	hdlcXOFF   = 0x13
	hdlcVendor = 0xF8
)

const hdlcEscapeXor = 0x20

var hdlcCRC = crc.NewKermit()

// ErrBadFrame indicates an HDLC or Spinel frame failed to decode.
var ErrBadFrame = errors.New("bad Spinel frame")

func hdlcReserved(b byte) bool {
	switch b {
	case hdlcFlag, hdlcEscape, hdlcXON, hdlcXOFF, hdlcVendor:
		return true
	}
	return false
}

// hdlcEncode wraps data in an HDLC-lite frame: flag, escaped payload
// with a trailing little-endian CRC, flag.
func hdlcEncode(data []byte) []byte {
	sum := hdlcCRC.Checksum(data)
	payload := append(append([]byte{}, data...), byte(sum), byte(sum>>8))

	out := make([]byte, 0, len(payload)+4)
	out = append(out, hdlcFlag)
	for _, b := range payload {
		if hdlcReserved(b) {
			out = append(out, hdlcEscape, b^hdlcEscapeXor)
		} else {
			out = append(out, b)
		}
	}
	return append(out, hdlcFlag)
}

// hdlcDecode unescapes a frame body (flags stripped) and verifies the
// trailing CRC.
func hdlcDecode(body []byte) ([]byte, error) {
	unescaped := make([]byte, 0, len(body))
	escaped := false

	for _, b := range body {
		if escaped {
			b ^= hdlcEscapeXor
			if !hdlcReserved(b) {
				return nil, fmt.Errorf("%w: invalid escaped byte 0x%02X", ErrBadFrame, b)
			}
			unescaped = append(unescaped, b)
			escaped = false
			continue
		}
		if b == hdlcEscape {
			escaped = true
			continue
		}
		unescaped = append(unescaped, b)
	}
	if escaped {
		return nil, fmt.Errorf("%w: trailing escape byte", ErrBadFrame)
	}
	if len(unescaped) < 2 {
		return nil, fmt.Errorf("%w: frame too short", ErrBadFrame)
	}

	data := unescaped[:len(unescaped)-2]
	wire := uint16(unescaped[len(unescaped)-2]) | uint16(unescaped[len(unescaped)-1])<<8
	if sum := hdlcCRC.Checksum(data); sum != wire {
		return nil, fmt.Errorf("%w: CRC mismatch (computed 0x%04X, wire 0x%04X)", ErrBadFrame, sum, wire)
	}
	return data, nil
}

// hdlcDecoder incrementally splits a byte stream on flag bytes.
// Inter-frame bytes outside flag pairs and empty frames are ignored.
type hdlcDecoder struct {
	buf []byte
}

func (d *hdlcDecoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next returns the next decoded frame payload, nil when more input is
// needed, or ErrBadFrame for a corrupt frame (the stream resyncs on
// the following flag).
func (d *hdlcDecoder) Next() ([]byte, error) {
	for {
		start := -1
		for i, b := range d.buf {
			if b == hdlcFlag {
				start = i
				break
			}
		}
		if start == -1 {
			d.buf = nil
			return nil, nil
		}

		end := -1
		for i := start + 1; i < len(d.buf); i++ {
			if d.buf[i] == hdlcFlag {
				end = i
				break
			}
		}
		if end == -1 {
			d.buf = d.buf[start:]
			return nil, nil
		}

		body := append([]byte{}, d.buf[start+1:end]...)
		// The closing flag doubles as the next frame's opener;
		// consecutive flags produce empty bodies which we skip.
		d.buf = d.buf[end:]
		if len(body) == 0 {
			continue
		}
		return hdlcDecode(body)
	}
}

// Package bootloader drives the Gecko bootloader's serial menu and
// uploads GBL images over XMODEM-CRC.
package bootloader

import (
	"errors"
	"fmt"
	"time"

	"github.com/NabuCasa/universal-silabs-flasher/internal/crc"
	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

// XMODEM control bytes.
const (
	SOH = 0x01
	EOT = 0x04
	ACK = 0x06
	NAK = 0x15
	CAN = 0x18
	Crc = 0x43 // ASCII 'C', the receiver's CRC-mode handshake
)

// BlockSize is the XMODEM-128 data block size.
const BlockSize = 128

// PadByte fills the tail of the final block.
const PadByte = 0x1A

const (
	// handshakeTimeout bounds the wait for the receiver's first 'C'.
	handshakeTimeout = 60 * time.Second
	// blockAckTimeout bounds the wait for each block's ACK.
	blockAckTimeout = 2 * time.Second
	// blockRetries is how many times one block is retransmitted.
	blockRetries = 10
)

var (
	// ErrXmodemFailed indicates the transfer could not complete.
	ErrXmodemFailed = errors.New("XMODEM transfer failed")
	// ErrReceiverCancelled indicates the receiver aborted with CAN.
	ErrReceiverCancelled = errors.New("receiver cancelled the XMODEM transfer")
)

// ProgressFunc is called with the 1-based index of each acknowledged
// block and the total block count.
type ProgressFunc func(block, total int)

var xmodemCRC = crc.NewCCITT(0x0000)

// EncodeBlock builds one XMODEM-CRC packet: SOH, block number and its
// complement, 128 data bytes and a big-endian CRC-16. Block numbers
// start at 1 and wrap modulo 256.
func EncodeBlock(number byte, payload []byte) []byte {
	if len(payload) != BlockSize {
		panic(fmt.Sprintf("xmodem block must be %d bytes, got %d", BlockSize, len(payload)))
	}

	out := make([]byte, 0, BlockSize+5)
	out = append(out, SOH, number, 0xFF-number)
	out = append(out, payload...)

	sum := xmodemCRC.Checksum(payload)
	return append(out, byte(sum>>8), byte(sum))
}

// Pad extends data to a multiple of the block size with the XMODEM
// padding byte.
func Pad(data []byte) []byte {
	if len(data)%BlockSize == 0 {
		return data
	}
	padded := make([]byte, ((len(data)/BlockSize)+1)*BlockSize)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = PadByte
	}
	return padded
}

// Send streams data to an XMODEM-CRC receiver over t. The data is
// padded to a whole number of blocks. Once the first block has been
// acknowledged the transfer must run to completion or failure; it is
// not safely cancellable.
func Send(t transport.Transport, data []byte, progress ProgressFunc) error {
	data = Pad(data)
	total := len(data) / BlockSize

	if err := awaitHandshake(t); err != nil {
		return err
	}

	for index := 0; index < total; index++ {
		number := byte((index + 1) & 0xFF)
		block := EncodeBlock(number, data[BlockSize*index:BlockSize*(index+1)])

		if err := sendWithRetries(t, block, index+1); err != nil {
			return err
		}
		if progress != nil {
			progress(index+1, total)
		}
	}

	return sendWithRetries(t, []byte{EOT}, total)
}

// awaitHandshake drains input until the receiver's first 'C'.
func awaitHandshake(t transport.Transport) error {
	deadline := time.Now().Add(handshakeTimeout)
	buf := make([]byte, 64)

	for {
		n, err := t.ReadWithDeadline(buf, deadline)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				return fmt.Errorf("%w: receiver never sent the CRC handshake", ErrXmodemFailed)
			}
			return err
		}
		for _, b := range buf[:n] {
			if b == Crc {
				// Any queued duplicate handshake bytes are stale now.
				if err := t.ResetInput(); err != nil {
					return err
				}
				return nil
			}
		}
	}
}

// sendWithRetries transmits one packet until the receiver ACKs it.
// NAK retransmits, two consecutive CANs abort.
func sendWithRetries(t transport.Transport, packet []byte, blockNum int) error {
	cancels := 0

	for attempt := 0; attempt <= blockRetries; attempt++ {
		if _, err := t.Write(packet); err != nil {
			return fmt.Errorf("failed to send block %d: %w", blockNum, err)
		}

		rsp, err := readResponseByte(t, time.Now().Add(blockAckTimeout))
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return err
		}

		switch rsp {
		case ACK:
			return nil
		case NAK:
			cancels = 0
		case CAN:
			cancels++
			if cancels >= 2 {
				return fmt.Errorf("%w at block %d", ErrReceiverCancelled, blockNum)
			}
		case Crc:
			// A straggling handshake byte; ignore it.
			attempt--
		default:
			return fmt.Errorf("%w: unexpected response 0x%02X at block %d", ErrXmodemFailed, rsp, blockNum)
		}
	}

	return fmt.Errorf("%w: block %d not acknowledged after %d attempts", ErrXmodemFailed, blockNum, blockRetries+1)
}

func readResponseByte(t transport.Transport, deadline time.Time) (byte, error) {
	buf := make([]byte, 1)
	for {
		n, err := t.ReadWithDeadline(buf, deadline)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return buf[0], nil
		}
	}
}

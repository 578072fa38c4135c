package bootloader

import (
	"bytes"
	"errors"
	"testing"

	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

func TestEncodeBlock_Format(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAA}, BlockSize)
	block := EncodeBlock(1, payload)

	if len(block) != BlockSize+5 {
		t.Fatalf("block length = %d, want %d", len(block), BlockSize+5)
	}
	if block[0] != SOH {
		t.Errorf("block[0] = 0x%02X, want SOH", block[0])
	}
	if block[1] != 1 || block[2] != 0xFE {
		t.Errorf("block number bytes = %02X %02X, want 01 FE", block[1], block[2])
	}
	if !bytes.Equal(block[3:3+BlockSize], payload) {
		t.Error("payload corrupted")
	}

	// CRC-16 with init 0 over the data, big-endian, gives zero
	// residue over data+CRC.
	sum := xmodemCRC.Checksum(block[3:])
	if sum != 0 {
		t.Errorf("CRC residue = 0x%04X, want 0", sum)
	}
}

func TestEncodeBlock_NumberWraps(t *testing.T) {
	payload := make([]byte, BlockSize)
	block := EncodeBlock(0, payload) // block 256 wraps to 0
	if block[1] != 0x00 || block[2] != 0xFF {
		t.Errorf("wrapped block number bytes = %02X %02X, want 00 FF", block[1], block[2])
	}
}

func TestPad(t *testing.T) {
	padded := Pad(bytes.Repeat([]byte{0x01}, 130))
	if len(padded) != 2*BlockSize {
		t.Fatalf("padded length = %d, want %d", len(padded), 2*BlockSize)
	}
	if padded[130] != PadByte || padded[len(padded)-1] != PadByte {
		t.Error("padding bytes are not 0x1A")
	}

	exact := bytes.Repeat([]byte{0x02}, BlockSize)
	if len(Pad(exact)) != BlockSize {
		t.Error("exact multiple should not be padded")
	}
}

func TestSend_ThreeBlocks(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 3*BlockSize)

	mock := transport.NewMock(115200,
		transport.Step{Expect: EncodeBlock(1, data[0:128]), Reply: []byte{ACK}},
		transport.Step{Expect: EncodeBlock(2, data[128:256]), Reply: []byte{ACK}},
		transport.Step{Expect: EncodeBlock(3, data[256:384]), Reply: []byte{ACK}},
		transport.Step{Expect: []byte{EOT}, Reply: []byte{ACK}},
	)
	mock.Preload([]byte{Crc})

	var progress [][2]int
	err := Send(mock, data, func(block, total int) {
		progress = append(progress, [2]int{block, total})
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}
	if left := mock.UnconsumedSteps(); len(left) != 0 {
		t.Errorf("%d scripted steps never ran", len(left))
	}
}

func TestSend_PadsFinalBlock(t *testing.T) {
	data := bytes.Repeat([]byte{0x11}, 100)
	expected := append(append([]byte{}, data...), bytes.Repeat([]byte{PadByte}, 28)...)

	mock := transport.NewMock(115200,
		transport.Step{Expect: EncodeBlock(1, expected), Reply: []byte{ACK}},
		transport.Step{Expect: []byte{EOT}, Reply: []byte{ACK}},
	)
	mock.Preload([]byte{Crc})

	if err := Send(mock, data, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if left := mock.UnconsumedSteps(); len(left) != 0 {
		t.Errorf("%d scripted steps never ran", len(left))
	}
}

func TestSend_RetransmitOnNak(t *testing.T) {
	data := bytes.Repeat([]byte{0x33}, BlockSize)
	block := EncodeBlock(1, data)

	mock := transport.NewMock(115200,
		transport.Step{Expect: block, Reply: []byte{NAK}},
		transport.Step{Expect: block, Reply: []byte{ACK}},
		transport.Step{Expect: []byte{EOT}, Reply: []byte{ACK}},
	)
	mock.Preload([]byte{Crc})

	if err := Send(mock, data, nil); err != nil {
		t.Fatalf("Send after NAK: %v", err)
	}
	if left := mock.UnconsumedSteps(); len(left) != 0 {
		t.Errorf("%d scripted steps never ran", len(left))
	}
}

func TestSend_DoubleCancelAborts(t *testing.T) {
	data := bytes.Repeat([]byte{0x33}, BlockSize)
	block := EncodeBlock(1, data)

	mock := transport.NewMock(115200,
		transport.Step{Expect: block, Reply: []byte{CAN}},
		transport.Step{Expect: block, Reply: []byte{CAN}},
	)
	mock.Preload([]byte{Crc})

	err := Send(mock, data, nil)
	if !errors.Is(err, ErrReceiverCancelled) {
		t.Fatalf("Send = %v, want ErrReceiverCancelled", err)
	}
}

func TestSend_NoHandshake(t *testing.T) {
	mock := transport.NewMock(115200)

	err := Send(mock, make([]byte, BlockSize), nil)
	if !errors.Is(err, ErrXmodemFailed) {
		t.Fatalf("Send = %v, want ErrXmodemFailed", err)
	}
	if len(mock.Writes()) != 0 {
		t.Error("no blocks should be sent without a handshake")
	}
}

package ash

import (
	"bytes"
	"testing"
)

func TestRandomize_KnownSequence(t *testing.T) {
	// XORing zeros exposes the raw pseudo-random sequence, which must
	// start 0x42 0x21 0xA8 0x54 0x2A.
	data := make([]byte, 5)
	Randomize(data)
	expected := []byte{0x42, 0x21, 0xA8, 0x54, 0x2A}
	if !bytes.Equal(data, expected) {
		t.Errorf("Randomize(zeros) = %X, want %X", data, expected)
	}
}

func TestRandomize_SelfInverse(t *testing.T) {
	original := []byte{0x00, 0x01, 0x7E, 0x7D, 0xFF, 0x42}
	data := append([]byte{}, original...)
	Randomize(data)
	Randomize(data)
	if !bytes.Equal(data, original) {
		t.Errorf("Randomize applied twice = %X, want %X", data, original)
	}
}

func TestStuff_ReservedBytes(t *testing.T) {
	stuffed := Stuff([]byte{0x7E, 0x11, 0x13, 0x18, 0x1A, 0x7D})
	expected := []byte{
		0x7D, 0x5E, // 0x7E
		0x7D, 0x31, // 0x11
		0x7D, 0x33, // 0x13
		0x7D, 0x38, // 0x18
		0x7D, 0x3A, // 0x1A
		0x7D, 0x5D, // 0x7D
		Flag,
	}
	if !bytes.Equal(stuffed, expected) {
		t.Errorf("Stuff = %X, want %X", stuffed, expected)
	}
}

func TestStuffUnstuff_RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x7E, 0x7D, 0x11, 0x13, 0x18, 0x1A},
		{0x01, 0x02, 0x03, 0xFF},
		bytes.Repeat([]byte{0x7E}, 64),
	}
	for i, data := range cases {
		stuffed := Stuff(data)
		body := stuffed[:len(stuffed)-1] // strip the flag
		out, err := Unstuff(body)
		if err != nil {
			t.Fatalf("case %d: Unstuff: %v", i, err)
		}
		if !bytes.Equal(out, data) {
			t.Errorf("case %d: round trip = %X, want %X", i, out, data)
		}
	}
}

func TestUnstuff_TrailingEscape(t *testing.T) {
	if _, err := Unstuff([]byte{0x01, Escape}); err == nil {
		t.Error("Unstuff with trailing escape should fail")
	}
}

func TestEncodeParse_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x00, 0x00, 0x00, 0x04}, // EZSP version command
		{0x7E, 0x7D, 0x11, 0x13, 0x18, 0x1A},
		bytes.Repeat([]byte{0xAA}, 128),
	}

	for i, payload := range payloads {
		wire := Encode(DataFrame(2, 5, false, payload))
		if wire[len(wire)-1] != Flag {
			t.Fatalf("case %d: frame not flag-terminated", i)
		}

		body, err := Unstuff(wire[:len(wire)-1])
		if err != nil {
			t.Fatalf("case %d: Unstuff: %v", i, err)
		}
		frame, err := ParseFrame(body)
		if err != nil {
			t.Fatalf("case %d: ParseFrame: %v", i, err)
		}

		if frame.Type() != FrameData {
			t.Errorf("case %d: type = %s, want DATA", i, frame.Type())
		}
		if frame.FrmNum() != 2 || frame.AckNum() != 5 {
			t.Errorf("case %d: frmNum/ackNum = %d/%d, want 2/5", i, frame.FrmNum(), frame.AckNum())
		}
		if !bytes.Equal(frame.Payload, payload) {
			t.Errorf("case %d: payload = %X, want %X", i, frame.Payload, payload)
		}
	}
}

func TestEncode_RstFrame(t *testing.T) {
	// The canonical ASH reset frame: C0 38 BC 7E.
	wire := Encode(RstFrame())
	expected := []byte{0xC0, 0x38, 0xBC, 0x7E}
	if !bytes.Equal(wire, expected) {
		t.Errorf("Encode(RST) = %X, want %X", wire, expected)
	}
}

func TestParseFrame_CRCMismatch(t *testing.T) {
	wire := Encode(AckFrame(1))
	body, err := Unstuff(wire[:len(wire)-1])
	if err != nil {
		t.Fatalf("Unstuff: %v", err)
	}
	body[len(body)-1] ^= 0x01
	if _, err := ParseFrame(body); err == nil {
		t.Error("ParseFrame with bad CRC should fail")
	}
}

func TestFrameTypes(t *testing.T) {
	cases := []struct {
		control byte
		want    FrameType
	}{
		{0x25, FrameData},
		{0x81, FrameAck},
		{0xA6, FrameNak},
		{0xC0, FrameRst},
		{0xC1, FrameRstAck},
		{0xC2, FrameError},
	}
	for _, c := range cases {
		f := Frame{Control: c.control}
		if f.Type() != c.want {
			t.Errorf("Type(0x%02X) = %s, want %s", c.control, f.Type(), c.want)
		}
	}
}

func TestDecoder_ResyncAfterGarbage(t *testing.T) {
	var dec Decoder
	// Garbage merges into the first frame body and fails its CRC; the
	// decoder must resync on the next flag and decode the frame after.
	dec.Feed([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	dec.Feed(Encode(AckFrame(3)))
	dec.Feed(Encode(AckFrame(4)))

	if _, err := dec.Next(); err == nil {
		t.Fatal("corrupted first frame should fail")
	}

	frame, err := dec.Next()
	if err != nil {
		t.Fatalf("Next after resync: %v", err)
	}
	if frame == nil || frame.Type() != FrameAck || frame.AckNum() != 4 {
		t.Fatalf("frame = %+v, want ACK 4", frame)
	}
}

func TestDecoder_CancelDropsPartialFrame(t *testing.T) {
	var dec Decoder
	// A partial frame interrupted by a cancel byte, then a good frame.
	dec.Feed([]byte{0x25, 0x99, Cancel})
	dec.Feed(Encode(AckFrame(0)))

	frame, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frame == nil || frame.Type() != FrameAck {
		t.Fatalf("frame = %+v, want ACK", frame)
	}
}

func TestDecoder_IncrementalFeed(t *testing.T) {
	wire := Encode(DataFrame(0, 0, false, []byte{0x01, 0x02, 0x03}))

	var dec Decoder
	for _, b := range wire[:len(wire)-1] {
		dec.Feed([]byte{b})
		frame, err := dec.Next()
		if err != nil {
			t.Fatalf("Next mid-frame: %v", err)
		}
		if frame != nil {
			t.Fatal("frame complete before the flag byte")
		}
	}

	dec.Feed(wire[len(wire)-1:])
	frame, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frame == nil || frame.Type() != FrameData {
		t.Fatalf("frame = %+v, want DATA", frame)
	}
}

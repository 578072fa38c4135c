package ezsp

import (
	"errors"
	"testing"

	"github.com/NabuCasa/universal-silabs-flasher/internal/ash"
	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

func rstExchange() transport.Step {
	return transport.Step{
		Expect: append([]byte{ash.Cancel}, ash.Encode(ash.RstFrame())...),
		Reply:  ash.Encode(ash.Frame{Control: 0xC1, Payload: []byte{0x02, 0x0B}}),
	}
}

// exchange scripts one EZSP v4 command-response pair. Sequence numbers
// count both the EZSP seq byte and the ASH frame numbers.
func exchange(n int, command, response []byte) transport.Step {
	hostFrm := n & 0x07
	ncpAck := (hostFrm + 1) & 0x07

	reply := append([]byte{}, ash.Encode(ash.AckFrame(ncpAck))...)
	reply = append(reply, ash.Encode(ash.DataFrame(hostFrm, ncpAck, false, response))...)

	return transport.Step{
		Expect: ash.Encode(ash.DataFrame(hostFrm, hostFrm, false, command)),
		Reply:  reply,
	}
}

func connectedClient(t *testing.T, extra ...transport.Step) (*Client, *transport.MockTransport) {
	t.Helper()

	steps := []transport.Step{
		rstExchange(),
		// version(4) -> already at protocol version 4, no renegotiation
		exchange(0,
			[]byte{0x00, 0x00, FrameVersion, 0x04},
			[]byte{0x00, 0x80, FrameVersion, 0x04, 0x02, 0x71, 0x67}),
	}
	steps = append(steps, extra...)

	mock := transport.NewMock(115200, steps...)
	c := NewClient(mock)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c, mock
}

func TestConnect_NegotiatesV4(t *testing.T) {
	c, _ := connectedClient(t)
	if c.ProtocolVersion() != 4 {
		t.Errorf("ProtocolVersion = %d, want 4", c.ProtocolVersion())
	}
}

func TestConnect_RenegotiatesV8(t *testing.T) {
	steps := []transport.Step{
		rstExchange(),
		// The NCP reports protocol version 8 to the legacy probe.
		exchange(0,
			[]byte{0x00, 0x00, FrameVersion, 0x04},
			[]byte{0x00, 0x80, FrameVersion, 0x08, 0x02, 0x30, 0x74}),
		// The client re-sends version using the v8 frame format.
		exchange(1,
			[]byte{0x01, 0x00, 0x01, FrameVersion, 0x00, 0x08},
			[]byte{0x01, 0x80, 0x01, FrameVersion, 0x00, 0x08, 0x02, 0x30, 0x74}),
	}

	mock := transport.NewMock(115200, steps...)
	c := NewClient(mock)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.ProtocolVersion() != 8 {
		t.Errorf("ProtocolVersion = %d, want 8", c.ProtocolVersion())
	}
	if left := mock.UnconsumedSteps(); len(left) != 0 {
		t.Errorf("%d scripted steps never ran", len(left))
	}
}

func TestBoardInfo(t *testing.T) {
	mfgString := []byte("7.1.3.0 GA\x00\x00")
	response := append([]byte{0x01, 0x80, FrameGetMfgToken, byte(len(mfgString))}, mfgString...)

	c, _ := connectedClient(t,
		exchange(1, []byte{0x01, 0x00, FrameGetMfgToken, MfgTokenString}, response),
	)

	version, err := c.BoardInfo()
	if err != nil {
		t.Fatalf("BoardInfo: %v", err)
	}
	if version.String() != "7.1.3.0" {
		t.Errorf("version = %q, want %q", version.String(), "7.1.3.0")
	}
}

func TestLaunchStandaloneBootloader(t *testing.T) {
	c, mock := connectedClient(t,
		exchange(1,
			[]byte{0x01, 0x00, FrameLaunchStandaloneBootloader, 0x01},
			[]byte{0x01, 0x80, FrameLaunchStandaloneBootloader, EmberSuccess}),
	)

	if err := c.LaunchStandaloneBootloader(); err != nil {
		t.Fatalf("LaunchStandaloneBootloader: %v", err)
	}
	if left := mock.UnconsumedSteps(); len(left) != 0 {
		t.Errorf("%d scripted steps never ran", len(left))
	}
}

func TestLaunchStandaloneBootloader_Failure(t *testing.T) {
	c, _ := connectedClient(t,
		exchange(1,
			[]byte{0x01, 0x00, FrameLaunchStandaloneBootloader, 0x01},
			[]byte{0x01, 0x80, FrameLaunchStandaloneBootloader, 0x18}),
	)

	err := c.LaunchStandaloneBootloader()
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("LaunchStandaloneBootloader = %v, want ErrCommandFailed", err)
	}
}

func TestGetEui64(t *testing.T) {
	eui := []byte{0xEF, 0xBE, 0xAD, 0xDE, 0x01, 0x88, 0x17, 0x00}
	c, _ := connectedClient(t,
		exchange(1,
			[]byte{0x01, 0x00, FrameGetEui64},
			append([]byte{0x01, 0x80, FrameGetEui64}, eui...)),
	)

	got, err := c.GetEui64()
	if err != nil {
		t.Fatalf("GetEui64: %v", err)
	}
	for i := range eui {
		if got[i] != eui[i] {
			t.Fatalf("GetEui64 = %X, want %X", got, eui)
		}
	}
}

func TestCanWriteCustomEui64(t *testing.T) {
	erased := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	c, _ := connectedClient(t,
		exchange(1,
			[]byte{0x01, 0x00, FrameGetMfgToken, MfgTokenCustomEui64},
			append([]byte{0x01, 0x80, FrameGetMfgToken, 0x08}, erased...)),
	)

	ok, err := c.CanWriteCustomEui64()
	if err != nil {
		t.Fatalf("CanWriteCustomEui64: %v", err)
	}
	if !ok {
		t.Error("erased token should be writable")
	}
}

func TestCanWriteCustomEui64_AlreadyWritten(t *testing.T) {
	written := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	c, _ := connectedClient(t,
		exchange(1,
			[]byte{0x01, 0x00, FrameGetMfgToken, MfgTokenCustomEui64},
			append([]byte{0x01, 0x80, FrameGetMfgToken, 0x08}, written...)),
	)

	ok, err := c.CanWriteCustomEui64()
	if err != nil {
		t.Fatalf("CanWriteCustomEui64: %v", err)
	}
	if ok {
		t.Error("written token should not be writable")
	}
}

func TestSetMfgToken(t *testing.T) {
	eui := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	c, _ := connectedClient(t,
		exchange(1,
			append([]byte{0x01, 0x00, FrameSetMfgToken, MfgTokenCustomEui64, 0x08}, eui...),
			[]byte{0x01, 0x80, FrameSetMfgToken, EmberSuccess}),
	)

	if err := c.SetMfgToken(MfgTokenCustomEui64, eui); err != nil {
		t.Fatalf("SetMfgToken: %v", err)
	}
}

func TestCommand_SkipsUnsolicitedCallbacks(t *testing.T) {
	// An unsolicited stack status callback (different frame ID and
	// seq) arrives before the real response.
	callback := ash.Encode(ash.DataFrame(1, 2, false, []byte{0xF0, 0x90, 0x19, 0x00}))
	response := ash.Encode(ash.DataFrame(2, 2, false, []byte{0x01, 0x80, FrameGetEui64, 1, 2, 3, 4, 5, 6, 7, 8}))

	step := transport.Step{
		Expect: ash.Encode(ash.DataFrame(1, 1, false, []byte{0x01, 0x00, FrameGetEui64})),
		Reply: append(append(append([]byte{},
			ash.Encode(ash.AckFrame(2))...),
			callback...),
			response...),
	}

	c, _ := connectedClient(t, step)
	if _, err := c.GetEui64(); err != nil {
		t.Fatalf("GetEui64 with interleaved callback: %v", err)
	}
}

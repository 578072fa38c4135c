package ash

import (
	"errors"
	"fmt"
	"time"

	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

// Session state names.
type State int

const (
	StateDisconnected State = iota
	StateResetting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResetting:
		return "resetting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	// ResetTimeout bounds one RST/RSTACK exchange.
	ResetTimeout = 7 * time.Second
	// ResetAttempts is how many RST/RSTACK exchanges are attempted in
	// total.
	ResetAttempts = 3
	// AckTimeout is T_rx_ack: how long a DATA frame waits for its ACK.
	AckTimeout = 1600 * time.Millisecond
	// DataRetries is how many times an unacknowledged DATA frame is
	// retransmitted before the session fails.
	DataRetries = 3
	// BadFrameBudget is the number of consecutive undecodable frames
	// tolerated before the session fails.
	BadFrameBudget = 10
)

var (
	// ErrSessionFailed indicates the ASH session is unrecoverable.
	ErrSessionFailed = errors.New("ASH session failed")
	// ErrNotConnected indicates a data transfer before Connect.
	ErrNotConnected = errors.New("ASH session is not connected")
)

// Session is a window-of-one ASH session over a transport. It is not
// safe for concurrent use; the owner issues one command-response
// exchange at a time.
type Session struct {
	t   transport.Transport
	dec Decoder

	state     State
	frmNum    int // next DATA frame number to send
	ackNum    int // next DATA frame number expected from the NCP
	badFrames int

	// received holds DATA payloads that arrived while waiting for an
	// ACK, in arrival order.
	received [][]byte
}

// NewSession wraps a transport in an ASH session. Connect must be
// called before data transfer.
func NewSession(t transport.Transport) *Session {
	return &Session{t: t, state: StateDisconnected}
}

// State returns the session state.
func (s *Session) State() State { return s.state }

// Connect performs the RST/RSTACK handshake with the default timeout
// and retry count.
func (s *Session) Connect() error {
	return s.ConnectWithTimeout(ResetTimeout, ResetAttempts)
}

// ConnectWithTimeout performs the RST/RSTACK handshake with a caller
// supplied per-attempt timeout, e.g. the short deadline used while
// probing.
func (s *Session) ConnectWithTimeout(timeout time.Duration, attempts int) error {
	s.state = StateResetting

	for attempt := 0; attempt < attempts; attempt++ {
		if err := s.t.ResetInput(); err != nil {
			return fmt.Errorf("failed to reset input: %w", err)
		}
		s.dec = Decoder{}

		// The cancel byte flushes any partial frame on the NCP side.
		if _, err := s.t.Write(append([]byte{Cancel}, Encode(RstFrame())...)); err != nil {
			return fmt.Errorf("failed to send RST: %w", err)
		}

		deadline := time.Now().Add(timeout)
		for {
			frame, err := s.readFrame(deadline)
			if err != nil {
				if errors.Is(err, transport.ErrTimeout) {
					break // next attempt
				}
				return err
			}
			if frame.Type() == FrameRstAck {
				s.state = StateConnected
				s.frmNum = 0
				s.ackNum = 0
				s.badFrames = 0
				s.received = nil
				return nil
			}
			// Stale traffic from before the reset; keep reading.
		}
	}

	s.state = StateFailed
	return fmt.Errorf("%w: no RSTACK after %d attempts", ErrSessionFailed, attempts)
}

// Send transmits one DATA frame and waits until the NCP acknowledges
// it, retransmitting on timeout or NAK.
func (s *Session) Send(payload []byte) error {
	if s.state != StateConnected {
		return ErrNotConnected
	}

	frmNum := s.frmNum
	s.frmNum = (s.frmNum + 1) & 0x07

	reTx := false
	for attempt := 0; ; attempt++ {
		frame := DataFrame(frmNum, s.ackNum, reTx, payload)
		if _, err := s.t.Write(Encode(frame)); err != nil {
			s.state = StateFailed
			return fmt.Errorf("failed to send DATA: %w", err)
		}

		acked, err := s.waitForAck(frmNum, time.Now().Add(AckTimeout))
		if err != nil {
			s.state = StateFailed
			return err
		}
		if acked {
			return nil
		}

		if attempt >= DataRetries {
			s.state = StateFailed
			return fmt.Errorf("%w: DATA frame %d unacknowledged after %d retries",
				ErrSessionFailed, frmNum, DataRetries)
		}
		reTx = true
	}
}

// Receive returns the next DATA payload from the NCP, waiting until
// the deadline. Payloads that arrived during Send are returned first.
func (s *Session) Receive(deadline time.Time) ([]byte, error) {
	if s.state != StateConnected {
		return nil, ErrNotConnected
	}

	for len(s.received) == 0 {
		frame, err := s.readFrame(deadline)
		if err != nil {
			return nil, err
		}
		if err := s.handleFrame(frame); err != nil {
			return nil, err
		}
	}

	payload := s.received[0]
	s.received = s.received[1:]
	return payload, nil
}

// waitForAck consumes frames until frmNum is acknowledged or the
// deadline passes. Returns false on timeout or NAK so the caller can
// retransmit.
func (s *Session) waitForAck(frmNum int, deadline time.Time) (bool, error) {
	want := (frmNum + 1) & 0x07

	for {
		frame, err := s.readFrame(deadline)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				return false, nil
			}
			return false, err
		}

		switch frame.Type() {
		case FrameNak:
			return false, nil
		case FrameError:
			return false, fmt.Errorf("%w: NCP error 0x%02X", ErrSessionFailed, errCode(frame))
		default:
			if err := s.handleFrame(frame); err != nil {
				return false, err
			}
			if frame.AckNum() == want && frame.Type() != FrameRstAck {
				return true, nil
			}
		}
	}
}

// handleFrame processes a received frame: DATA payloads are queued and
// acknowledged, a retransmitted duplicate is acknowledged again without
// being queued, and out-of-sequence DATA triggers a NAK.
func (s *Session) handleFrame(frame *Frame) error {
	switch frame.Type() {
	case FrameData:
		if frame.FrmNum() != s.ackNum && !frame.ReTx() {
			// Out of sequence; ask for a retransmission.
			if _, err := s.t.Write(Encode(NakFrame(s.ackNum))); err != nil {
				return fmt.Errorf("failed to send NAK: %w", err)
			}
			return nil
		}
		if frame.FrmNum() == s.ackNum {
			s.ackNum = (s.ackNum + 1) & 0x07
			s.received = append(s.received, frame.Payload)
		}
		if _, err := s.t.Write(Encode(AckFrame(s.ackNum))); err != nil {
			return fmt.Errorf("failed to send ACK: %w", err)
		}
	case FrameError:
		return fmt.Errorf("%w: NCP error 0x%02X", ErrSessionFailed, errCode(frame))
	}
	return nil
}

// readFrame pulls bytes from the transport until a frame decodes or
// the deadline passes. Bad frames count against the session budget.
func (s *Session) readFrame(deadline time.Time) (*Frame, error) {
	chunk := make([]byte, 256)

	for {
		frame, err := s.dec.Next()
		if err != nil {
			s.badFrames++
			if s.badFrames >= BadFrameBudget {
				s.state = StateFailed
				return nil, fmt.Errorf("%w: %d consecutive bad frames", ErrSessionFailed, s.badFrames)
			}
			continue
		}
		if frame != nil {
			s.badFrames = 0
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

func errCode(frame *Frame) byte {
	if len(frame.Payload) >= 2 {
		return frame.Payload[1]
	}
	return 0
}

package flasher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

// modemLines is implemented by transports that expose DTR/RTS, used by
// dongles whose reset circuit hangs off the modem control lines.
type modemLines interface {
	SetDTR(bool) error
	SetRTS(bool) error
}

// NewResetHook returns the named board-specific pre-probe reset, which
// leaves the radio in its bootloader.
func NewResetHook(name string) (ResetHook, error) {
	switch name {
	case "yellow":
		// Home Assistant Yellow: the radio's reset and boot pins hang
		// off GPIOs 24 and 25.
		return func(transport.Transport) error {
			return sendGPIOPattern(map[int][]bool{
				24: {true, false, false},
				25: {true, false, true},
			}, 100*time.Millisecond)
		}, nil
	case "ihost":
		// Sonoff iHost: same reset circuit on GPIOs 26 and 27.
		return func(transport.Transport) error {
			return sendGPIOPattern(map[int][]bool{
				26: {true, false, false},
				27: {true, false, true},
			}, 100*time.Millisecond)
		}, nil
	case "sonoff":
		return sonoffReset, nil
	}
	return nil, fmt.Errorf("unknown bootloader reset method %q", name)
}

// sonoffReset enters the bootloader on a Sonoff ZBDongle-E: hold the
// boot pin (DTR) while pulsing reset (RTS).
func sonoffReset(t transport.Transport) error {
	lines, ok := t.(modemLines)
	if !ok {
		return fmt.Errorf("transport does not expose DTR/RTS")
	}

	if err := lines.SetDTR(false); err != nil {
		return err
	}
	if err := lines.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	if err := lines.SetDTR(true); err != nil {
		return err
	}
	if err := lines.SetRTS(false); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)

	return lines.SetDTR(false)
}

// sendGPIOPattern drives sysfs GPIOs through a sequence of states with
// a settle delay between steps, restoring the pins to inputs after.
func sendGPIOPattern(pinStates map[int][]bool, delay time.Duration) error {
	const gpioRoot = "/sys/class/gpio"

	steps := 0
	for pin, states := range pinStates {
		if steps == 0 {
			steps = len(states)
		}
		if len(states) != steps {
			return fmt.Errorf("pin %d has %d states, expected %d", pin, len(states), steps)
		}
	}

	for pin := range pinStates {
		path := filepath.Join(gpioRoot, fmt.Sprintf("gpio%d", pin))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(filepath.Join(gpioRoot, "export"), []byte(strconv.Itoa(pin)), 0o644); err != nil {
				return fmt.Errorf("failed to export GPIO %d: %w", pin, err)
			}
		}
		if err := os.WriteFile(filepath.Join(path, "direction"), []byte("out"), 0o644); err != nil {
			return fmt.Errorf("failed to configure GPIO %d: %w", pin, err)
		}
	}

	defer func() {
		for pin := range pinStates {
			path := filepath.Join(gpioRoot, fmt.Sprintf("gpio%d", pin), "direction")
			_ = os.WriteFile(path, []byte("in"), 0o644)
		}
	}()

	for step := 0; step < steps; step++ {
		for pin, states := range pinStates {
			value := "0"
			if states[step] {
				value = "1"
			}
			path := filepath.Join(gpioRoot, fmt.Sprintf("gpio%d", pin), "value")
			if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
				return fmt.Errorf("failed to drive GPIO %d: %w", pin, err)
			}
		}
		time.Sleep(delay)
	}

	return nil
}

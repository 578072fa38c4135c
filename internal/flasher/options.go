package flasher

import (
	"github.com/NabuCasa/universal-silabs-flasher/internal/firmware"
	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

// DefaultProbeMethods is the probe order: the bootloader first because
// its CR-to-prompt exchange is cheap and non-destructive.
var DefaultProbeMethods = []firmware.AppType{
	firmware.AppGeckoBootloader,
	firmware.AppCPC,
	firmware.AppEZSP,
	firmware.AppSpinel,
}

// DefaultBaudrates lists the candidate baud rates per probe method, in
// probe order.
var DefaultBaudrates = map[firmware.AppType][]int{
	firmware.AppGeckoBootloader: {115200},
	firmware.AppCPC:             {460800, 115200, 230400},
	firmware.AppEZSP:            {115200},
	firmware.AppSpinel:          {460800},
}

// DefaultBootloaderBaudrate is the rate the bootloader menu runs at.
const DefaultBootloaderBaudrate = 115200

// ResetHook is an external pre-probe reset that forces a board into
// its bootloader, e.g. by toggling GPIOs or modem control lines.
type ResetHook func(transport.Transport) error

// Option configures a Flasher.
type Option func(*Flasher)

// WithProbeMethods overrides the probe order.
func WithProbeMethods(methods ...firmware.AppType) Option {
	return func(f *Flasher) {
		f.probeMethods = methods
	}
}

// WithBaudrates overrides the candidate baud rates for one probe
// method.
func WithBaudrates(app firmware.AppType, bauds ...int) Option {
	return func(f *Flasher) {
		f.baudrates[app] = bauds
	}
}

// WithBootloaderBaudrate sets the rate used to talk to the bootloader
// when flashing.
func WithBootloaderBaudrate(baud int) Option {
	return func(f *Flasher) {
		f.bootloaderBaud = baud
	}
}

// WithResetHook installs a board-specific reset invoked before
// probing. The device is expected to boot into its bootloader.
func WithResetHook(hook ResetHook) Option {
	return func(f *Flasher) {
		f.resetHook = hook
	}
}

// WithLogf directs the orchestrator's debug output. The default
// discards it.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(f *Flasher) {
		f.logf = logf
	}
}

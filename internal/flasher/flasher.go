// Package flasher orchestrates probing a Silicon Labs radio at
// unknown baud rates, enforcing upgrade policy and flashing a GBL
// image through the Gecko bootloader.
package flasher

import (
	"errors"
	"fmt"
	"time"

	"github.com/NabuCasa/universal-silabs-flasher/internal/bootloader"
	"github.com/NabuCasa/universal-silabs-flasher/internal/cpc"
	"github.com/NabuCasa/universal-silabs-flasher/internal/ezsp"
	"github.com/NabuCasa/universal-silabs-flasher/internal/firmware"
	"github.com/NabuCasa/universal-silabs-flasher/internal/gbl"
	"github.com/NabuCasa/universal-silabs-flasher/internal/spinel"
	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

const (
	// sessionProbeTimeout bounds the ASH reset of one EZSP probe
	// attempt. CPC and Spinel probes use their sessions' own command
	// timeouts.
	sessionProbeTimeout = 5 * time.Second
	// bootloaderEntryRetries is how many times the menu probe is
	// attempted after rebooting into the bootloader.
	bootloaderEntryRetries = 3
	// rebootSettleDelay gives the device time to reboot and switch
	// baud rates.
	rebootSettleDelay = 500 * time.Millisecond
)

// Dialer opens the transport to the device. The orchestrator closes
// and re-dials it when the device reboots between applications.
type Dialer func() (transport.Transport, error)

// ProbeResult identifies the application found running on the device.
type ProbeResult struct {
	AppType  firmware.AppType
	Version  firmware.Version
	Baudrate int

	// versionString preserves version text that does not parse as a
	// dotted version, e.g. the bootloader's "unknown".
	versionString string
}

// VersionString renders the detected version for display.
func (r ProbeResult) VersionString() string {
	if r.versionString != "" {
		return r.versionString
	}
	if r.Version.IsZero() {
		return "unknown"
	}
	return r.Version.String()
}

// Flasher owns the transport and sequences probe, policy, bootloader
// entry and XMODEM upload.
type Flasher struct {
	dial Dialer
	t    transport.Transport

	probeMethods   []firmware.AppType
	baudrates      map[firmware.AppType][]int
	bootloaderBaud int
	resetHook      ResetHook
	logf           func(format string, args ...any)

	result *ProbeResult
}

// New creates a Flasher that reaches the device through dial.
func New(dial Dialer, opts ...Option) *Flasher {
	f := &Flasher{
		dial:           dial,
		probeMethods:   DefaultProbeMethods,
		baudrates:      map[firmware.AppType][]int{},
		bootloaderBaud: DefaultBootloaderBaudrate,
		logf:           func(string, ...any) {},
	}
	for app, bauds := range DefaultBaudrates {
		f.baudrates[app] = bauds
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// PrioritizeAppType moves a probe method (and the bootloader) to the
// front of the probe order. Used when image metadata names the
// firmware type expected on the device.
func (f *Flasher) PrioritizeAppType(app firmware.AppType) {
	ordered := []firmware.AppType{firmware.AppGeckoBootloader}
	if app != firmware.AppGeckoBootloader {
		ordered = append(ordered, app)
	}
	for _, m := range f.probeMethods {
		seen := false
		for _, o := range ordered {
			if m == o {
				seen = true
			}
		}
		if !seen {
			ordered = append(ordered, m)
		}
	}
	f.probeMethods = ordered
}

// PrioritizeBaudrate moves a baud rate to the front of a method's
// candidate list.
func (f *Flasher) PrioritizeBaudrate(app firmware.AppType, baud int) {
	ordered := []int{baud}
	for _, b := range f.baudrates[app] {
		if b != baud {
			ordered = append(ordered, b)
		}
	}
	f.baudrates[app] = ordered
}

// Result returns the most recent probe result.
func (f *Flasher) Result() *ProbeResult { return f.result }

// Close closes the transport if open.
func (f *Flasher) Close() error {
	if f.t == nil {
		return nil
	}
	err := f.t.Close()
	f.t = nil
	return err
}

func (f *Flasher) connect() error {
	if f.t != nil {
		return nil
	}
	t, err := f.dial()
	if err != nil {
		return err
	}
	f.t = t
	return nil
}

// Probe identifies the running application, sweeping the configured
// probe methods and baud rates in order.
func (f *Flasher) Probe() (*ProbeResult, error) {
	if err := f.connect(); err != nil {
		return nil, err
	}

	if f.resetHook != nil {
		f.logf("invoking pre-probe reset hook")
		if err := f.resetHook(f.t); err != nil {
			return nil, fmt.Errorf("reset hook failed: %w", err)
		}
		// The hook leaves the device in its bootloader.
		f.PrioritizeAppType(firmware.AppGeckoBootloader)
	}

	for _, method := range f.probeMethods {
		for _, baud := range f.baudrates[method] {
			f.logf("probing %s at %d baud", method, baud)
			if err := f.t.SetBaudrate(baud); err != nil {
				return nil, err
			}

			result, err := f.probeOnce(method, baud)
			if err == nil {
				f.logf("detected %s, version %s", result.AppType, result.VersionString())
				f.result = result
				return result, nil
			}
			if errors.Is(err, cpc.ErrForeignTraffic) {
				f.logf("%s probe saw another protocol's framing, skipping its remaining baud rates", method)
				break
			}
			f.logf("probe %s at %d failed: %v", method, baud, err)
		}
	}

	return nil, ErrProbeExhausted
}

// probeOnce attempts one minimal handshake for a single method and
// baud rate.
func (f *Flasher) probeOnce(method firmware.AppType, baud int) (*ProbeResult, error) {
	switch method {
	case firmware.AppGeckoBootloader:
		menu := bootloader.NewMenu(f.t)
		if err := menu.Probe(); err != nil {
			return nil, err
		}
		result := &ProbeResult{AppType: method, Baudrate: baud, versionString: menu.Version()}
		if v, err := firmware.ParseVersion(menu.Version()); err == nil {
			result.Version = v
		}
		return result, nil

	case firmware.AppCPC:
		version, err := cpc.NewSession(f.t).Probe()
		if err != nil {
			return nil, err
		}
		return &ProbeResult{AppType: method, Version: version, Baudrate: baud}, nil

	case firmware.AppEZSP:
		client := ezsp.NewClient(f.t)
		if err := client.ConnectWithTimeout(sessionProbeTimeout, 1); err != nil {
			return nil, err
		}
		version, err := client.BoardInfo()
		if err != nil {
			return nil, err
		}
		return &ProbeResult{AppType: method, Version: version, Baudrate: baud}, nil

	case firmware.AppSpinel:
		version, err := spinel.NewSession(f.t).Probe()
		if err != nil {
			return nil, err
		}
		return &ProbeResult{AppType: method, Version: version, Baudrate: baud}, nil
	}

	return nil, fmt.Errorf("unknown probe method %q", method)
}

// PolicyFlags carries the CLI's upgrade policy switches.
type PolicyFlags struct {
	AllowCrossFlashing bool
	AllowDowngrades    bool
	EnsureExactVersion bool
	Force              bool
}

// CheckPolicy validates flashing img over the probed application.
// ErrAlreadyRunning is the success-without-flashing outcome. The
// device is not touched.
func CheckPolicy(result *ProbeResult, img *gbl.Image, flags PolicyFlags) error {
	if flags.Force {
		return nil
	}

	md, err := img.Metadata()
	if err != nil {
		// Unannotated images carry no type or version to enforce.
		if errors.Is(err, gbl.ErrNoMetadata) {
			return nil
		}
		return err
	}

	if md.FWType != "" && result.AppType != firmware.AppGeckoBootloader {
		compatible := false
		for _, it := range firmware.CompatibleImageTypes(result.AppType) {
			if it == md.FWType {
				compatible = true
			}
		}
		if !compatible {
			if !flags.AllowCrossFlashing {
				return fmt.Errorf("%w: running %s, image %s (use --allow-cross-flashing)",
					ErrCrossFlash, result.AppType, md.FWType)
			}
			// Version comparisons are meaningless across firmware
			// types.
			return nil
		}
	}

	imageVersion := md.PublicVersion()
	if imageVersion.IsZero() || result.Version.IsZero() {
		return nil
	}

	switch imageVersion.Compare(result.Version) {
	case -1:
		if !flags.AllowDowngrades {
			return fmt.Errorf("%w: running %s, image %s (use --allow-downgrades)",
				ErrDowngrade, result.Version, imageVersion)
		}
	case 0:
		if flags.EnsureExactVersion {
			return fmt.Errorf("%w: version %s", ErrAlreadyRunning, result.Version)
		}
	}
	return nil
}

// EnterBootloader reboots the running application into the Gecko
// bootloader and waits for its menu. A no-op when the bootloader is
// already running.
func (f *Flasher) EnterBootloader() error {
	if f.result == nil {
		if _, err := f.Probe(); err != nil {
			return err
		}
	}

	if f.result.AppType == firmware.AppGeckoBootloader {
		return nil
	}

	if err := f.t.SetBaudrate(f.result.Baudrate); err != nil {
		return err
	}

	switch f.result.AppType {
	case firmware.AppEZSP:
		client := ezsp.NewClient(f.t)
		if err := client.Connect(); err != nil {
			return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
		}
		if err := client.LaunchStandaloneBootloader(); err != nil {
			return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
		}
	case firmware.AppCPC:
		if err := cpc.NewSession(f.t).EnterBootloader(); err != nil {
			return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
		}
	case firmware.AppSpinel:
		if err := spinel.NewSession(f.t).EnterBootloader(); err != nil {
			return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
		}
	default:
		return fmt.Errorf("%w: unknown application type %q", ErrBootloaderEntry, f.result.AppType)
	}

	// The device drops the link while it reboots; reopen at the
	// bootloader's baud rate.
	time.Sleep(rebootSettleDelay)
	if err := f.Close(); err != nil {
		return err
	}
	if err := f.connect(); err != nil {
		return err
	}
	if err := f.t.SetBaudrate(f.bootloaderBaud); err != nil {
		return err
	}

	menu := bootloader.NewMenu(f.t)
	var lastErr error
	for attempt := 0; attempt < bootloaderEntryRetries; attempt++ {
		if lastErr = menu.Probe(); lastErr == nil {
			f.result = &ProbeResult{
				AppType:       firmware.AppGeckoBootloader,
				Baudrate:      f.bootloaderBaud,
				versionString: menu.Version(),
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrBootloaderEntry, lastErr)
}

// Flash enters the bootloader, uploads the image over XMODEM-CRC and
// runs it. Progress is forwarded block-by-block to the optional sink.
func (f *Flasher) Flash(img *gbl.Image, progress bootloader.ProgressFunc) error {
	if err := f.EnterBootloader(); err != nil {
		return err
	}

	menu := bootloader.NewMenu(f.t)
	if err := menu.Probe(); err != nil {
		return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
	}

	if err := menu.Upload(img.Serialize(), progress); err != nil {
		return err
	}
	if err := menu.Run(); err != nil {
		return err
	}
	return f.Close()
}

// WriteIEEE writes the custom EUI-64 token on an EmberZNet NCP.
// Returns false without writing when the address already matches.
func (f *Flasher) WriteIEEE(ieee [8]byte) (bool, error) {
	if f.result == nil {
		if _, err := f.Probe(); err != nil {
			return false, err
		}
	}
	if f.result.AppType != firmware.AppEZSP {
		return false, fmt.Errorf("%w: running %s", ErrNotRunningEZSP, f.result.AppType)
	}

	if err := f.t.SetBaudrate(f.result.Baudrate); err != nil {
		return false, err
	}

	client := ezsp.NewClient(f.t)
	if err := client.Connect(); err != nil {
		return false, err
	}

	current, err := client.GetEui64()
	if err != nil {
		return false, err
	}
	if current == ieee {
		f.logf("device IEEE address already matches, not overwriting")
		return false, nil
	}

	writable, err := client.CanWriteCustomEui64()
	if err != nil {
		return false, err
	}
	if !writable {
		return false, fmt.Errorf("IEEE address has already been written, it cannot be written again")
	}

	if err := client.SetMfgToken(ezsp.MfgTokenCustomEui64, ieee[:]); err != nil {
		return false, fmt.Errorf("failed to write IEEE address: %w", err)
	}
	return true, nil
}

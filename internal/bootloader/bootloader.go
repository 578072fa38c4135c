package bootloader

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

// Menu options printed by the bootloader.
const (
	OptionUpload  = '1'
	OptionRun     = '2'
	OptionEblInfo = '3'
)

// UnknownVersion is reported when only the prompt, not the banner, was
// seen.
const UnknownVersion = "unknown"

const (
	// ProbeTimeout bounds one CR-to-prompt exchange.
	ProbeTimeout = 500 * time.Millisecond
	// menuTimeout bounds the wait for the menu after choosing an
	// option.
	menuTimeout = 5 * time.Second
)

var (
	// ErrNoMenu indicates the bootloader prompt never appeared.
	ErrNoMenu = errors.New("no bootloader menu")
	// ErrUploadAborted indicates the bootloader rejected the upload.
	ErrUploadAborted = errors.New("bootloader aborted the upload")
)

var (
	bannerRegex = regexp.MustCompile(`(?s)(?:Gecko|\w+ Serial) Bootloader v([0-9][0-9A-Za-z.]*)`)
	promptBytes = []byte("BL >")

	uploadStatusRegex = regexp.MustCompile(`Serial upload (complete|aborted)`)
)

// Menu drives the Gecko bootloader's line-mode menu over a transport.
type Menu struct {
	t transport.Transport

	version string
}

// NewMenu wraps a transport in a menu driver.
func NewMenu(t transport.Transport) *Menu {
	return &Menu{t: t, version: UnknownVersion}
}

// Version returns the bootloader version captured from the banner, or
// "unknown" when only the prompt was seen.
func (m *Menu) Version() string { return m.version }

// Probe sends a carriage return and waits for the prompt. Cheap and
// non-destructive, so the orchestrator tries it first.
func (m *Menu) Probe() error {
	if err := m.t.ResetInput(); err != nil {
		return err
	}
	if _, err := m.t.Write([]byte("\r")); err != nil {
		return err
	}
	return m.awaitMenu(time.Now().Add(ProbeTimeout))
}

// awaitMenu reads until the prompt appears, capturing the version from
// the banner if one is printed.
func (m *Menu) awaitMenu(deadline time.Time) error {
	consumed, _, err := transport.ReadUntil(m.t, deadline, func(buf []byte) int {
		if i := bytes.Index(buf, promptBytes); i != -1 {
			return i + len(promptBytes)
		}
		return 0
	})
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return fmt.Errorf("%w: prompt did not appear", ErrNoMenu)
		}
		return err
	}

	if match := bannerRegex.FindSubmatch(consumed); match != nil {
		m.version = string(match[1])
	}
	return nil
}

// Run selects "run" to boot the application. The bootloader prints
// nothing on success; if the menu reappears there is no valid
// application to launch.
func (m *Menu) Run() error {
	if _, err := m.t.Write([]byte{OptionRun}); err != nil {
		return err
	}
	return nil
}

// Upload selects "upload gbl" and streams data with the XMODEM-CRC
// sender, then checks the upload status trailer.
func (m *Menu) Upload(data []byte, progress ProgressFunc) error {
	if _, err := m.t.Write([]byte{OptionUpload}); err != nil {
		return err
	}

	if err := Send(m.t, data, progress); err != nil {
		return err
	}

	// The bootloader prints "Serial upload complete" (or aborted)
	// followed by the menu.
	status, _, err := transport.ReadUntil(m.t, time.Now().Add(menuTimeout), func(buf []byte) int {
		if loc := uploadStatusRegex.FindIndex(buf); loc != nil {
			return loc[1]
		}
		return 0
	})
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			// Older bootloaders go straight back to the menu.
			return nil
		}
		return err
	}

	if match := uploadStatusRegex.FindSubmatch(status); match != nil && string(match[1]) != "complete" {
		return fmt.Errorf("%w", ErrUploadAborted)
	}
	return nil
}

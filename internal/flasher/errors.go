package flasher

import "errors"

var (
	// ErrProbeExhausted indicates no probe method identified the
	// device at any baud rate.
	ErrProbeExhausted = errors.New("failed to probe the running application type")

	// ErrCrossFlash indicates the image's firmware type does not match
	// the running application and cross-flashing was not allowed.
	ErrCrossFlash = errors.New("image type does not match the running firmware")

	// ErrDowngrade indicates the image is older than the running
	// firmware and downgrades were not allowed.
	ErrDowngrade = errors.New("image version does not upgrade the running firmware")

	// ErrAlreadyRunning indicates the exact image version is already
	// flashed and no work is needed.
	ErrAlreadyRunning = errors.New("image version is already running")

	// ErrBootloaderEntry indicates the bootloader menu never appeared
	// after rebooting the application.
	ErrBootloaderEntry = errors.New("failed to enter the bootloader")

	// ErrNotRunningEZSP indicates an EZSP-only operation was attempted
	// against a different application.
	ErrNotRunningEZSP = errors.New("device is not running EmberZNet")
)

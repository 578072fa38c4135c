package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/NabuCasa/universal-silabs-flasher/internal/bootloader"
	"github.com/NabuCasa/universal-silabs-flasher/internal/firmware"
	"github.com/NabuCasa/universal-silabs-flasher/internal/flasher"
	"github.com/NabuCasa/universal-silabs-flasher/internal/gbl"
	"github.com/NabuCasa/universal-silabs-flasher/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes for the flash command.
const (
	exitPolicyRefused = 2
	exitIOFailure     = 3
	exitImageInvalid  = 4
)

var (
	deviceFlag          string
	verboseFlag         int
	bootloaderBaudFlag  int
	cpcBaudFlag         string
	ezspBaudFlag        string
	spinelBaudFlag      string
	probeMethodFlag     string
	bootloaderResetFlag string
)

var (
	firmwareFlag           string
	forceFlag              bool
	ensureExactVersionFlag bool
	allowDowngradesFlag    bool
	allowCrossFlashingFlag bool
	ieeeFlag               string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "silabs-flasher",
		Short: "Flash firmware to Silicon Labs radio modules",
		Long: `Universal Silicon Labs Flasher identifies the application running on a
Silicon Labs radio (Gecko bootloader, EmberZNet, CPC or OpenThread),
reboots it into the Gecko bootloader and uploads GBL firmware over
XMODEM-CRC.`,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&deviceFlag, "device", "", "Serial port path or socket URL")
	pf.CountVarP(&verboseFlag, "verbose", "v", "Increase verbosity (repeatable)")
	pf.IntVar(&bootloaderBaudFlag, "bootloader-baudrate", flasher.DefaultBootloaderBaudrate, "Gecko bootloader baud rate")
	pf.StringVar(&cpcBaudFlag, "cpc-baudrate", "460800,115200,230400", "CPC candidate baud rates")
	pf.StringVar(&ezspBaudFlag, "ezsp-baudrate", "115200", "EZSP candidate baud rates")
	pf.StringVar(&spinelBaudFlag, "spinel-baudrate", "460800", "Spinel candidate baud rates")
	pf.StringVar(&probeMethodFlag, "probe-method", "bootloader,cpc,ezsp,spinel", "Probe order")
	pf.StringVar(&bootloaderResetFlag, "bootloader-reset", "", "Board-specific bootloader reset: yellow, ihost or sonoff")

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Identify the running application and its version",
		Run:   runProbe,
	}

	flashCmd := &cobra.Command{
		Use:   "flash",
		Short: "Flash a GBL firmware image",
		Run:   runFlash,
	}
	flashCmd.Flags().StringVar(&firmwareFlag, "firmware", "", "GBL firmware image to flash")
	flashCmd.MarkFlagRequired("firmware")
	flashCmd.Flags().BoolVar(&forceFlag, "force", false, "Bypass all upgrade policy checks")
	flashCmd.Flags().BoolVar(&ensureExactVersionFlag, "ensure-exact-version", false, "Skip flashing when the exact version is already running")
	flashCmd.Flags().BoolVar(&allowDowngradesFlag, "allow-downgrades", false, "Allow flashing an older firmware version")
	flashCmd.Flags().BoolVar(&allowCrossFlashingFlag, "allow-cross-flashing", false, "Allow flashing a different firmware type")

	writeIeeeCmd := &cobra.Command{
		Use:   "write-ieee",
		Short: "Write the IEEE EUI-64 address of an EmberZNet NCP",
		Run:   runWriteIeee,
	}
	writeIeeeCmd.Flags().StringVar(&ieeeFlag, "ieee", "", "EUI-64 as 16 hex digits, colons optional")
	writeIeeeCmd.MarkFlagRequired("ieee")

	dumpMetadataCmd := &cobra.Command{
		Use:   "dump-gbl-metadata",
		Short: "Print the metadata embedded in a GBL image",
		Run:   runDumpMetadata,
	}
	dumpMetadataCmd.Flags().StringVar(&firmwareFlag, "firmware", "", "GBL firmware image to inspect")
	dumpMetadataCmd.MarkFlagRequired("firmware")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("silabs-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(probeCmd, flashCmd, writeIeeeCmd, dumpMetadataCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseBaudList(value string) ([]int, error) {
	var bauds []int
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		baud, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad baud rate %q", part)
		}
		bauds = append(bauds, baud)
	}
	if len(bauds) == 0 {
		return nil, fmt.Errorf("empty baud rate list")
	}
	return bauds, nil
}

func parseProbeMethods(value string) ([]firmware.AppType, error) {
	var methods []firmware.AppType
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		method, err := firmware.ParseAppType(part)
		if err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("empty probe method list")
	}
	return methods, nil
}

// newFlasher builds the orchestrator from the global flags.
func newFlasher() (*flasher.Flasher, error) {
	if deviceFlag == "" {
		return nil, fmt.Errorf("--device is required")
	}

	methods, err := parseProbeMethods(probeMethodFlag)
	if err != nil {
		return nil, err
	}

	opts := []flasher.Option{
		flasher.WithProbeMethods(methods...),
		flasher.WithBootloaderBaudrate(bootloaderBaudFlag),
	}

	for _, entry := range []struct {
		app   firmware.AppType
		value string
	}{
		{firmware.AppCPC, cpcBaudFlag},
		{firmware.AppEZSP, ezspBaudFlag},
		{firmware.AppSpinel, spinelBaudFlag},
	} {
		bauds, err := parseBaudList(entry.value)
		if err != nil {
			return nil, fmt.Errorf("--%s-baudrate: %w", entry.app, err)
		}
		opts = append(opts, flasher.WithBaudrates(entry.app, bauds...))
	}
	opts = append(opts, flasher.WithBaudrates(firmware.AppGeckoBootloader, bootloaderBaudFlag))

	if bootloaderResetFlag != "" {
		hook, err := flasher.NewResetHook(bootloaderResetFlag)
		if err != nil {
			return nil, err
		}
		opts = append(opts, flasher.WithResetHook(hook))
	}

	if verboseFlag > 0 {
		opts = append(opts, flasher.WithLogf(func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		}))
	}

	device := deviceFlag
	dial := func() (transport.Transport, error) {
		return transport.OpenSerial(device, flasher.DefaultBootloaderBaudrate)
	}
	return flasher.New(dial, opts...), nil
}

func fail(code int, err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(code)
}

func runProbe(cmd *cobra.Command, args []string) {
	f, err := newFlasher()
	if err != nil {
		fail(1, err)
	}
	defer f.Close()

	result, err := f.Probe()
	if err != nil {
		fail(1, err)
	}

	fmt.Printf("{\"app_type\": %q, \"app_version\": %q}\n", result.AppType, result.VersionString())
}

// loadImage reads and validates the GBL image, exiting with the
// image-invalid code on failure.
func loadImage(path string) *gbl.Image {
	data, err := os.ReadFile(path)
	if err != nil {
		fail(exitIOFailure, fmt.Errorf("failed to read firmware file: %w", err))
	}

	img, err := gbl.Parse(data)
	if err != nil {
		fail(exitImageInvalid, fmt.Errorf("%s does not appear to be a valid GBL image: %w", path, err))
	}
	return img
}

func runFlash(cmd *cobra.Command, args []string) {
	img := loadImage(firmwareFlag)

	f, err := newFlasher()
	if err != nil {
		fail(1, err)
	}
	defer f.Close()

	// Probe the image's own application type and baud rate first:
	// after a first flash this avoids sweeping every protocol.
	if md, err := img.Metadata(); err == nil {
		if app, ok := firmware.AppTypeForImage(md.FWType); ok && !cmd.Parent().PersistentFlags().Changed("probe-method") {
			f.PrioritizeAppType(app)
			if md.Baudrate != 0 {
				f.PrioritizeBaudrate(app, md.Baudrate)
			}
		}
	}

	result, err := f.Probe()
	if err != nil {
		fail(exitIOFailure, err)
	}
	fmt.Printf("Detected %s, version %s\n", result.AppType, result.VersionString())

	flags := flasher.PolicyFlags{
		AllowCrossFlashing: allowCrossFlashingFlag,
		AllowDowngrades:    allowDowngradesFlag,
		EnsureExactVersion: ensureExactVersionFlag,
		Force:              forceFlag,
	}
	if err := flasher.CheckPolicy(result, img, flags); err != nil {
		if errors.Is(err, flasher.ErrAlreadyRunning) {
			fmt.Printf("Firmware is already running, not re-installing\n")
			return
		}
		fail(exitPolicyRefused, err)
	}

	totalBlocks := (len(bootloader.Pad(img.Serialize()))) / bootloader.BlockSize
	bar := progressbar.NewOptions(totalBlocks,
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	err = f.Flash(img, func(block, total int) {
		bar.Set(block)
	})
	if err != nil {
		fail(exitIOFailure, err)
	}
	bar.Finish()

	fmt.Println("\nFlash complete!")
}

// parseEUI64 accepts 16 hex digits with optional colon separators and
// returns the address in wire (little-endian) order.
func parseEUI64(value string) ([8]byte, error) {
	var eui [8]byte

	cleaned := strings.ReplaceAll(strings.TrimSpace(value), ":", "")
	if len(cleaned) != 16 {
		return eui, fmt.Errorf("EUI-64 must be 16 hex digits, got %q", value)
	}

	for i := 0; i < 8; i++ {
		b, err := strconv.ParseUint(cleaned[2*i:2*i+2], 16, 8)
		if err != nil {
			return eui, fmt.Errorf("bad EUI-64 %q: %w", value, err)
		}
		// Display order is big-endian; the token is stored reversed.
		eui[7-i] = byte(b)
	}
	return eui, nil
}

func runWriteIeee(cmd *cobra.Command, args []string) {
	ieee, err := parseEUI64(ieeeFlag)
	if err != nil {
		fail(1, err)
	}

	f, err := newFlasher()
	if err != nil {
		fail(1, err)
	}
	defer f.Close()

	written, err := f.WriteIEEE(ieee)
	if err != nil {
		fail(1, err)
	}

	if written {
		fmt.Println("IEEE address written")
	} else {
		fmt.Println("IEEE address already matches, not overwriting")
	}
}

func runDumpMetadata(cmd *cobra.Command, args []string) {
	img := loadImage(firmwareFlag)

	md, err := img.Metadata()
	if err != nil {
		if errors.Is(err, gbl.ErrNoMetadata) {
			fmt.Println("null")
			return
		}
		fail(exitImageInvalid, err)
	}

	out, err := json.Marshal(md.OriginalJSON)
	if err != nil {
		fail(exitImageInvalid, err)
	}
	fmt.Println(string(out))
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

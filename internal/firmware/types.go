// Package firmware models firmware image types, running application
// types and the dotted version strings reported by Silicon Labs radio
// firmware.
package firmware

import "fmt"

// ImageType identifies the firmware personality contained in a GBL image.
type ImageType string

const (
	// EmberZNet Zigbee NCP
	ImageNCPUartHW ImageType = "ncp-uart-hw"
	// Multi-PAN RCP multiprotocol (via zigbeed)
	ImageRCPUart802154 ImageType = "rcp-uart-802154"
	// Zigbee NCP + OpenThread RCP
	ImageZigbeeNCPRCPUart802154 ImageType = "zigbee-ncp-rcp-uart-802154"
	// Zigbee router
	ImageZigbeeRouterUartHW ImageType = "zigbee-router-uart-hw"
	// OpenThread RCP
	ImageOTRCP ImageType = "ot-rcp"
	// Standalone Gecko bootloader
	ImageGeckoBootloader ImageType = "gecko-bootloader"
)

// ParseImageType validates a firmware type string from GBL metadata.
func ParseImageType(s string) (ImageType, error) {
	switch t := ImageType(s); t {
	case ImageNCPUartHW, ImageRCPUart802154, ImageZigbeeNCPRCPUart802154,
		ImageZigbeeRouterUartHW, ImageOTRCP, ImageGeckoBootloader:
		return t, nil
	}
	return "", fmt.Errorf("unknown firmware image type %q", s)
}

// AppType identifies the application currently running on the radio.
type AppType string

const (
	AppGeckoBootloader AppType = "bootloader"
	AppCPC             AppType = "cpc"
	AppEZSP            AppType = "ezsp"
	AppSpinel          AppType = "spinel"
)

// ParseAppType validates a probe method / application type string.
func ParseAppType(s string) (AppType, error) {
	switch t := AppType(s); t {
	case AppGeckoBootloader, AppCPC, AppEZSP, AppSpinel:
		return t, nil
	}
	return "", fmt.Errorf("unknown application type %q", s)
}

// CompatibleImageTypes returns the image types that can run under the
// given application without cross-flashing. The bootloader has no
// compatible image type: flashing from it is always a cross-flash.
func CompatibleImageTypes(app AppType) []ImageType {
	switch app {
	case AppEZSP:
		return []ImageType{ImageNCPUartHW, ImageZigbeeRouterUartHW}
	case AppCPC:
		return []ImageType{ImageRCPUart802154, ImageZigbeeNCPRCPUart802154}
	case AppSpinel:
		return []ImageType{ImageOTRCP, ImageRCPUart802154}
	default:
		return nil
	}
}

// AppTypeForImage returns the application type that an image of the
// given type boots into, used to reorder probing.
func AppTypeForImage(img ImageType) (AppType, bool) {
	switch img {
	case ImageNCPUartHW, ImageZigbeeRouterUartHW:
		return AppEZSP, true
	case ImageRCPUart802154, ImageZigbeeNCPRCPUart802154:
		return AppCPC, true
	case ImageOTRCP:
		return AppSpinel, true
	case ImageGeckoBootloader:
		return AppGeckoBootloader, true
	}
	return "", false
}

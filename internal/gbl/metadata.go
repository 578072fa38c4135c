package gbl

import (
	"encoding/json"
	"fmt"

	"github.com/NabuCasa/universal-silabs-flasher/internal/firmware"
)

// MetadataVersion is the newest metadata schema this tool understands.
const MetadataVersion = 1

// Metadata is the JSON document embedded in a GBL METADATA record by
// the NabuCasa firmware build pipeline.
type Metadata struct {
	MetadataVersion int

	SDKVersion   firmware.Version
	EZSPVersion  firmware.Version
	OTRCPVersion firmware.Version
	CPCVersion   firmware.Version

	FWType   firmware.ImageType
	Baudrate int

	// OriginalJSON preserves the document as found in the image.
	OriginalJSON map[string]any
}

type rawMetadata struct {
	MetadataVersion *int   `json:"metadata_version"`
	SDKVersion      string `json:"sdk_version"`
	EZSPVersion     string `json:"ezsp_version"`
	OTRCPVersion    string `json:"ot_rcp_version"`
	CPCVersion      string `json:"cpc_version"`
	FWType          string `json:"fw_type"`
	Baudrate        int    `json:"baudrate"`
}

// Metadata parses the first METADATA record as a NabuCasa metadata
// document. Returns ErrNoMetadata when the image has no metadata
// record.
func (img *Image) Metadata() (*Metadata, error) {
	value, ok := img.GetFirstTag(TagMetadata)
	if !ok {
		return nil, ErrNoMetadata
	}

	var raw rawMetadata
	if err := json.Unmarshal(value, &raw); err != nil {
		return nil, fmt.Errorf("metadata is not valid JSON: %w", err)
	}

	if raw.MetadataVersion == nil {
		return nil, fmt.Errorf("metadata has no metadata_version field")
	}
	if *raw.MetadataVersion > MetadataVersion {
		return nil, fmt.Errorf("unknown metadata version %d, expected at most %d",
			*raw.MetadataVersion, MetadataVersion)
	}

	md := &Metadata{MetadataVersion: *raw.MetadataVersion, Baudrate: raw.Baudrate}

	var err error
	if raw.SDKVersion != "" {
		if md.SDKVersion, err = firmware.ParseVersion(raw.SDKVersion); err != nil {
			return nil, fmt.Errorf("bad sdk_version: %w", err)
		}
	}
	if raw.EZSPVersion != "" {
		if md.EZSPVersion, err = firmware.ParseVersion(raw.EZSPVersion); err != nil {
			return nil, fmt.Errorf("bad ezsp_version: %w", err)
		}
	}
	if raw.OTRCPVersion != "" {
		if md.OTRCPVersion, err = firmware.ParseVersion(raw.OTRCPVersion); err != nil {
			return nil, fmt.Errorf("bad ot_rcp_version: %w", err)
		}
	}
	if raw.CPCVersion != "" {
		if md.CPCVersion, err = firmware.ParseVersion(raw.CPCVersion); err != nil {
			return nil, fmt.Errorf("bad cpc_version: %w", err)
		}
	}
	if raw.FWType != "" {
		if md.FWType, err = firmware.ParseImageType(raw.FWType); err != nil {
			return nil, err
		}
	}

	if err := json.Unmarshal(value, &md.OriginalJSON); err != nil {
		return nil, fmt.Errorf("metadata is not valid JSON: %w", err)
	}

	return md, nil
}

// PublicVersion returns the version a user would compare against the
// running application, preferring the most specific field present.
func (md *Metadata) PublicVersion() firmware.Version {
	for _, v := range []firmware.Version{
		md.CPCVersion, md.EZSPVersion, md.OTRCPVersion, md.SDKVersion,
	} {
		if !v.IsZero() {
			return v
		}
	}
	return firmware.Version{}
}

// FirmwareType returns the image type declared in the image metadata.
func (img *Image) FirmwareType() (firmware.ImageType, error) {
	md, err := img.Metadata()
	if err != nil {
		return "", err
	}
	if md.FWType == "" {
		return "", fmt.Errorf("metadata has no fw_type field")
	}
	return md.FWType, nil
}

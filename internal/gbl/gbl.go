// Package gbl parses and validates Gecko Bootloader (GBL) firmware
// image containers.
//
// A GBL image is a stream of tag-length-value records. The first
// record is a HEADER_V3 tag and the last is an END tag whose payload
// holds a CRC-32 over everything that precedes the checksum bytes.
package gbl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Tag identifies a GBL record type.
type Tag uint32

const (
	TagHeaderV3   Tag = 0x03A617EB
	TagApp        Tag = 0xF40A0AF4
	TagSEUpgrade  Tag = 0x5EA617EB
	TagBootloader Tag = 0xF50909F5
	TagProg       Tag = 0xFE0101FE
	TagEraseProg  Tag = 0xFD0303FD
	TagProgLZ4    Tag = 0xFD0505FD
	TagProgLZMA   Tag = 0xFD0707FD
	TagMetadata   Tag = 0xF60808F6
	TagSignature  Tag = 0xF70A0AF7
	TagEnd        Tag = 0xFC0404FC
)

func (t Tag) String() string {
	switch t {
	case TagHeaderV3:
		return "header-v3"
	case TagApp:
		return "application"
	case TagSEUpgrade:
		return "se-upgrade"
	case TagBootloader:
		return "bootloader"
	case TagProg:
		return "prog"
	case TagEraseProg:
		return "eraseprog"
	case TagProgLZ4:
		return "prog-lz4"
	case TagProgLZMA:
		return "prog-lzma"
	case TagMetadata:
		return "metadata"
	case TagSignature:
		return "signature"
	case TagEnd:
		return "end"
	}
	return fmt.Sprintf("tag-0x%08X", uint32(t))
}

var (
	// ErrMalformed indicates the TLV structure is invalid.
	ErrMalformed = errors.New("malformed GBL image")
	// ErrChecksum indicates the END record CRC-32 does not match.
	ErrChecksum = errors.New("GBL checksum mismatch")
	// ErrNoMetadata indicates the image carries no metadata record.
	ErrNoMetadata = errors.New("GBL image has no metadata")
)

// Record is one tag-length-value entry of a GBL image.
type Record struct {
	Tag   Tag
	Value []byte
}

// Image is a parsed, validated GBL image. It retains the original
// serialized bytes and is immutable after parsing.
type Image struct {
	records []Record
	raw     []byte
}

// Parse walks the TLV stream, verifies structure and the END record
// CRC-32, and returns the parsed image.
func Parse(data []byte) (*Image, error) {
	var records []Record
	offset := 0
	sawEnd := false

	for offset < len(data) {
		if len(data)-offset < 8 {
			return nil, fmt.Errorf("%w: truncated record header at offset %d", ErrMalformed, offset)
		}

		tag := Tag(binary.LittleEndian.Uint32(data[offset:]))
		length := binary.LittleEndian.Uint32(data[offset+4:])

		if len(records) == 0 && tag != TagHeaderV3 {
			return nil, fmt.Errorf("%w: first tag is %s, expected %s", ErrMalformed, tag, TagHeaderV3)
		}

		if uint64(offset)+8+uint64(length) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: record %s overruns buffer", ErrMalformed, tag)
		}

		value := data[offset+8 : offset+8+int(length)]
		records = append(records, Record{Tag: tag, Value: value})

		if tag == TagEnd {
			if length != 4 {
				return nil, fmt.Errorf("%w: END record length %d, expected 4", ErrMalformed, length)
			}

			// The CRC covers everything up to and including the END
			// record's tag and length words.
			computed := crc32.ChecksumIEEE(data[:offset+8])
			stored := binary.LittleEndian.Uint32(value)
			if computed != stored {
				return nil, fmt.Errorf("%w: computed 0x%08X, stored 0x%08X", ErrChecksum, computed, stored)
			}

			offset += 8 + int(length)
			sawEnd = true
			break
		}

		offset += 8 + int(length)
	}

	if !sawEnd {
		return nil, fmt.Errorf("%w: no END record", ErrMalformed)
	}

	raw := make([]byte, offset)
	copy(raw, data[:offset])
	return &Image{records: records, raw: raw}, nil
}

// Records returns the image's records in file order.
func (img *Image) Records() []Record {
	return img.records
}

// GetFirstTag returns the value of the first record with the given tag.
func (img *Image) GetFirstTag(tag Tag) ([]byte, bool) {
	for _, r := range img.records {
		if r.Tag == tag {
			return r.Value, true
		}
	}
	return nil, false
}

// Serialize returns the image's original bytes, including the END
// record and its checksum.
func (img *Image) Serialize() []byte {
	return img.raw
}

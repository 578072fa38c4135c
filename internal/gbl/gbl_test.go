package gbl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

// buildImage assembles a serialized GBL image from records, appending a
// valid END record with the correct CRC-32.
func buildImage(records []Record) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(r.Tag))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(r.Value)))
		buf.Write(hdr[:])
		buf.Write(r.Value)
	}

	var end [8]byte
	binary.LittleEndian.PutUint32(end[0:4], uint32(TagEnd))
	binary.LittleEndian.PutUint32(end[4:8], 4)
	buf.Write(end[:])

	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(crc[:])

	return buf.Bytes()
}

func validImage(t *testing.T, metadata []byte) []byte {
	t.Helper()
	records := []Record{
		{Tag: TagHeaderV3, Value: []byte{0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{Tag: TagApp, Value: bytes.Repeat([]byte{0xAB}, 28)},
	}
	if metadata != nil {
		records = append(records, Record{Tag: TagMetadata, Value: metadata})
	}
	records = append(records, Record{Tag: TagProg, Value: bytes.Repeat([]byte{0x5A}, 64)})
	return buildImage(records)
}

func TestParse_Valid(t *testing.T) {
	data := validImage(t, nil)
	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	records := img.Records()
	if len(records) != 4 {
		t.Fatalf("Records() length = %d, want 4", len(records))
	}
	if records[0].Tag != TagHeaderV3 {
		t.Errorf("first tag = %s, want %s", records[0].Tag, TagHeaderV3)
	}
	if records[len(records)-1].Tag != TagEnd {
		t.Errorf("last tag = %s, want %s", records[len(records)-1].Tag, TagEnd)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	data := validImage(t, []byte(`{"metadata_version": 1}`))
	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(img.Serialize(), data) {
		t.Errorf("Serialize() differs from input")
	}

	again, err := Parse(img.Serialize())
	if err != nil {
		t.Fatalf("Parse(Serialize()): %v", err)
	}
	if len(again.Records()) != len(img.Records()) {
		t.Errorf("round-trip changed record count")
	}
}

func TestParse_ChecksumMismatch(t *testing.T) {
	data := validImage(t, nil)
	// Corrupt the last CRC byte.
	data[len(data)-1] ^= 0x01

	_, err := Parse(data)
	if !errors.Is(err, ErrChecksum) {
		t.Errorf("Parse with bad CRC = %v, want ErrChecksum", err)
	}
}

func TestParse_MissingHeader(t *testing.T) {
	data := buildImage([]Record{
		{Tag: TagApp, Value: []byte{0x01}},
	})
	_, err := Parse(data)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Parse without header = %v, want ErrMalformed", err)
	}
}

func TestParse_MissingEnd(t *testing.T) {
	data := validImage(t, nil)
	// Drop the END record entirely.
	truncated := data[:len(data)-12]
	_, err := Parse(truncated)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Parse without END = %v, want ErrMalformed", err)
	}
}

func TestParse_RecordOverrun(t *testing.T) {
	data := validImage(t, nil)
	// Inflate the first record's declared length beyond the buffer.
	binary.LittleEndian.PutUint32(data[4:8], 0xFFFF)
	_, err := Parse(data)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Parse with overrun = %v, want ErrMalformed", err)
	}
}

func TestParse_TrailingGarbageIgnored(t *testing.T) {
	data := validImage(t, nil)
	withGarbage := append(append([]byte{}, data...), 0xDE, 0xAD)

	img, err := Parse(withGarbage)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(img.Serialize(), data) {
		t.Errorf("Serialize() should stop at the END record")
	}
}

func TestMetadata_Parse(t *testing.T) {
	meta := []byte(`{
		"metadata_version": 1,
		"sdk_version": "4.1.3",
		"ezsp_version": "7.1.3.0",
		"fw_type": "ncp-uart-hw",
		"baudrate": 115200
	}`)
	img, err := Parse(validImage(t, meta))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	md, err := img.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md.FWType != "ncp-uart-hw" {
		t.Errorf("FWType = %s, want ncp-uart-hw", md.FWType)
	}
	if md.Baudrate != 115200 {
		t.Errorf("Baudrate = %d, want 115200", md.Baudrate)
	}
	if md.PublicVersion().String() != "7.1.3.0" {
		t.Errorf("PublicVersion = %s, want 7.1.3.0", md.PublicVersion())
	}

	fwType, err := img.FirmwareType()
	if err != nil {
		t.Fatalf("FirmwareType: %v", err)
	}
	if fwType != "ncp-uart-hw" {
		t.Errorf("FirmwareType = %s, want ncp-uart-hw", fwType)
	}
}

func TestMetadata_Missing(t *testing.T) {
	img, err := Parse(validImage(t, nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := img.Metadata(); !errors.Is(err, ErrNoMetadata) {
		t.Errorf("Metadata = %v, want ErrNoMetadata", err)
	}
}

func TestMetadata_UnknownVersion(t *testing.T) {
	img, err := Parse(validImage(t, []byte(`{"metadata_version": 2}`)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := img.Metadata(); err == nil {
		t.Errorf("Metadata with future version should fail")
	}
}

func TestMetadata_SDKVersionFallback(t *testing.T) {
	img, err := Parse(validImage(t, []byte(`{"metadata_version": 1, "sdk_version": "4.2.0"}`)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	md, err := img.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md.PublicVersion().String() != "4.2.0" {
		t.Errorf("PublicVersion = %s, want 4.2.0", md.PublicVersion())
	}
}

package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// writerVersion is recorded in .born headers.
const writerVersion = "0.3.0"

// BornFile is a decoded .born checkpoint.
type BornFile struct {
	Version int
	Flags   uint32
	Header  Header
	Tensors *Flat
}

// ReadBornFile reads a .born file fully and closes it before returning.
func ReadBornFile(path string, level ValidationLevel) (*BornFile, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := DecodeBorn(data, level)
	if err != nil {
		return nil, err
	}
	f.Tensors.Source = path
	return f, nil
}

// DecodeBorn parses a complete .born image held in memory.
func DecodeBorn(data []byte, level ValidationLevel) (*BornFile, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too short: %d bytes", len(data))
	}
	if string(data[:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}

	out := &BornFile{Version: int(binary.LittleEndian.Uint32(data[4:8]))}

	var (
		headerStart int64
		headerSize  uint64
		checksum    [32]byte
		hasChecksum bool
	)

	switch out.Version {
	case FormatVersion:
		// [magic][version][flags][header size][header][padding][data]
		if len(data) < 20 {
			return nil, fmt.Errorf("truncated v1 header")
		}
		out.Flags = binary.LittleEndian.Uint32(data[8:12])
		headerSize = binary.LittleEndian.Uint64(data[12:20])
		headerStart = 20
	case FormatVersionV2:
		// 64-byte fixed header: 0x08 flags, 0x10 header size, 0x18 data size, 0x20 SHA-256.
		if len(data) < FixedHeaderSizeV2 {
			return nil, fmt.Errorf("truncated v2 header")
		}
		out.Flags = binary.LittleEndian.Uint32(data[8:12])
		headerSize = binary.LittleEndian.Uint64(data[16:24])
		copy(checksum[:], data[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize])
		hasChecksum = true
		headerStart = FixedHeaderSizeV2
	default:
		return nil, fmt.Errorf("%w: got %d, expected %d or %d", ErrUnsupportedVersion, out.Version, FormatVersion, FormatVersionV2)
	}

	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	//nolint:gosec // G115: headerSize bounded by MaxHeaderSize above
	headerEnd := headerStart + int64(headerSize)
	if headerEnd > int64(len(data)) {
		return nil, fmt.Errorf("header extends past end of file")
	}
	if err := json.Unmarshal(data[headerStart:headerEnd], &out.Header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	padding := (HeaderAlignment - (headerEnd % HeaderAlignment)) % HeaderAlignment
	dataOffset := headerEnd + padding
	if dataOffset > int64(len(data)) {
		return nil, fmt.Errorf("data section starts past end of file")
	}
	section := data[dataOffset:]

	if err := ValidateHeader(&out.Header, int64(len(section)), level); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if hasChecksum && level != ValidationNone {
		if ComputeChecksum(section) != checksum {
			return nil, ErrChecksumMismatch
		}
	}

	out.Tensors = NewFlatWithCapacity(len(out.Header.Tensors))
	for _, meta := range out.Header.Tensors {
		raw, err := decodeBornTensor(meta, section)
		if err != nil {
			return nil, err
		}
		out.Tensors.Set(meta.Name, raw)
	}
	return out, nil
}

func decodeBornTensor(meta TensorMeta, section []byte) (*tensor.RawTensor, error) {
	dtype, ok := stringToDtype(meta.DType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, meta.DType)
	}
	shape := tensor.Shape(meta.Shape)
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape for tensor %s: %w", meta.Name, err)
	}
	if want := int64(shape.NumElements() * dtype.Size()); want != meta.Size {
		return nil, fmt.Errorf("tensor %s: size %d does not match %s %s", meta.Name, meta.Size, dtype, shape)
	}
	if meta.Offset < 0 || meta.Offset+meta.Size > int64(len(section)) {
		return nil, fmt.Errorf("tensor %s extends beyond data section", meta.Name)
	}
	buf := make([]byte, meta.Size)
	copy(buf, section[meta.Offset:meta.Offset+meta.Size])
	return tensor.FromBytes(shape, dtype, buf)
}

// BornWriteOptions configures .born output.
type BornWriteOptions struct {
	Version   int // FormatVersion or FormatVersionV2 (default)
	ModelType string
	Metadata  map[string]string
}

// WriteBorn writes sd to w in Keys order.
//
//nolint:gocyclo,cyclop // Sequential binary layout
func WriteBorn(w io.Writer, sd StateDict, opts BornWriteOptions) error {
	version := opts.Version
	if version == 0 {
		version = FormatVersionV2
	}
	if version != FormatVersion && version != FormatVersionV2 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	header := Header{
		FormatVersion: version,
		WriterVersion: writerVersion,
		ModelType:     opts.ModelType,
		CreatedAt:     time.Now().UTC(),
		Metadata:      opts.Metadata,
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	var payload bytes.Buffer
	for _, name := range sd.Keys() {
		raw, _ := sd.Get(name)
		if raw.Device() == tensor.Meta {
			return fmt.Errorf("tensor %s has no storage", name)
		}
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  dtypeToString(raw.DType()),
			Shape:  []int(raw.Shape()),
			Offset: int64(payload.Len()),
			Size:   int64(raw.ByteSize()),
		})
		payload.Write(raw.Data()[:raw.ByteSize()])
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	flags := uint32(0)
	if len(opts.Metadata) > 0 {
		flags |= FlagHasMetadata
	}

	var prefix []byte
	if version == FormatVersionV2 {
		checksum := ComputeChecksum(payload.Bytes())
		prefix = make([]byte, FixedHeaderSizeV2)
		copy(prefix[0:4], MagicBytes)
		binary.LittleEndian.PutUint32(prefix[4:8], uint32(FormatVersionV2))
		binary.LittleEndian.PutUint32(prefix[8:12], flags)
		binary.LittleEndian.PutUint64(prefix[16:24], uint64(len(headerJSON)))
		binary.LittleEndian.PutUint64(prefix[24:32], uint64(payload.Len()))
		copy(prefix[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize], checksum[:])
	} else {
		prefix = make([]byte, 20)
		copy(prefix[0:4], MagicBytes)
		binary.LittleEndian.PutUint32(prefix[4:8], uint32(FormatVersion))
		binary.LittleEndian.PutUint32(prefix[8:12], flags)
		binary.LittleEndian.PutUint64(prefix[12:20], uint64(len(headerJSON)))
	}

	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	currentPos := int64(len(prefix) + len(headerJSON))
	padding := (HeaderAlignment - (currentPos % HeaderAlignment)) % HeaderAlignment
	if padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}

	if _, err := w.Write(payload.Bytes()); err != nil {
		return fmt.Errorf("failed to write tensor data: %w", err)
	}
	return nil
}

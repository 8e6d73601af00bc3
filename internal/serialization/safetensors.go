package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// SafeTensors format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

// SafeTensorsDType represents supported SafeTensors data types.
type SafeTensorsDType string

// Supported SafeTensors dtypes.
const (
	SafeTensorsF16  SafeTensorsDType = "F16"
	SafeTensorsF32  SafeTensorsDType = "F32"
	SafeTensorsF64  SafeTensorsDType = "F64"
	SafeTensorsBF16 SafeTensorsDType = "BF16"
	SafeTensorsI32  SafeTensorsDType = "I32"
	SafeTensorsI64  SafeTensorsDType = "I64"
	SafeTensorsU8   SafeTensorsDType = "U8"
	SafeTensorsBool SafeTensorsDType = "BOOL"
)

// SafeTensorInfo describes a tensor in SafeTensors format.
type SafeTensorInfo struct {
	DType       SafeTensorsDType `json:"dtype"`
	Shape       []int            `json:"shape"`
	DataOffsets [2]int64         `json:"data_offsets"` // [start, end) relative to the data section
}

// SafeTensorsHeader is the JSON header in SafeTensors format.
type SafeTensorsHeader struct {
	Metadata map[string]string
	Tensors  map[string]SafeTensorInfo
}

// UnmarshalJSON splits the "__metadata__" entry from the tensor entries.
func (h *SafeTensorsHeader) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	if metadataRaw, ok := rawMap["__metadata__"]; ok {
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	h.Tensors = make(map[string]SafeTensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == "__metadata__" {
			continue
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.Tensors[key] = info
	}
	return nil
}

// ReadSafeTensorsFile reads a SafeTensors file fully and closes it before returning.
// Tensors keep their stored dtype and appear in data-offset order.
func ReadSafeTensorsFile(path string, level ValidationLevel) (*Flat, SafeTensorsHeader, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, SafeTensorsHeader{}, err
	}
	defer func() {
		_ = file.Close()
	}()

	sd, header, err := DecodeSafeTensors(file, level)
	if err != nil {
		return nil, SafeTensorsHeader{}, err
	}
	sd.Source = path
	return sd, header, nil
}

// DecodeSafeTensors parses a SafeTensors stream.
func DecodeSafeTensors(r io.Reader, level ValidationLevel) (*Flat, SafeTensorsHeader, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, SafeTensorsHeader{}, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > MaxHeaderSize {
		return nil, SafeTensorsHeader{}, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, SafeTensorsHeader{}, fmt.Errorf("failed to read header: %w", err)
	}
	var header SafeTensorsHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, SafeTensorsHeader{}, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	section, err := io.ReadAll(r)
	if err != nil {
		return nil, SafeTensorsHeader{}, fmt.Errorf("failed to read tensor data: %w", err)
	}

	names := make([]string, 0, len(header.Tensors))
	spans := make([]span, 0, len(header.Tensors))
	for name, info := range header.Tensors {
		names = append(names, name)
		spans = append(spans, span{name: name, offset: info.DataOffsets[0], size: info.DataOffsets[1] - info.DataOffsets[0]})
	}
	if err := validateTable(spans, int64(len(section)), level); err != nil {
		return nil, SafeTensorsHeader{}, fmt.Errorf("validation failed: %w", err)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := header.Tensors[names[i]], header.Tensors[names[j]]
		if a.DataOffsets[0] != b.DataOffsets[0] {
			return a.DataOffsets[0] < b.DataOffsets[0]
		}
		return names[i] < names[j]
	})

	sd := NewFlatWithCapacity(len(names))
	for _, name := range names {
		raw, err := decodeSafeTensor(name, header.Tensors[name], section)
		if err != nil {
			return nil, SafeTensorsHeader{}, err
		}
		sd.Set(name, raw)
	}
	return sd, header, nil
}

func decodeSafeTensor(name string, info SafeTensorInfo, section []byte) (*tensor.RawTensor, error) {
	dtype, err := safeTensorsDTypeToDataType(info.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	shape := tensor.Shape(info.Shape)
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape for tensor %s: %w", name, err)
	}
	start, end := info.DataOffsets[0], info.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(section)) {
		return nil, fmt.Errorf("invalid data offsets for tensor %s: [%d, %d]", name, start, end)
	}
	buf := make([]byte, end-start)
	copy(buf, section[start:end])
	raw, err := tensor.FromBytes(shape, dtype, buf)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return raw, nil
}

// safeTensorsDTypeToDataType converts a SafeTensors dtype to a DataType.
func safeTensorsDTypeToDataType(dtype SafeTensorsDType) (tensor.DataType, error) {
	switch dtype {
	case SafeTensorsF32:
		return tensor.Float32, nil
	case SafeTensorsF64:
		return tensor.Float64, nil
	case SafeTensorsF16:
		return tensor.Float16, nil
	case SafeTensorsBF16:
		return tensor.BFloat16, nil
	case SafeTensorsI32:
		return tensor.Int32, nil
	case SafeTensorsI64:
		return tensor.Int64, nil
	case SafeTensorsU8:
		return tensor.Uint8, nil
	case SafeTensorsBool:
		return tensor.Bool, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

// dtypeToSafeTensors converts a DataType to its SafeTensors name.
func dtypeToSafeTensors(dt tensor.DataType) SafeTensorsDType {
	switch dt {
	case tensor.Float64:
		return SafeTensorsF64
	case tensor.Float16:
		return SafeTensorsF16
	case tensor.BFloat16:
		return SafeTensorsBF16
	case tensor.Int32:
		return SafeTensorsI32
	case tensor.Int64:
		return SafeTensorsI64
	case tensor.Uint8:
		return SafeTensorsU8
	case tensor.Bool:
		return SafeTensorsBool
	default:
		return SafeTensorsF32
	}
}

// WriteSafeTensors writes sd to w. Tensors are laid out in alphabetical order by name.
func WriteSafeTensors(w io.Writer, sd StateDict, metadata map[string]string) error {
	names := sd.Keys()
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var offset int64
	for _, name := range names {
		raw, _ := sd.Get(name)
		if raw.Device() == tensor.Meta {
			return fmt.Errorf("tensor %s has no storage", name)
		}
		size := int64(raw.ByteSize())
		header[name] = SafeTensorInfo{
			DType:       dtypeToSafeTensors(raw.DType()),
			Shape:       []int(raw.Shape()),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		raw, _ := sd.Get(name)
		if _, err := w.Write(raw.Data()[:raw.ByteSize()]); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}

package serialization

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// Format identifies a checkpoint file format.
type Format string

// Supported checkpoint formats.
const (
	FormatBorn        Format = "born"
	FormatSafeTensors Format = "safetensors"
	FormatTorch       Format = "torch"
	FormatGGUF        Format = "gguf"
	FormatONNX        Format = "onnx"
)

// FormatFromPath picks a format from the file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".born":
		return FormatBorn, true
	case ".safetensors":
		return FormatSafeTensors, true
	case ".pth", ".pt", ".bin":
		return FormatTorch, true
	case ".gguf":
		return FormatGGUF, true
	case ".onnx":
		return FormatONNX, true
	default:
		return "", false
	}
}

// Extension returns the canonical file extension for the format.
func (f Format) Extension() string {
	switch f {
	case FormatBorn:
		return ".born"
	case FormatSafeTensors:
		return ".safetensors"
	case FormatTorch:
		return ".pth"
	case FormatGGUF:
		return ".gguf"
	case FormatONNX:
		return ".onnx"
	default:
		return ""
	}
}

// .born format constants.
const (
	MagicBytes        = "BORN"
	FormatVersion     = 1    // v1: Basic format without checksum
	FormatVersionV2   = 2    // v2: With SHA-256 checksum
	HeaderAlignment   = 64   // Align tensor data to 64 bytes
	FixedHeaderSizeV2 = 64   // v2 fixed header size (0x40 bytes)
	ChecksumSize      = 32   // SHA-256 checksum size (32 bytes)
	ChecksumOffsetV2  = 0x20 // Checksum offset in v2 fixed header
)

// Flags for the .born format.
const (
	FlagCompressed  uint32 = 1 << 0 // bit 0: gzip compression (reserved)
	FlagHasMetadata uint32 = 1 << 2 // bit 2: custom metadata included
)

// Header represents the JSON header in a .born file.
type Header struct {
	FormatVersion int               `json:"format_version"` // Version of the .born format
	WriterVersion string            `json:"born_version"`   // Version of the library that wrote the file
	ModelType     string            `json:"model_type"`     // Architecture name, e.g. "llama"
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata"`
}

// TensorMeta describes a tensor in the .born file.
type TensorMeta struct {
	Name   string `json:"name"`   // Tensor name (e.g., "layers.0.attn.dense.weight")
	DType  string `json:"dtype"`  // Data type (e.g., "float32", "bfloat16")
	Shape  []int  `json:"shape"`  // Tensor shape
	Offset int64  `json:"offset"` // Offset in the data section
	Size   int64  `json:"size"`   // Size in bytes
}

// dtypeToString converts tensor.DataType to its .born string.
func dtypeToString(dt tensor.DataType) string {
	return dt.String()
}

// stringToDtype converts a .born dtype string to tensor.DataType.
func stringToDtype(s string) (tensor.DataType, bool) {
	dt, err := tensor.ParseDataType(s)
	if err != nil {
		return 0, false
	}
	return dt, true
}

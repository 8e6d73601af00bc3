package serialization

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// Validation limits for security and resource protection.
const (
	MaxHeaderSize    = 100 * 1024 * 1024 // 100MB - maximum header size
	MaxTensorCount   = 100_000           // Maximum number of tensors in a file
	MaxTensorNameLen = 4096              // Maximum tensor name length
)

// ValidationLevel controls the strictness of validation.
type ValidationLevel int

const (
	// ValidationStrict performs all validation checks (default).
	ValidationStrict ValidationLevel = iota
	// ValidationNormal checks names and counts but not offsets.
	ValidationNormal
	// ValidationNone skips validation. Use only with trusted input.
	ValidationNone
)

// span is the byte range of one tensor inside a file's data section.
type span struct {
	name   string
	offset int64
	size   int64
}

// validateSpans checks for overlapping, negative and out-of-bounds tensor regions.
// Malformed files could otherwise read past the data section or alias tensors.
func validateSpans(spans []span, dataSize int64) error {
	if len(spans) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(spans), MaxTensorCount),
		}
	}

	sorted := append([]span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].offset < sorted[j].offset })

	for i, s := range sorted {
		if s.offset < 0 || s.size < 0 {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  s.name,
				Details: fmt.Sprintf("offset=%d, size=%d (negative values not allowed)", s.offset, s.size),
			}
		}
		if s.offset+s.size > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  s.name,
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", s.offset, s.size, dataSize),
			}
		}
		if i < len(sorted)-1 {
			next := sorted[i+1]
			if s.offset+s.size > next.offset {
				return &ValidationError{
					Type:    "offset_overlap",
					Tensor:  s.name,
					Tensor2: next.name,
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						s.offset, s.offset+s.size, next.offset, next.offset+next.size),
				}
			}
		}
	}
	return nil
}

// ValidateTensorName rejects names with path separators, traversal or NUL bytes.
func ValidateTensorName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name"}
	case len(name) > MaxTensorNameLen:
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name,
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	case strings.Contains(name, ".."):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains '..'"}
	case strings.ContainsAny(name, "/\\"):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains path separator (/ or \\)"}
	case strings.Contains(name, "\x00"):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains null byte"}
	}
	return nil
}

// validateTable applies level to a file's tensor table.
func validateTable(spans []span, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}
	if len(spans) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(spans), MaxTensorCount),
		}
	}
	for _, s := range spans {
		if err := ValidateTensorName(s.name); err != nil {
			return err
		}
	}
	if level == ValidationStrict {
		return validateSpans(spans, dataSize)
	}
	return nil
}

// ValidateHeader validates a .born header against the size of its data section.
func ValidateHeader(h *Header, dataSize int64, level ValidationLevel) error {
	spans := make([]span, len(h.Tensors))
	for i, t := range h.Tensors {
		spans[i] = span{name: t.Name, offset: t.Offset, size: t.Size}
	}
	return validateTable(spans, dataSize, level)
}

// ComputeChecksum computes the SHA-256 checksum of data.
func ComputeChecksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

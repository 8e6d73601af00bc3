package serialization

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrNotFound           = errors.New("checkpoint not found")
	ErrNoCheckpoints      = fmt.Errorf("%w: no checkpoint files in directory", ErrNotFound)
	ErrUnrecognizedFormat = errors.New("unrecognized checkpoint format")
	ErrMissingKey         = errors.New("missing key in state dict")
	ErrDuplicateKey       = errors.New("duplicate key across shards")
	ErrChecksumMismatch   = errors.New("checksum mismatch: file may be corrupted")
	ErrHeaderTooLarge     = errors.New("header exceeds maximum size")
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrUnsupportedDType   = errors.New("unsupported dtype")
)

// MissingKeyError reports a parameter name that no shard of a state dict provides.
type MissingKeyError struct {
	Key string
}

// Error implements the error interface.
func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("missing key %q in state dict", e.Key)
}

// Unwrap lets errors.Is match ErrMissingKey.
func (e *MissingKeyError) Unwrap() error { return ErrMissingKey }

// DuplicateKeyError reports a key present in more than one shard.
type DuplicateKeyError struct {
	Key    string
	First  string // Source of the shard that holds the key first
	Second string
}

// Error implements the error interface.
func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("key %q appears in both %s and %s", e.Key, e.First, e.Second)
}

// Unwrap lets errors.Is match ErrDuplicateKey.
func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateKey }

// FormatError reports a checkpoint file that failed to deserialize.
type FormatError struct {
	Path   string
	Format Format
	Err    error
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	return fmt.Sprintf("read %s checkpoint %s: %v", e.Format, e.Path, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *FormatError) Unwrap() error { return e.Err }

// ValidationError provides detailed information about validation failures.
type ValidationError struct {
	Type    string // Type of error (e.g., "offset_overlap", "out_of_bounds")
	Tensor  string // Primary tensor name involved
	Tensor2 string // Secondary tensor name (for overlap errors)
	Details string // Additional details
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Tensor2 != "" {
		return fmt.Sprintf("%s: tensors %q and %q: %s", e.Type, e.Tensor, e.Tensor2, e.Details)
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}

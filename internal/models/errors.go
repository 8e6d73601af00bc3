package models

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the registry and resolver.
var (
	// ErrModelExists is returned when an (architecture, variant) pair or a
	// source adapter is registered twice.
	ErrModelExists = errors.New("models: already registered")

	// ErrNotFound is returned for unknown architectures, variants and sources.
	ErrNotFound = errors.New("models: not found")

	// ErrInvalidConfig is returned for invalid option combinations and extra
	// arguments. It is always raised before any disk or network access.
	ErrInvalidConfig = errors.New("models: invalid configuration")
)

// NotFoundError reports which lookup failed.
type NotFoundError struct {
	Kind         string // "architecture", "variant", "source" or "hf config"
	Name         string
	Architecture string // set for variant and source lookups
}

func (e *NotFoundError) Error() string {
	if e.Architecture != "" {
		return fmt.Sprintf("models: %s %q not found for architecture %q", e.Kind, e.Name, e.Architecture)
	}
	return fmt.Sprintf("models: %s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

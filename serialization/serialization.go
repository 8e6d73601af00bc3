// Copyright 2025 The Foundation Model Stack Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package serialization loads and saves model state dicts.
//
// A checkpoint may be a single .safetensors, .born, .gguf or PyTorch
// pickle (.pth, .pt, .bin) file, or a directory of shards. Shards are discovered
// through an index file when present, and the loaded shards are exposed as
// one read-only state dict without copying tensor data.
//
// Example usage:
//
//	import "github.com/Zephyr271828/foundation-model-stack/serialization"
//
//	sd, err := serialization.LoadStateDict("path/to/checkpoint")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, name := range sd.Keys() {
//	    t, _ := sd.Get(name)
//	    fmt.Println(name, t.Shape(), t.DType())
//	}
package serialization

import (
	"context"

	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
)

// StateDict maps parameter names to tensors.
type StateDict = serialization.StateDict

// Flat is a mutable, insertion-ordered state dict.
type Flat = serialization.Flat

// NewFlat returns an empty Flat state dict.
func NewFlat() *Flat {
	return serialization.NewFlat()
}

// Format identifies a checkpoint file format.
type Format = serialization.Format

// Supported checkpoint formats.
const (
	FormatBorn        Format = serialization.FormatBorn
	FormatSafeTensors Format = serialization.FormatSafeTensors
	FormatTorch       Format = serialization.FormatTorch
	FormatGGUF        Format = serialization.FormatGGUF
)

// DuplicatePolicy decides how a key present in several shards is resolved.
type DuplicatePolicy = serialization.DuplicatePolicy

// Duplicate policies.
const (
	RejectDuplicates DuplicatePolicy = serialization.RejectDuplicates
	FirstWins        DuplicatePolicy = serialization.FirstWins
)

// LoadOption configures LoadStateDict.
type LoadOption = serialization.LoadOption

// SaveOptions configures Save and SaveSharded.
type SaveOptions = serialization.SaveOptions

// MissingKeyError reports a key that no shard provides.
type MissingKeyError = serialization.MissingKeyError

// Errors returned by loading.
var (
	ErrNotFound           = serialization.ErrNotFound
	ErrUnrecognizedFormat = serialization.ErrUnrecognizedFormat
	ErrMissingKey         = serialization.ErrMissingKey
	ErrDuplicateKey       = serialization.ErrDuplicateKey
)

// WithDuplicatePolicy sets how keys repeated across shards are handled.
func WithDuplicatePolicy(p DuplicatePolicy) LoadOption {
	return serialization.WithDuplicatePolicy(p)
}

// WithConcurrency bounds the number of shards read in parallel. Loading is
// sequential unless this option is given.
func WithConcurrency(n int) LoadOption {
	return serialization.WithConcurrency(n)
}

// LoadStateDict loads the checkpoint at path.
//
// Example:
//
//	sd, err := serialization.LoadStateDict("llama-7b/", serialization.WithConcurrency(4))
func LoadStateDict(path string, opts ...LoadOption) (StateDict, error) {
	return serialization.LoadStateDict(path, opts...)
}

// LoadStateDictContext is LoadStateDict with cancellation.
func LoadStateDictContext(ctx context.Context, path string, opts ...LoadOption) (StateDict, error) {
	return serialization.LoadStateDictContext(ctx, path, opts...)
}

// Save writes sd to path in the format implied by its extension.
func Save(path string, sd StateDict, opts SaveOptions) error {
	return serialization.Save(path, sd, opts)
}

// SaveSharded writes sd into dir as shards of at most keysPerShard tensors
// and returns the written file paths.
func SaveSharded(dir string, sd StateDict, keysPerShard int, format Format, opts SaveOptions) ([]string, error) {
	return serialization.SaveSharded(dir, sd, keysPerShard, format, opts)
}

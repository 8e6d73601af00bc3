// Copyright 2025 The Foundation Model Stack Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package models is the public entry point for building and loading models
// by architecture and variant name.
//
// The package keeps a default registry pre-populated with the built-in
// architectures (llama, roberta, gpt_bigcode). Callers may add their own
// variants to it or build isolated registries with NewRegistry.
//
// Example:
//
//	import "github.com/Zephyr271828/foundation-model-stack/models"
//
//	m, err := models.GetModel(ctx, "llama", "7b",
//	    models.WithModelPath("/ckpt/llama-7b"),
//	    models.WithSource("meta"),
//	    models.WithDataType(tensor.BFloat16),
//	)
//
//	// Delegate to the hub by repository id.
//	m, err = models.GetModel(ctx, models.SourceHFPretrained, "bigcode/tiny_starcoder_py")
package models

import (
	"context"
	"sync"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/models/gptbigcode"
	"github.com/Zephyr271828/foundation-model-stack/internal/models/llama"
	"github.com/Zephyr271828/foundation-model-stack/internal/models/roberta"
	"github.com/Zephyr271828/foundation-model-stack/tensor"
)

// Model is an instantiated architecture.
type Model = models.Model

// Factory builds a lazy model from extra arguments.
type Factory = models.Factory

// Adapter renames a checkpoint's state dict into an architecture's names.
type Adapter = models.Adapter

// ExtraArgs override a variant's default config, keyed by config field tag.
type ExtraArgs = models.ExtraArgs

// Registry maps architectures and variants to factories.
type Registry = models.Registry

// Resolver loads models from a Registry.
type Resolver = models.Resolver

// Option configures GetModel.
type Option = models.Option

// NotFoundError reports which lookup failed.
type NotFoundError = models.NotFoundError

// Well-known sources.
const (
	SourceNative       = models.SourceNative
	SourceHF           = models.SourceHF
	SourceMeta         = models.SourceMeta
	SourceGGUF         = models.SourceGGUF
	SourceHFPretrained = models.SourceHFPretrained
	SourceHFConfigured = models.SourceHFConfigured
)

// Errors returned by registration and loading.
var (
	ErrModelExists   = models.ErrModelExists
	ErrNotFound      = models.ErrNotFound
	ErrInvalidConfig = models.ErrInvalidConfig
)

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultResolver *Resolver
	defaultErr      error
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return models.NewRegistry()
}

// RegisterBuiltins adds the built-in architectures to reg.
func RegisterBuiltins(reg *Registry) error {
	for _, register := range []func(*models.Registry) error{llama.Register, roberta.Register, gptbigcode.Register} {
		if err := register(reg); err != nil {
			return err
		}
	}
	return nil
}

func defaults() (*Registry, *Resolver) {
	defaultOnce.Do(func() {
		defaultRegistry = models.NewRegistry()
		defaultErr = RegisterBuiltins(defaultRegistry)
		defaultResolver = models.NewResolver(defaultRegistry)
	})
	if defaultErr != nil {
		panic("models: registering built-in architectures: " + defaultErr.Error())
	}
	return defaultRegistry, defaultResolver
}

// Default returns the shared registry holding the built-in architectures.
func Default() *Registry {
	reg, _ := defaults()
	return reg
}

// RegisterModel adds a variant to the default registry.
func RegisterModel(arch, variant string, factory Factory) error {
	return Default().RegisterModel(arch, variant, factory)
}

// RegisterAdapter adds a checkpoint source to an architecture in the
// default registry.
func RegisterAdapter(arch, source string, adapter Adapter) error {
	return Default().RegisterAdapter(arch, source, adapter)
}

// ListModels returns the architectures in the default registry, sorted.
func ListModels() []string {
	return Default().ListModels()
}

// ListVariants returns the sorted variants of arch.
func ListVariants(arch string) ([]string, error) {
	return Default().ListVariants(arch)
}

// ListSources returns the checkpoint sources arch can load.
func ListSources(arch string) ([]string, error) {
	return Default().ListSources(arch)
}

// GetModel resolves and loads a model from the default registry.
// See Resolver.GetModel for the resolution order.
func GetModel(ctx context.Context, arch, variant string, opts ...Option) (Model, error) {
	_, r := defaults()
	return r.GetModel(ctx, arch, variant, opts...)
}

// WithModelPath loads weights from a checkpoint file or shard directory.
func WithModelPath(path string) Option { return models.WithModelPath(path) }

// WithSource names the checkpoint convention ("fms", "hf", "meta", ...).
func WithSource(source string) Option { return models.WithSource(source) }

// WithDataType casts floating-point parameters after loading.
func WithDataType(dt tensor.DataType) Option { return models.WithDataType(dt) }

// WithExtraArgs merges args over the variant defaults.
func WithExtraArgs(args ExtraArgs) Option { return models.WithExtraArgs(args) }

// WithArg sets a single extra argument.
func WithArg(key string, value any) Option { return models.WithArg(key, value) }

// WithStrict rejects checkpoint keys that no parameter consumes.
func WithStrict(strict bool) Option { return models.WithStrict(strict) }

// WithSeed seeds parameter initialization when no checkpoint is given.
func WithSeed(seed int64) Option { return models.WithSeed(seed) }

// WithRevision selects the hub revision for hub delegation.
func WithRevision(rev string) Option { return models.WithRevision(rev) }

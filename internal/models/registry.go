package models

import (
	"fmt"
	"slices"
	"sync"

	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
)

// Well-known checkpoint sources.
const (
	SourceNative       = "fms"
	SourceHF           = "hf"
	SourceMeta         = "meta"
	SourceGGUF         = "gguf"
	SourceHFPretrained = "hf_pretrained"
	SourceHFConfigured = "hf_configured"
)

type architecture struct {
	variants map[string]Factory
	adapters map[string]Adapter
	layerArg string
}

// Registry is a concurrency-safe table of architectures, their variants,
// source adapters and hub config converters.
//
// The zero value is not usable; call NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	archs     map[string]*architecture
	hfConfigs map[string]HFConfigConverter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		archs:     make(map[string]*architecture),
		hfConfigs: make(map[string]HFConfigConverter),
	}
}

func (r *Registry) archLocked(name string) *architecture {
	a, ok := r.archs[name]
	if !ok {
		a = &architecture{variants: make(map[string]Factory), adapters: make(map[string]Adapter)}
		r.archs[name] = a
	}
	return a
}

// RegisterModel adds a variant. Registering an existing (architecture,
// variant) pair fails with ErrModelExists whatever the factory.
func (r *Registry) RegisterModel(arch, variant string, factory Factory) error {
	if arch == "" || variant == "" {
		return invalidConfig("architecture and variant names must be non-empty")
	}
	if factory == nil {
		return invalidConfig("nil factory for %s/%s", arch, variant)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.archLocked(arch)
	if _, exists := a.variants[variant]; exists {
		return fmt.Errorf("%w: model %s/%s", ErrModelExists, arch, variant)
	}
	a.variants[variant] = factory
	return nil
}

// RegisterDerived adds variant as base with args merged over its defaults.
// Caller args given at instantiation still override args.
func (r *Registry) RegisterDerived(arch, variant, base string, args ExtraArgs) error {
	f, err := r.factory(arch, base)
	if err != nil {
		return err
	}
	fixed := args.Clone()
	return r.RegisterModel(arch, variant, func(extra ExtraArgs) (Model, error) {
		merged := fixed.Clone()
		for k, v := range extra {
			merged[k] = v
		}
		return f(merged)
	})
}

// RegisterAdapter adds a source adapter for an architecture.
func (r *Registry) RegisterAdapter(arch, source string, adapter Adapter) error {
	switch source {
	case "", SourceNative, SourceHFPretrained, SourceHFConfigured:
		return invalidConfig("source name %q is reserved", source)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.archLocked(arch)
	if _, exists := a.adapters[source]; exists {
		return fmt.Errorf("%w: adapter %s for %s", ErrModelExists, source, arch)
	}
	a.adapters[source] = adapter
	return nil
}

// SetLayerArg declares the extra-argument key holding the layer count, which
// the resolver infers from checkpoints when the caller does not set it.
func (r *Registry) SetLayerArg(arch, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archLocked(arch).layerArg = key
}

// RegisterHFConfig adds a converter for hub configs with the given model_type.
func (r *Registry) RegisterHFConfig(modelType string, conv HFConfigConverter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hfConfigs[modelType]; exists {
		return fmt.Errorf("%w: hf config converter %s", ErrModelExists, modelType)
	}
	r.hfConfigs[modelType] = conv
	return nil
}

// ListModels returns the registered architecture names, sorted.
func (r *Registry) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.archs))
	for name, a := range r.archs {
		if len(a.variants) > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// ListVariants returns an architecture's variant names, sorted.
func (r *Registry) ListVariants(arch string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.archs[arch]
	if !ok || len(a.variants) == 0 {
		return nil, &NotFoundError{Kind: "architecture", Name: arch}
	}
	names := make([]string, 0, len(a.variants))
	for v := range a.variants {
		names = append(names, v)
	}
	slices.Sort(names)
	return names, nil
}

// ListSources returns the checkpoint sources an architecture can load,
// always including the native source, sorted.
func (r *Registry) ListSources(arch string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.archs[arch]
	if !ok || len(a.variants) == 0 {
		return nil, &NotFoundError{Kind: "architecture", Name: arch}
	}
	names := []string{SourceNative}
	for s := range a.adapters {
		names = append(names, s)
	}
	slices.Sort(names)
	return names, nil
}

// factory looks up a variant, distinguishing unknown architectures from
// unknown variants.
func (r *Registry) factory(arch, variant string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.archs[arch]
	if !ok || len(a.variants) == 0 {
		return nil, &NotFoundError{Kind: "architecture", Name: arch}
	}
	f, ok := a.variants[variant]
	if !ok {
		return nil, &NotFoundError{Kind: "variant", Name: variant, Architecture: arch}
	}
	return f, nil
}

// adapter returns the adapter for source; the native source has none.
func (r *Registry) adapter(arch, source string) (Adapter, error) {
	if source == "" || source == SourceNative {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.archs[arch]
	if !ok {
		return nil, &NotFoundError{Kind: "architecture", Name: arch}
	}
	ad, ok := a.adapters[source]
	if !ok {
		return nil, &NotFoundError{Kind: "source", Name: source, Architecture: arch}
	}
	return ad, nil
}

func (r *Registry) layerArg(arch string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.archs[arch]; ok {
		return a.layerArg
	}
	return ""
}

func (r *Registry) hfConfig(modelType string) (HFConfigConverter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.hfConfigs[modelType]
	if !ok {
		return nil, &NotFoundError{Kind: "hf config", Name: modelType}
	}
	return conv, nil
}

// HFModelTypes returns the model_type values with a registered converter.
func (r *Registry) HFModelTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.hfConfigs))
	for k := range r.hfConfigs {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// ModelInstance builds a lazy instance of arch/variant with args merged over
// the variant defaults. Unknown architectures and unknown variants both fail
// with ErrNotFound, distinguishable through *NotFoundError.Kind. No
// parameter storage is allocated.
func (r *Registry) ModelInstance(arch, variant string, args ExtraArgs) (Model, error) {
	f, err := r.factory(arch, variant)
	if err != nil {
		return nil, err
	}
	m, err := f(args.Clone())
	if err != nil {
		return nil, fmt.Errorf("models: build %s/%s: %w", arch, variant, err)
	}
	nn.LabelSlots(m)
	modelsInstantiated.WithLabelValues(arch, variant).Inc()
	return m, nil
}

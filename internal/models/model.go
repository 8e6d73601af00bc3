// Package models resolves architecture and variant names to configured
// module graphs and loads their weights.
//
// A Registry maps (architecture, variant) pairs to factories. A Resolver
// drives the full load: source classification, hub delegation, registry
// lookup, checkpoint loading, layer-count inference, name adaptation,
// placeholder specialization, weight assignment and dtype coercion.
package models

import (
	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// Model is an instantiated architecture.
type Model interface {
	nn.Module

	// Config returns a pointer to the architecture's resolved config struct.
	Config() any

	// Forward maps [batch, seq] integer token ids to float32 outputs of shape
	// [batch, seq, n] where n is the vocabulary size or the head width.
	Forward(ids *tensor.RawTensor) (*tensor.RawTensor, error)
}

// ExtraArgs are architecture-specific overrides merged over a variant's
// default config, keyed by mapstructure tag (e.g. "nlayers", "linear_config").
type ExtraArgs map[string]any

// Clone returns a shallow copy that can be modified without affecting a.
func (a ExtraArgs) Clone() ExtraArgs {
	out := make(ExtraArgs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Factory builds a lazy model instance from extra arguments. Factories
// merge args into a copy of their default config and never mutate it.
type Factory func(args ExtraArgs) (Model, error)

// Adapter renames (and where needed reshapes) a checkpoint's state dict from
// an external naming convention into the architecture's own names. cfg is
// the instance's Config(). Tensors are shared, not copied, unless reshaped.
type Adapter func(sd serialization.StateDict, cfg any) (serialization.StateDict, error)

// HFTarget is the local equivalent of a hub model's configuration.
type HFTarget struct {
	Architecture string
	Variant      string
	Args         ExtraArgs
}

// HFConfigConverter translates the bytes of a hub config.json into an
// HFTarget. Converters unmarshal into their own typed config struct.
type HFConfigConverter func(configJSON []byte) (HFTarget, error)

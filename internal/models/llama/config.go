// Package llama implements the LLaMA decoder family: pre-RMSNorm blocks,
// grouped-query attention with rotary positions and a SwiGLU feed-forward.
package llama

import (
	"fmt"

	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
)

// Architecture is the registry name.
const Architecture = "llama"

// Config describes a LLaMA model. Keys are the extra-argument names.
type Config struct {
	SrcVocabSize      int              `mapstructure:"src_vocab_size" json:"src_vocab_size" yaml:"src_vocab_size"`
	EmbDim            int              `mapstructure:"emb_dim" json:"emb_dim" yaml:"emb_dim"`
	NormEps           float64          `mapstructure:"norm_eps" json:"norm_eps" yaml:"norm_eps"`
	NHeads            int              `mapstructure:"nheads" json:"nheads" yaml:"nheads"`
	KVHeads           int              `mapstructure:"kvheads" json:"kvheads" yaml:"kvheads"`
	NLayers           int              `mapstructure:"nlayers" json:"nlayers" yaml:"nlayers"`
	PadID             int              `mapstructure:"pad_id" json:"pad_id" yaml:"pad_id"`
	HiddenGrowFactor  float64          `mapstructure:"hidden_grow_factor" json:"hidden_grow_factor" yaml:"hidden_grow_factor"`
	MultipleOf        int              `mapstructure:"multiple_of" json:"multiple_of" yaml:"multiple_of"`
	ActivationFn      string           `mapstructure:"activation_fn" json:"activation_fn" yaml:"activation_fn"`
	MaxExpectedSeqLen int              `mapstructure:"max_expected_seq_len" json:"max_expected_seq_len" yaml:"max_expected_seq_len"`
	AttnBias          bool             `mapstructure:"attn_bias" json:"attn_bias" yaml:"attn_bias"`
	RopeTheta         float64          `mapstructure:"rope_theta" json:"rope_theta" yaml:"rope_theta"`
	TieHeads          bool             `mapstructure:"tie_heads" json:"tie_heads" yaml:"tie_heads"`
	LinearConfig      *nn.LinearConfig `mapstructure:"linear_config" json:"linear_config,omitempty" yaml:"linear_config,omitempty"`
}

// DefaultConfig is the 7B configuration every variant starts from.
func DefaultConfig() Config {
	return Config{
		SrcVocabSize:      32000,
		EmbDim:            4096,
		NormEps:           1e-5,
		NHeads:            32,
		NLayers:           32,
		PadID:             -1,
		HiddenGrowFactor:  8.0 / 3.0,
		MultipleOf:        256,
		ActivationFn:      "swish",
		MaxExpectedSeqLen: 4096,
		RopeTheta:         10000,
	}
}

// Validate checks the config before any module is built.
func (c *Config) Validate() error {
	switch {
	case c.SrcVocabSize <= 0:
		return fmt.Errorf("llama: src_vocab_size must be positive, got %d", c.SrcVocabSize)
	case c.EmbDim <= 0:
		return fmt.Errorf("llama: emb_dim must be positive, got %d", c.EmbDim)
	case c.NLayers < 0:
		return fmt.Errorf("llama: nlayers must not be negative, got %d", c.NLayers)
	case c.HiddenGrowFactor <= 0:
		return fmt.Errorf("llama: hidden_grow_factor must be positive, got %g", c.HiddenGrowFactor)
	}
	if _, err := nn.ActivationByName(c.ActivationFn); err != nil {
		return fmt.Errorf("llama: %w", err)
	}
	if c.LinearConfig != nil {
		if err := c.LinearConfig.Validate(); err != nil {
			return fmt.Errorf("llama: %w", err)
		}
	}
	return nil
}

// HiddenDim is the feed-forward width.
func (c *Config) HiddenDim() int {
	return nn.GatedHiddenDim(c.EmbDim, c.HiddenGrowFactor, c.MultipleOf)
}

// KVHeadCount resolves kvheads, where 0 means one per query head.
func (c *Config) KVHeadCount() int {
	if c.KVHeads == 0 {
		return c.NHeads
	}
	return c.KVHeads
}

// HeadDim is the per-head width.
func (c *Config) HeadDim() int {
	return c.EmbDim / c.NHeads
}

func variants() map[string]Config {
	micro := DefaultConfig()
	micro.EmbDim = 192
	micro.NHeads = 4
	micro.NLayers = 5
	micro.SrcVocabSize = 256

	b13 := DefaultConfig()
	b13.EmbDim = 5120
	b13.NHeads = 40
	b13.NLayers = 40

	b70 := DefaultConfig()
	b70.EmbDim = 8192
	b70.NHeads = 64
	b70.KVHeads = 8
	b70.NLayers = 80
	b70.HiddenGrowFactor = 1.3 * 8 / 3
	b70.MultipleOf = 4096

	l3 := DefaultConfig()
	l3.SrcVocabSize = 128256
	l3.KVHeads = 8
	l3.HiddenGrowFactor = 3.5
	l3.MultipleOf = 1024
	l3.MaxExpectedSeqLen = 8192
	l3.RopeTheta = 500000

	return map[string]Config{
		"micro": micro,
		"7b":    DefaultConfig(),
		"2-7b":  DefaultConfig(),
		"13b":   b13,
		"70b":   b70,
		"3-8b":  l3,
	}
}

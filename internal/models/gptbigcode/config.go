// Package gptbigcode implements the GPTBigCode decoder used by StarCoder and
// SantaCoder: learned positions, pre-LayerNorm blocks and multi-query
// attention.
package gptbigcode

import (
	"fmt"

	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
)

// Architecture is the registry name.
const Architecture = "gpt_bigcode"

// Config describes a GPTBigCode model. Keys are the extra-argument names.
type Config struct {
	SrcVocabSize      int              `mapstructure:"src_vocab_size" json:"src_vocab_size" yaml:"src_vocab_size"`
	EmbDim            int              `mapstructure:"emb_dim" json:"emb_dim" yaml:"emb_dim"`
	NHeads            int              `mapstructure:"nheads" json:"nheads" yaml:"nheads"`
	NLayers           int              `mapstructure:"nlayers" json:"nlayers" yaml:"nlayers"`
	PadID             int              `mapstructure:"pad_id" json:"pad_id" yaml:"pad_id"`
	MaxExpectedSeqLen int              `mapstructure:"max_expected_seq_len" json:"max_expected_seq_len" yaml:"max_expected_seq_len"`
	HiddenGrowFactor  float64          `mapstructure:"hidden_grow_factor" json:"hidden_grow_factor" yaml:"hidden_grow_factor"`
	ActivationFn      string           `mapstructure:"activation_fn" json:"activation_fn" yaml:"activation_fn"`
	MultiqueryAttn    bool             `mapstructure:"multiquery_attn" json:"multiquery_attn" yaml:"multiquery_attn"`
	NormEps           float64          `mapstructure:"ln_eps" json:"ln_eps" yaml:"ln_eps"`
	TieHeads          bool             `mapstructure:"tie_heads" json:"tie_heads" yaml:"tie_heads"`
	LinearConfig      *nn.LinearConfig `mapstructure:"linear_config" json:"linear_config,omitempty" yaml:"linear_config,omitempty"`
}

// DefaultConfig is the configuration every variant starts from.
func DefaultConfig() Config {
	return Config{
		SrcVocabSize:      49157,
		EmbDim:            2048,
		NHeads:            12,
		NLayers:           12,
		MaxExpectedSeqLen: 512,
		HiddenGrowFactor:  4,
		ActivationFn:      "gelu_tanh",
		MultiqueryAttn:    true,
		NormEps:           1e-5,
		TieHeads:          true,
	}
}

// Validate checks the config before any module is built.
func (c *Config) Validate() error {
	switch {
	case c.SrcVocabSize <= 0:
		return fmt.Errorf("gpt_bigcode: src_vocab_size must be positive, got %d", c.SrcVocabSize)
	case c.EmbDim <= 0:
		return fmt.Errorf("gpt_bigcode: emb_dim must be positive, got %d", c.EmbDim)
	case c.NLayers < 0:
		return fmt.Errorf("gpt_bigcode: nlayers must not be negative, got %d", c.NLayers)
	case c.MaxExpectedSeqLen <= 0:
		return fmt.Errorf("gpt_bigcode: max_expected_seq_len must be positive, got %d", c.MaxExpectedSeqLen)
	}
	if _, err := nn.ActivationByName(c.ActivationFn); err != nil {
		return fmt.Errorf("gpt_bigcode: %w", err)
	}
	if c.LinearConfig != nil {
		if err := c.LinearConfig.Validate(); err != nil {
			return fmt.Errorf("gpt_bigcode: %w", err)
		}
	}
	return nil
}

// KVHeads is 1 for multi-query attention, NHeads otherwise.
func (c *Config) KVHeads() int {
	if c.MultiqueryAttn {
		return 1
	}
	return c.NHeads
}

// HiddenDim is the feed-forward width.
func (c *Config) HiddenDim() int {
	return nn.GatedHiddenDim(c.EmbDim, c.HiddenGrowFactor, 1)
}

func variants() map[string]Config {
	santa := DefaultConfig()
	santa.SrcVocabSize = 49280
	santa.NHeads = 16
	santa.NLayers = 24
	santa.MaxExpectedSeqLen = 2048

	ibm20b := DefaultConfig()
	ibm20b.SrcVocabSize = 49152
	ibm20b.EmbDim = 6144
	ibm20b.NHeads = 48
	ibm20b.NLayers = 52
	ibm20b.MaxExpectedSeqLen = 8192

	micro := DefaultConfig()
	micro.SrcVocabSize = 384
	micro.EmbDim = 16
	micro.NHeads = 8
	micro.NLayers = 2
	micro.MaxExpectedSeqLen = 512

	return map[string]Config{
		"santacoder": santa,
		"ibm.20b":    ibm20b,
		"micro":      micro,
	}
}

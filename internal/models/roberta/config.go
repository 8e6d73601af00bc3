// Package roberta implements the RoBERTa encoder with a masked-language-model
// head and a question-answering span head.
package roberta

import (
	"fmt"

	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
)

// Registry names.
const (
	Architecture   = "roberta"
	ArchitectureQA = "roberta_question_answering"
)

// Config describes a RoBERTa encoder. Keys are the extra-argument names.
type Config struct {
	SrcVocabSize     int              `mapstructure:"src_vocab_size" json:"src_vocab_size" yaml:"src_vocab_size"`
	EmbDim           int              `mapstructure:"emb_dim" json:"emb_dim" yaml:"emb_dim"`
	NHeads           int              `mapstructure:"nheads" json:"nheads" yaml:"nheads"`
	NLayers          int              `mapstructure:"nlayers" json:"nlayers" yaml:"nlayers"`
	MaxPos           int              `mapstructure:"max_pos" json:"max_pos" yaml:"max_pos"`
	PadID            int              `mapstructure:"pad_id" json:"pad_id" yaml:"pad_id"`
	HiddenGrowFactor float64          `mapstructure:"hidden_grow_factor" json:"hidden_grow_factor" yaml:"hidden_grow_factor"`
	ActivationFn     string           `mapstructure:"activation_fn" json:"activation_fn" yaml:"activation_fn"`
	NormEps          float64          `mapstructure:"norm_eps" json:"norm_eps" yaml:"norm_eps"`
	TieHeads         bool             `mapstructure:"tie_heads" json:"tie_heads" yaml:"tie_heads"`
	LinearConfig     *nn.LinearConfig `mapstructure:"linear_config" json:"linear_config,omitempty" yaml:"linear_config,omitempty"`
}

// DefaultConfig is roberta-base.
func DefaultConfig() Config {
	return Config{
		SrcVocabSize:     50265,
		EmbDim:           768,
		NHeads:           12,
		NLayers:          12,
		MaxPos:           514,
		PadID:            1,
		HiddenGrowFactor: 4,
		ActivationFn:     "gelu",
		NormEps:          1e-5,
		TieHeads:         true,
	}
}

// Validate checks the config before any module is built.
func (c *Config) Validate() error {
	switch {
	case c.SrcVocabSize <= 0:
		return fmt.Errorf("roberta: src_vocab_size must be positive, got %d", c.SrcVocabSize)
	case c.EmbDim <= 0:
		return fmt.Errorf("roberta: emb_dim must be positive, got %d", c.EmbDim)
	case c.NLayers < 0:
		return fmt.Errorf("roberta: nlayers must not be negative, got %d", c.NLayers)
	case c.PadID < 0 || c.MaxPos <= c.PadID+1:
		return fmt.Errorf("roberta: max_pos %d leaves no positions after pad_id %d", c.MaxPos, c.PadID)
	}
	if _, err := nn.ActivationByName(c.ActivationFn); err != nil {
		return fmt.Errorf("roberta: %w", err)
	}
	if c.LinearConfig != nil {
		if err := c.LinearConfig.Validate(); err != nil {
			return fmt.Errorf("roberta: %w", err)
		}
	}
	return nil
}

// HiddenDim is the feed-forward width.
func (c *Config) HiddenDim() int {
	return nn.GatedHiddenDim(c.EmbDim, c.HiddenGrowFactor, 1)
}

func variants() map[string]Config {
	micro := DefaultConfig()
	micro.SrcVocabSize = 384
	micro.EmbDim = 16
	micro.NHeads = 8
	micro.NLayers = 2
	micro.MaxPos = 512
	micro.HiddenGrowFactor = 2
	return map[string]Config{
		"base":  DefaultConfig(),
		"micro": micro,
	}
}

package llama

import (
	"fmt"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// Shared holds the token embedding and the output head. With tie_heads the
// head reuses the embedding parameter.
type Shared struct {
	Emb  *nn.Embedding
	Head *nn.Linear
}

// Children returns emb and head.
func (s *Shared) Children() []nn.Named {
	return []nn.Named{{Name: "emb", Module: s.Emb}, {Name: "head", Module: s.Head}}
}

// Parameters returns nil.
func (s *Shared) Parameters() []nn.NamedParameter { return nil }

// Block is one decoder layer: x + attn(ln(x)), then x + ff(ff_ln(x)).
type Block struct {
	LN   *nn.RMSNorm
	Attn *nn.MultiHeadAttention
	FFLN *nn.RMSNorm
	FF   *nn.GatedFeedForward
}

// Children returns ln, attn, ff_ln and ff_sub_layer.
func (b *Block) Children() []nn.Named {
	return []nn.Named{
		{Name: "ln", Module: b.LN},
		{Name: "attn", Module: b.Attn},
		{Name: "ff_ln", Module: b.FFLN},
		{Name: "ff_sub_layer", Module: b.FF},
	}
}

// Parameters returns nil.
func (b *Block) Parameters() []nn.NamedParameter { return nil }

// Forward runs the block over a [batch*seq, emb] activation.
func (b *Block) Forward(x *nn.Matrix, batch, seq int) (*nn.Matrix, error) {
	h, err := b.LN.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = b.Attn.Forward(h, batch, seq); err != nil {
		return nil, err
	}
	if err := h.Add(x); err != nil {
		return nil, err
	}
	x = h
	if h, err = b.FFLN.Forward(x); err != nil {
		return nil, err
	}
	if h, err = b.FF.Forward(h); err != nil {
		return nil, err
	}
	if err := h.Add(x); err != nil {
		return nil, err
	}
	return h, nil
}

// LLaMA is the decoder model.
type LLaMA struct {
	cfg     Config
	Shared  *Shared
	Layers  []*Block
	DecNorm *nn.RMSNorm
}

var _ models.Model = (*LLaMA)(nil)

// New builds a lazy LLaMA from cfg.
func New(cfg Config) (*LLaMA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, _ := nn.ActivationByName(cfg.ActivationFn)
	eps := float32(cfg.NormEps)

	emb := nn.NewEmbedding(cfg.SrcVocabSize, cfg.EmbDim)
	head := nn.NewLinear(cfg.EmbDim, cfg.SrcVocabSize, false)
	if cfg.TieHeads {
		head.Weight = emb.Weight
	}
	m := &LLaMA{
		cfg:     cfg,
		Shared:  &Shared{Emb: emb, Head: head},
		Layers:  make([]*Block, cfg.NLayers),
		DecNorm: nn.NewRMSNorm(cfg.EmbDim, eps),
	}
	for i := range m.Layers {
		attn, err := nn.NewAttention(nn.AttentionConfig{
			EmbDim:    cfg.EmbDim,
			NHeads:    cfg.NHeads,
			KVHeads:   cfg.KVHeadCount(),
			Bias:      cfg.AttnBias,
			Causal:    true,
			RopeTheta: cfg.RopeTheta,
			Linear:    cfg.LinearConfig,
		})
		if err != nil {
			return nil, fmt.Errorf("llama: layer %d: %w", i, err)
		}
		ff, err := nn.NewGatedFeedForward(cfg.EmbDim, cfg.HiddenDim(), act, cfg.LinearConfig)
		if err != nil {
			return nil, fmt.Errorf("llama: layer %d: %w", i, err)
		}
		m.Layers[i] = &Block{
			LN:   nn.NewRMSNorm(cfg.EmbDim, eps),
			Attn: attn,
			FFLN: nn.NewRMSNorm(cfg.EmbDim, eps),
			FF:   ff,
		}
	}
	return m, nil
}

// Config returns a *Config.
func (m *LLaMA) Config() any { return &m.cfg }

// Children returns shared, layers and dec_norm.
func (m *LLaMA) Children() []nn.Named {
	return []nn.Named{
		{Name: "shared", Module: m.Shared},
		{Name: "layers", Module: nn.ListOf(m.Layers)},
		{Name: "dec_norm", Module: m.DecNorm},
	}
}

// Parameters returns nil.
func (m *LLaMA) Parameters() []nn.NamedParameter { return nil }

// Forward maps [batch, seq] token ids to [batch, seq, vocab] logits. A graph
// with pending slots fails with *nn.UninitializedError before any weight is read.
func (m *LLaMA) Forward(ids *tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := nn.Verify(m); err != nil {
		return nil, err
	}
	vals, batch, seq, err := models.TokenIDs(ids)
	if err != nil {
		return nil, err
	}
	x, err := m.Shared.Emb.Lookup(vals)
	if err != nil {
		return nil, err
	}
	for i, b := range m.Layers {
		if x, err = b.Forward(x, batch, seq); err != nil {
			return nil, fmt.Errorf("llama: layer %d: %w", i, err)
		}
	}
	if x, err = m.DecNorm.Forward(x); err != nil {
		return nil, err
	}
	logits, err := m.Shared.Head.Forward(x)
	if err != nil {
		return nil, err
	}
	return logits.Tensor(tensor.Shape{batch, seq, m.cfg.SrcVocabSize})
}

package gptbigcode

import (
	"fmt"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// Block is a pre-norm decoder layer: x + attn(ln(x)), then x + ff(ff_ln(x)).
type Block struct {
	LN   *nn.LayerNorm
	Attn *nn.MultiHeadAttention
	FFLN *nn.LayerNorm
	FF   *nn.FeedForward
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

// Headless is the embedding and layer stack without the vocabulary head.
type Headless struct {
	Embedding         *nn.Embedding
	PositionEmbedding *nn.Embedding
	Layers            []*Block
	DecNorm           *nn.LayerNorm
}

// Children returns embedding, position_embedding, layers and dec_norm.
func (h *Headless) Children() []nn.Named {
	return []nn.Named{
		{Name: "embedding", Module: h.Embedding},
		{Name: "position_embedding", Module: h.PositionEmbedding},
		{Name: "layers", Module: nn.ListOf(h.Layers)},
		{Name: "dec_norm", Module: h.DecNorm},
	}
}

// Parameters returns nil.
func (h *Headless) Parameters() []nn.NamedParameter { return nil }

// GPTBigCode is the decoder with its output head.
type GPTBigCode struct {
	cfg  Config
	Base *Headless
	Head *nn.Linear
}

var _ models.Model = (*GPTBigCode)(nil)

// New builds a lazy GPTBigCode from cfg.
func New(cfg Config) (*GPTBigCode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, _ := nn.ActivationByName(cfg.ActivationFn)
	eps := float32(cfg.NormEps)
	base := &Headless{
		Embedding:         nn.NewEmbedding(cfg.SrcVocabSize, cfg.EmbDim),
		PositionEmbedding: nn.NewEmbedding(cfg.MaxExpectedSeqLen, cfg.EmbDim),
		Layers:            make([]*Block, cfg.NLayers),
		DecNorm:           nn.NewLayerNorm(cfg.EmbDim, eps),
	}
	for i := range base.Layers {
		attn, err := nn.NewAttention(nn.AttentionConfig{
			EmbDim:  cfg.EmbDim,
			NHeads:  cfg.NHeads,
			KVHeads: cfg.KVHeads(),
			Bias:    true,
			Causal:  true,
			Linear:  cfg.LinearConfig,
		})
		if err != nil {
			return nil, fmt.Errorf("gpt_bigcode: layer %d: %w", i, err)
		}
		ff, err := nn.NewFeedForward(cfg.EmbDim, cfg.HiddenDim(), true, act, cfg.LinearConfig)
		if err != nil {
			return nil, fmt.Errorf("gpt_bigcode: layer %d: %w", i, err)
		}
		base.Layers[i] = &Block{
			LN:   nn.NewLayerNorm(cfg.EmbDim, eps),
			Attn: attn,
			FFLN: nn.NewLayerNorm(cfg.EmbDim, eps),
			FF:   ff,
		}
	}
	head := nn.NewLinear(cfg.EmbDim, cfg.SrcVocabSize, false)
	if cfg.TieHeads {
		head.Weight = base.Embedding.Weight
	}
	return &GPTBigCode{cfg: cfg, Base: base, Head: head}, nil
}

// Config returns a *Config.
func (m *GPTBigCode) Config() any { return &m.cfg }

// Children returns base_model and head.
func (m *GPTBigCode) Children() []nn.Named {
	return []nn.Named{{Name: "base_model", Module: m.Base}, {Name: "head", Module: m.Head}}
}

// Parameters returns nil.
func (m *GPTBigCode) Parameters() []nn.NamedParameter { return nil }

// Forward maps [batch, seq] token ids to [batch, seq, vocab] logits.
func (m *GPTBigCode) Forward(ids *tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := nn.Verify(m); err != nil {
		return nil, err
	}
	vals, batch, seq, err := models.TokenIDs(ids)
	if err != nil {
		return nil, err
	}
	if seq > m.cfg.MaxExpectedSeqLen {
		return nil, fmt.Errorf("gpt_bigcode: sequence length %d exceeds %d", seq, m.cfg.MaxExpectedSeqLen)
	}
	x, err := m.Base.Embedding.Lookup(vals)
	if err != nil {
		return nil, err
	}
	positions := make([]int64, len(vals))
	for i := range positions {
		positions[i] = int64(i % seq)
	}
	p, err := m.Base.PositionEmbedding.Lookup(positions)
	if err != nil {
		return nil, err
	}
	if err := x.Add(p); err != nil {
		return nil, err
	}
	for i, b := range m.Base.Layers {
		if x, err = b.Forward(x, batch, seq); err != nil {
			return nil, fmt.Errorf("gpt_bigcode: layer %d: %w", i, err)
		}
	}
	if x, err = m.Base.DecNorm.Forward(x); err != nil {
		return nil, err
	}
	logits, err := m.Head.Forward(x)
	if err != nil {
		return nil, err
	}
	return logits.Tensor(tensor.Shape{batch, seq, m.cfg.SrcVocabSize})
}

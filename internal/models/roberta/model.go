package roberta

import (
	"fmt"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// Block is a post-norm encoder layer: ln(x + attn(x)), then
// ff_ln(x + ff(x)).
type Block struct {
	Attn *nn.MultiHeadAttention
	LN   *nn.LayerNorm
	FF   *nn.FeedForward
	FFLN *nn.LayerNorm
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
	h, err := b.Attn.Forward(x, batch, seq)
	if err != nil {
		return nil, err
	}
	if err := h.Add(x); err != nil {
		return nil, err
	}
	if x, err = b.LN.Forward(h); err != nil {
		return nil, err
	}
	if h, err = b.FF.Forward(x); err != nil {
		return nil, err
	}
	if err := h.Add(x); err != nil {
		return nil, err
	}
	return b.FFLN.Forward(h)
}

// Encoder is the RoBERTa trunk shared by both heads.
type Encoder struct {
	cfg               Config
	Embedding         *nn.Embedding
	PositionEmbedding *nn.Embedding
	EncNorm           *nn.LayerNorm
	Layers            []*Block
}

func newEncoder(cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, _ := nn.ActivationByName(cfg.ActivationFn)
	eps := float32(cfg.NormEps)
	e := &Encoder{
		cfg:               cfg,
		Embedding:         nn.NewEmbedding(cfg.SrcVocabSize, cfg.EmbDim),
		PositionEmbedding: nn.NewEmbedding(cfg.MaxPos, cfg.EmbDim),
		EncNorm:           nn.NewLayerNorm(cfg.EmbDim, eps),
		Layers:            make([]*Block, cfg.NLayers),
	}
	for i := range e.Layers {
		attn, err := nn.NewAttention(nn.AttentionConfig{
			EmbDim: cfg.EmbDim,
			NHeads: cfg.NHeads,
			Bias:   true,
			Linear: cfg.LinearConfig,
		})
		if err != nil {
			return nil, fmt.Errorf("roberta: layer %d: %w", i, err)
		}
		ff, err := nn.NewFeedForward(cfg.EmbDim, cfg.HiddenDim(), true, act, cfg.LinearConfig)
		if err != nil {
			return nil, fmt.Errorf("roberta: layer %d: %w", i, err)
		}
		e.Layers[i] = &Block{
			Attn: attn,
			LN:   nn.NewLayerNorm(cfg.EmbDim, eps),
			FF:   ff,
			FFLN: nn.NewLayerNorm(cfg.EmbDim, eps),
		}
	}
	return e, nil
}

// Children returns embedding, position_embedding, enc_norm and layers.
func (e *Encoder) Children() []nn.Named {
	return []nn.Named{
		{Name: "embedding", Module: e.Embedding},
		{Name: "position_embedding", Module: e.PositionEmbedding},
		{Name: "enc_norm", Module: e.EncNorm},
		{Name: "layers", Module: nn.ListOf(e.Layers)},
	}
}

// Parameters returns nil.
func (e *Encoder) Parameters() []nn.NamedParameter { return nil }

// PositionIDs numbers the non-pad tokens of each sequence from pad_id+1.
// Pad tokens get pad_id.
func PositionIDs(ids []int64, batch, seq int, padID int64) []int64 {
	pos := make([]int64, len(ids))
	for b := 0; b < batch; b++ {
		var count int64
		for s := 0; s < seq; s++ {
			i := b*seq + s
			if ids[i] == padID {
				pos[i] = padID
				continue
			}
			count++
			pos[i] = padID + count
		}
	}
	return pos
}

// Forward embeds ids and runs every layer.
func (e *Encoder) Forward(ids []int64, batch, seq int) (*nn.Matrix, error) {
	x, err := e.Embedding.Lookup(ids)
	if err != nil {
		return nil, err
	}
	p, err := e.PositionEmbedding.Lookup(PositionIDs(ids, batch, seq, int64(e.cfg.PadID)))
	if err != nil {
		return nil, fmt.Errorf("roberta: sequence too long for max_pos %d: %w", e.cfg.MaxPos, err)
	}
	if err := x.Add(p); err != nil {
		return nil, err
	}
	if x, err = e.EncNorm.Forward(x); err != nil {
		return nil, err
	}
	for i, b := range e.Layers {
		if x, err = b.Forward(x, batch, seq); err != nil {
			return nil, fmt.Errorf("roberta: layer %d: %w", i, err)
		}
	}
	return x, nil
}

// LMHead is dense, activation, ln, then projection to the vocabulary.
type LMHead struct {
	Dense *nn.Linear
	Act   nn.Activation
	LN    *nn.LayerNorm
	Head  *nn.Linear
}

// Children returns dense, ln and head.
func (h *LMHead) Children() []nn.Named {
	return []nn.Named{
		{Name: "dense", Module: h.Dense},
		{Name: "ln", Module: h.LN},
		{Name: "head", Module: h.Head},
	}
}

// Parameters returns nil.
func (h *LMHead) Parameters() []nn.NamedParameter { return nil }

// Forward maps [n, emb] to [n, vocab].
func (h *LMHead) Forward(x *nn.Matrix) (*nn.Matrix, error) {
	y, err := h.Dense.Forward(x)
	if err != nil {
		return nil, err
	}
	y.Apply(h.Act)
	if y, err = h.LN.Forward(y); err != nil {
		return nil, err
	}
	return h.Head.Forward(y)
}

// RoBERTa is the encoder with its masked-language-model head.
type RoBERTa struct {
	Base *Encoder
	Head *LMHead
}

var _ models.Model = (*RoBERTa)(nil)

// New builds a lazy RoBERTa from cfg.
func New(cfg Config) (*RoBERTa, error) {
	base, err := newEncoder(cfg)
	if err != nil {
		return nil, err
	}
	act, _ := nn.ActivationByName(cfg.ActivationFn)
	head := nn.NewLinear(cfg.EmbDim, cfg.SrcVocabSize, true)
	if cfg.TieHeads {
		head.Weight = base.Embedding.Weight
	}
	return &RoBERTa{
		Base: base,
		Head: &LMHead{
			Dense: nn.NewLinear(cfg.EmbDim, cfg.EmbDim, true),
			Act:   act,
			LN:    nn.NewLayerNorm(cfg.EmbDim, float32(cfg.NormEps)),
			Head:  head,
		},
	}, nil
}

// Config returns a *Config.
func (m *RoBERTa) Config() any { return &m.Base.cfg }

// Children returns base_model and classification_head.
func (m *RoBERTa) Children() []nn.Named {
	return []nn.Named{{Name: "base_model", Module: m.Base}, {Name: "classification_head", Module: m.Head}}
}

// Parameters returns nil.
func (m *RoBERTa) Parameters() []nn.NamedParameter { return nil }

// Forward maps [batch, seq] token ids to [batch, seq, vocab] logits.
func (m *RoBERTa) Forward(ids *tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := nn.Verify(m); err != nil {
		return nil, err
	}
	vals, batch, seq, err := models.TokenIDs(ids)
	if err != nil {
		return nil, err
	}
	x, err := m.Base.Forward(vals, batch, seq)
	if err != nil {
		return nil, err
	}
	logits, err := m.Head.Forward(x)
	if err != nil {
		return nil, err
	}
	return logits.Tensor(tensor.Shape{batch, seq, m.Base.cfg.SrcVocabSize})
}

// QuestionAnswering is the encoder with a start/end span head.
type QuestionAnswering struct {
	Base   *Encoder
	QAHead *nn.Linear
}

var _ models.Model = (*QuestionAnswering)(nil)

// NewQuestionAnswering builds a lazy span-prediction model from cfg.
func NewQuestionAnswering(cfg Config) (*QuestionAnswering, error) {
	base, err := newEncoder(cfg)
	if err != nil {
		return nil, err
	}
	return &QuestionAnswering{Base: base, QAHead: nn.NewLinear(cfg.EmbDim, 2, true)}, nil
}

// Config returns a *Config.
func (m *QuestionAnswering) Config() any { return &m.Base.cfg }

// Children returns base_model and qa_head.
func (m *QuestionAnswering) Children() []nn.Named {
	return []nn.Named{{Name: "base_model", Module: m.Base}, {Name: "qa_head", Module: m.QAHead}}
}

// Parameters returns nil.
func (m *QuestionAnswering) Parameters() []nn.NamedParameter { return nil }

// Forward maps [batch, seq] token ids to [batch, seq, 2] start and end
// logits.
func (m *QuestionAnswering) Forward(ids *tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := nn.Verify(m); err != nil {
		return nil, err
	}
	vals, batch, seq, err := models.TokenIDs(ids)
	if err != nil {
		return nil, err
	}
	x, err := m.Base.Forward(vals, batch, seq)
	if err != nil {
		return nil, err
	}
	logits, err := m.QAHead.Forward(x)
	if err != nil {
		return nil, err
	}
	return logits.Tensor(tensor.Shape{batch, seq, 2})
}

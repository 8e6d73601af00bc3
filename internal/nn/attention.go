package nn

import (
	"fmt"
	"math"
)

// AttentionConfig configures a MultiHeadAttention block.
type AttentionConfig struct {
	EmbDim  int
	NHeads  int
	KVHeads int // 0 means NHeads; 1 is multi-query attention
	HeadDim int // 0 means EmbDim / NHeads
	Bias    bool
	Causal  bool
	// RopeTheta enables rotary position embeddings in rotate-half layout
	// when positive.
	RopeTheta float64
	Linear    *LinearConfig
}

// QKV holds the query, key and value projections.
type QKV struct {
	Query *Slot
	Key   *Slot
	Value *Slot
}

// Children returns query, key and value.
func (p *QKV) Children() []Named {
	return []Named{{"query", p.Query}, {"key", p.Key}, {"value", p.Value}}
}

// Parameters returns nil; the projections own the weights.
func (p *QKV) Parameters() []NamedParameter { return nil }

// MultiHeadAttention implements scaled dot-product attention with grouped
// key/value heads. NHeads query heads share KVHeads key/value heads, so
// KVHeads == NHeads is standard MHA, 1 < KVHeads < NHeads is GQA and
// KVHeads == 1 is MQA.
//
// Submodules: in_proj.{query,key,value} and dense.
type MultiHeadAttention struct {
	cfg    AttentionConfig
	InProj *QKV
	Dense  *Slot
}

// NewAttention creates a lazy attention block.
func NewAttention(cfg AttentionConfig) (*MultiHeadAttention, error) {
	if cfg.NHeads <= 0 {
		return nil, fmt.Errorf("nn: attention needs positive heads, got %d", cfg.NHeads)
	}
	if cfg.KVHeads == 0 {
		cfg.KVHeads = cfg.NHeads
	}
	if cfg.NHeads%cfg.KVHeads != 0 {
		return nil, fmt.Errorf("nn: %d heads cannot be grouped over %d kv heads", cfg.NHeads, cfg.KVHeads)
	}
	if cfg.HeadDim == 0 {
		if cfg.EmbDim%cfg.NHeads != 0 {
			return nil, fmt.Errorf("nn: emb_dim %d not divisible by %d heads", cfg.EmbDim, cfg.NHeads)
		}
		cfg.HeadDim = cfg.EmbDim / cfg.NHeads
	}
	if cfg.RopeTheta > 0 && cfg.HeadDim%2 != 0 {
		return nil, fmt.Errorf("nn: rotary embeddings need an even head dim, got %d", cfg.HeadDim)
	}

	qDim, kvDim := cfg.NHeads*cfg.HeadDim, cfg.KVHeads*cfg.HeadDim
	a := &MultiHeadAttention{cfg: cfg, InProj: &QKV{}}
	var err error
	if a.InProj.Query, err = NewLinearSlot(cfg.EmbDim, qDim, cfg.Bias, cfg.Linear); err != nil {
		return nil, err
	}
	if a.InProj.Key, err = NewLinearSlot(cfg.EmbDim, kvDim, cfg.Bias, cfg.Linear); err != nil {
		return nil, err
	}
	if a.InProj.Value, err = NewLinearSlot(cfg.EmbDim, kvDim, cfg.Bias, cfg.Linear); err != nil {
		return nil, err
	}
	if a.Dense, err = NewLinearSlot(qDim, cfg.EmbDim, cfg.Bias, cfg.Linear); err != nil {
		return nil, err
	}
	return a, nil
}

// Config returns the resolved configuration.
func (a *MultiHeadAttention) Config() AttentionConfig { return a.cfg }

// Children returns in_proj and dense.
func (a *MultiHeadAttention) Children() []Named {
	return []Named{{"in_proj", a.InProj}, {"dense", a.Dense}}
}

// Parameters returns nil; projections own the weights.
func (a *MultiHeadAttention) Parameters() []NamedParameter { return nil }

// Forward attends over x, a [batch*seq, emb] matrix of batch sequences of
// length seq, and returns a matrix of the same shape.
func (a *MultiHeadAttention) Forward(x *Matrix, batch, seq int) (*Matrix, error) {
	if batch*seq != x.Rows {
		return nil, fmt.Errorf("nn: attention input has %d rows, want %d*%d", x.Rows, batch, seq)
	}
	q, err := a.InProj.Query.Forward(x)
	if err != nil {
		return nil, err
	}
	k, err := a.InProj.Key.Forward(x)
	if err != nil {
		return nil, err
	}
	v, err := a.InProj.Value.Forward(x)
	if err != nil {
		return nil, err
	}

	hd := a.cfg.HeadDim
	if a.cfg.RopeTheta > 0 {
		applyRotary(q, a.cfg.NHeads, hd, seq, a.cfg.RopeTheta)
		applyRotary(k, a.cfg.KVHeads, hd, seq, a.cfg.RopeTheta)
	}

	group := a.cfg.NHeads / a.cfg.KVHeads
	scale := float32(1 / math.Sqrt(float64(hd)))
	out := NewMatrix(x.Rows, a.cfg.NHeads*hd)
	scores := make([]float32, seq)
	for b := 0; b < batch; b++ {
		base := b * seq
		for h := 0; h < a.cfg.NHeads; h++ {
			kvh := h / group
			for s := 0; s < seq; s++ {
				qs := q.Row(base + s)[h*hd : (h+1)*hd]
				limit := seq
				if a.cfg.Causal {
					limit = s + 1
				}
				sc := scores[:limit]
				for t := 0; t < limit; t++ {
					kt := k.Row(base + t)[kvh*hd : (kvh+1)*hd]
					var dot float32
					for d := range qs {
						dot += qs[d] * kt[d]
					}
					sc[t] = dot * scale
				}
				softmax(sc)
				dst := out.Row(base + s)[h*hd : (h+1)*hd]
				for t, p := range sc {
					vt := v.Row(base + t)[kvh*hd : (kvh+1)*hd]
					for d := range dst {
						dst[d] += p * vt[d]
					}
				}
			}
		}
	}
	return a.Dense.Forward(out)
}

// applyRotary rotates each head of m in place using the rotate-half layout:
// the first and second halves of a head form the (real, imaginary) pairs.
func applyRotary(m *Matrix, heads, headDim, seq int, theta float64) {
	half := headDim / 2
	for r := 0; r < m.Rows; r++ {
		pos := float64(r % seq)
		row := m.Row(r)
		for h := 0; h < heads; h++ {
			v := row[h*headDim : (h+1)*headDim]
			for d := 0; d < half; d++ {
				freq := math.Pow(theta, -2*float64(d)/float64(headDim))
				sin, cos := math.Sincos(pos * freq)
				x1, x2 := float64(v[d]), float64(v[d+half])
				v[d] = float32(x1*cos - x2*sin)
				v[d+half] = float32(x2*cos + x1*sin)
			}
		}
	}
}

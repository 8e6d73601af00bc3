package llama

import (
	"fmt"
	"strings"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// hfMapper maps LlamaForCausalLM names. HF checkpoints already store q/k
// rows in rotate-half order.
var hfMapper = &models.LayerMapper{
	Global: []models.Rule{
		{From: "model.embed_tokens", To: "shared.emb"},
		{From: "lm_head", To: "shared.head"},
		{From: "model.norm", To: "dec_norm"},
	},
	LayerFrom: "model.layers",
	LayerTo:   "layers",
	Layer: []models.Rule{
		{From: "self_attn.q_proj", To: "attn.in_proj.query"},
		{From: "self_attn.k_proj", To: "attn.in_proj.key"},
		{From: "self_attn.v_proj", To: "attn.in_proj.value"},
		{From: "self_attn.o_proj", To: "attn.dense"},
		{From: "mlp.gate_proj", To: "ff_sub_layer.wg"},
		{From: "mlp.up_proj", To: "ff_sub_layer.w1"},
		{From: "mlp.down_proj", To: "ff_sub_layer.w2"},
		{From: "input_layernorm", To: "ln"},
		{From: "post_attention_layernorm", To: "ff_ln"},
	},
	Drop: []string{"rotary_emb.inv_freq"},
}

// metaMapper maps Meta consolidated checkpoint names.
var metaMapper = &models.LayerMapper{
	Global: []models.Rule{
		{From: "tok_embeddings", To: "shared.emb"},
		{From: "output", To: "shared.head"},
		{From: "norm", To: "dec_norm"},
	},
	LayerFrom: "layers",
	LayerTo:   "layers",
	Layer: []models.Rule{
		{From: "attention.wq", To: "attn.in_proj.query"},
		{From: "attention.wk", To: "attn.in_proj.key"},
		{From: "attention.wv", To: "attn.in_proj.value"},
		{From: "attention.wo", To: "attn.dense"},
		{From: "feed_forward.w1", To: "ff_sub_layer.wg"},
		{From: "feed_forward.w3", To: "ff_sub_layer.w1"},
		{From: "feed_forward.w2", To: "ff_sub_layer.w2"},
		{From: "attention_norm", To: "ln"},
		{From: "ffn_norm", To: "ff_ln"},
	},
	Drop: []string{"rope.freqs"},
}

// ggufMapper maps llama.cpp GGUF names. The converter writes q/k rows in
// the interleaved layout, like Meta checkpoints.
var ggufMapper = &models.LayerMapper{
	Global: []models.Rule{
		{From: "token_embd", To: "shared.emb"},
		{From: "output", To: "shared.head"},
		{From: "output_norm", To: "dec_norm"},
	},
	LayerFrom: "blk",
	LayerTo:   "layers",
	Layer: []models.Rule{
		{From: "attn_q", To: "attn.in_proj.query"},
		{From: "attn_k", To: "attn.in_proj.key"},
		{From: "attn_v", To: "attn.in_proj.value"},
		{From: "attn_output", To: "attn.dense"},
		{From: "ffn_gate", To: "ff_sub_layer.wg"},
		{From: "ffn_up", To: "ff_sub_layer.w1"},
		{From: "ffn_down", To: "ff_sub_layer.w2"},
		{From: "attn_norm", To: "ln"},
		{From: "ffn_norm", To: "ff_ln"},
	},
	Drop: []string{"rope_freqs"},
}

var (
	metaAdapter = interleavedAdapter("meta", metaMapper)
	ggufAdapter = interleavedAdapter("gguf", ggufMapper)
)

// interleavedAdapter renames with m and reorders query and key rows from the
// interleaved rotary layout to rotate-half.
func interleavedAdapter(source string, m models.WeightMapper) models.Adapter {
	return func(sd serialization.StateDict, cfg any) (serialization.StateDict, error) {
		c, ok := cfg.(*Config)
		if !ok {
			return nil, fmt.Errorf("llama: %s adapter needs *llama.Config, got %T", source, cfg)
		}
		flat, err := models.MapStateDict(sd, m)
		if err != nil {
			return nil, err
		}
		for _, key := range flat.Keys() {
			var heads int
			switch {
			case strings.HasSuffix(key, ".attn.in_proj.query.weight"):
				heads = c.NHeads
			case strings.HasSuffix(key, ".attn.in_proj.key.weight"):
				heads = c.KVHeadCount()
			default:
				continue
			}
			t, _ := flat.Get(key)
			p, err := permuteRotary(t, heads, true)
			if err != nil {
				return nil, fmt.Errorf("llama: %s: %w", key, err)
			}
			flat.Set(key, p)
		}
		return flat, nil
	}
}

// permuteRotary reorders the rows of each head of a [heads*head_dim, in]
// projection. toHalf moves row 2j+c to c*head_dim/2+j (interleaved to
// rotate-half); the reverse direction undoes it.
func permuteRotary(t *tensor.RawTensor, heads int, toHalf bool) (*tensor.RawTensor, error) {
	shape := t.Shape()
	if len(shape) != 2 || heads <= 0 || shape[0]%heads != 0 || (shape[0]/heads)%2 != 0 {
		return nil, fmt.Errorf("cannot split shape %s into %d rotary heads", shape, heads)
	}
	headDim := shape[0] / heads
	half := headDim / 2
	rowBytes := shape[1] * t.DType().Size()
	out, err := tensor.NewRaw(shape, t.DType(), tensor.CPU)
	if err != nil {
		return nil, err
	}
	src, dst := t.Data(), out.Data()
	for h := 0; h < heads; h++ {
		base := h * headDim
		for j := 0; j < half; j++ {
			for c := 0; c < 2; c++ {
				interleaved, split := base+2*j+c, base+c*half+j
				from, to := interleaved, split
				if !toHalf {
					from, to = split, interleaved
				}
				copy(dst[to*rowBytes:(to+1)*rowBytes], src[from*rowBytes:(from+1)*rowBytes])
			}
		}
	}
	return out, nil
}

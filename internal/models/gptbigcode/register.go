package gptbigcode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// Register adds the GPTBigCode variants, the "hf" adapter and the hub
// converter for model_type "gpt_bigcode".
func Register(r *models.Registry) error {
	for name, base := range variants() {
		if err := r.RegisterModel(Architecture, name, factory(base)); err != nil {
			return err
		}
	}
	if err := r.RegisterAdapter(Architecture, models.SourceHF, hfAdapter); err != nil {
		return err
	}
	r.SetLayerArg(Architecture, "nlayers")
	return r.RegisterHFConfig("gpt_bigcode", convertHFConfig)
}

func factory(base Config) models.Factory {
	return func(args models.ExtraArgs) (models.Model, error) {
		cfg, err := models.MergeConfig(base, args)
		if err != nil {
			return nil, err
		}
		return New(cfg)
	}
}

// fusedQKV is the intermediate name of HF's c_attn before it is split.
const fusedQKV = "attn.qkv"

var hfMapper = &models.LayerMapper{
	Global: []models.Rule{
		{From: "transformer.wte", To: "base_model.embedding"},
		{From: "transformer.wpe", To: "base_model.position_embedding"},
		{From: "transformer.ln_f", To: "base_model.dec_norm"},
		{From: "lm_head", To: "head"},
	},
	LayerFrom: "transformer.h",
	LayerTo:   "base_model.layers",
	Layer: []models.Rule{
		{From: "ln_1", To: "ln"},
		{From: "ln_2", To: "ff_ln"},
		{From: "attn.c_attn", To: fusedQKV},
		{From: "attn.c_proj", To: "attn.dense"},
		{From: "mlp.c_fc", To: "ff_sub_layer.w1"},
		{From: "mlp.c_proj", To: "ff_sub_layer.w2"},
	},
	Drop: []string{"attn.masked_bias", "attn.bias"},
}

// hfAdapter renames HF GPTBigCode checkpoints and splits each fused c_attn
// projection into query, key and value rows of [emb, kv, kv].
func hfAdapter(sd serialization.StateDict, cfg any) (serialization.StateDict, error) {
	c, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("gpt_bigcode: hf adapter needs *Config, got %T", cfg)
	}
	flat, err := models.MapStateDict(sd, hfMapper)
	if err != nil {
		return nil, err
	}
	kv := c.KVHeads() * (c.EmbDim / c.NHeads)
	sizes := []int{c.EmbDim, kv, kv}

	out := serialization.NewFlatWithCapacity(flat.Len())
	for _, key := range flat.Keys() {
		t, _ := flat.Get(key)
		prefix, param, fused := strings.Cut(key, "."+fusedQKV+".")
		if !fused {
			out.Set(key, t)
			continue
		}
		if param != "weight" && param != "bias" {
			return nil, fmt.Errorf("gpt_bigcode: fused c_attn.%s cannot be split", param)
		}
		parts, err := splitRows(t, sizes)
		if err != nil {
			return nil, fmt.Errorf("gpt_bigcode: %s: %w", key, err)
		}
		for i, name := range []string{"query", "key", "value"} {
			out.Set(prefix+".attn.in_proj."+name+"."+param, parts[i])
		}
	}
	return out, nil
}

// splitRows cuts t along its first dimension into copies of the given row
// counts.
func splitRows(t *tensor.RawTensor, sizes []int) ([]*tensor.RawTensor, error) {
	shape := t.Shape()
	total := 0
	for _, s := range sizes {
		total += s
	}
	if len(shape) == 0 || shape[0] != total {
		return nil, fmt.Errorf("shape %s does not split into %v rows", shape, sizes)
	}
	rowBytes := t.ByteSize() / shape[0]
	data := t.Data()
	out := make([]*tensor.RawTensor, len(sizes))
	off := 0
	for i, s := range sizes {
		part := make([]byte, s*rowBytes)
		copy(part, data[off:off+len(part)])
		off += len(part)
		ps := shape.Clone()
		ps[0] = s
		pt, err := tensor.FromBytes(ps, t.DType(), part)
		if err != nil {
			return nil, err
		}
		out[i] = pt
	}
	return out, nil
}

type hfConfig struct {
	VocabSize          int                    `json:"vocab_size"`
	NEmbd              int                    `json:"n_embd"`
	NHead              int                    `json:"n_head"`
	NLayer             int                    `json:"n_layer"`
	NPositions         int                    `json:"n_positions"`
	NInner             *int                   `json:"n_inner"`
	ActivationFunction string                 `json:"activation_function"`
	LayerNormEpsilon   float64                `json:"layer_norm_epsilon"`
	MultiQuery         *bool                  `json:"multi_query"`
	TieWordEmbeddings  *bool                  `json:"tie_word_embeddings"`
	QuantizationConfig *models.HFQuantization `json:"quantization_config"`
}

func convertHFConfig(data []byte) (models.HFTarget, error) {
	var hf hfConfig
	if err := json.Unmarshal(data, &hf); err != nil {
		return models.HFTarget{}, err
	}
	if hf.NEmbd <= 0 {
		return models.HFTarget{}, errors.New("n_embd is required")
	}
	args := models.ExtraArgs{
		"src_vocab_size":       hf.VocabSize,
		"emb_dim":              hf.NEmbd,
		"nheads":               hf.NHead,
		"nlayers":              hf.NLayer,
		"max_expected_seq_len": hf.NPositions,
	}
	if hf.NInner != nil {
		args["hidden_grow_factor"] = float64(*hf.NInner) / float64(hf.NEmbd)
	}
	if hf.ActivationFunction != "" {
		args["activation_fn"] = hf.ActivationFunction
	}
	if hf.LayerNormEpsilon > 0 {
		args["ln_eps"] = hf.LayerNormEpsilon
	}
	if hf.MultiQuery != nil {
		args["multiquery_attn"] = *hf.MultiQuery
	}
	if hf.TieWordEmbeddings != nil {
		args["tie_heads"] = *hf.TieWordEmbeddings
	}
	if q := hf.QuantizationConfig; q != nil {
		lc, err := q.LinearConfig()
		if err != nil {
			return models.HFTarget{}, err
		}
		args["linear_config"] = lc
	}
	return models.HFTarget{Architecture: Architecture, Variant: "santacoder", Args: args}, nil
}

package roberta

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// Register adds both RoBERTa architectures, their "hf" adapters and the hub
// converter for model_type "roberta".
func Register(r *models.Registry) error {
	for name, base := range variants() {
		if err := r.RegisterModel(Architecture, name, factory(base, false)); err != nil {
			return err
		}
		if err := r.RegisterModel(ArchitectureQA, name, factory(base, true)); err != nil {
			return err
		}
	}
	if err := r.RegisterAdapter(Architecture, models.SourceHF, hfAdapter); err != nil {
		return err
	}
	if err := r.RegisterAdapter(ArchitectureQA, models.SourceHF, hfAdapter); err != nil {
		return err
	}
	r.SetLayerArg(Architecture, "nlayers")
	r.SetLayerArg(ArchitectureQA, "nlayers")
	return r.RegisterHFConfig("roberta", convertHFConfig)
}

func factory(base Config, qa bool) models.Factory {
	return func(args models.ExtraArgs) (models.Model, error) {
		cfg, err := models.MergeConfig(base, args)
		if err != nil {
			return nil, err
		}
		if qa {
			return NewQuestionAnswering(cfg)
		}
		return New(cfg)
	}
}

func newHFMapper(dropDecoderBias bool) *models.LayerMapper {
	m := &models.LayerMapper{
		Global: []models.Rule{
			{From: "roberta.embeddings.word_embeddings", To: "base_model.embedding"},
			{From: "roberta.embeddings.position_embeddings", To: "base_model.position_embedding"},
			{From: "roberta.embeddings.LayerNorm", To: "base_model.enc_norm"},
			{From: "lm_head.dense", To: "classification_head.dense"},
			{From: "lm_head.layer_norm", To: "classification_head.ln"},
			{From: "lm_head.decoder", To: "classification_head.head"},
			{From: "lm_head.bias", To: "classification_head.head.bias"},
			{From: "qa_outputs", To: "qa_head"},
		},
		LayerFrom: "roberta.encoder.layer",
		LayerTo:   "base_model.layers",
		Layer: []models.Rule{
			{From: "attention.self.query", To: "attn.in_proj.query"},
			{From: "attention.self.key", To: "attn.in_proj.key"},
			{From: "attention.self.value", To: "attn.in_proj.value"},
			{From: "attention.output.dense", To: "attn.dense"},
			{From: "attention.output.LayerNorm", To: "ln"},
			{From: "intermediate.dense", To: "ff_sub_layer.w1"},
			{From: "output.dense", To: "ff_sub_layer.w2"},
			{From: "output.LayerNorm", To: "ff_ln"},
		},
		Drop: []string{
			"roberta.pooler",
			"roberta.embeddings.position_ids",
			"roberta.embeddings.token_type_embeddings",
		},
	}
	if dropDecoderBias {
		m.Drop = append(m.Drop, "lm_head.decoder.bias")
	}
	return m
}

const tokenTypeKey = "roberta.embeddings.token_type_embeddings.weight"

// hfAdapter renames HF RoBERTa checkpoints. The single token-type embedding
// row is folded into every position embedding.
func hfAdapter(sd serialization.StateDict, _ any) (serialization.StateDict, error) {
	_, hasBias := sd.Get("lm_head.bias")
	flat, err := models.MapStateDict(sd, newHFMapper(hasBias))
	if err != nil {
		return nil, err
	}
	tt, ok := sd.Get(tokenTypeKey)
	if !ok {
		return flat, nil
	}
	pos, ok := flat.Get("base_model.position_embedding.weight")
	if !ok {
		return flat, nil
	}
	folded, err := foldTokenType(pos, tt)
	if err != nil {
		return nil, err
	}
	flat.Set("base_model.position_embedding.weight", folded)
	return flat, nil
}

func foldTokenType(pos, tt *tensor.RawTensor) (*tensor.RawTensor, error) {
	ps, ts := pos.Shape(), tt.Shape()
	if len(ps) != 2 || len(ts) != 2 || ps[1] != ts[1] || ts[0] < 1 {
		return nil, fmt.Errorf("roberta: cannot fold token types %s into positions %s", ts, ps)
	}
	vals := pos.Float32s()
	row := tt.Float32s()[:ts[1]]
	for i := range vals {
		vals[i] += row[i%ts[1]]
	}
	return tensor.FromFloat32(ps.Clone(), tensor.Float32, vals)
}

type hfConfig struct {
	Architectures         []string               `json:"architectures"`
	VocabSize             int                    `json:"vocab_size"`
	HiddenSize            int                    `json:"hidden_size"`
	NumAttentionHeads     int                    `json:"num_attention_heads"`
	NumHiddenLayers       int                    `json:"num_hidden_layers"`
	IntermediateSize      int                    `json:"intermediate_size"`
	MaxPositionEmbeddings int                    `json:"max_position_embeddings"`
	PadTokenID            *int                   `json:"pad_token_id"`
	HiddenAct             string                 `json:"hidden_act"`
	LayerNormEps          float64                `json:"layer_norm_eps"`
	TieWordEmbeddings     *bool                  `json:"tie_word_embeddings"`
	QuantizationConfig    *models.HFQuantization `json:"quantization_config"`
}

func convertHFConfig(data []byte) (models.HFTarget, error) {
	var hf hfConfig
	if err := json.Unmarshal(data, &hf); err != nil {
		return models.HFTarget{}, err
	}
	if hf.HiddenSize <= 0 {
		return models.HFTarget{}, errors.New("hidden_size is required")
	}
	args := models.ExtraArgs{
		"src_vocab_size":     hf.VocabSize,
		"emb_dim":            hf.HiddenSize,
		"nheads":             hf.NumAttentionHeads,
		"nlayers":            hf.NumHiddenLayers,
		"max_pos":            hf.MaxPositionEmbeddings,
		"hidden_grow_factor": float64(hf.IntermediateSize) / float64(hf.HiddenSize),
	}
	if hf.PadTokenID != nil {
		args["pad_id"] = *hf.PadTokenID
	}
	if hf.HiddenAct != "" {
		args["activation_fn"] = hf.HiddenAct
	}
	if hf.LayerNormEps > 0 {
		args["norm_eps"] = hf.LayerNormEps
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
	arch := Architecture
	if slices.Contains(hf.Architectures, "RobertaForQuestionAnswering") {
		arch = ArchitectureQA
	}
	return models.HFTarget{Architecture: arch, Variant: "base", Args: args}, nil
}

package llama

import (
	"encoding/json"
	"errors"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
)

// Register adds the llama variants, the "hf", "meta" and "gguf" adapters and the
// hub converter for model_type "llama".
func Register(r *models.Registry) error {
	for name, base := range variants() {
		if err := r.RegisterModel(Architecture, name, factory(base)); err != nil {
			return err
		}
	}
	if err := r.RegisterAdapter(Architecture, models.SourceHF, models.MapperAdapter(hfMapper)); err != nil {
		return err
	}
	if err := r.RegisterAdapter(Architecture, models.SourceMeta, metaAdapter); err != nil {
		return err
	}
	if err := r.RegisterAdapter(Architecture, models.SourceGGUF, ggufAdapter); err != nil {
		return err
	}
	r.SetLayerArg(Architecture, "nlayers")
	return r.RegisterHFConfig("llama", convertHFConfig)
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

type hfConfig struct {
	VocabSize             int                    `json:"vocab_size"`
	HiddenSize            int                    `json:"hidden_size"`
	IntermediateSize      int                    `json:"intermediate_size"`
	NumHiddenLayers       int                    `json:"num_hidden_layers"`
	NumAttentionHeads     int                    `json:"num_attention_heads"`
	NumKeyValueHeads      int                    `json:"num_key_value_heads"`
	RMSNormEps            float64                `json:"rms_norm_eps"`
	MaxPositionEmbeddings int                    `json:"max_position_embeddings"`
	RopeTheta             float64                `json:"rope_theta"`
	HiddenAct             string                 `json:"hidden_act"`
	PadTokenID            *int                   `json:"pad_token_id"`
	TieWordEmbeddings     bool                   `json:"tie_word_embeddings"`
	AttentionBias         bool                   `json:"attention_bias"`
	QuantizationConfig    *models.HFQuantization `json:"quantization_config"`
}

func convertHFConfig(data []byte) (models.HFTarget, error) {
	var hf hfConfig
	if err := json.Unmarshal(data, &hf); err != nil {
		return models.HFTarget{}, err
	}
	if hf.HiddenSize <= 0 || hf.NumAttentionHeads <= 0 {
		return models.HFTarget{}, errors.New("hidden_size and num_attention_heads are required")
	}
	args := models.ExtraArgs{
		"src_vocab_size":     hf.VocabSize,
		"emb_dim":            hf.HiddenSize,
		"nheads":             hf.NumAttentionHeads,
		"kvheads":            hf.NumKeyValueHeads,
		"nlayers":            hf.NumHiddenLayers,
		"hidden_grow_factor": float64(hf.IntermediateSize) / float64(hf.HiddenSize),
		"multiple_of":        1,
		"tie_heads":          hf.TieWordEmbeddings,
		"attn_bias":          hf.AttentionBias,
	}
	if hf.RMSNormEps > 0 {
		args["norm_eps"] = hf.RMSNormEps
	}
	if hf.MaxPositionEmbeddings > 0 {
		args["max_expected_seq_len"] = hf.MaxPositionEmbeddings
	}
	if hf.RopeTheta > 0 {
		args["rope_theta"] = hf.RopeTheta
	}
	if hf.HiddenAct != "" {
		args["activation_fn"] = hf.HiddenAct
	}
	if hf.PadTokenID != nil {
		args["pad_id"] = *hf.PadTokenID
	}
	if q := hf.QuantizationConfig; q != nil {
		lc, err := q.LinearConfig()
		if err != nil {
			return models.HFTarget{}, err
		}
		args["linear_config"] = lc
	}
	return models.HFTarget{Architecture: Architecture, Variant: "7b", Args: args}, nil
}

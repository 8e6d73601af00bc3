package llama

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

func registry(t *testing.T) *models.Registry {
	t.Helper()
	r := models.NewRegistry()
	require.NoError(t, Register(r))
	return r
}

func tiny(t *testing.T, args models.ExtraArgs) *LLaMA {
	t.Helper()
	base := models.ExtraArgs{"nlayers": 2, "emb_dim": 16, "nheads": 4, "src_vocab_size": 32}
	for k, v := range args {
		base[k] = v
	}
	m, err := registry(t).ModelInstance(Architecture, "micro", base)
	require.NoError(t, err)
	return m.(*LLaMA)
}

func TestRegister_EveryVariantResolves(t *testing.T) {
	r := registry(t)
	names, err := r.ListVariants(Architecture)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"micro", "7b", "2-7b", "13b", "70b", "3-8b"}, names)

	for _, v := range names {
		m, err := r.ModelInstance(Architecture, v, nil)
		require.NoError(t, err, v)
		assert.Positive(t, nn.CountParameters(m), v)
	}

	err = Register(r)
	assert.True(t, errors.Is(err, models.ErrModelExists))
}

func TestMicroHasFiveLayers(t *testing.T) {
	m, err := registry(t).ModelInstance(Architecture, "micro", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, m.Config().(*Config).NLayers)
}

func TestFactory_DoesNotMutateDefaults(t *testing.T) {
	r := registry(t)
	m, err := r.ModelInstance(Architecture, "micro", models.ExtraArgs{
		"nlayers":       2,
		"linear_config": map[string]any{"linear_type": "gptq", "group_size": 64},
	})
	require.NoError(t, err)
	cfg := m.Config().(*Config)
	assert.Equal(t, 2, cfg.NLayers)
	require.NotNil(t, cfg.LinearConfig)
	assert.Equal(t, 64, cfg.LinearConfig.GroupSize)

	again, err := r.ModelInstance(Architecture, "micro", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, again.Config().(*Config).NLayers)
	assert.Nil(t, again.Config().(*Config).LinearConfig)
}

func TestFactory_RejectsUnknownArgs(t *testing.T) {
	_, err := registry(t).ModelInstance(Architecture, "micro", models.ExtraArgs{"n_layers": 3})
	assert.True(t, errors.Is(err, models.ErrInvalidConfig))
}

func TestStateDictNames(t *testing.T) {
	m := tiny(t, nil)
	names := make([]string, 0)
	for _, p := range nn.NamedParameters(m) {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, "shared.emb.weight")
	assert.Contains(t, names, "shared.head.weight")
	assert.Contains(t, names, "layers.1.attn.in_proj.query.weight")
	assert.Contains(t, names, "layers.1.attn.dense.weight")
	assert.Contains(t, names, "layers.0.ff_sub_layer.wg.weight")
	assert.Contains(t, names, "layers.0.ff_ln.weight")
	assert.Contains(t, names, "dec_norm.weight")
}

func TestTieHeads(t *testing.T) {
	m := tiny(t, models.ExtraArgs{"tie_heads": true})
	assert.Same(t, m.Shared.Emb.Weight, m.Shared.Head.Weight)

	untied := tiny(t, nil)
	assert.NotSame(t, untied.Shared.Emb.Weight, untied.Shared.Head.Weight)
}

func TestForward(t *testing.T) {
	m := tiny(t, models.ExtraArgs{"kvheads": 2})
	require.NoError(t, nn.Materialize(m, rand.New(rand.NewSource(3))))

	ids, err := tensor.FromInt64(tensor.Shape{2, 3}, []int64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	out, err := m.Forward(ids)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 32}, out.Shape())

	// Causal: the first position of a sequence does not see later tokens.
	other, err := tensor.FromInt64(tensor.Shape{1, 3}, []int64{1, 9, 9})
	require.NoError(t, err)
	out2, err := m.Forward(other)
	require.NoError(t, err)
	assert.InDeltaSlice(t, out.Float32s()[:32], out2.Float32s()[:32], 1e-4)
}

func TestForward_PendingQuantizedLayer(t *testing.T) {
	m := tiny(t, models.ExtraArgs{"linear_config": map[string]any{"linear_type": "gptq"}})
	pending := nn.Pending(m)
	assert.Contains(t, pending, "layers.0.attn.in_proj.query")
	assert.Contains(t, pending, "layers.1.ff_sub_layer.w2")

	ids, err := tensor.FromInt64(tensor.Shape{1, 3}, []int64{0, 1, 2})
	require.NoError(t, err)
	_, err = m.Forward(ids)
	var ue *nn.UninitializedError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.ErrorIs(t, err, nn.ErrUninitialized)
	assert.NotErrorIs(t, err, nn.ErrNotMaterialized)
	assert.Equal(t, "layers.0.attn.in_proj.query", ue.Path)
	assert.Equal(t, "gptq", ue.LinearType)

	require.NoError(t, nn.Materialize(m, rand.New(rand.NewSource(1))))
	_, err = m.Forward(ids)
	assert.ErrorIs(t, err, nn.ErrUninitialized)
}

func TestHFMapper(t *testing.T) {
	cases := map[string]string{
		"model.embed_tokens.weight":                       "shared.emb.weight",
		"lm_head.weight":                                  "shared.head.weight",
		"model.norm.weight":                               "dec_norm.weight",
		"model.layers.3.self_attn.q_proj.weight":          "layers.3.attn.in_proj.query.weight",
		"model.layers.3.self_attn.o_proj.qweight":         "layers.3.attn.dense.qweight",
		"model.layers.0.mlp.gate_proj.weight":             "layers.0.ff_sub_layer.wg.weight",
		"model.layers.0.mlp.up_proj.scales":               "layers.0.ff_sub_layer.w1.scales",
		"model.layers.10.post_attention_layernorm.weight": "layers.10.ff_ln.weight",
	}
	for from, want := range cases {
		got, keep := hfMapper.MapName(from)
		assert.True(t, keep, from)
		assert.Equal(t, want, got, from)
	}
	_, keep := hfMapper.MapName("model.layers.0.self_attn.rotary_emb.inv_freq")
	assert.False(t, keep)
}

func TestPermuteRotary_RoundTrip(t *testing.T) {
	// Two heads of width four, one input column: rows are labeled by index.
	vals := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	src, err := tensor.FromFloat32(tensor.Shape{8, 1}, tensor.Float32, vals)
	require.NoError(t, err)

	half, err := permuteRotary(src, 2, true)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 2, 1, 3, 4, 6, 5, 7}, half.Float32s())

	back, err := permuteRotary(half, 2, false)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(src, back))

	_, err = permuteRotary(src, 3, true)
	assert.Error(t, err)
}

func TestMetaAdapter(t *testing.T) {
	m := tiny(t, nil)
	require.NoError(t, nn.Materialize(m, rand.New(rand.NewSource(5))))
	native, err := nn.StateDict(m)
	require.NoError(t, err)

	// Build a Meta-named checkpoint by inverting the adapter.
	meta := serialization.NewFlat()
	inverse := map[string]string{
		"attn.in_proj.query": "attention.wq", "attn.in_proj.key": "attention.wk",
		"attn.in_proj.value": "attention.wv", "attn.dense": "attention.wo",
		"ff_sub_layer.wg": "feed_forward.w1", "ff_sub_layer.w1": "feed_forward.w3",
		"ff_sub_layer.w2": "feed_forward.w2", "ln": "attention_norm", "ff_ln": "ffn_norm",
	}
	for _, key := range native.Keys() {
		tn, _ := native.Get(key)
		var name string
		switch key {
		case "shared.emb.weight":
			name = "tok_embeddings.weight"
		case "shared.head.weight":
			name = "output.weight"
		case "dec_norm.weight":
			name = "norm.weight"
		default:
			idx, rest, ok := strings.Cut(strings.TrimPrefix(key, "layers."), ".")
			require.True(t, ok, key)
			for from, to := range inverse {
				if rest == from+".weight" {
					name = "layers." + idx + "." + to + ".weight"
				}
			}
			require.NotEmpty(t, name, key)
			if rest == "attn.in_proj.query.weight" || rest == "attn.in_proj.key.weight" {
				tn, err = permuteRotary(tn, 4, false)
				require.NoError(t, err)
			}
		}
		meta.Set(name, tn)
	}
	freqs, err := tensor.Zeros(tensor.Shape{2}, tensor.Float32)
	require.NoError(t, err)
	meta.Set("rope.freqs", freqs)

	adapted, err := metaAdapter(meta, m.Config())
	require.NoError(t, err)
	assert.ElementsMatch(t, native.Keys(), adapted.Keys())
	for _, key := range native.Keys() {
		want, _ := native.Get(key)
		got, ok := adapted.Get(key)
		require.True(t, ok, key)
		assert.True(t, tensor.Equal(want, got), key)
	}
}

func TestConvertHFConfig(t *testing.T) {
	target, err := convertHFConfig([]byte(`{
		"model_type": "llama", "vocab_size": 32000, "hidden_size": 4096,
		"intermediate_size": 11008, "num_hidden_layers": 32, "num_attention_heads": 32,
		"rms_norm_eps": 1e-6, "max_position_embeddings": 2048, "hidden_act": "silu",
		"pad_token_id": 0, "quantization_config": {"quant_method": "gptq", "bits": 4, "group_size": -1}
	}`))
	require.NoError(t, err)
	assert.Equal(t, Architecture, target.Architecture)

	r := registry(t)
	m, err := r.ModelInstance(target.Architecture, target.Variant, target.Args)
	require.NoError(t, err)
	cfg := m.Config().(*Config)
	assert.Equal(t, 11008, cfg.HiddenDim())
	assert.Equal(t, 1e-6, cfg.NormEps)
	assert.Equal(t, 0, cfg.PadID)
	assert.Equal(t, "silu", cfg.ActivationFn)
	require.NotNil(t, cfg.LinearConfig)
	assert.Equal(t, nn.LinearGPTQ, cfg.LinearConfig.LinearType)
	assert.Equal(t, 0, cfg.LinearConfig.GroupSize)

	_, err = convertHFConfig([]byte(`{"model_type": "llama", "hidden_size": 8, "num_attention_heads": 2,
		"quantization_config": {"quant_method": "awq"}}`))
	assert.Error(t, err)
}

func TestGGUFCheckpoint(t *testing.T) {
	m := tiny(t, models.ExtraArgs{"kvheads": 2})
	require.NoError(t, nn.Materialize(m, rand.New(rand.NewSource(7))))
	native, err := nn.StateDict(m)
	require.NoError(t, err)

	global := map[string]string{
		"shared.emb.weight":  "token_embd.weight",
		"shared.head.weight": "output.weight",
		"dec_norm.weight":    "output_norm.weight",
	}
	inverse := map[string]string{
		"attn.in_proj.query": "attn_q", "attn.in_proj.key": "attn_k",
		"attn.in_proj.value": "attn_v", "attn.dense": "attn_output",
		"ff_sub_layer.wg": "ffn_gate", "ff_sub_layer.w1": "ffn_up",
		"ff_sub_layer.w2": "ffn_down", "ln": "attn_norm", "ff_ln": "ffn_norm",
	}
	rotaryHeads := map[string]int{"attn.in_proj.query": 4, "attn.in_proj.key": 2}
	ckpt := serialization.NewFlat()
	for _, key := range native.Keys() {
		tn, _ := native.Get(key)
		name, ok := global[key]
		if !ok {
			idx, rest, found := strings.Cut(strings.TrimPrefix(key, "layers."), ".")
			require.True(t, found, key)
			mod := strings.TrimSuffix(rest, ".weight")
			require.Contains(t, inverse, mod, key)
			name = "blk." + idx + "." + inverse[mod] + ".weight"
			if heads := rotaryHeads[mod]; heads > 0 {
				tn, err = permuteRotary(tn, heads, false)
				require.NoError(t, err)
			}
		}
		ckpt.Set(name, tn)
	}
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	require.NoError(t, serialization.Save(path, ckpt, serialization.SaveOptions{ModelType: "llama"}))

	r := models.NewResolver(registry(t))
	loaded, err := r.GetModel(context.Background(), Architecture, "micro",
		models.WithModelPath(path),
		models.WithSource(models.SourceGGUF),
		models.WithExtraArgs(models.ExtraArgs{"emb_dim": 16, "nheads": 4, "kvheads": 2, "src_vocab_size": 32}),
		models.WithStrict(true),
	)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Config().(*Config).NLayers)

	ids, err := tensor.FromInt64(tensor.Shape{1, 4}, []int64{3, 1, 4, 1})
	require.NoError(t, err)
	want, err := m.Forward(ids)
	require.NoError(t, err)
	got, err := loaded.Forward(ids)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Float32s(), got.Float32s(), 1e-5)
}

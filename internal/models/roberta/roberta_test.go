package roberta

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
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

func TestRegister(t *testing.T) {
	r := registry(t)
	assert.Equal(t, []string{Architecture, ArchitectureQA}, r.ListModels())
	for _, arch := range r.ListModels() {
		variants, err := r.ListVariants(arch)
		require.NoError(t, err)
		assert.Equal(t, []string{"base", "micro"}, variants)
		for _, v := range variants {
			_, err := r.ModelInstance(arch, v, nil)
			require.NoError(t, err, arch+"/"+v)
		}
		sources, err := r.ListSources(arch)
		require.NoError(t, err)
		assert.Equal(t, []string{"fms", "hf"}, sources)
	}
}

func TestConfigMergeKeepsDefaults(t *testing.T) {
	r := registry(t)
	m, err := r.ModelInstance(Architecture, "micro", models.ExtraArgs{"pad_id": 2})
	require.NoError(t, err)
	got := *m.Config().(*Config)

	want := variants()["micro"]
	assert.Equal(t, 1, want.PadID)
	want.PadID = 2
	assert.Empty(t, cmp.Diff(want, got))
}

func TestPositionIDs(t *testing.T) {
	ids := []int64{5, 6, 7, 1, 1, 8, 9, 1}
	assert.Equal(t, []int64{2, 3, 4, 1, 1, 2, 3, 1}, PositionIDs(ids, 2, 4, 1))
}

func TestForward(t *testing.T) {
	r := registry(t)
	ids, err := tensor.FromInt64(tensor.Shape{1, 15}, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})
	require.NoError(t, err)

	m, err := r.ModelInstance(Architecture, "micro", nil)
	require.NoError(t, err)
	require.NoError(t, nn.Materialize(m, rand.New(rand.NewSource(1))))
	out, err := m.Forward(ids)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 15, 384}, out.Shape())

	rm := m.(*RoBERTa)
	assert.Same(t, rm.Base.Embedding.Weight, rm.Head.Head.Weight)

	qa, err := r.ModelInstance(ArchitectureQA, "micro", nil)
	require.NoError(t, err)
	require.NoError(t, nn.Materialize(qa, rand.New(rand.NewSource(1))))
	out, err = qa.Forward(ids)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 15, 2}, out.Shape())
}

func TestForward_TooLong(t *testing.T) {
	m, err := registry(t).ModelInstance(Architecture, "micro", models.ExtraArgs{"max_pos": 4})
	require.NoError(t, err)
	require.NoError(t, nn.Materialize(m, rand.New(rand.NewSource(1))))
	ids, err := tensor.FromInt64(tensor.Shape{1, 5}, []int64{2, 3, 4, 5, 6})
	require.NoError(t, err)
	_, err = m.Forward(ids)
	assert.Error(t, err)
}

func TestHFAdapter(t *testing.T) {
	f32 := func(shape tensor.Shape, vals ...float32) *tensor.RawTensor {
		tn, err := tensor.FromFloat32(shape, tensor.Float32, vals)
		require.NoError(t, err)
		return tn
	}
	sd := serialization.NewFlat()
	sd.Set("roberta.embeddings.word_embeddings.weight", f32(tensor.Shape{1, 2}, 1, 1))
	sd.Set("roberta.embeddings.position_embeddings.weight", f32(tensor.Shape{2, 2}, 1, 2, 3, 4))
	sd.Set("roberta.embeddings.token_type_embeddings.weight", f32(tensor.Shape{1, 2}, 10, 20))
	sd.Set("roberta.embeddings.position_ids", f32(tensor.Shape{2}, 0, 1))
	sd.Set("roberta.encoder.layer.0.attention.self.query.weight", f32(tensor.Shape{1}, 0))
	sd.Set("roberta.encoder.layer.0.attention.output.LayerNorm.bias", f32(tensor.Shape{1}, 0))
	sd.Set("roberta.encoder.layer.0.output.dense.weight", f32(tensor.Shape{1}, 0))
	sd.Set("roberta.pooler.dense.weight", f32(tensor.Shape{1}, 0))
	sd.Set("lm_head.bias", f32(tensor.Shape{1}, 0))
	sd.Set("lm_head.decoder.bias", f32(tensor.Shape{1}, 0))
	sd.Set("lm_head.decoder.weight", f32(tensor.Shape{1, 2}, 1, 1))

	out, err := hfAdapter(sd, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"base_model.embedding.weight",
		"base_model.position_embedding.weight",
		"base_model.layers.0.attn.in_proj.query.weight",
		"base_model.layers.0.ln.bias",
		"base_model.layers.0.ff_sub_layer.w2.weight",
		"classification_head.head.bias",
		"classification_head.head.weight",
	}, out.Keys())

	pos, _ := out.Get("base_model.position_embedding.weight")
	assert.Equal(t, []float32{11, 22, 13, 24}, pos.Float32s())
}

func TestConvertHFConfig_RobertaBase(t *testing.T) {
	target, err := convertHFConfig([]byte(`{
		"architectures": ["RobertaForMaskedLM"], "model_type": "roberta",
		"vocab_size": 50265, "hidden_size": 768, "num_attention_heads": 12,
		"num_hidden_layers": 12, "intermediate_size": 3072, "max_position_embeddings": 514,
		"pad_token_id": 1, "hidden_act": "gelu", "layer_norm_eps": 1e-05, "type_vocab_size": 1
	}`))
	require.NoError(t, err)
	assert.Equal(t, Architecture, target.Architecture)

	r := registry(t)
	inferred, err := r.ModelInstance(target.Architecture, target.Variant, target.Args)
	require.NoError(t, err)
	given, err := r.ModelInstance(Architecture, "base", nil)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(given.Config(), inferred.Config()))

	target, err = convertHFConfig([]byte(`{"architectures": ["RobertaForQuestionAnswering"], "hidden_size": 16}`))
	require.NoError(t, err)
	assert.Equal(t, ArchitectureQA, target.Architecture)
}

func TestForward_PendingQuantizedLayer(t *testing.T) {
	r := registry(t)
	for _, arch := range []string{Architecture, ArchitectureQA} {
		m, err := r.ModelInstance(arch, "micro", models.ExtraArgs{
			"linear_config": map[string]any{"linear_type": nn.LinearGPTQ},
		})
		require.NoError(t, err)

		ids, err := tensor.FromInt64(tensor.Shape{1, 2}, []int64{3, 4})
		require.NoError(t, err)
		_, err = m.Forward(ids)
		var ue *nn.UninitializedError
		require.ErrorAs(t, err, &ue, arch)
		assert.Equal(t, nn.LinearGPTQ, ue.LinearType)
	}
}

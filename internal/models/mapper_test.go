package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
)

var testMapper = &models.LayerMapper{
	Global:    []models.Rule{{From: "model.embed", To: "emb"}, {From: "lm_head", To: "head"}},
	LayerFrom: "model.layers",
	LayerTo:   "layers",
	Layer: []models.Rule{
		{From: "self_attn.q_proj", To: "attn.query"},
		{From: "mlp", To: "ff"},
	},
	Drop: []string{"model.rotary", "inv_freq"},
}

func TestLayerMapper_MapName(t *testing.T) {
	tests := map[string]struct {
		want string
		keep bool
	}{
		"model.embed.weight":                      {"emb.weight", true},
		"lm_head":                                 {"head", true},
		"model.layers.3.self_attn.q_proj.qweight": {"layers.3.attn.query.qweight", true},
		"model.layers.0.mlp.up.weight":            {"layers.0.ff.up.weight", true},
		"model.layers.1.post_norm.weight":         {"layers.1.post_norm.weight", true},
		"model.embedding.weight":                  {"model.embedding.weight", true},
		"model.rotary.cache":                      {"", false},
		"model.layers.2.attn.inv_freq":            {"", false},
	}
	for name, tt := range tests {
		got, keep := testMapper.MapName(name)
		assert.Equal(t, tt.keep, keep, name)
		assert.Equal(t, tt.want, got, name)
	}
}

func TestMapStateDict(t *testing.T) {
	sd := stateDictWithKeys(t, "model.layers.0.mlp.w.weight", "model.rotary.x", "model.embed.weight")
	out, err := models.MapStateDict(sd, testMapper)
	require.NoError(t, err)
	assert.Equal(t, []string{"layers.0.ff.w.weight", "emb.weight"}, out.Keys())

	src, _ := sd.Get("model.embed.weight")
	dst, _ := out.Get("emb.weight")
	assert.Same(t, src, dst)

	clash := stateDictWithKeys(t, "model.embed.weight", "emb.weight")
	_, err = models.MapStateDict(clash, testMapper)
	assert.ErrorIs(t, err, serialization.ErrDuplicateKey)
}

package models_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zephyr271828/foundation-model-stack/internal/hub"
	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/models/llama"
	"github.com/Zephyr271828/foundation-model-stack/internal/models/roberta"
	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// tinyLLaMA shrinks the llama micro variant; nlayers is left to the caller.
var tinyLLaMA = models.ExtraArgs{"emb_dim": 16, "nheads": 4, "src_vocab_size": 32}

// newResolver returns a resolver whose hub points at endpoint and caches
// under a fresh directory, which is returned too.
func newResolver(t *testing.T, endpoint string) (*models.Resolver, string) {
	t.Helper()
	cache := filepath.Join(t.TempDir(), "hub")
	r := models.NewResolver(newRegistry(t))
	r.Hub = hub.NewClient(hub.WithEndpoint(endpoint), hub.WithCacheDir(cache))
	return r, cache
}

func initLLaMA(t *testing.T, r *models.Resolver, seed int64, opts ...models.Option) models.Model {
	t.Helper()
	opts = append([]models.Option{
		models.WithExtraArgs(tinyLLaMA),
		models.WithArg("nlayers", 2),
		models.WithSeed(seed),
	}, opts...)
	m, err := r.GetModel(context.Background(), llama.Architecture, "micro", opts...)
	require.NoError(t, err)
	return m
}

func stateDict(t *testing.T, m models.Model) *serialization.Flat {
	t.Helper()
	sd, err := nn.StateDict(m)
	require.NoError(t, err)
	return sd
}

func assertSameWeights(t *testing.T, want, got models.Model) {
	t.Helper()
	ws, gs := stateDict(t, want), stateDict(t, got)
	require.Equal(t, ws.Keys(), gs.Keys())
	for _, k := range ws.Keys() {
		a, _ := ws.Get(k)
		b, _ := gs.Get(k)
		assert.True(t, tensor.Equal(a, b), k)
	}
}

func TestGetModel_InitIsDeterministic(t *testing.T) {
	r, _ := newResolver(t, "http://127.0.0.1:1")
	before := testutil.ToFloat64(models.ModelsInstantiated.WithLabelValues(llama.Architecture, "micro"))

	a := initLLaMA(t, r, 1)
	b := initLLaMA(t, r, 1)
	assertSameWeights(t, a, b)

	c := initLLaMA(t, r, 2)
	wa, _ := stateDict(t, a).Get("shared.emb.weight")
	wc, _ := stateDict(t, c).Get("shared.emb.weight")
	assert.False(t, tensor.Equal(wa, wc))

	assert.Equal(t, 3.0, testutil.ToFloat64(models.ModelsInstantiated.WithLabelValues(llama.Architecture, "micro"))-before)
	assert.Empty(t, nn.Pending(a))
}

func TestGetModel_SingleFileAndShards(t *testing.T) {
	r, _ := newResolver(t, "http://127.0.0.1:1")
	src := initLLaMA(t, r, 1)
	sd := stateDict(t, src)
	dir := t.TempDir()

	file := filepath.Join(dir, "model.safetensors")
	require.NoError(t, serialization.Save(file, sd, serialization.SaveOptions{}))

	st, err := serialization.SaveSharded(filepath.Join(dir, "st"), sd, 5, serialization.FormatSafeTensors, serialization.SaveOptions{})
	require.NoError(t, err)
	require.Greater(t, len(st), 1)

	born, err := serialization.SaveSharded(filepath.Join(dir, "born"), sd, 7, serialization.FormatBorn, serialization.SaveOptions{ModelType: llama.Architecture})
	require.NoError(t, err)
	require.Greater(t, len(born), 1)

	for _, path := range []string{file, filepath.Join(dir, "st"), filepath.Join(dir, "born")} {
		t.Run(filepath.Base(path), func(t *testing.T) {
			// nlayers is not given: it is inferred from the checkpoint.
			m, err := r.GetModel(context.Background(), llama.Architecture, "micro",
				models.WithModelPath(path),
				models.WithExtraArgs(tinyLLaMA),
			)
			require.NoError(t, err)
			assert.Equal(t, 2, m.Config().(*llama.Config).NLayers)
			assertSameWeights(t, src, m)
		})
	}
}

func TestGetModel_ExplicitLayerCountWins(t *testing.T) {
	r, _ := newResolver(t, "http://127.0.0.1:1")
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, serialization.Save(path, stateDict(t, initLLaMA(t, r, 1)), serialization.SaveOptions{}))

	_, err := r.GetModel(context.Background(), llama.Architecture, "micro",
		models.WithModelPath(path),
		models.WithExtraArgs(tinyLLaMA),
		models.WithArg("nlayers", 3),
	)
	var missing *serialization.MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.True(t, strings.HasPrefix(missing.Key, "layers.2."), missing.Key)
}

func TestGetModel_InvalidCombinations(t *testing.T) {
	r, cache := newResolver(t, "http://127.0.0.1:1")
	path := filepath.Join(t.TempDir(), "missing.safetensors")

	tests := []struct {
		name    string
		arch    string
		variant string
		opts    []models.Option
	}{
		{"path with hf_pretrained", models.SourceHFPretrained, "acme/tiny", []models.Option{models.WithModelPath(path)}},
		{"path with hf_configured", models.SourceHFConfigured, "acme/tiny", []models.Option{models.WithModelPath(path)}},
		{"source with remote architecture", models.SourceHFConfigured, "acme/tiny", []models.Option{models.WithSource(models.SourceHF)}},
		{"remote source with path", llama.Architecture, "micro", []models.Option{models.WithSource(models.SourceHFPretrained), models.WithModelPath(path)}},
		{"remote source without path", llama.Architecture, "micro", []models.Option{models.WithSource(models.SourceHFConfigured)}},
		{"unknown source", llama.Architecture, "micro", []models.Option{models.WithSource("bogus"), models.WithModelPath(path)}},
		{"unknown extra argument", llama.Architecture, "micro", []models.Option{models.WithArg("nlayer", 2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.GetModel(context.Background(), tt.arch, tt.variant, tt.opts...)
			assert.ErrorIs(t, err, models.ErrInvalidConfig)
			assert.NotErrorIs(t, err, serialization.ErrNotFound)
		})
	}
	assert.NoDirExists(t, cache)
}

func TestGetModel_NotFoundBeforeLoading(t *testing.T) {
	r, _ := newResolver(t, "http://127.0.0.1:1")
	path := filepath.Join(t.TempDir(), "missing.safetensors")

	_, err := r.GetModel(context.Background(), "bloom", "micro", models.WithModelPath(path))
	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "architecture", nf.Kind)
	assert.NotErrorIs(t, err, serialization.ErrNotFound)

	_, err = r.GetModel(context.Background(), llama.Architecture, "1t", models.WithModelPath(path))
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "variant", nf.Kind)

	// A known model with a missing checkpoint reports the checkpoint.
	_, err = r.GetModel(context.Background(), llama.Architecture, "micro", models.WithModelPath(path))
	assert.ErrorIs(t, err, serialization.ErrNotFound)
	assert.NotErrorIs(t, err, models.ErrNotFound)
}

func TestGetModel_MissingKey(t *testing.T) {
	r, _ := newResolver(t, "http://127.0.0.1:1")
	sd := stateDict(t, initLLaMA(t, r, 1))
	sd.Delete("dec_norm.weight")
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, serialization.Save(path, sd, serialization.SaveOptions{}))

	_, err := r.GetModel(context.Background(), llama.Architecture, "micro",
		models.WithModelPath(path), models.WithExtraArgs(tinyLLaMA))
	var missing *serialization.MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "dec_norm.weight", missing.Key)
	assert.ErrorIs(t, err, serialization.ErrMissingKey)
	assert.NotErrorIs(t, err, models.ErrNotFound)
}

func TestGetModel_Strict(t *testing.T) {
	r, _ := newResolver(t, "http://127.0.0.1:1")
	sd := stateDict(t, initLLaMA(t, r, 1))
	extra, err := tensor.Zeros(tensor.Shape{4}, tensor.Float32)
	require.NoError(t, err)
	sd.Set("rotary.inv_freq", extra)
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, serialization.Save(path, sd, serialization.SaveOptions{}))

	load := func(strict bool) error {
		_, err := r.GetModel(context.Background(), llama.Architecture, "micro",
			models.WithModelPath(path), models.WithExtraArgs(tinyLLaMA), models.WithStrict(strict))
		return err
	}
	assert.ErrorIs(t, load(true), nn.ErrUnexpectedKeys)
	assert.NoError(t, load(false))
}

func TestGetModel_DataType(t *testing.T) {
	r, _ := newResolver(t, "http://127.0.0.1:1")
	src := initLLaMA(t, r, 1)
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, serialization.Save(path, stateDict(t, src), serialization.SaveOptions{}))

	assertDType := func(m models.Model, want tensor.DataType) {
		t.Helper()
		for _, np := range nn.NamedParameters(m) {
			assert.Equal(t, want, np.Param.Tensor().DType(), np.Name)
		}
	}

	assertDType(initLLaMA(t, r, 1, models.WithDataType(tensor.BFloat16)), tensor.BFloat16)

	m, err := r.GetModel(context.Background(), llama.Architecture, "micro",
		models.WithModelPath(path), models.WithExtraArgs(tinyLLaMA), models.WithDataType(tensor.Float16))
	require.NoError(t, err)
	assertDType(m, tensor.Float16)

	_, err = r.GetModel(context.Background(), llama.Architecture, "micro",
		models.WithExtraArgs(tinyLLaMA), models.WithDataType(tensor.Int32))
	assert.Error(t, err)
}

func TestGetModel_GPTQGroupSizeFromScales(t *testing.T) {
	r, _ := newResolver(t, "http://127.0.0.1:1")
	src := initLLaMA(t, r, 1, models.WithArg("linear_config", map[string]any{"linear_type": nn.LinearGPTQ, "group_size": 8}))
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, serialization.Save(path, stateDict(t, src), serialization.SaveOptions{}))

	m, err := r.GetModel(context.Background(), llama.Architecture, "micro",
		models.WithModelPath(path),
		models.WithExtraArgs(tinyLLaMA),
		models.WithArg("linear_config", map[string]any{"linear_type": nn.LinearGPTQ}),
	)
	require.NoError(t, err)
	assert.Empty(t, nn.Pending(m))

	var quantized int
	for _, named := range nn.NamedModules(m) {
		if g, ok := named.Module.(*nn.GPTQLinear); ok {
			quantized++
			assert.Equal(t, 8, g.GroupSize, named.Name)
		}
	}
	// Four attention projections and three feed-forward projections per layer.
	assert.Equal(t, 14, quantized)
	assertSameWeights(t, src, m)
}

func TestGetModel_GPTQPartialGroupOnMicro(t *testing.T) {
	r, _ := newResolver(t, "http://127.0.0.1:1")
	gptq := map[string]any{"linear_type": nn.LinearGPTQ, "group_size": 128, "desc_act": false}

	// emb_dim 192 is not a multiple of 128: the last group is partial.
	src, err := r.GetModel(context.Background(), llama.Architecture, "micro",
		models.WithArg("linear_config", gptq), models.WithSeed(1))
	require.NoError(t, err)
	assert.Empty(t, nn.Pending(src))
	assert.Equal(t, 5, src.Config().(*llama.Config).NLayers)

	query := src.(*llama.LLaMA).Layers[0].Attn.InProj.Query.Layer().(*nn.GPTQLinear)
	assert.Equal(t, 128, query.GroupSize)
	assert.Equal(t, tensor.Shape{2, 192}, query.Scales.Shape())

	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, serialization.Save(path, stateDict(t, src), serialization.SaveOptions{}))

	for name, lc := range map[string]map[string]any{
		"explicit group": gptq,
		"inferred group": {"linear_type": nn.LinearGPTQ},
	} {
		t.Run(name, func(t *testing.T) {
			m, err := r.GetModel(context.Background(), llama.Architecture, "micro",
				models.WithModelPath(path), models.WithArg("linear_config", lc))
			require.NoError(t, err)
			assert.Empty(t, nn.Pending(m))
			for _, named := range nn.NamedModules(m) {
				if g, ok := named.Module.(*nn.GPTQLinear); ok {
					assert.Equal(t, 128, g.GroupSize, named.Name)
				}
			}
			assertSameWeights(t, src, m)
		})
	}
}

func TestGetModel_ErrorMetrics(t *testing.T) {
	r, _ := newResolver(t, "http://127.0.0.1:1")
	before := testutil.ToFloat64(models.GetModelErrors.WithLabelValues("init"))
	_, err := r.GetModel(context.Background(), llama.Architecture, "micro", models.WithSource("bogus"))
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(models.GetModelErrors.WithLabelValues("init"))-before)
}

// fakeHub serves model info and files for acme/tiny.
func fakeHub(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/acme/tiny/revision/main", func(w http.ResponseWriter, _ *http.Request) {
		var siblings []string
		for name := range files {
			siblings = append(siblings, `{"rfilename":"`+name+`"}`)
		}
		_, _ = w.Write([]byte(`{"id":"acme/tiny","sha":"abc","siblings":[` + strings.Join(siblings, ",") + `]}`))
	})
	mux.HandleFunc("/acme/tiny/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[strings.TrimPrefix(r.URL.Path, "/acme/tiny/resolve/main/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

const tinyRoBERTaConfig = `{
	"architectures": ["RobertaForMaskedLM"], "model_type": "roberta",
	"vocab_size": 384, "hidden_size": 16, "num_attention_heads": 8, "num_hidden_layers": 2,
	"intermediate_size": 32, "max_position_embeddings": 512, "pad_token_id": 1,
	"hidden_act": "gelu", "layer_norm_eps": 1e-05
}`

func TestGetModel_HFConfigured(t *testing.T) {
	srv := fakeHub(t, map[string][]byte{
		"config.json":       []byte(tinyRoBERTaConfig),
		"model.safetensors": []byte("never fetched"),
	})
	r, cache := newResolver(t, srv.URL)

	m, err := r.GetModel(context.Background(), models.SourceHFConfigured, "acme/tiny")
	require.NoError(t, err)
	given, err := r.Registry.ModelInstance(roberta.Architecture, "micro", nil)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(given.Config(), m.Config()))
	assert.Empty(t, nn.Pending(m))

	entries, err := os.ReadDir(filepath.Join(cache, "models--acme--tiny", "snapshots", "main"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.json", entries[0].Name())

	// Caller arguments override the hub config.
	m, err = r.GetModel(context.Background(), models.SourceHFConfigured, "acme/tiny", models.WithArg("nlayers", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Config().(*roberta.Config).NLayers)
}

var llamaToHF = strings.NewReplacer(
	"shared.emb", "model.embed_tokens",
	"shared.head", "lm_head",
	"dec_norm", "model.norm",
	"layers.", "model.layers.",
	".ff_ln.", ".post_attention_layernorm.",
	".ln.", ".input_layernorm.",
	".attn.in_proj.query.", ".self_attn.q_proj.",
	".attn.in_proj.key.", ".self_attn.k_proj.",
	".attn.in_proj.value.", ".self_attn.v_proj.",
	".attn.dense.", ".self_attn.o_proj.",
	".ff_sub_layer.wg.", ".mlp.gate_proj.",
	".ff_sub_layer.w1.", ".mlp.up_proj.",
	".ff_sub_layer.w2.", ".mlp.down_proj.",
)

const tinyLLaMAConfig = `{
	"model_type": "llama", "vocab_size": 32, "hidden_size": 16, "intermediate_size": 256,
	"num_hidden_layers": 2, "num_attention_heads": 4, "num_key_value_heads": 4,
	"rms_norm_eps": 1e-05, "max_position_embeddings": 4096, "rope_theta": 10000, "hidden_act": "silu"
}`

func TestGetModel_HFPretrained(t *testing.T) {
	local, _ := newResolver(t, "http://127.0.0.1:1")
	src := initLLaMA(t, local, 4)
	native := stateDict(t, src)
	hf := serialization.NewFlatWithCapacity(native.Len())
	for _, k := range native.Keys() {
		tn, _ := native.Get(k)
		hf.Set(llamaToHF.Replace(k), tn)
	}
	inv, err := tensor.Zeros(tensor.Shape{2}, tensor.Float32)
	require.NoError(t, err)
	hf.Set("model.layers.0.self_attn.rotary_emb.inv_freq", inv)
	var weights bytes.Buffer
	require.NoError(t, serialization.WriteSafeTensors(&weights, hf, nil))

	srv := fakeHub(t, map[string][]byte{
		"config.json":       []byte(tinyLLaMAConfig),
		"model.safetensors": weights.Bytes(),
		"README.md":         []byte("# tiny"),
	})
	r, cache := newResolver(t, srv.URL)

	m, err := r.GetModel(context.Background(), models.SourceHFPretrained, "acme/tiny", models.WithStrict(true))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Config().(*llama.Config).NLayers)
	assertSameWeights(t, src, m)

	ids, err := tensor.FromInt64(tensor.Shape{1, 4}, []int64{1, 2, 3, 4})
	require.NoError(t, err)
	want, err := src.Forward(ids)
	require.NoError(t, err)
	got, err := m.Forward(ids)
	require.NoError(t, err)
	assert.Equal(t, want.Float32s(), got.Float32s())

	assert.NoFileExists(t, filepath.Join(cache, "models--acme--tiny", "snapshots", "main", "README.md"))

	_, err = r.GetModel(context.Background(), models.SourceHFPretrained, "acme/missing")
	assert.ErrorIs(t, err, hub.ErrRepoNotFound)

	_, err = r.GetModel(context.Background(), models.SourceHFPretrained, "not a repo")
	assert.ErrorIs(t, err, hub.ErrInvalidRepoID)
}

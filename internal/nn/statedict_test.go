package nn

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// tiedLM is an embedding, a norm and an output head sharing the embedding table.
type tiedLM struct {
	Emb  *Embedding
	Norm *LayerNorm
	Head *Linear
}

func newTiedLM() *tiedLM {
	emb := NewEmbedding(10, 4)
	head := NewLinear(4, 10, false)
	head.Weight = emb.Weight
	return &tiedLM{Emb: emb, Norm: NewLayerNorm(4, 1e-5), Head: head}
}

func (m *tiedLM) Children() []Named {
	return []Named{{"emb", m.Emb}, {"norm", m.Norm}, {"head", m.Head}}
}

func (m *tiedLM) Parameters() []NamedParameter { return nil }

func materialized(t *testing.T, seed int64) *tiedLM {
	t.Helper()
	m := newTiedLM()
	require.NoError(t, Materialize(m, rand.New(rand.NewSource(seed))))
	return m
}

func TestStateDict_ListsEveryPath(t *testing.T) {
	m := materialized(t, 1)
	sd, err := StateDict(m)
	require.NoError(t, err)
	assert.Equal(t, []string{"emb.weight", "norm.weight", "norm.bias", "head.weight"}, sd.Keys())

	emb, _ := sd.Get("emb.weight")
	head, _ := sd.Get("head.weight")
	assert.Same(t, emb, head, "tied parameters export the same tensor")
	assert.Equal(t, 10*4+4+4, CountParameters(m))
}

func TestStateDict_NotMaterialized(t *testing.T) {
	_, err := StateDict(newTiedLM())
	assert.True(t, errors.Is(err, ErrNotMaterialized))
}

func TestLoadStateDict_RoundTrip(t *testing.T) {
	src := materialized(t, 1)
	sd, err := StateDict(src)
	require.NoError(t, err)

	dst := newTiedLM()
	report, err := LoadStateDict(dst, sd, true)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Loaded)
	assert.Empty(t, report.Unexpected)

	got, err := StateDict(dst)
	require.NoError(t, err)
	for _, k := range sd.Keys() {
		want, _ := sd.Get(k)
		have, _ := got.Get(k)
		assert.True(t, tensor.Equal(want, have), k)
		assert.NotSame(t, want, have, "parameters own copies")
	}
}

func TestLoadStateDict_TiedAlias(t *testing.T) {
	src := materialized(t, 2)
	full, err := StateDict(src)
	require.NoError(t, err)

	// Only the head alias is present.
	sd := serialization.NewFlat()
	for _, k := range []string{"head.weight", "norm.weight", "norm.bias"} {
		v, _ := full.Get(k)
		sd.Set(k, v)
	}

	dst := newTiedLM()
	_, err = LoadStateDict(dst, sd, true)
	require.NoError(t, err)
	want, _ := full.Get("emb.weight")
	assert.True(t, tensor.Equal(want, dst.Emb.Weight.Tensor()))
}

func TestLoadStateDict_MissingKey(t *testing.T) {
	full, err := StateDict(materialized(t, 1))
	require.NoError(t, err)
	full.Delete("norm.bias")

	_, err = LoadStateDict(newTiedLM(), full, false)
	require.Error(t, err)
	var mk *serialization.MissingKeyError
	require.True(t, errors.As(err, &mk))
	assert.Equal(t, "norm.bias", mk.Key)
	assert.False(t, errors.Is(err, serialization.ErrNotFound))
}

func TestLoadStateDict_ShapeMismatch(t *testing.T) {
	full, err := StateDict(materialized(t, 1))
	require.NoError(t, err)
	wrong, _ := tensor.Zeros(tensor.Shape{5}, tensor.Float32)
	full.Set("norm.bias", wrong)

	_, err = LoadStateDict(newTiedLM(), full, false)
	var sm *ShapeMismatchError
	require.True(t, errors.As(err, &sm))
	assert.Equal(t, "norm.bias", sm.Key)
	assert.Equal(t, tensor.Shape{4}, sm.Want)
	assert.Equal(t, tensor.Shape{5}, sm.Got)
}

func TestLoadStateDict_UnexpectedKeys(t *testing.T) {
	full, err := StateDict(materialized(t, 1))
	require.NoError(t, err)
	extra, _ := tensor.Zeros(tensor.Shape{1}, tensor.Float32)
	full.Set("rope.freqs", extra)

	report, err := LoadStateDict(newTiedLM(), full, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"rope.freqs"}, report.Unexpected)

	_, err = LoadStateDict(newTiedLM(), full, true)
	assert.True(t, errors.Is(err, ErrUnexpectedKeys))
}

func TestLoadStateDict_ConvertsDType(t *testing.T) {
	full, err := StateDict(materialized(t, 1))
	require.NoError(t, err)
	half := serialization.NewFlat()
	for _, k := range full.Keys() {
		v, _ := full.Get(k)
		bf, err := v.Cast(tensor.BFloat16)
		require.NoError(t, err)
		half.Set(k, bf)
	}

	dst := newTiedLM()
	_, err = LoadStateDict(dst, half, false)
	require.NoError(t, err)
	assert.Equal(t, tensor.Float32, dst.Norm.Weight.Tensor().DType())
}

func TestLoadStateDict_RejectsPending(t *testing.T) {
	m := newTwoLayer(t, &LinearConfig{LinearType: LinearGPTQ})
	_, err := LoadStateDict(m, serialization.NewFlat(), false)
	assert.True(t, errors.Is(err, ErrUninitialized))
}

func TestMaterialize_Deterministic(t *testing.T) {
	a, err := StateDict(materialized(t, 42))
	require.NoError(t, err)
	b, err := StateDict(materialized(t, 42))
	require.NoError(t, err)
	c, err := StateDict(materialized(t, 43))
	require.NoError(t, err)

	wa, _ := a.Get("emb.weight")
	wb, _ := b.Get("emb.weight")
	wc, _ := c.Get("emb.weight")
	assert.True(t, tensor.Equal(wa, wb))
	assert.False(t, tensor.Equal(wa, wc))

	ones, _ := a.Get("norm.weight")
	assert.Equal(t, []float32{1, 1, 1, 1}, ones.AsFloat32())
}

func TestCast(t *testing.T) {
	m := newTwoLayer(t, &LinearConfig{LinearType: LinearGPTQ, GroupSize: 8})
	require.NoError(t, Specialize(m, func(_ string, u *Uninitialized) (Layer, error) {
		return NewGPTQLinear(u.In, u.Out, u.Bias, GPTQConfig{GroupSize: u.Config.GroupSize})
	}))
	require.NoError(t, Materialize(m, rand.New(rand.NewSource(1))))
	require.NoError(t, Cast(m, tensor.BFloat16))

	for _, np := range NamedParameters(m) {
		switch np.Name {
		case "proj.qweight", "proj.qzeros", "proj.g_idx":
			assert.Equal(t, tensor.Int32, np.Param.DType(), np.Name)
		default:
			assert.Equal(t, tensor.BFloat16, np.Param.DType(), np.Name)
			assert.Equal(t, tensor.BFloat16, np.Param.Tensor().DType(), np.Name)
		}
	}

	assert.Error(t, Cast(m, tensor.Int64))
}

func TestCast_Lazy(t *testing.T) {
	m := newTiedLM()
	require.NoError(t, Cast(m, tensor.Float16))
	assert.False(t, m.Emb.Weight.Materialized())
	require.NoError(t, Materialize(m, rand.New(rand.NewSource(1))))
	assert.Equal(t, tensor.Float16, m.Emb.Weight.Tensor().DType())
}

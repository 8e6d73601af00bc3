package serialization

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// filled returns a float32 tensor of shape whose elements start at base.
func filled(t *testing.T, base float32, shape ...int) *tensor.RawTensor {
	t.Helper()
	s := tensor.Shape(shape)
	vals := make([]float32, s.NumElements())
	for i := range vals {
		vals[i] = base + float32(i)
	}
	raw, err := tensor.FromFloat32(s, tensor.Float32, vals)
	require.NoError(t, err)
	return raw
}

// layeredStateDict builds keys layers.{i}.{w,b} for n layers plus a head.
func layeredStateDict(t *testing.T, n int) *Flat {
	t.Helper()
	sd := NewFlat()
	for i := 0; i < n; i++ {
		sd.Set(fmt.Sprintf("layers.%d.weight", i), filled(t, float32(i*100), 3, 4))
		sd.Set(fmt.Sprintf("layers.%d.bias", i), filled(t, float32(i*100+50), 4))
	}
	sd.Set("head.weight", filled(t, -1, 2, 4))
	return sd
}

func TestFlat_InsertionOrder(t *testing.T) {
	sd := NewFlat()
	sd.Set("b", filled(t, 0, 1))
	sd.Set("a", filled(t, 0, 1))
	sd.Set("c", filled(t, 0, 1))
	sd.Set("b", filled(t, 5, 1))

	assert.Equal(t, []string{"b", "a", "c"}, sd.Keys())
	assert.Equal(t, 3, sd.Len())

	b, ok := sd.Get("b")
	require.True(t, ok)
	assert.Equal(t, float32(5), b.AsFloat32()[0])

	sd.Delete("a")
	assert.Equal(t, []string{"b", "c"}, sd.Keys())
}

func TestLookup_MissingKey(t *testing.T) {
	sd := NewFlat()
	_, err := Lookup(sd, "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingKey))

	var mk *MissingKeyError
	require.True(t, errors.As(err, &mk))
	assert.Equal(t, "nope", mk.Key)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestChained_UnionOfKeysExactlyOnce(t *testing.T) {
	a := NewFlat()
	a.Source = "a"
	a.Set("x", filled(t, 1, 2))
	a.Set("y", filled(t, 2, 2))
	b := NewFlat()
	b.Source = "b"
	b.Set("z", filled(t, 3, 2))

	c, err := NewChained([]*Flat{a, b}, RejectDuplicates)
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"x", "y", "z"}, c.Keys()); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, c.Len())

	z, ok := c.Get("z")
	require.True(t, ok)
	zb, _ := b.Get("z")
	assert.Same(t, zb, z, "chained view must not copy tensors")

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestChained_DuplicatePolicy(t *testing.T) {
	a := NewFlat()
	a.Source = "first.born"
	a.Set("dup", filled(t, 1, 2))
	b := NewFlat()
	b.Source = "second.born"
	b.Set("dup", filled(t, 9, 2))
	b.Set("other", filled(t, 0, 2))

	_, err := NewChained([]*Flat{a, b}, RejectDuplicates)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateKey))
	var dk *DuplicateKeyError
	require.True(t, errors.As(err, &dk))
	assert.Equal(t, "first.born", dk.First)
	assert.Equal(t, "second.born", dk.Second)

	c, err := NewChained([]*Flat{a, b}, FirstWins)
	require.NoError(t, err)
	got, ok := c.Get("dup")
	require.True(t, ok)
	assert.Equal(t, float32(1), got.AsFloat32()[0])
	assert.Equal(t, []string{"dup", "other"}, c.Keys())
}

func TestChained_LenMatchesKeys(t *testing.T) {
	a := layeredStateDict(t, 2)
	b := NewFlat()
	for _, k := range a.Keys() {
		b.Set(k, filled(t, 5, 1))
	}
	b.Set("tail", filled(t, 0, 1))

	c, err := NewChained([]*Flat{a, b, NewFlat()}, FirstWins)
	require.NoError(t, err)
	assert.Equal(t, a.Len()+1, c.Len())
	assert.Len(t, c.Keys(), c.Len())
	assert.Equal(t, "tail", c.Keys()[c.Len()-1])

	keys := c.Keys()
	keys[0] = "mutated"
	assert.NotEqual(t, "mutated", c.Keys()[0])

	empty, err := NewChained(nil, RejectDuplicates)
	require.NoError(t, err)
	assert.Zero(t, empty.Len())
	assert.Empty(t, empty.Keys())
}

func TestFlatten_SharesBuffers(t *testing.T) {
	a := layeredStateDict(t, 1)
	b := NewFlat()
	b.Set("extra", filled(t, 0, 1))
	c, err := NewChained([]*Flat{a, b}, RejectDuplicates)
	require.NoError(t, err)

	flat := Flatten(c)
	assert.Equal(t, c.Keys(), flat.Keys())
	orig, _ := a.Get("layers.0.weight")
	got, _ := flat.Get("layers.0.weight")
	assert.Same(t, orig, got)

	assert.Equal(t, "chained(2 shards, 4 keys)", Describe(c))
	assert.Equal(t, "flat(4 keys)", Describe(flat))
}

package serialization

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

func TestLoadStateDict_SingleFile(t *testing.T) {
	for _, ext := range []string{".born", ".safetensors"} {
		t.Run(ext, func(t *testing.T) {
			sd := layeredStateDict(t, 3)
			path := filepath.Join(t.TempDir(), "model"+ext)
			require.NoError(t, Save(path, sd, SaveOptions{}))

			got, err := LoadStateDict(path)
			require.NoError(t, err)
			_, isFlat := got.(*Flat)
			assert.True(t, isFlat)
			requireSameStateDict(t, sd, got)
		})
	}
}

func TestLoadStateDict_ShardedMatchesSingleFile(t *testing.T) {
	sd := layeredStateDict(t, 5) // 11 keys

	single := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, Save(single, sd, SaveOptions{}))
	whole, err := LoadStateDict(single)
	require.NoError(t, err)

	for _, format := range []Format{FormatBorn, FormatSafeTensors} {
		for _, perShard := range []int{1, 3, 4, 10, 11, 50} {
			dir := t.TempDir()
			paths, err := SaveSharded(dir, sd, perShard, format, SaveOptions{})
			require.NoError(t, err)

			got, err := LoadStateDict(dir)
			require.NoError(t, err, "format=%s perShard=%d", format, perShard)

			chained, ok := got.(*Chained)
			require.True(t, ok)
			assert.Len(t, chained.Maps(), len(paths))
			assert.Equal(t, sd.Len(), got.Len())
			requireSameStateDict(t, whole, got)
		}
	}
}

func TestLoadStateDict_SequentialEqualsConcurrent(t *testing.T) {
	dir := t.TempDir()
	_, err := SaveSharded(dir, layeredStateDict(t, 4), 2, FormatBorn, SaveOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, defaultLoadOptions().concurrency)

	seq, err := LoadStateDict(dir)
	require.NoError(t, err)
	for _, n := range []int{4, 8, 0} {
		par, err := LoadStateDict(dir, WithConcurrency(n))
		require.NoError(t, err, "concurrency=%d", n)
		assert.Equal(t, seq.Keys(), par.Keys(), "concurrency=%d", n)
		requireSameStateDict(t, seq, par)
	}
}

func TestLoadStateDict_LexicalShardOrder(t *testing.T) {
	dir := t.TempDir()
	a := NewFlat()
	a.Set("k", filled(t, 1, 1))
	b := NewFlat()
	b.Set("k", filled(t, 2, 1))
	require.NoError(t, Save(filepath.Join(dir, "1.born"), b, SaveOptions{}))
	require.NoError(t, Save(filepath.Join(dir, "0.born"), a, SaveOptions{}))

	_, err := LoadStateDict(dir)
	require.True(t, errors.Is(err, ErrDuplicateKey))

	got, err := LoadStateDict(dir, WithDuplicatePolicy(FirstWins))
	require.NoError(t, err)
	k, _ := got.Get("k")
	assert.Equal(t, float32(1), k.AsFloat32()[0], "0.born sorts first and wins")
}

func TestLoadStateDict_PrefersSafeTensors(t *testing.T) {
	dir := t.TempDir()
	st := NewFlat()
	st.Set("from_safetensors", filled(t, 0, 1))
	born := NewFlat()
	born.Set("from_born", filled(t, 0, 1))
	require.NoError(t, Save(filepath.Join(dir, "a.safetensors"), st, SaveOptions{}))
	require.NoError(t, Save(filepath.Join(dir, "a.born"), born, SaveOptions{}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o600))

	got, err := LoadStateDict(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"from_safetensors"}, got.Keys())
}

func TestLoadStateDict_IndexFile(t *testing.T) {
	dir := t.TempDir()
	_, err := SaveSharded(dir, layeredStateDict(t, 2), 2, FormatSafeTensors, SaveOptions{})
	require.NoError(t, err)
	// A stray file that the index does not list must be ignored.
	stray := NewFlat()
	stray.Set("stray", filled(t, 0, 1))
	require.NoError(t, Save(filepath.Join(dir, "zz-stray.safetensors"), stray, SaveOptions{}))

	got, err := LoadStateDict(dir)
	require.NoError(t, err)
	_, ok := got.Get("stray")
	assert.False(t, ok)
	assert.Equal(t, 5, got.Len())
}

func TestLoadStateDict_Errors(t *testing.T) {
	_, err := LoadStateDict(filepath.Join(t.TempDir(), "missing.born"))
	assert.True(t, errors.Is(err, ErrNotFound))

	empty := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(empty, "README.md"), []byte("hi"), 0o600))
	_, err = LoadStateDict(empty)
	assert.True(t, errors.Is(err, ErrNoCheckpoints))
	assert.True(t, errors.Is(err, ErrNotFound))

	corrupt := filepath.Join(t.TempDir(), "bad.safetensors")
	require.NoError(t, os.WriteFile(corrupt, []byte("garbage!"), 0o600))
	_, err = LoadStateDict(corrupt)
	var fe *FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FormatSafeTensors, fe.Format)
	assert.False(t, errors.Is(err, ErrNotFound))

	unknown := filepath.Join(t.TempDir(), "weights.dat")
	require.NoError(t, os.WriteFile(unknown, []byte("????????"), 0o600))
	_, err = LoadStateDict(unknown)
	assert.True(t, errors.Is(err, ErrUnrecognizedFormat))
}

func TestLoadStateDict_SniffsBornMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.born")
	require.NoError(t, Save(path, layeredStateDict(t, 1), SaveOptions{}))
	renamed := filepath.Join(dir, "checkpoint")
	require.NoError(t, os.Rename(path, renamed))

	got, err := LoadStateDict(renamed)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Len())
}

func TestLoadStateDict_CountsShards(t *testing.T) {
	before := testutil.ToFloat64(shardsRead.WithLabelValues(string(FormatBorn)))

	dir := t.TempDir()
	_, err := SaveSharded(dir, layeredStateDict(t, 3), 3, FormatBorn, SaveOptions{})
	require.NoError(t, err)
	_, err = LoadStateDict(dir)
	require.NoError(t, err)

	after := testutil.ToFloat64(shardsRead.WithLabelValues(string(FormatBorn)))
	assert.Equal(t, 3.0, after-before)
}

func TestSaveSharded_UnevenFinalShard(t *testing.T) {
	dir := t.TempDir()
	paths, err := SaveSharded(dir, layeredStateDict(t, 5), 4, FormatBorn, SaveOptions{})
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, "model-00003-of-00003.born", filepath.Base(paths[2]))

	last, err := ReadBornFile(paths[2], ValidationStrict)
	require.NoError(t, err)
	assert.Equal(t, 3, last.Tensors.Len())
}

func TestGather_Strided(t *testing.T) {
	// A transposed 2x3 view over a row-major 3x2 buffer.
	data := []float32{0, 1, 2, 3, 4, 5}
	got := gather(data, 0, tensor.Shape{2, 3}, []int{1, 2})
	assert.Equal(t, []float32{0, 2, 4, 1, 3, 5}, got)

	contiguous := gather(data, 2, tensor.Shape{2, 2}, []int{2, 1})
	assert.Equal(t, []float32{2, 3, 4, 5}, contiguous)
}

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zephyr271828/foundation-model-stack/internal/comparison"
	"github.com/Zephyr271828/foundation-model-stack/internal/config"
	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/models/llama"
	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
)

// run executes fms with args in an isolated home and working directory.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HF_HUB_CACHE", t.TempDir())
	t.Chdir(t.TempDir())

	var out, errOut bytes.Buffer
	a := New("v-test", WithOutput(&out, &errOut))
	err := a.Execute(context.Background(), args)
	require.NoError(t, a.Shutdown(context.Background()))
	return out.String(), err
}

func runJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := run(t, append(args, "-o", "json")...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "fms v-test\n", out)
}

func TestList(t *testing.T) {
	var infos []architectureInfo
	runJSON(t, &infos, "list")

	byName := make(map[string]architectureInfo)
	for _, info := range infos {
		byName[info.Name] = info
	}
	require.Contains(t, byName, llama.Architecture)
	assert.Contains(t, byName[llama.Architecture].Variants, "micro")
	assert.Equal(t, []string{"fms", "gguf", "hf", "meta"}, byName[llama.Architecture].Sources)

	out, err := run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(out), "architecture")
	assert.Contains(t, out, "gpt_bigcode")
}

func TestVariantsAndSources(t *testing.T) {
	var variants []string
	runJSON(t, &variants, "variants", "roberta")
	assert.Contains(t, variants, "micro")
	assert.Contains(t, variants, "base")

	var sources []string
	runJSON(t, &sources, "sources", "roberta")
	assert.Equal(t, []string{"fms", "hf"}, sources)

	_, err := run(t, "variants", "no-such-arch")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = run(t, "variants")
	assert.Error(t, err)
}

func TestVariantsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "variants.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llama:\n  tiny:\n    base: micro\n    args: {nlayers: 1}\n"), 0o600))

	var variants []string
	runJSON(t, &variants, "variants", "llama", "--variants-file", path)
	assert.Contains(t, variants, "tiny")

	var report inspectReport
	runJSON(t, &report, "inspect", "llama", "tiny", "--variants-file", path)
	assert.InDelta(t, 1, report.Config["nlayers"], 0)
}

func TestInspect(t *testing.T) {
	var report inspectReport
	runJSON(t, &report, "inspect", "llama", "micro", "--arg", "nlayers=2", "--dtype", "bfloat16")

	reg := models.NewRegistry()
	require.NoError(t, llama.Register(reg))
	m, err := reg.ModelInstance(llama.Architecture, "micro", models.ExtraArgs{"nlayers": 2})
	require.NoError(t, err)

	assert.Equal(t, "micro", report.Variant)
	assert.Equal(t, nn.CountParameters(m), report.Parameters)
	assert.Equal(t, map[string]int{"bfloat16": len(uniqueParams(m))}, report.DTypes)
	assert.Empty(t, report.Pending)
	assert.InDelta(t, 2, report.Config["nlayers"], 0)

	out, err := run(t, "inspect", "llama", "micro", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "architecture: llama")

	_, err = run(t, "inspect", "llama", "micro", "--arg", "no_such_field=1")
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestInspect_QuantizedPending(t *testing.T) {
	var report inspectReport
	runJSON(t, &report, "inspect", "llama", "micro",
		"--arg", "nlayers=1",
		"--arg", "linear_config={linear_type: gptq, group_size: 64}")
	assert.NotEmpty(t, report.Pending)
	assert.Equal(t, "gptq", report.Config["linear_config"].(map[string]any)["linear_type"])
}

func TestSaveKeysVerify(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "roberta.safetensors")
	shards := filepath.Join(dir, "shards")
	other := filepath.Join(dir, "other.born")

	_, err := run(t, "save", "roberta", "micro", file, "--seed", "3")
	require.NoError(t, err)
	_, err = run(t, "save", "roberta", "micro", shards, "--seed", "3", "--shards", "3")
	require.NoError(t, err)
	_, err = run(t, "save", "roberta", "micro", other, "--seed", "4")
	require.NoError(t, err)

	var single, sharded keysReport
	runJSON(t, &single, "keys", file)
	runJSON(t, &sharded, "keys", shards)
	assert.Equal(t, 1, single.Shards)
	assert.Equal(t, 3, sharded.Shards)
	assert.Equal(t, 2, single.Layers)
	if diff := cmp.Diff(single.Tensors, sharded.Tensors, sortByName); diff != "" {
		t.Errorf("sharded keys differ (-single +sharded):\n%s", diff)
	}

	var report verifyReport
	runJSON(t, &report, "verify", "roberta", "micro", file, shards)
	assert.True(t, report.Consistent)
	assert.Equal(t, 8, report.Positions)
	assert.Zero(t, report.MaxAbsDiff)

	_, err = run(t, "verify", "roberta", "micro", file, other, "--atol", "1e-9")
	assert.ErrorIs(t, err, comparison.ErrMismatch)
}

func TestSave_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "save", "roberta", "micro", filepath.Join(dir, "x.unknown"))
	assert.Error(t, err)
	_, err = run(t, "save", "roberta", "micro", dir, "--shards", "0")
	assert.Error(t, err)
	_, err = run(t, "keys", filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestOutputFormat(t *testing.T) {
	_, err := run(t, "list", "-o", "xml")
	assert.Error(t, err)
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{"nlayers=2", "tie_heads=true", "norm_eps=1e-6", "activation_fn=gelu", "pad_id="})
	require.NoError(t, err)
	assert.EqualValues(t, 2, args["nlayers"])
	assert.Equal(t, true, args["tie_heads"])
	assert.InDelta(t, 1e-6, args["norm_eps"], 1e-12)
	assert.Equal(t, "gelu", args["activation_fn"])
	assert.Equal(t, "", args["pad_id"])

	_, err = parseArgs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseArgs([]string{"=1"})
	assert.Error(t, err)
}

func TestLogLevel(t *testing.T) {
	cfg := &config.Config{LogLevel: "warn"}
	tests := []struct {
		name  string
		flags globalFlags
		cfg   *config.Config
		want  zerolog.Level
	}{
		{"default", globalFlags{}, &config.Config{}, zerolog.InfoLevel},
		{"config", globalFlags{}, cfg, zerolog.WarnLevel},
		{"verbose beats config", globalFlags{verbose: true}, cfg, zerolog.DebugLevel},
		{"flag beats verbose", globalFlags{verbose: true, logLevel: "error"}, cfg, zerolog.ErrorLevel},
		{"invalid", globalFlags{logLevel: "loud"}, cfg, zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, logLevel(tt.flags, tt.cfg))
		})
	}
}

func TestNewLogger_JSONForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, zerolog.InfoLevel, "auto")
	l.Info().Str("k", "v").Msg("hello")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
}

var sortByName = cmpopts.SortSlices(func(a, b tensorEntry) bool { return a.Name < b.Name })

func uniqueParams(m nn.Module) map[*nn.Parameter]bool {
	seen := make(map[*nn.Parameter]bool)
	for _, np := range nn.NamedParameters(m) {
		seen[np.Param] = true
	}
	return seen
}

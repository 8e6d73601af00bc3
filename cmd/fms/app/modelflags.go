package app

import (
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// modelFlags are the load options shared by inspect, save and verify.
type modelFlags struct {
	modelPath string
	source    string
	dtype     string
	args      []string
	seed      int64
	strict    bool
}

func (mf *modelFlags) register(cmd *cobra.Command, withPath bool) {
	f := cmd.Flags()
	if withPath {
		f.StringVar(&mf.modelPath, "model-path", "", "checkpoint file or shard directory")
	}
	f.StringVar(&mf.source, "source", "", "checkpoint naming convention (fms, hf, meta, gguf)")
	f.StringVar(&mf.dtype, "dtype", "", "cast floating-point parameters (float32, float16, bfloat16, ...)")
	f.StringArrayVar(&mf.args, "arg", nil, "config override key=value, value parsed as YAML (repeatable)")
	f.Int64Var(&mf.seed, "seed", 0, "initialization seed when no checkpoint is loaded")
	f.BoolVar(&mf.strict, "strict", false, "reject checkpoint keys no parameter consumes")
}

// options merges flags over the load.* config defaults.
func (a *App) options(cmd *cobra.Command, mf *modelFlags) ([]models.Option, error) {
	args, err := parseArgs(mf.args)
	if err != nil {
		return nil, err
	}
	seed, strict, dtype := mf.seed, mf.strict, mf.dtype
	if a.config != nil {
		if !cmd.Flags().Changed("seed") {
			seed = a.config.Load.Seed
		}
		if !cmd.Flags().Changed("strict") {
			strict = a.config.Load.Strict
		}
		if dtype == "" {
			dtype = a.config.Load.DataType
		}
	}

	opts := []models.Option{models.WithExtraArgs(args), models.WithSeed(seed), models.WithStrict(strict)}
	if mf.modelPath != "" {
		opts = append(opts, models.WithModelPath(mf.modelPath))
	}
	if mf.source != "" {
		opts = append(opts, models.WithSource(mf.source))
	}
	if dtype != "" {
		dt, err := tensor.ParseDataType(dtype)
		if err != nil {
			return nil, err
		}
		opts = append(opts, models.WithDataType(dt))
	}
	return opts, nil
}

// parseArgs turns key=value pairs into ExtraArgs. Values use YAML scalar
// rules, so "2" is an integer, "true" a bool and "[1, 2]" a list.
func parseArgs(pairs []string) (models.ExtraArgs, error) {
	args := make(models.ExtraArgs, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--arg %q: want key=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("--arg %s: %w", key, err)
		}
		if v == nil {
			v = raw
		}
		args[key] = v
	}
	return args, nil
}

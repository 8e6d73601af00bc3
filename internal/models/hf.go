package models

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Zephyr271828/foundation-model-stack/internal/hub"
	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
)

// HFQuantization is the quantization_config block of a hub config.
type HFQuantization struct {
	QuantMethod string `json:"quant_method"`
	Bits        int    `json:"bits"`
	GroupSize   int    `json:"group_size"`
	DescAct     bool   `json:"desc_act"`
}

// LinearConfig converts a 4-bit GPTQ quantization block to linear_config
// extra arguments. A negative group size means one group spanning the input
// features and is left for inference from the checkpoint.
func (q *HFQuantization) LinearConfig() (map[string]any, error) {
	if q.QuantMethod != "gptq" {
		return nil, fmt.Errorf("unsupported quant_method %q", q.QuantMethod)
	}
	if q.Bits != 0 && q.Bits != 4 {
		return nil, fmt.Errorf("gptq with %d bits is not supported", q.Bits)
	}
	return map[string]any{
		"linear_type": nn.LinearGPTQ,
		"group_size":  max(q.GroupSize, 0),
		"desc_act":    q.DescAct,
	}, nil
}

// ResolveHFConfig maps the bytes of a hub config.json to a registered
// architecture and variant through the converter registered for its
// model_type.
func (r *Registry) ResolveHFConfig(configJSON []byte) (HFTarget, error) {
	var head struct {
		ModelType string `json:"model_type"`
	}
	if err := json.Unmarshal(configJSON, &head); err != nil {
		return HFTarget{}, fmt.Errorf("%w: hub config: %v", ErrInvalidConfig, err)
	}
	if head.ModelType == "" {
		return HFTarget{}, invalidConfig("hub config has no model_type")
	}
	modelType := head.ModelType
	conv, err := r.hfConfig(modelType)
	if err != nil {
		return HFTarget{}, err
	}
	target, err := conv(configJSON)
	if err != nil {
		return HFTarget{}, fmt.Errorf("%w: model_type %q: %v", ErrInvalidConfig, modelType, err)
	}
	if target.Args == nil {
		target.Args = ExtraArgs{}
	}
	return target, nil
}

// withTarget layers the caller's extra args over the converted ones.
func withTarget(target HFTarget, o *getOptions) *getOptions {
	merged := target.Args.Clone()
	for k, v := range o.args {
		merged[k] = v
	}
	out := *o
	out.args = merged
	return &out
}

// getConfigured builds a randomly initialized model from a hub config.
func (r *Resolver) getConfigured(ctx context.Context, repo string, o *getOptions) (Model, error) {
	if err := hub.ValidateRepoID(repo); err != nil {
		return nil, err
	}
	path, err := r.hubClient().Download(ctx, repo, "config.json", o.revision)
	if err != nil {
		return nil, fmt.Errorf("models: fetch config of %s: %w", repo, err)
	}
	//nolint:gosec // G304: path is inside the hub cache
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	target, err := r.Registry.ResolveHFConfig(data)
	if err != nil {
		return nil, err
	}
	r.log().Debug().Str("repo", repo).Str("architecture", target.Architecture).Str("variant", target.Variant).Msg("resolved hub config")
	return r.build(target.Architecture, target.Variant, nil, withTarget(target, o))
}

// getPretrained downloads a hub checkpoint and loads it as an "hf" source.
func (r *Resolver) getPretrained(ctx context.Context, repo string, o *getOptions) (Model, error) {
	if err := hub.ValidateRepoID(repo); err != nil {
		return nil, err
	}
	client := r.hubClient()
	info, err := client.ModelInfo(ctx, repo, o.revision)
	if err != nil {
		return nil, fmt.Errorf("models: describe %s: %w", repo, err)
	}
	files := hub.SelectWeightFiles(info.Files())
	if len(files) < 2 {
		return nil, fmt.Errorf("%w: %s has no weight files", ErrNotFound, repo)
	}
	paths, err := client.DownloadAll(ctx, repo, files, o.revision)
	if err != nil {
		return nil, fmt.Errorf("models: download %s: %w", repo, err)
	}
	//nolint:gosec // G304: path is inside the hub cache
	data, err := os.ReadFile(paths[0])
	if err != nil {
		return nil, err
	}
	target, err := r.Registry.ResolveHFConfig(data)
	if err != nil {
		return nil, err
	}
	if _, err := r.Registry.adapter(target.Architecture, SourceHF); err != nil {
		return nil, invalidConfig("architecture %q has no %q adapter", target.Architecture, SourceHF)
	}
	r.log().Debug().Str("repo", repo).Int("files", len(paths)).Str("architecture", target.Architecture).Msg("downloaded hub checkpoint")

	local := withTarget(target, o)
	local.source = SourceHF
	local.modelPath = client.SnapshotDir(repo, o.revision)
	return r.getLocal(ctx, target.Architecture, target.Variant, local)
}

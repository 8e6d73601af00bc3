package models

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zephyr271828/foundation-model-stack/internal/hub"
	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

var tracer = otel.Tracer("github.com/Zephyr271828/foundation-model-stack/internal/models")

// Resolver turns (architecture, variant, options) into a ready model.
type Resolver struct {
	Registry *Registry

	// Hub serves the hf_pretrained and hf_configured architectures. When nil
	// a client configured from the environment is created on first use.
	Hub *hub.Client

	// Logger receives debug events. Nil disables logging.
	Logger *zerolog.Logger
}

// NewResolver returns a resolver over reg.
func NewResolver(reg *Registry) *Resolver {
	return &Resolver{Registry: reg}
}

func (r *Resolver) log() *zerolog.Logger {
	if r.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return r.Logger
}

func (r *Resolver) hubClient() *hub.Client {
	if r.Hub == nil {
		r.Hub = hub.NewClient(hub.WithLogger(*r.log()))
	}
	return r.Hub
}

// IsRemote reports whether name selects hub delegation.
func IsRemote(name string) bool {
	return name == SourceHFPretrained || name == SourceHFConfigured
}

// GetModel resolves and loads a model.
//
// When arch is "hf_pretrained" or "hf_configured", variant is a hub
// repository id and resolution is delegated to the hub. Otherwise arch and
// variant are looked up in the registry, weights are loaded from
// WithModelPath when given (inferring the layer count if the caller did not
// set it), renamed by the WithSource adapter, and assigned after pending
// quantized layers are specialized. Without a path, parameters are
// initialized from WithSeed. WithDataType casts the result.
//
// Invalid option combinations fail with ErrInvalidConfig before any disk or
// network access, and unknown names fail with ErrNotFound before any weight
// is read.
func (r *Resolver) GetModel(ctx context.Context, arch, variant string, opts ...Option) (m Model, err error) {
	o := newGetOptions(opts)
	label := sourceLabel(arch, o)
	start := time.Now()
	ctx, span := tracer.Start(ctx, "GetModel", trace.WithAttributes(
		attribute.String("fms.architecture", arch),
		attribute.String("fms.variant", variant),
		attribute.String("fms.source", label),
	))
	defer func() {
		getModelDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		if err != nil {
			getModelErrors.WithLabelValues(label).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := r.classify(arch, o); err != nil {
		return nil, err
	}
	switch arch {
	case SourceHFConfigured:
		return r.getConfigured(ctx, variant, o)
	case SourceHFPretrained:
		return r.getPretrained(ctx, variant, o)
	}
	return r.getLocal(ctx, arch, variant, o)
}

func sourceLabel(arch string, o *getOptions) string {
	switch {
	case IsRemote(arch):
		return arch
	case o.modelPath == "":
		return "init"
	case o.source == "":
		return SourceNative
	default:
		return o.source
	}
}

// classify validates the option combination without any I/O.
func (r *Resolver) classify(arch string, o *getOptions) error {
	switch {
	case IsRemote(o.source) && o.modelPath != "":
		return invalidConfig("model_path %q cannot be combined with remote source %q", o.modelPath, o.source)
	case IsRemote(arch) && o.modelPath != "":
		return invalidConfig("model_path %q cannot be combined with remote architecture %q", o.modelPath, arch)
	case IsRemote(arch) && o.source != "":
		return invalidConfig("source %q cannot be combined with remote architecture %q", o.source, arch)
	case IsRemote(o.source):
		return invalidConfig("remote source %q is selected through the architecture name, not the source", o.source)
	case IsRemote(arch):
		return nil
	}
	_, err := r.Registry.adapter(arch, o.source)
	var nf *NotFoundError
	if errors.As(err, &nf) && nf.Kind == "source" {
		return invalidConfig("unknown source %q for architecture %q", o.source, arch)
	}
	return err
}

func (r *Resolver) getLocal(ctx context.Context, arch, variant string, o *getOptions) (Model, error) {
	if _, err := r.Registry.factory(arch, variant); err != nil {
		return nil, err
	}

	var sd serialization.StateDict
	if o.modelPath != "" {
		var err error
		sd, err = serialization.LoadStateDictContext(ctx, o.modelPath,
			serialization.WithDuplicatePolicy(o.dupPolicy),
			serialization.WithLogger(*r.log()),
		)
		if err != nil {
			return nil, fmt.Errorf("models: load weights for %s/%s: %w", arch, variant, err)
		}
		r.log().Debug().Str("path", o.modelPath).Str("state_dict", serialization.Describe(sd)).Msg("loaded checkpoint")

		if key := r.Registry.layerArg(arch); key != "" {
			if _, set := o.args[key]; !set {
				if n, ok := GuessNumLayers(sd); ok {
					o.args[key] = n
					r.log().Debug().Str("arg", key).Int("value", n).Msg("inferred layer count from checkpoint")
				}
			}
		}
	}
	return r.build(arch, variant, sd, o)
}

// build instantiates, adapts, specializes, fills and casts a model.
func (r *Resolver) build(arch, variant string, sd serialization.StateDict, o *getOptions) (Model, error) {
	m, err := r.Registry.ModelInstance(arch, variant, o.args)
	if err != nil {
		return nil, err
	}

	if sd != nil {
		adapter, err := r.Registry.adapter(arch, o.source)
		if err != nil {
			return nil, err
		}
		if adapter != nil {
			if sd, err = adapter(sd, m.Config()); err != nil {
				return nil, fmt.Errorf("models: adapt %s checkpoint for %s: %w", o.source, arch, err)
			}
			r.log().Debug().Str("source", o.source).Int("keys", sd.Len()).Msg("adapted checkpoint names")
		}
	}

	if err := nn.Specialize(m, specializer(sd)); err != nil {
		return nil, err
	}

	if sd != nil {
		report, err := nn.LoadStateDict(m, sd, o.strict)
		if err != nil {
			return nil, fmt.Errorf("models: %s/%s: %w", arch, variant, err)
		}
		if len(report.Unexpected) > 0 {
			r.log().Debug().Strs("keys", report.Unexpected).Msg("ignored unexpected checkpoint keys")
		}
	} else {
		//nolint:gosec // G404: deterministic weight initialization, not security-sensitive
		if err := nn.Materialize(m, rand.New(rand.NewSource(o.seed))); err != nil {
			return nil, fmt.Errorf("models: initialize %s/%s: %w", arch, variant, err)
		}
	}

	if err := nn.Verify(m); err != nil {
		return nil, err
	}
	if o.hasDType {
		if err := nn.Cast(m, o.dataType); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// specializer builds quantized layers for pending slots. The GPTQ group size
// comes from the linear config, else from the checkpoint's scales tensor,
// else the package default.
func specializer(sd serialization.StateDict) nn.SpecializeFunc {
	return func(path string, u *nn.Uninitialized) (nn.Layer, error) {
		switch u.Config.LinearType {
		case nn.LinearGPTQ, nn.LinearGPTQCPU:
			group := u.Config.GroupSize
			if group == 0 && sd != nil {
				if scales, ok := sd.Get(path + ".scales"); ok && len(scales.Shape()) == 2 && scales.Shape()[0] > 0 {
					gidx, _ := sd.Get(path + ".g_idx")
					group = inferGroupSize(u.In, scales.Shape()[0], gidx)
				}
			}
			return nn.NewGPTQLinear(u.In, u.Out, u.Bias, nn.GPTQConfig{GroupSize: group, DescAct: u.Config.DescAct})
		default:
			return nil, fmt.Errorf("no specialization for linear_type %q", u.Config.LinearType)
		}
	}
}

// inferGroupSize derives the group size of a layer with in features and
// groups scale rows. Every group but the last is full, so the number of rows
// g_idx assigns to group 0 is the group size; without g_idx the smallest size
// giving groups rows is used. It returns 0 when neither fits.
func inferGroupSize(in, groups int, gidx *tensor.RawTensor) int {
	if gidx != nil && gidx.NumElements() == in {
		if idx, err := gidx.Int64s(); err == nil {
			group := 0
			for _, g := range idx {
				if g == 0 {
					group++
				}
			}
			if group > 0 && nn.GPTQGroups(in, group) == groups {
				return group
			}
		}
	}
	group := (in + groups - 1) / groups
	if group <= 0 || nn.GPTQGroups(in, group) != groups {
		return 0
	}
	return group
}

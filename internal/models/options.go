package models

import (
	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

type getOptions struct {
	modelPath string
	source    string
	revision  string
	dataType  tensor.DataType
	hasDType  bool
	args      ExtraArgs
	strict    bool
	seed      int64
	dupPolicy serialization.DuplicatePolicy
}

// Option configures GetModel.
type Option func(*getOptions)

// WithModelPath loads weights from a checkpoint file or shard directory.
func WithModelPath(path string) Option {
	return func(o *getOptions) { o.modelPath = path }
}

// WithSource names the checkpoint convention: "fms" (native), "hf", "meta"
// or any adapter registered for the architecture.
func WithSource(source string) Option {
	return func(o *getOptions) { o.source = source }
}

// WithDataType casts floating-point parameters after loading.
func WithDataType(dt tensor.DataType) Option {
	return func(o *getOptions) {
		o.dataType = dt
		o.hasDType = true
	}
}

// WithExtraArgs merges args over the variant defaults. Later calls override
// earlier keys.
func WithExtraArgs(args ExtraArgs) Option {
	return func(o *getOptions) {
		for k, v := range args {
			o.args[k] = v
		}
	}
}

// WithArg sets a single extra argument.
func WithArg(key string, value any) Option {
	return func(o *getOptions) { o.args[key] = value }
}

// WithStrict rejects checkpoint keys that no parameter consumes.
func WithStrict(strict bool) Option {
	return func(o *getOptions) { o.strict = strict }
}

// WithSeed seeds parameter initialization when no weights are loaded.
func WithSeed(seed int64) Option {
	return func(o *getOptions) { o.seed = seed }
}

// WithDuplicatePolicy chooses how keys present in several shards resolve.
func WithDuplicatePolicy(p serialization.DuplicatePolicy) Option {
	return func(o *getOptions) { o.dupPolicy = p }
}

// WithRevision selects the hub revision for remote architectures.
func WithRevision(rev string) Option {
	return func(o *getOptions) { o.revision = rev }
}

func newGetOptions(opts []Option) *getOptions {
	o := &getOptions{args: ExtraArgs{}, dupPolicy: serialization.RejectDuplicates}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

package models

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// MergeConfig decodes args over a copy of base and returns the copy. base
// is never modified. Keys are matched against mapstructure tags; unknown keys
// fail with ErrInvalidConfig.
func MergeConfig[T any](base T, args ExtraArgs) (T, error) {
	out := base
	if len(args) == 0 {
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		// Pointer fields present in args are freshly allocated rather than
		// decoded into memory shared with base.
		ZeroFields: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return base, err
	}
	if err := dec.Decode(map[string]any(args)); err != nil {
		return base, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return out, nil
}

// ConfigMap flattens a config struct into a map keyed by mapstructure tags.
func ConfigMap(cfg any) (map[string]any, error) {
	out := make(map[string]any)
	if err := mapstructure.Decode(cfg, &out); err != nil {
		return nil, fmt.Errorf("models: config map: %w", err)
	}
	return out, nil
}

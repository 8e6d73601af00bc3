package models

import (
	"fmt"
	"strings"

	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
)

// WeightMapper maps a checkpoint's parameter names to native names.
type WeightMapper interface {
	// MapName returns the native name for name. keep is false when the
	// tensor has no native counterpart and should be dropped.
	MapName(name string) (native string, keep bool)
}

// Rule rewrites a dotted name prefix. The suffix after the prefix is kept,
// so one rule serves weight, bias and quantized tensors alike.
type Rule struct {
	From string
	To   string
}

func (r Rule) apply(name string) (string, bool) {
	if name == r.From {
		return r.To, true
	}
	if strings.HasPrefix(name, r.From+".") {
		return r.To + name[len(r.From):], true
	}
	return "", false
}

// LayerMapper is a table-driven WeightMapper for checkpoints made of
// numbered blocks.
//
// Names under LayerFrom ("model.layers.3.self_attn.q_proj.weight") are split
// into the block index and the in-block remainder, the remainder is rewritten
// by the first matching Layer rule and the result is placed under LayerTo
// ("layers.3.attn.in_proj.query.weight"). Other names go through Global.
// Names equal to a Drop entry, under it, or ending in it are removed.
// Unmatched names pass through unchanged so strict loading can report them.
type LayerMapper struct {
	Global    []Rule
	LayerFrom string
	LayerTo   string
	Layer     []Rule
	Drop      []string
}

// MapName implements WeightMapper.
func (m *LayerMapper) MapName(name string) (string, bool) {
	for _, d := range m.Drop {
		if name == d || strings.HasPrefix(name, d+".") || strings.HasSuffix(name, "."+d) {
			return "", false
		}
	}
	if m.LayerFrom != "" && strings.HasPrefix(name, m.LayerFrom+".") {
		rest := name[len(m.LayerFrom)+1:]
		idx, tail, ok := strings.Cut(rest, ".")
		if ok {
			for _, r := range m.Layer {
				if mapped, ok := r.apply(tail); ok {
					return m.LayerTo + "." + idx + "." + mapped, true
				}
			}
			return m.LayerTo + "." + idx + "." + tail, true
		}
	}
	for _, r := range m.Global {
		if mapped, ok := r.apply(name); ok {
			return mapped, true
		}
	}
	return name, true
}

// MapStateDict renames every key of sd through m into a new flat state dict.
// Tensors are shared. Two source keys mapping to the same native name fail
// with serialization.ErrDuplicateKey.
func MapStateDict(sd serialization.StateDict, m WeightMapper) (*serialization.Flat, error) {
	out := serialization.NewFlatWithCapacity(sd.Len())
	origin := make(map[string]string, sd.Len())
	for _, key := range sd.Keys() {
		native, keep := m.MapName(key)
		if !keep {
			continue
		}
		if prev, dup := origin[native]; dup {
			return nil, fmt.Errorf("%w: %q and %q both map to %q", serialization.ErrDuplicateKey, prev, key, native)
		}
		t, _ := sd.Get(key)
		out.Set(native, t)
		origin[native] = key
	}
	return out, nil
}

// MapperAdapter returns an Adapter that only renames.
func MapperAdapter(m WeightMapper) Adapter {
	return func(sd serialization.StateDict, _ any) (serialization.StateDict, error) {
		return MapStateDict(sd, m)
	}
}

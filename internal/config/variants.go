package config

import (
	"fmt"
	"os"
	"slices"

	"github.com/goccy/go-yaml"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
)

// Variant derives a named variant from a registered one.
type Variant struct {
	Base string         `yaml:"base"`
	Args map[string]any `yaml:"args"`
}

// Variants maps architecture to variant name to definition:
//
//	llama:
//	  tiny:
//	    base: micro
//	    args: {nlayers: 2, emb_dim: 64}
type Variants map[string]map[string]Variant

// LoadVariants reads a variants file.
func LoadVariants(path string) (Variants, error) {
	//nolint:gosec // G304: path is given by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: variants file: %w", err)
	}
	var vs Variants
	if err := yaml.Unmarshal(data, &vs); err != nil {
		return nil, fmt.Errorf("config: variants file %s: %w", path, err)
	}
	return vs, nil
}

// Register adds every derived variant to reg in sorted order.
func (vs Variants) Register(reg *models.Registry) error {
	archs := make([]string, 0, len(vs))
	for a := range vs {
		archs = append(archs, a)
	}
	slices.Sort(archs)
	for _, arch := range archs {
		names := make([]string, 0, len(vs[arch]))
		for n := range vs[arch] {
			names = append(names, n)
		}
		slices.Sort(names)
		for _, name := range names {
			v := vs[arch][name]
			if v.Base == "" {
				return fmt.Errorf("config: variant %s/%s has no base", arch, name)
			}
			if err := reg.RegisterDerived(arch, name, v.Base, v.Args); err != nil {
				return fmt.Errorf("config: variant %s/%s: %w", arch, name, err)
			}
		}
	}
	return nil
}

package nn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// ErrUnexpectedKeys is returned by a strict load when the state dict holds
// keys that no parameter consumes.
var ErrUnexpectedKeys = errors.New("nn: unexpected keys in state dict")

// LoadReport summarizes a LoadStateDict call.
type LoadReport struct {
	Loaded     int      // distinct parameters assigned
	Unexpected []string // state dict keys no parameter consumed, in key order
}

// StateDict exports every materialized parameter under each of its paths.
// Tensors are shared with the parameters, not copied.
func StateDict(root Module) (*serialization.Flat, error) {
	named := NamedParameters(root)
	sd := serialization.NewFlatWithCapacity(len(named))
	for _, np := range named {
		if !np.Param.Materialized() {
			return nil, fmt.Errorf("nn: state dict %s: %w", np.Name, ErrNotMaterialized)
		}
		sd.Set(np.Name, np.Param.Tensor())
	}
	return sd, nil
}

// LoadStateDict copies tensors from sd into the parameters of root.
//
// A tied parameter is loaded from the first of its paths present in sd. A
// parameter with no key at all fails with *serialization.MissingKeyError; a
// shape difference fails with *ShapeMismatchError. Keys no parameter consumes
// are reported and, when strict, rejected with ErrUnexpectedKeys.
// Placeholders must be specialized first: pending slots own no parameters.
func LoadStateDict(root Module, sd serialization.StateDict, strict bool) (LoadReport, error) {
	var report LoadReport
	if err := Verify(root); err != nil {
		return report, err
	}

	expected := make(map[string]struct{})
	for _, g := range groupParameters(root) {
		for _, name := range g.names {
			expected[name] = struct{}{}
		}
		var key string
		var src *tensor.RawTensor
		for _, name := range g.names {
			if t, ok := sd.Get(name); ok {
				key, src = name, t
				break
			}
		}
		if src == nil {
			_, err := serialization.Lookup(sd, g.names[0])
			return report, fmt.Errorf("nn: load state dict: %w", err)
		}
		if err := g.param.Assign(src); err != nil {
			var sm *ShapeMismatchError
			if errors.As(err, &sm) {
				sm.Key = key
			}
			return report, fmt.Errorf("nn: load %s: %w", key, err)
		}
		report.Loaded++
	}

	for _, k := range sd.Keys() {
		if _, ok := expected[k]; !ok {
			report.Unexpected = append(report.Unexpected, k)
		}
	}
	if strict && len(report.Unexpected) > 0 {
		return report, fmt.Errorf("%w: %s", ErrUnexpectedKeys, strings.Join(report.Unexpected, ", "))
	}
	return report, nil
}

package nn

import (
	"fmt"
	"math/rand"

	"github.com/Zephyr271828/foundation-model-stack/internal/parallel"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// walk visits every module below m in pre-order. Slots are transparent: the
// visitor receives the held module together with the slot holding it.
func walk(prefix string, m Module, visit func(path string, m Module, s *Slot) error) error {
	for _, c := range m.Children() {
		path := join(prefix, c.Name)
		held := c.Module
		slot, isSlot := held.(*Slot)
		if isSlot {
			held = slot.Held()
		}
		if err := visit(path, held, slot); err != nil {
			return err
		}
		if err := walk(path, held, visit); err != nil {
			return err
		}
	}
	return nil
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// NamedModules returns every module in the graph with its dotted path, root
// first under the empty path. Pending slots appear as their *Uninitialized.
func NamedModules(root Module) []Named {
	out := []Named{{Name: "", Module: root}}
	_ = walk("", root, func(path string, m Module, _ *Slot) error {
		out = append(out, Named{Name: path, Module: m})
		return nil
	})
	return out
}

// NamedParameters returns every parameter with its dotted path. A tied
// parameter is listed once per path that reaches it.
func NamedParameters(root Module) []NamedParameter {
	var out []NamedParameter
	for _, nm := range NamedModules(root) {
		for _, p := range nm.Module.Parameters() {
			out = append(out, NamedParameter{Name: join(nm.Name, p.Name), Param: p.Param})
		}
	}
	return out
}

// paramGroup is one distinct parameter and every path it is reachable under.
type paramGroup struct {
	param *Parameter
	names []string
}

// groupParameters de-duplicates tied parameters, keeping first-seen order.
func groupParameters(root Module) []*paramGroup {
	var groups []*paramGroup
	index := make(map[*Parameter]*paramGroup)
	for _, np := range NamedParameters(root) {
		if g, ok := index[np.Param]; ok {
			g.names = append(g.names, np.Name)
			continue
		}
		g := &paramGroup{param: np.Param, names: []string{np.Name}}
		index[np.Param] = g
		groups = append(groups, g)
	}
	return groups
}

// CountParameters returns the number of scalar elements across distinct parameters.
func CountParameters(root Module) int {
	n := 0
	for _, g := range groupParameters(root) {
		n += g.param.NumElements()
	}
	return n
}

// LabelSlots records each slot's dotted path so that execution errors can
// name it. Models call this once after construction.
func LabelSlots(root Module) {
	_ = walk("", root, func(path string, _ Module, s *Slot) error {
		if s != nil {
			s.path = path
		}
		return nil
	})
}

// Pending returns the paths of slots that still hold a placeholder.
func Pending(root Module) []string {
	var out []string
	_ = walk("", root, func(path string, _ Module, s *Slot) error {
		if s != nil && s.IsPending() {
			out = append(out, path)
		}
		return nil
	})
	return out
}

// Verify fails with *UninitializedError naming the first pending slot.
func Verify(root Module) error {
	return walk("", root, func(path string, _ Module, s *Slot) error {
		if s != nil && s.IsPending() {
			return &UninitializedError{Path: path, LinearType: s.pending.Config.LinearType}
		}
		return nil
	})
}

// SpecializeFunc builds the concrete layer for the placeholder at path.
type SpecializeFunc func(path string, u *Uninitialized) (Layer, error)

// Specialize replaces every pending slot with the layer built by fn.
// Slot labels are kept.
func Specialize(root Module, fn SpecializeFunc) error {
	return walk("", root, func(path string, _ Module, s *Slot) error {
		if s == nil || !s.IsPending() {
			return nil
		}
		l, err := fn(path, s.Placeholder())
		if err != nil {
			return fmt.Errorf("nn: specialize %s: %w", path, err)
		}
		s.Set(l)
		s.path = path
		return nil
	})
}

// Materialize allocates storage for every parameter that has none, drawing
// from rng in parameter order.
func Materialize(root Module, rng *rand.Rand) error {
	for _, g := range groupParameters(root) {
		if err := g.param.Materialize(rng); err != nil {
			return fmt.Errorf("%s: %w", g.names[0], err)
		}
	}
	return nil
}

// Cast converts every floating-point parameter to dtype. Parameters are
// converted concurrently; shared parameters are converted once.
func Cast(root Module, dtype tensor.DataType) error {
	if !dtype.IsFloat() {
		return fmt.Errorf("nn: cannot cast parameters to non-float dtype %s", dtype)
	}
	groups := groupParameters(root)
	return parallel.ForErr(len(groups), func(i int) error {
		if err := groups[i].param.Cast(dtype); err != nil {
			return fmt.Errorf("nn: cast %s: %w", groups[i].names[0], err)
		}
		return nil
	}, parallel.DefaultConfig())
}

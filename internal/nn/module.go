// Package nn implements the module graph that model architectures are built from.
//
// This package provides:
//   - Module: the structural interface every graph node satisfies
//   - Parameter: a lazily materialized weight tensor
//   - Slot: a tagged holder for either a concrete Layer or a pending Uninitialized placeholder
//   - Linear, GPTQLinear, Embedding, LayerNorm, RMSNorm, attention and feed-forward blocks
//   - Graph traversal, state-dict export/import, specialization, materialization and casting
//
// Forward math runs in float32 on the CPU regardless of parameter storage dtype.
package nn

import "strconv"

// Module is the structural interface of every node in a model graph.
//
// Children and Parameters return only direct descendants; the traversal
// helpers (NamedModules, NamedParameters, StateDict) build dotted paths.
// A parameter shared between two modules (tied weights) is reported by both.
type Module interface {
	// Children returns the named direct submodules in a stable order.
	Children() []Named

	// Parameters returns the named parameters owned directly by this module.
	Parameters() []NamedParameter
}

// Layer is a Module that transforms a [rows, features] activation matrix.
type Layer interface {
	Module
	Forward(x *Matrix) (*Matrix, error)
}

// Named pairs a submodule with its attribute name.
type Named struct {
	Name   string
	Module Module
}

// NamedParameter pairs a parameter with its attribute or dotted path name.
type NamedParameter struct {
	Name  string
	Param *Parameter
}

// leaf is embedded by modules without children.
type leaf struct{}

func (leaf) Children() []Named { return nil }

// params drops entries whose parameter is nil.
func params(ps ...NamedParameter) []NamedParameter {
	out := ps[:0]
	for _, p := range ps {
		if p.Param != nil {
			out = append(out, p)
		}
	}
	return out
}

// List is an indexed container whose children are named "0", "1", ...
type List struct {
	Items []Module
}

// ListOf wraps items in a List.
func ListOf[T Module](items []T) *List {
	l := &List{Items: make([]Module, len(items))}
	for i, m := range items {
		l.Items[i] = m
	}
	return l
}

// Children returns the items under their indices.
func (l *List) Children() []Named {
	out := make([]Named, len(l.Items))
	for i, m := range l.Items {
		out[i] = Named{strconv.Itoa(i), m}
	}
	return out
}

// Parameters returns nil.
func (l *List) Parameters() []NamedParameter { return nil }

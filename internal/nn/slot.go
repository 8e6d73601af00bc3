package nn

import "fmt"

// Slot is a position in the module graph that holds either a concrete Layer
// or a pending Uninitialized placeholder, never both.
//
// Traversal sees through a slot to the module it holds. Forward executes the
// concrete arm and rejects the pending arm with an *UninitializedError.
type Slot struct {
	concrete Layer
	pending  *Uninitialized
	path     string
}

// Concrete returns a slot holding l.
func Concrete(l Layer) *Slot {
	return &Slot{concrete: l}
}

// PendingSlot returns a slot holding the placeholder u.
func PendingSlot(u *Uninitialized) *Slot {
	return &Slot{pending: u}
}

// NewLinearSlot builds the slot for a linear projection. A nil cfg or the
// torch linear type yields a concrete Linear; a quantized type yields a
// pending placeholder to be specialized once its parameters are known.
func NewLinearSlot(in, out int, bias bool, cfg *LinearConfig) (*Slot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.IsQuantized() {
		return Concrete(NewLinear(in, out, bias)), nil
	}
	return PendingSlot(&Uninitialized{Config: *cfg, In: in, Out: out, Bias: bias}), nil
}

// IsPending reports whether the slot still holds a placeholder.
func (s *Slot) IsPending() bool { return s.pending != nil }

// Held returns the module currently in the slot.
func (s *Slot) Held() Module {
	if s.pending != nil {
		return s.pending
	}
	return s.concrete
}

// Layer returns the concrete layer, or nil while pending.
func (s *Slot) Layer() Layer { return s.concrete }

// Placeholder returns the pending placeholder, or nil once specialized.
func (s *Slot) Placeholder() *Uninitialized { return s.pending }

// Path returns the dotted path assigned by LabelSlots.
func (s *Slot) Path() string { return s.path }

// Set replaces the slot content with a concrete layer.
func (s *Slot) Set(l Layer) {
	s.concrete = l
	s.pending = nil
}

// Children delegates to the held module.
func (s *Slot) Children() []Named { return s.Held().Children() }

// Parameters delegates to the held module.
func (s *Slot) Parameters() []NamedParameter { return s.Held().Parameters() }

// Forward runs the concrete layer. A pending slot fails with *UninitializedError.
func (s *Slot) Forward(x *Matrix) (*Matrix, error) {
	switch {
	case s.pending != nil:
		return nil, &UninitializedError{Path: s.path, LinearType: s.pending.Config.LinearType}
	case s.concrete != nil:
		return s.concrete.Forward(x)
	default:
		return nil, fmt.Errorf("nn: empty slot %s", s.path)
	}
}

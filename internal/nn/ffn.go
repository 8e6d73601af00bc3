package nn

// FeedForward is the two-layer position-wise MLP: w2(act(w1(x))).
type FeedForward struct {
	W1  *Slot
	W2  *Slot
	Act Activation
}

// NewFeedForward creates an MLP expanding dim to hidden and back.
func NewFeedForward(dim, hidden int, bias bool, act Activation, lc *LinearConfig) (*FeedForward, error) {
	w1, err := NewLinearSlot(dim, hidden, bias, lc)
	if err != nil {
		return nil, err
	}
	w2, err := NewLinearSlot(hidden, dim, bias, lc)
	if err != nil {
		return nil, err
	}
	return &FeedForward{W1: w1, W2: w2, Act: act}, nil
}

// Children returns w1 and w2.
func (f *FeedForward) Children() []Named {
	return []Named{{"w1", f.W1}, {"w2", f.W2}}
}

// Parameters returns nil.
func (f *FeedForward) Parameters() []NamedParameter { return nil }

// Forward maps [n, dim] to [n, dim].
func (f *FeedForward) Forward(x *Matrix) (*Matrix, error) {
	h, err := f.W1.Forward(x)
	if err != nil {
		return nil, err
	}
	h.Apply(f.Act)
	return f.W2.Forward(h)
}

// GatedFeedForward is the gated MLP used by LLaMA: w2(act(wg(x)) * w1(x)).
// With SiLU this is SwiGLU.
type GatedFeedForward struct {
	WG  *Slot
	W1  *Slot
	W2  *Slot
	Act Activation
}

// GatedHiddenDim computes the LLaMA hidden size: growFactor*dim rounded up
// to a multiple of multipleOf.
func GatedHiddenDim(dim int, growFactor float64, multipleOf int) int {
	// Truncate like an integer cast, tolerating float error in factors
	// such as intermediate/hidden.
	hidden := int(growFactor*float64(dim) + 1e-6)
	if multipleOf <= 1 {
		return hidden
	}
	return (hidden + multipleOf - 1) / multipleOf * multipleOf
}

// NewGatedFeedForward creates a gated MLP.
func NewGatedFeedForward(dim, hidden int, act Activation, lc *LinearConfig) (*GatedFeedForward, error) {
	wg, err := NewLinearSlot(dim, hidden, false, lc)
	if err != nil {
		return nil, err
	}
	w1, err := NewLinearSlot(dim, hidden, false, lc)
	if err != nil {
		return nil, err
	}
	w2, err := NewLinearSlot(hidden, dim, false, lc)
	if err != nil {
		return nil, err
	}
	return &GatedFeedForward{WG: wg, W1: w1, W2: w2, Act: act}, nil
}

// Children returns wg, w1 and w2.
func (f *GatedFeedForward) Children() []Named {
	return []Named{{"wg", f.WG}, {"w1", f.W1}, {"w2", f.W2}}
}

// Parameters returns nil.
func (f *GatedFeedForward) Parameters() []NamedParameter { return nil }

// Forward maps [n, dim] to [n, dim].
func (f *GatedFeedForward) Forward(x *Matrix) (*Matrix, error) {
	gate, err := f.WG.Forward(x)
	if err != nil {
		return nil, err
	}
	up, err := f.W1.Forward(x)
	if err != nil {
		return nil, err
	}
	for i, g := range gate.Data {
		gate.Data[i] = f.Act(g) * up.Data[i]
	}
	return f.W2.Forward(gate)
}

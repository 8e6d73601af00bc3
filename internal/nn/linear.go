package nn

import (
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// Linear implements a fully connected layer: y = x @ W.T + b.
//
// Weight has shape [out, in] and is initialized with Xavier uniform;
// the optional bias has shape [out] and starts at zero.
type Linear struct {
	leaf
	In     int
	Out    int
	Weight *Parameter
	Bias   *Parameter
}

// NewLinear creates a lazy Float32 Linear layer.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: NewParameter(tensor.Shape{out, in}, tensor.Float32, Xavier(in, out)),
	}
	if bias {
		l.Bias = NewParameter(tensor.Shape{out}, tensor.Float32, ZerosInit())
	}
	return l
}

// Parameters returns weight and, when present, bias.
func (l *Linear) Parameters() []NamedParameter {
	return params(NamedParameter{"weight", l.Weight}, NamedParameter{"bias", l.Bias})
}

// Forward maps [n, in] to [n, out].
func (l *Linear) Forward(x *Matrix) (*Matrix, error) {
	w, err := l.Weight.Float32s()
	if err != nil {
		return nil, err
	}
	y, err := matmulT(x, w, l.Out, l.In)
	if err != nil {
		return nil, err
	}
	if l.Bias != nil {
		b, err := l.Bias.Float32s()
		if err != nil {
			return nil, err
		}
		addRowVector(y, b)
	}
	return y, nil
}

package nn

import (
	"fmt"
	"math"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// LayerNorm normalizes the last dimension to zero mean and unit variance,
// then applies an elementwise affine transform.
//
// Formula: y = (x - mean) / sqrt(var + eps) * weight + bias
type LayerNorm struct {
	leaf
	Dim    int
	Eps    float32
	Weight *Parameter // [dim], starts at one
	Bias   *Parameter // [dim], starts at zero
}

// NewLayerNorm creates a LayerNorm over dim features.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		Dim:    dim,
		Eps:    eps,
		Weight: NewParameter(tensor.Shape{dim}, tensor.Float32, OnesInit()),
		Bias:   NewParameter(tensor.Shape{dim}, tensor.Float32, ZerosInit()),
	}
}

// Parameters returns weight and bias.
func (l *LayerNorm) Parameters() []NamedParameter {
	return params(NamedParameter{"weight", l.Weight}, NamedParameter{"bias", l.Bias})
}

// Forward normalizes each row of x.
func (l *LayerNorm) Forward(x *Matrix) (*Matrix, error) {
	if x.Cols != l.Dim {
		return nil, fmt.Errorf("nn: layernorm expects %d features, got %d", l.Dim, x.Cols)
	}
	w, err := l.Weight.Float32s()
	if err != nil {
		return nil, err
	}
	b, err := l.Bias.Float32s()
	if err != nil {
		return nil, err
	}
	y := NewMatrix(x.Rows, x.Cols)
	n := float64(x.Cols)
	for i := 0; i < x.Rows; i++ {
		in, out := x.Row(i), y.Row(i)
		var mean float64
		for _, v := range in {
			mean += float64(v)
		}
		mean /= n
		var variance float64
		for _, v := range in {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= n
		inv := 1 / math.Sqrt(variance+float64(l.Eps))
		for j, v := range in {
			out[j] = float32((float64(v)-mean)*inv)*w[j] + b[j]
		}
	}
	return y, nil
}

// RMSNorm scales the last dimension by its root mean square.
//
// Formula: y = x / sqrt(mean(x^2) + eps) * weight
type RMSNorm struct {
	leaf
	Dim    int
	Eps    float32
	Weight *Parameter // [dim], starts at one
}

// NewRMSNorm creates an RMSNorm over dim features.
func NewRMSNorm(dim int, eps float32) *RMSNorm {
	return &RMSNorm{
		Dim:    dim,
		Eps:    eps,
		Weight: NewParameter(tensor.Shape{dim}, tensor.Float32, OnesInit()),
	}
}

// Parameters returns the scale.
func (r *RMSNorm) Parameters() []NamedParameter {
	return params(NamedParameter{"weight", r.Weight})
}

// Forward normalizes each row of x.
func (r *RMSNorm) Forward(x *Matrix) (*Matrix, error) {
	if x.Cols != r.Dim {
		return nil, fmt.Errorf("nn: rmsnorm expects %d features, got %d", r.Dim, x.Cols)
	}
	w, err := r.Weight.Float32s()
	if err != nil {
		return nil, err
	}
	y := NewMatrix(x.Rows, x.Cols)
	for i := 0; i < x.Rows; i++ {
		in, out := x.Row(i), y.Row(i)
		var ss float64
		for _, v := range in {
			ss += float64(v) * float64(v)
		}
		inv := float32(1 / math.Sqrt(ss/float64(x.Cols)+float64(r.Eps)))
		for j, v := range in {
			out[j] = v * inv * w[j]
		}
	}
	return y, nil
}

package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// Matrix is a dense row-major float32 activation of shape [Rows, Cols].
// Sequence activations are stored as [batch*seq, features].
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// NewMatrix allocates a zeroed matrix.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// MatrixFrom wraps data as a matrix.
func MatrixFrom(rows, cols int, data []float32) (*Matrix, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("nn: %d values do not fill a %dx%d matrix", len(data), rows, cols)
	}
	return &Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

// Row returns row i without copying.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Tensor converts the matrix to a Float32 tensor of the given shape.
func (m *Matrix) Tensor(shape tensor.Shape) (*tensor.RawTensor, error) {
	return tensor.FromFloat32(shape, tensor.Float32, m.Data)
}

func (m *Matrix) general() blas32.General {
	return blas32.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Cols, Data: m.Data}
}

// matmulT computes x @ w.T for x [n, in] and w [out, in] stored row-major.
func matmulT(x *Matrix, w []float32, out, in int) (*Matrix, error) {
	if x.Cols != in {
		return nil, fmt.Errorf("nn: expected %d input features, got %d", in, x.Cols)
	}
	y := NewMatrix(x.Rows, out)
	if x.Rows == 0 || out == 0 {
		return y, nil
	}
	wg := blas32.General{Rows: out, Cols: in, Stride: in, Data: w}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, x.general(), wg, 0, y.general())
	return y, nil
}

// addRowVector adds b to every row of m in place.
func addRowVector(m *Matrix, b []float32) {
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] += b[j]
		}
	}
}

// Add computes m += other.
func (m *Matrix) Add(other *Matrix) error {
	if m.Rows != other.Rows || m.Cols != other.Cols {
		return fmt.Errorf("nn: cannot add %dx%d and %dx%d", m.Rows, m.Cols, other.Rows, other.Cols)
	}
	for i, v := range other.Data {
		m.Data[i] += v
	}
	return nil
}

// softmax normalizes v in place.
func softmax(v []float32) {
	maxV := float32(math.Inf(-1))
	for _, x := range v {
		if x > maxV {
			maxV = x
		}
	}
	var sum float32
	for i, x := range v {
		e := float32(math.Exp(float64(x - maxV)))
		v[i] = e
		sum += e
	}
	for i := range v {
		v[i] /= sum
	}
}

// Activation is an elementwise nonlinearity.
type Activation func(float32) float32

// ActivationByName returns the activation registered under name.
func ActivationByName(name string) (Activation, error) {
	switch name {
	case "gelu":
		return GELU, nil
	case "gelu_tanh", "gelu_new", "gelu_pytorch_tanh":
		return GELUTanh, nil
	case "silu", "swish":
		return SiLU, nil
	case "relu":
		return ReLU, nil
	default:
		return nil, fmt.Errorf("nn: unknown activation %q", name)
	}
}

// ReLU computes max(0, x).
func ReLU(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

// SiLU computes x * sigmoid(x).
func SiLU(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// GELU uses the exact erf formulation.
func GELU(x float32) float32 {
	return 0.5 * x * (1 + float32(math.Erf(float64(x)/math.Sqrt2)))
}

// GELUTanh uses the tanh approximation.
func GELUTanh(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	xf := float64(x)
	return float32(0.5 * xf * (1 + math.Tanh(c*(xf+0.044715*xf*xf*xf))))
}

// Apply replaces every element x of m with f(x).
func (m *Matrix) Apply(f Activation) {
	for i, v := range m.Data {
		m.Data[i] = f(v)
	}
}

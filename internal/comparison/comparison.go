// Package comparison reduces model outputs to signatures that can be
// compared across checkpoints, sources and dtypes.
package comparison

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// DefaultTolerance is the absolute tolerance used by the CLI.
const DefaultTolerance = 1e-3

// ErrMismatch is returned when two signatures differ.
var ErrMismatch = errors.New("comparison: signatures differ")

// Signature runs m on ids and sums the logits of every position over the
// last axis. The result has batch*seq entries.
func Signature(m models.Model, ids *tensor.RawTensor) ([]float64, error) {
	out, err := m.Forward(ids)
	if err != nil {
		return nil, fmt.Errorf("comparison: forward: %w", err)
	}
	shape := out.Shape()
	if len(shape) == 0 || shape[len(shape)-1] == 0 {
		return nil, fmt.Errorf("comparison: cannot sign output of shape %s", shape)
	}
	width := shape[len(shape)-1]
	vals := out.Float32s()
	sig := make([]float64, len(vals)/width)
	row := make([]float64, width)
	for i := range sig {
		for j, v := range vals[i*width : (i+1)*width] {
			row[j] = float64(v)
		}
		sig[i] = floats.Sum(row)
	}
	return sig, nil
}

// Compare checks that a and b agree within atol at every position.
func Compare(a, b []float64, atol float64) error {
	if len(a) != len(b) {
		return fmt.Errorf("%w: lengths %d and %d", ErrMismatch, len(a), len(b))
	}
	if floats.EqualApprox(a, b, atol) {
		return nil
	}
	return fmt.Errorf("%w: max abs difference %g exceeds %g", ErrMismatch, floats.Distance(a, b, math.Inf(1)), atol)
}

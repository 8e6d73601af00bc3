package nn

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// ErrNotMaterialized is returned when a parameter without storage is read.
var ErrNotMaterialized = errors.New("nn: parameter not materialized")

// ShapeMismatchError reports a checkpoint tensor whose shape differs from
// the parameter it is assigned to.
type ShapeMismatchError struct {
	Key  string
	Want tensor.Shape
	Got  tensor.Shape
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("nn: shape mismatch for %q: parameter has %s, checkpoint has %s", e.Key, e.Want, e.Got)
}

// Parameter is a weight tensor of fixed shape.
//
// Parameters are created lazily: a freshly constructed module graph records
// shape, dtype and initializer only, and allocates no storage. Storage is
// created by Materialize (from the initializer) or Assign (from a checkpoint).
type Parameter struct {
	shape tensor.Shape
	dtype tensor.DataType
	init  Initializer
	data  *tensor.RawTensor // nil until materialized
}

// NewParameter creates a lazy parameter. A nil init materializes zeros.
func NewParameter(shape tensor.Shape, dtype tensor.DataType, init Initializer) *Parameter {
	if init == nil {
		init = ZerosInit()
	}
	return &Parameter{shape: shape.Clone(), dtype: dtype, init: init}
}

// Shape returns the parameter shape.
func (p *Parameter) Shape() tensor.Shape { return p.shape }

// DType returns the storage dtype.
func (p *Parameter) DType() tensor.DataType { return p.dtype }

// NumElements returns the number of scalar elements.
func (p *Parameter) NumElements() int { return p.shape.NumElements() }

// Materialized reports whether the parameter owns storage.
func (p *Parameter) Materialized() bool { return p.data != nil }

// Tensor returns the parameter storage, or a Meta tensor describing it when
// it has not been materialized yet.
func (p *Parameter) Tensor() *tensor.RawTensor {
	if p.data != nil {
		return p.data
	}
	meta, _ := tensor.NewRaw(p.shape, p.dtype, tensor.Meta)
	return meta
}

// Float32s decodes the parameter into float32 values.
func (p *Parameter) Float32s() ([]float32, error) {
	if p.data == nil {
		return nil, ErrNotMaterialized
	}
	return p.data.Float32s(), nil
}

// Int64s decodes an integer parameter.
func (p *Parameter) Int64s() ([]int64, error) {
	if p.data == nil {
		return nil, ErrNotMaterialized
	}
	return p.data.Int64s()
}

// Assign copies t into parameter-owned storage, converting to the parameter dtype.
// The source tensor is not retained.
func (p *Parameter) Assign(t *tensor.RawTensor) error {
	if !t.Shape().Equal(p.shape) {
		return &ShapeMismatchError{Want: p.shape, Got: t.Shape()}
	}
	if t.Device() == tensor.Meta {
		return fmt.Errorf("nn: cannot assign meta tensor: %w", ErrNotMaterialized)
	}
	owned, err := t.Cast(p.dtype)
	if err != nil {
		return fmt.Errorf("nn: assign: %w", err)
	}
	p.release()
	p.data = owned
	return nil
}

// Materialize allocates storage from the initializer if none exists yet.
func (p *Parameter) Materialize(rng *rand.Rand) error {
	if p.data != nil {
		return nil
	}
	t, err := p.init(p.shape, p.dtype, rng)
	if err != nil {
		return fmt.Errorf("nn: materialize %s %s: %w", p.dtype, p.shape, err)
	}
	p.data = t
	return nil
}

// Cast converts floating-point storage to dtype. Integer parameters
// (quantized weights, index tables) keep their dtype.
func (p *Parameter) Cast(dtype tensor.DataType) error {
	if !p.dtype.IsFloat() || !dtype.IsFloat() || p.dtype == dtype {
		return nil
	}
	if p.data != nil {
		cast, err := p.data.Cast(dtype)
		if err != nil {
			return err
		}
		p.release()
		p.data = cast
	}
	p.dtype = dtype
	return nil
}

func (p *Parameter) release() {
	if p.data != nil {
		p.data.Release()
		p.data = nil
	}
}

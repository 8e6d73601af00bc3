package tensor

import (
	"math/rand"
)

// Zeros creates a CPU tensor filled with zeros.
func Zeros(shape Shape, dtype DataType) (*RawTensor, error) {
	return NewRaw(shape, dtype, CPU)
}

// Full creates a tensor filled with value, encoded as dtype.
//
// Example:
//
//	t, _ := tensor.Full(Shape{3, 3}, tensor.Float16, 1)
func Full(shape Shape, dtype DataType, value float32) (*RawTensor, error) {
	values := make([]float32, shape.NumElements())
	for i := range values {
		values[i] = value
	}
	return FromFloat32(shape, dtype, values)
}

// Randn creates a tensor with values drawn from N(0, std²) using rng.
func Randn(shape Shape, dtype DataType, std float64, rng *rand.Rand) (*RawTensor, error) {
	values := make([]float32, shape.NumElements())
	for i := range values {
		values[i] = float32(rng.NormFloat64() * std)
	}
	return FromFloat32(shape, dtype, values)
}

// Uniform creates a tensor with values drawn from U(-bound, bound) using rng.
func Uniform(shape Shape, dtype DataType, bound float64, rng *rand.Rand) (*RawTensor, error) {
	values := make([]float32, shape.NumElements())
	for i := range values {
		values[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return FromFloat32(shape, dtype, values)
}

// Arange creates a 1D Int64 tensor with values in [start, end).
//
// Example:
//
//	ids, _ := tensor.Arange(0, 16) // [0, 1, ..., 15]
func Arange(start, end int64) (*RawTensor, error) {
	values := make([]int64, 0, end-start)
	for v := start; v < end; v++ {
		values = append(values, v)
	}
	return FromInt64(Shape{len(values)}, values)
}

package nn

import (
	"math"
	"math/rand"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// Initializer creates the initial storage for a parameter.
type Initializer func(shape tensor.Shape, dtype tensor.DataType, rng *rand.Rand) (*tensor.RawTensor, error)

// Xavier (Glorot) uniform initialization.
//
// Values are drawn from U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out))).
func Xavier(fanIn, fanOut int) Initializer {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return func(shape tensor.Shape, dtype tensor.DataType, rng *rand.Rand) (*tensor.RawTensor, error) {
		return tensor.Uniform(shape, dtype, bound, rng)
	}
}

// Normal draws values from N(0, std^2).
func Normal(std float64) Initializer {
	return func(shape tensor.Shape, dtype tensor.DataType, rng *rand.Rand) (*tensor.RawTensor, error) {
		return tensor.Randn(shape, dtype, std, rng)
	}
}

// ZerosInit fills the parameter with zeros.
func ZerosInit() Initializer {
	return func(shape tensor.Shape, dtype tensor.DataType, _ *rand.Rand) (*tensor.RawTensor, error) {
		return tensor.Zeros(shape, dtype)
	}
}

// OnesInit fills the parameter with ones. Used for normalization scales.
func OnesInit() Initializer {
	return func(shape tensor.Shape, dtype tensor.DataType, _ *rand.Rand) (*tensor.RawTensor, error) {
		return tensor.Full(shape, dtype, 1)
	}
}

// GroupIndexInit fills a [in] index table with i / groupSize.
func GroupIndexInit(groupSize int) Initializer {
	return func(shape tensor.Shape, dtype tensor.DataType, _ *rand.Rand) (*tensor.RawTensor, error) {
		idx := make([]float32, shape.NumElements())
		for i := range idx {
			idx[i] = float32(i / groupSize)
		}
		return tensor.FromFloat32(shape, dtype, idx)
	}
}

package models

import (
	"fmt"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// TokenIDs unpacks a [batch, seq] integer tensor. A 1-D tensor is treated
// as a single sequence.
func TokenIDs(ids *tensor.RawTensor) (vals []int64, batch, seq int, err error) {
	if ids == nil {
		return nil, 0, 0, fmt.Errorf("models: nil input ids")
	}
	shape := ids.Shape()
	switch len(shape) {
	case 1:
		batch, seq = 1, shape[0]
	case 2:
		batch, seq = shape[0], shape[1]
	default:
		return nil, 0, 0, fmt.Errorf("models: input ids must be [batch, seq], got %s", shape)
	}
	if batch == 0 || seq == 0 {
		return nil, 0, 0, fmt.Errorf("models: empty input ids %s", shape)
	}
	vals, err = ids.Int64s()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("models: input ids: %w", err)
	}
	return vals, batch, seq, nil
}

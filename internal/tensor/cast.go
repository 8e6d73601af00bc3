package tensor

import (
	"fmt"
	"unsafe"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Float32s decodes the tensor into a new []float32 regardless of its dtype.
func (r *RawTensor) Float32s() []float32 {
	n := r.NumElements()
	out := make([]float32, n)
	switch r.dtype {
	case Float32:
		copy(out, r.AsFloat32())
	case Float64:
		for i, v := range r.AsFloat64() {
			out[i] = float32(v)
		}
	case Float16:
		for i, b := range r.AsBits() {
			out[i] = float16.Frombits(b).Float32()
		}
	case BFloat16:
		copy(out, bfloat16.DecodeFloat32(r.Data()))
	case Int32:
		for i, v := range r.AsInt32() {
			out[i] = float32(v)
		}
	case Int64:
		for i, v := range r.AsInt64() {
			out[i] = float32(v)
		}
	case Uint8:
		for i, v := range r.AsUint8() {
			out[i] = float32(v)
		}
	case Bool:
		for i, v := range r.AsBool() {
			if v {
				out[i] = 1
			}
		}
	}
	return out
}

// Int64s decodes integer tensors into a new []int64.
func (r *RawTensor) Int64s() ([]int64, error) {
	n := r.NumElements()
	out := make([]int64, n)
	switch r.dtype {
	case Int64:
		copy(out, r.AsInt64())
	case Int32:
		for i, v := range r.AsInt32() {
			out[i] = int64(v)
		}
	case Uint8:
		for i, v := range r.AsUint8() {
			out[i] = int64(v)
		}
	default:
		return nil, fmt.Errorf("tensor dtype %s is not an integer type", r.dtype)
	}
	return out, nil
}

// FromFloat32 encodes values into a new CPU tensor of the given dtype.
func FromFloat32(shape Shape, dtype DataType, values []float32) (*RawTensor, error) {
	if shape.NumElements() != len(values) {
		return nil, fmt.Errorf("%d values do not fill shape %s", len(values), shape)
	}
	if dtype == BFloat16 {
		return FromBytes(shape, BFloat16, bfloat16.EncodeFloat32(values))
	}
	out, err := NewRaw(shape, dtype, CPU)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float32:
		copy(out.AsFloat32(), values)
	case Float64:
		dst := out.AsFloat64()
		for i, v := range values {
			dst[i] = float64(v)
		}
	case Float16:
		dst := out.AsBits()
		for i, v := range values {
			dst[i] = float16.Fromfloat32(v).Bits()
		}
	case Int32:
		dst := out.AsInt32()
		for i, v := range values {
			dst[i] = int32(v)
		}
	case Int64:
		dst := out.AsInt64()
		for i, v := range values {
			dst[i] = int64(v)
		}
	case Uint8:
		dst := out.AsUint8()
		for i, v := range values {
			dst[i] = uint8(v)
		}
	case Bool:
		dst := out.AsBool()
		for i, v := range values {
			dst[i] = v != 0
		}
	}
	return out, nil
}

// FromInt64 creates an Int64 tensor holding values.
func FromInt64(shape Shape, values []int64) (*RawTensor, error) {
	out, err := NewRaw(shape, Int64, CPU)
	if err != nil {
		return nil, err
	}
	if len(values) != out.NumElements() {
		return nil, fmt.Errorf("%d values do not fill shape %s", len(values), shape)
	}
	copy(out.AsInt64(), values)
	return out, nil
}

// FromInt32 creates an Int32 tensor holding values.
func FromInt32(shape Shape, values []int32) (*RawTensor, error) {
	out, err := NewRaw(shape, Int32, CPU)
	if err != nil {
		return nil, err
	}
	if len(values) != out.NumElements() {
		return nil, fmt.Errorf("%d values do not fill shape %s", len(values), shape)
	}
	copy(out.AsInt32(), values)
	return out, nil
}

// Cast converts the tensor to dtype. Casting to the current dtype returns a deep copy.
func (r *RawTensor) Cast(dtype DataType) (*RawTensor, error) {
	if r.device == Meta {
		return NewRaw(r.shape, dtype, Meta)
	}
	if r.dtype == dtype {
		return r.Copy(), nil
	}
	if r.dtype == Int32 && dtype == Int64 || r.dtype == Int64 && dtype == Int32 {
		vals, err := r.Int64s()
		if err != nil {
			return nil, err
		}
		if dtype == Int64 {
			return FromInt64(r.shape, vals)
		}
		narrow := make([]int32, len(vals))
		for i, v := range vals {
			narrow[i] = int32(v) //nolint:gosec // G115: explicit narrowing cast requested by caller
		}
		return FromInt32(r.shape, narrow)
	}
	if r.dtype == Float64 && dtype != Float32 {
		// Route through float32 for every narrower target.
		f32, err := r.Cast(Float32)
		if err != nil {
			return nil, err
		}
		return f32.Cast(dtype)
	}
	if dtype == Float64 {
		out, err := NewRaw(r.shape, Float64, CPU)
		if err != nil {
			return nil, err
		}
		dst := out.AsFloat64()
		for i, v := range r.Float32s() {
			dst[i] = float64(v)
		}
		return out, nil
	}
	return FromFloat32(r.shape, dtype, r.Float32s())
}

// float32Bytes reinterprets a []float32 as bytes without copying.
func float32Bytes(s []float32) []byte {
	if len(s) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy reinterpretation
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*4)
}

// FromFloat32Slice wraps a []float32 as a Float32 tensor without copying.
func FromFloat32Slice(shape Shape, values []float32) (*RawTensor, error) {
	return FromBytes(shape, Float32, float32Bytes(values))
}

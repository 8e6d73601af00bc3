// Copyright 2025 The Foundation Model Stack Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// RawTensor is a shaped, typed buffer.
//
// Example:
//
//	raw, _ := tensor.Zeros(tensor.Shape{2, 3}, tensor.Float32)
//	vals := raw.Float32s() // converted copy for any float dtype
type RawTensor = tensor.RawTensor

// DataType represents the element type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32  DataType = tensor.Float32
	Float64  DataType = tensor.Float64
	Int32    DataType = tensor.Int32
	Int64    DataType = tensor.Int64
	Uint8    DataType = tensor.Uint8
	Bool     DataType = tensor.Bool
	Float16  DataType = tensor.Float16
	BFloat16 DataType = tensor.BFloat16
)

// Device is where a tensor's data lives.
type Device = tensor.Device

// Device constants.
const (
	CPU  Device = tensor.CPU
	Meta Device = tensor.Meta
)

// Shape represents the dimensions of a tensor.
// Example: Shape{2, 3, 4} represents a 3D tensor with dimensions 2×3×4.
type Shape = tensor.Shape

// ParseDataType maps a name such as "fp16" or "bfloat16" to a DataType.
func ParseDataType(s string) (DataType, error) {
	return tensor.ParseDataType(s)
}

// Zeros returns a zero-filled tensor.
func Zeros(shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.Zeros(shape, dtype)
}

// FromFloat32 converts values into a tensor of the given float dtype.
func FromFloat32(shape Shape, dtype DataType, values []float32) (*RawTensor, error) {
	return tensor.FromFloat32(shape, dtype, values)
}

// FromInt64 builds an Int64 tensor, typically token ids.
func FromInt64(shape Shape, values []int64) (*RawTensor, error) {
	return tensor.FromInt64(shape, values)
}

// FromBytes wraps little-endian data of the given dtype without copying.
func FromBytes(shape Shape, dtype DataType, data []byte) (*RawTensor, error) {
	return tensor.FromBytes(shape, dtype, data)
}

// Equal reports whether a and b have the same shape, dtype and contents.
func Equal(a, b *RawTensor) bool {
	return tensor.Equal(a, b)
}

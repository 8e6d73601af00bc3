// Copyright 2025 The Foundation Model Stack Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the raw tensors that hold model parameters and
// checkpoint entries.
//
// A RawTensor is a contiguous CPU buffer with a shape and a DataType, or a
// Meta tensor that carries only shape and dtype. Models are built from Meta
// tensors and receive storage when weights are loaded or initialized.
//
// # Basic Usage
//
//	ids, _ := tensor.FromInt64(tensor.Shape{1, 3}, []int64{5, 6, 7})
//	w, _ := tensor.FromFloat32(tensor.Shape{2, 2}, tensor.Float32, []float32{1, 2, 3, 4})
//	half, _ := w.Cast(tensor.BFloat16)
//
// # Supported Data Types
//
//   - Float32, Float64, Float16, BFloat16
//   - Int32, Int64, Uint8, Bool
//
// Names such as "fp16", "bf16" or "torch.float32" are accepted by
// ParseDataType.
package tensor

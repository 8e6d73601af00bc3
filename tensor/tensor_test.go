// Copyright 2025 The Foundation Model Stack Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"testing"

	"github.com/Zephyr271828/foundation-model-stack/tensor"
)

// TestRawTensorAPI verifies the RawTensor alias exposes the expected API.
func TestRawTensorAPI(t *testing.T) {
	raw, err := tensor.Zeros(tensor.Shape{2, 3}, tensor.Float32)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}

	if shape := raw.Shape(); !shape.Equal(tensor.Shape{2, 3}) {
		t.Errorf("Shape() = %v, want [2 3]", shape)
	}
	if dtype := raw.DType(); dtype != tensor.Float32 {
		t.Errorf("DType() = %v, want Float32", dtype)
	}
	if device := raw.Device(); device != tensor.CPU {
		t.Errorf("Device() = %v, want CPU", device)
	}
	if n := raw.NumElements(); n != 6 {
		t.Errorf("NumElements() = %d, want 6", n)
	}
	if byteSize := raw.ByteSize(); byteSize != 6*4 {
		t.Errorf("ByteSize() = %d, want %d", byteSize, 6*4)
	}
	if data := raw.Data(); len(data) != 6*4 {
		t.Errorf("Data() length = %d, want %d", len(data), 6*4)
	}
}

// TestCastRoundTrip verifies that values survive a trip through half types.
func TestCastRoundTrip(t *testing.T) {
	vals := []float32{1, -2, 0.5, 4}
	src, err := tensor.FromFloat32(tensor.Shape{2, 2}, tensor.Float32, vals)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	for _, dt := range []tensor.DataType{tensor.Float16, tensor.BFloat16, tensor.Float64} {
		half, err := src.Cast(dt)
		if err != nil {
			t.Fatalf("Cast(%v) failed: %v", dt, err)
		}
		back, err := half.Cast(tensor.Float32)
		if err != nil {
			t.Fatalf("Cast back from %v failed: %v", dt, err)
		}
		if !tensor.Equal(src, back) {
			t.Errorf("%v round trip = %v, want %v", dt, back.Float32s(), vals)
		}
	}
}

// TestParseDataType verifies the accepted dtype spellings.
func TestParseDataType(t *testing.T) {
	tests := []struct {
		in   string
		want tensor.DataType
	}{
		{"fp16", tensor.Float16},
		{"bf16", tensor.BFloat16},
		{"torch.float32", tensor.Float32},
		{"long", tensor.Int64},
	}
	for _, tt := range tests {
		got, err := tensor.ParseDataType(tt.in)
		if err != nil {
			t.Errorf("ParseDataType(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDataType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := tensor.ParseDataType("complex64"); err == nil {
		t.Error("ParseDataType(complex64) succeeded, want error")
	}
}

// TestFromBytesLengthMismatch verifies data length validation.
func TestFromBytesLengthMismatch(t *testing.T) {
	if _, err := tensor.FromBytes(tensor.Shape{2}, tensor.Int64, make([]byte, 8)); err == nil {
		t.Error("FromBytes accepted 8 bytes for two int64 values")
	}
	ids, err := tensor.FromInt64(tensor.Shape{2}, []int64{3, 4})
	if err != nil {
		t.Fatalf("FromInt64 failed: %v", err)
	}
	if !ids.Shape().Equal(tensor.Shape{2}) || ids.DType() != tensor.Int64 {
		t.Errorf("FromInt64 = %v %v, want [2] int64", ids.Shape(), ids.DType())
	}
}

package serialization

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// ONNX TensorProto element types that ReadONNXFile decodes.
const (
	onnxFloat    = 1
	onnxUint8    = 2
	onnxInt8     = 3
	onnxInt32    = 6
	onnxInt64    = 7
	onnxBool     = 9
	onnxFloat16  = 10
	onnxDouble   = 11
	onnxBFloat16 = 16
)

// Protobuf wire types.
const (
	wireVarint = 0
	wire64Bit  = 1
	wireBytes  = 2
	wire32Bit  = 5
)

// ONNXModel is the part of an ONNX ModelProto that describes a checkpoint.
type ONNXModel struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Opset           int64 // version of the default ("" or "ai.onnx") domain
	Graph           string
	Metadata        map[string]string
}

// onnxTensor holds one initializer as stored. Only one of the data fields is
// normally set.
type onnxTensor struct {
	name     string
	dataType int64
	dims     []int64
	raw      []byte
	floats   []float32
	int32s   []int64
	int64s   []int64
	doubles  []float64
	external bool
}

// ReadONNXFile reads the graph initializers of an ONNX model. Operators are
// ignored. Initializer names are kept as exported, which for PyTorch models
// are the module's state dict names.
func ReadONNXFile(path string) (*Flat, *ONNXModel, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	sd, model, err := DecodeONNX(data)
	if err != nil {
		return nil, nil, err
	}
	sd.Source = path
	return sd, model, nil
}

// DecodeONNX parses an in-memory ONNX model.
func DecodeONNX(data []byte) (*Flat, *ONNXModel, error) {
	model := &ONNXModel{Metadata: make(map[string]string)}
	var inits []onnxTensor
	err := (&pbReader{buf: data}).fields(func(r *pbReader, field, wt int) error {
		var err error
		switch {
		case field == 1 && wt == wireVarint:
			model.IRVersion, err = r.varint()
		case field == 2 && wt == wireBytes:
			model.ProducerName, err = r.string()
		case field == 3 && wt == wireBytes:
			model.ProducerVersion, err = r.string()
		case field == 7 && wt == wireBytes:
			var b []byte
			if b, err = r.bytes(); err == nil {
				model.Graph, inits, err = decodeONNXGraph(b)
			}
		case field == 8 && wt == wireBytes:
			var (
				domain  string
				version int64
			)
			err = r.message(func(r *pbReader, field, wt int) error {
				var err error
				switch {
				case field == 1 && wt == wireBytes:
					domain, err = r.string()
				case field == 2 && wt == wireVarint:
					version, err = r.varint()
				default:
					err = r.skip(wt)
				}
				return err
			})
			if domain == "" || domain == "ai.onnx" {
				model.Opset = version
			}
		case field == 14 && wt == wireBytes:
			var k, v string
			err = r.message(func(r *pbReader, field, wt int) error {
				var err error
				switch {
				case field == 1 && wt == wireBytes:
					k, err = r.string()
				case field == 2 && wt == wireBytes:
					v, err = r.string()
				default:
					err = r.skip(wt)
				}
				return err
			})
			model.Metadata[k] = v
		default:
			err = r.skip(wt)
		}
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("onnx: %w", err)
	}
	if len(inits) > MaxTensorCount {
		return nil, nil, &ValidationError{Type: "too_many_tensors", Details: fmt.Sprintf("got %d, max %d", len(inits), MaxTensorCount)}
	}

	sd := NewFlatWithCapacity(len(inits))
	for _, t := range inits {
		if err := ValidateTensorName(t.name); err != nil {
			return nil, nil, err
		}
		if _, dup := sd.Get(t.name); dup {
			return nil, nil, fmt.Errorf("onnx: %w: initializer %s appears twice", ErrDuplicateKey, t.name)
		}
		raw, err := t.decode()
		if err != nil {
			return nil, nil, fmt.Errorf("onnx: initializer %s: %w", t.name, err)
		}
		sd.Set(t.name, raw)
	}
	return sd, model, nil
}

func decodeONNXGraph(data []byte) (string, []onnxTensor, error) {
	var (
		name  string
		inits []onnxTensor
	)
	err := (&pbReader{buf: data}).fields(func(r *pbReader, field, wt int) error {
		switch {
		case field == 2 && wt == wireBytes:
			var err error
			name, err = r.string()
			return err
		case field == 5 && wt == wireBytes:
			var t onnxTensor
			if err := r.message(t.readField); err != nil {
				return fmt.Errorf("initializer %d: %w", len(inits), err)
			}
			inits = append(inits, t)
			return nil
		default:
			return r.skip(wt)
		}
	})
	return name, inits, err
}

// readField handles one TensorProto field. Repeated numeric fields may be
// packed or not.
func (t *onnxTensor) readField(r *pbReader, field, wt int) error {
	var err error
	switch field {
	case 1:
		t.dims, err = r.repeatedVarint(wt, t.dims)
	case 2:
		t.dataType, err = r.varint()
	case 4:
		err = r.repeatedFixed(wt, wire32Bit, func(b []byte) {
			t.floats = append(t.floats, math.Float32frombits(binary.LittleEndian.Uint32(b)))
		})
	case 5:
		t.int32s, err = r.repeatedVarint(wt, t.int32s)
	case 7:
		t.int64s, err = r.repeatedVarint(wt, t.int64s)
	case 8:
		t.name, err = r.string()
	case 9:
		t.raw, err = r.bytes()
	case 10:
		err = r.repeatedFixed(wt, wire64Bit, func(b []byte) {
			t.doubles = append(t.doubles, math.Float64frombits(binary.LittleEndian.Uint64(b)))
		})
	case 14:
		var loc int64
		loc, err = r.varint()
		t.external = loc == 1
	default:
		err = r.skip(wt)
	}
	return err
}

func (t *onnxTensor) decode() (*tensor.RawTensor, error) {
	if t.external {
		return nil, errors.New("external data is not supported")
	}
	shape := make(tensor.Shape, len(t.dims))
	for i, d := range t.dims {
		if d < 0 || d > math.MaxInt32 {
			return nil, fmt.Errorf("invalid dimension %d", d)
		}
		shape[i] = int(d)
	}
	n := shape.NumElements()

	var dtype tensor.DataType
	switch t.dataType {
	case onnxFloat:
		dtype = tensor.Float32
	case onnxUint8:
		dtype = tensor.Uint8
	case onnxInt8, onnxInt32:
		dtype = tensor.Int32
	case onnxInt64:
		dtype = tensor.Int64
	case onnxBool:
		dtype = tensor.Bool
	case onnxFloat16:
		dtype = tensor.Float16
	case onnxDouble:
		dtype = tensor.Float64
	case onnxBFloat16:
		dtype = tensor.BFloat16
	default:
		return nil, fmt.Errorf("%w: ONNX data type %d", ErrUnsupportedDType, t.dataType)
	}

	if t.raw != nil {
		if t.dataType == onnxInt8 {
			if len(t.raw) != n {
				return nil, fmt.Errorf("raw data has %d bytes, want %d", len(t.raw), n)
			}
			vals := make([]int32, n)
			for i, b := range t.raw {
				vals[i] = int32(int8(b)) //nolint:gosec // G115: signed bytes
			}
			return tensor.FromInt32(shape, vals)
		}
		if want := n * dtype.Size(); len(t.raw) != want {
			return nil, fmt.Errorf("raw data has %d bytes, want %d", len(t.raw), want)
		}
		buf := make([]byte, len(t.raw))
		copy(buf, t.raw)
		return tensor.FromBytes(shape, dtype, buf)
	}

	count := func(got int) error {
		if got != n {
			return fmt.Errorf("%d values for %d elements", got, n)
		}
		return nil
	}
	switch t.dataType {
	case onnxFloat:
		if err := count(len(t.floats)); err != nil {
			return nil, err
		}
		return tensor.FromFloat32(shape, tensor.Float32, t.floats)
	case onnxInt64:
		if err := count(len(t.int64s)); err != nil {
			return nil, err
		}
		return tensor.FromInt64(shape, t.int64s)
	case onnxDouble:
		if err := count(len(t.doubles)); err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 8*n)
		for _, v := range t.doubles {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
		return tensor.FromBytes(shape, dtype, buf)
	}

	// The remaining types are carried in int32_data.
	if err := count(len(t.int32s)); err != nil {
		return nil, err
	}
	switch t.dataType {
	case onnxInt8, onnxInt32:
		vals := make([]int32, n)
		for i, v := range t.int32s {
			vals[i] = int32(v) //nolint:gosec // G115: int32_data holds int32 values
		}
		return tensor.FromInt32(shape, vals)
	case onnxFloat16, onnxBFloat16:
		buf := make([]byte, 0, 2*n)
		for _, v := range t.int32s {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(v)) //nolint:gosec // G115: 16-bit payload
		}
		return tensor.FromBytes(shape, dtype, buf)
	default: // uint8, bool
		buf := make([]byte, n)
		for i, v := range t.int32s {
			buf[i] = byte(v)
		}
		return tensor.FromBytes(shape, dtype, buf)
	}
}

// pbReader is a minimal protobuf wire format cursor.
type pbReader struct {
	buf []byte
	pos int
}

// fields calls fn for each field of the message until the buffer ends. fn
// must consume the field's value.
func (r *pbReader) fields(fn func(r *pbReader, field, wt int) error) error {
	for r.pos < len(r.buf) {
		tag, err := r.varint()
		if err != nil {
			return err
		}
		if err := fn(r, int(tag>>3), int(tag&0x7)); err != nil {
			return err
		}
	}
	return nil
}

// message reads a length-delimited submessage and walks its fields.
func (r *pbReader) message(fn func(r *pbReader, field, wt int) error) error {
	b, err := r.bytes()
	if err != nil {
		return err
	}
	return (&pbReader{buf: b}).fields(fn)
}

func (r *pbReader) varint() (int64, error) {
	var v uint64
	for shift := uint(0); ; shift += 7 {
		if shift >= 64 {
			return 0, errors.New("varint overflow")
		}
		if r.pos >= len(r.buf) {
			return 0, io.ErrUnexpectedEOF
		}
		b := r.buf[r.pos]
		r.pos++
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return int64(v), nil //nolint:gosec // G115: protobuf int64 reinterpretation
		}
	}
}

func (r *pbReader) bytes() ([]byte, error) {
	n, err := r.varint()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > int64(len(r.buf)-r.pos) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *pbReader) string() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func (r *pbReader) fixed(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *pbReader) skip(wt int) error {
	var err error
	switch wt {
	case wireVarint:
		_, err = r.varint()
	case wire64Bit:
		_, err = r.fixed(8)
	case wireBytes:
		_, err = r.bytes()
	case wire32Bit:
		_, err = r.fixed(4)
	default:
		err = fmt.Errorf("unknown wire type %d", wt)
	}
	return err
}

// repeatedVarint appends one unpacked value or a packed run to dst.
func (r *pbReader) repeatedVarint(wt int, dst []int64) ([]int64, error) {
	switch wt {
	case wireVarint:
		v, err := r.varint()
		return append(dst, v), err
	case wireBytes:
		b, err := r.bytes()
		if err != nil {
			return dst, err
		}
		sub := &pbReader{buf: b}
		for sub.pos < len(b) {
			v, err := sub.varint()
			if err != nil {
				return dst, err
			}
			dst = append(dst, v)
		}
		return dst, nil
	default:
		return dst, fmt.Errorf("unexpected wire type %d for varint field", wt)
	}
}

// repeatedFixed reads one unpacked fixed-width value of wire type elem, or a
// packed run of them, passing each to fn.
func (r *pbReader) repeatedFixed(wt, elem int, fn func([]byte)) error {
	size := 4
	if elem == wire64Bit {
		size = 8
	}
	switch wt {
	case elem:
		b, err := r.fixed(size)
		if err == nil {
			fn(b)
		}
		return err
	case wireBytes:
		b, err := r.bytes()
		if err != nil {
			return err
		}
		if len(b)%size != 0 {
			return fmt.Errorf("packed field of %d bytes is not a multiple of %d", len(b), size)
		}
		for i := 0; i < len(b); i += size {
			fn(b[i : i+size])
		}
		return nil
	default:
		return fmt.Errorf("unexpected wire type %d for fixed field", wt)
	}
}

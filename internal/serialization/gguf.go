package serialization

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/x448/float16"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// GGUF constants. Only little-endian files of version 2 and 3 are read.
const (
	GGUFMagic            = "GGUF"
	GGUFDefaultAlignment = 32
	ggufMaxDims          = 8
	ggufMaxArrayLen      = 100_000_000
)

// GGMLType is the element encoding of a GGUF tensor.
type GGMLType uint32

// GGML tensor types decoded by ReadGGUFFile. Other types are rejected.
//
//nolint:revive // Underscores follow the GGML type names.
const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeI8   GGMLType = 24
	GGMLTypeI32  GGMLType = 26
	GGMLTypeI64  GGMLType = 27
	GGMLTypeF64  GGMLType = 28
	GGMLTypeBF16 GGMLType = 29
)

type ggmlLayout struct {
	name      string
	blockSize int // elements per block
	typeSize  int // bytes per block
}

var ggmlLayouts = map[GGMLType]ggmlLayout{
	GGMLTypeF32:  {"F32", 1, 4},
	GGMLTypeF16:  {"F16", 1, 2},
	GGMLTypeQ4_0: {"Q4_0", 32, 18},
	GGMLTypeQ4_1: {"Q4_1", 32, 20},
	GGMLTypeQ8_0: {"Q8_0", 32, 34},
	GGMLTypeI8:   {"I8", 1, 1},
	GGMLTypeI32:  {"I32", 1, 4},
	GGMLTypeI64:  {"I64", 1, 8},
	GGMLTypeF64:  {"F64", 1, 8},
	GGMLTypeBF16: {"BF16", 1, 2},
}

func (t GGMLType) String() string {
	if l, ok := ggmlLayouts[t]; ok {
		return l.name
	}
	return fmt.Sprintf("GGML(%d)", uint32(t))
}

// dataSize returns the encoded size of n elements, or false for unknown types
// and element counts that do not fill whole blocks.
func (t GGMLType) dataSize(n int) (int, bool) {
	l, ok := ggmlLayouts[t]
	if !ok || n%l.blockSize != 0 {
		return 0, false
	}
	return n / l.blockSize * l.typeSize, true
}

// GGUF metadata value types.
const (
	ggufUint8 uint32 = iota
	ggufInt8
	ggufUint16
	ggufInt16
	ggufUint32
	ggufInt32
	ggufFloat32
	ggufBool
	ggufString
	ggufArray
	ggufUint64
	ggufInt64
	ggufFloat64
)

// GGUFTensorInfo describes one tensor of a GGUF file. Dims are in GGUF order,
// innermost first.
type GGUFTensorInfo struct {
	Name   string
	Dims   []uint64
	Type   GGMLType
	Offset uint64
}

// Shape returns the row-major shape, the reverse of Dims.
func (ti GGUFTensorInfo) Shape() tensor.Shape {
	shape := make(tensor.Shape, len(ti.Dims))
	for i, d := range ti.Dims {
		shape[len(ti.Dims)-1-i] = int(d) //nolint:gosec // G115: dims are bounded by the file size check
	}
	return shape
}

// GGUFFile is the parsed header of a GGUF file.
type GGUFFile struct {
	Version   uint32
	Metadata  map[string]any
	Tensors   []GGUFTensorInfo
	Alignment int
}

// Architecture returns general.architecture, or "".
func (f *GGUFFile) Architecture() string {
	s, _ := f.Metadata["general.architecture"].(string)
	return s
}

// ggufReader is a bounds-checked cursor over a whole file.
type ggufReader struct {
	buf []byte
	pos int
}

var errGGUFShort = errors.New("unexpected end of GGUF header")

func (r *ggufReader) next(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, errGGUFShort
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *ggufReader) u32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *ggufReader) u64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *ggufReader) str() (string, error) {
	n, err := r.u64()
	if err != nil {
		return "", err
	}
	if n > MaxHeaderSize {
		return "", fmt.Errorf("string of %d bytes: %w", n, ErrHeaderTooLarge)
	}
	b, err := r.next(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *ggufReader) value(vt uint32) (any, error) {
	switch vt {
	case ggufUint8, ggufInt8, ggufBool:
		b, err := r.next(1)
		if err != nil {
			return nil, err
		}
		switch vt {
		case ggufInt8:
			return int8(b[0]), nil
		case ggufBool:
			return b[0] != 0, nil
		}
		return b[0], nil
	case ggufUint16, ggufInt16:
		b, err := r.next(2)
		if err != nil {
			return nil, err
		}
		v := binary.LittleEndian.Uint16(b)
		if vt == ggufInt16 {
			return int16(v), nil //nolint:gosec // G115: reinterpretation of a signed field
		}
		return v, nil
	case ggufUint32, ggufInt32, ggufFloat32:
		v, err := r.u32()
		if err != nil {
			return nil, err
		}
		switch vt {
		case ggufInt32:
			return int32(v), nil //nolint:gosec // G115: reinterpretation of a signed field
		case ggufFloat32:
			return math.Float32frombits(v), nil
		}
		return v, nil
	case ggufUint64, ggufInt64, ggufFloat64:
		v, err := r.u64()
		if err != nil {
			return nil, err
		}
		switch vt {
		case ggufInt64:
			return int64(v), nil //nolint:gosec // G115: reinterpretation of a signed field
		case ggufFloat64:
			return math.Float64frombits(v), nil
		}
		return v, nil
	case ggufString:
		return r.str()
	case ggufArray:
		elem, err := r.u32()
		if err != nil {
			return nil, err
		}
		n, err := r.u64()
		if err != nil {
			return nil, err
		}
		if n > ggufMaxArrayLen {
			return nil, fmt.Errorf("array of %d elements is too large", n)
		}
		out := make([]any, n)
		for i := range out {
			if out[i], err = r.value(elem); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown metadata value type %d", vt)
	}
}

// ReadGGUFFile reads a GGUF file. Float and integer tensors keep their
// stored dtype; Q4_0, Q4_1 and Q8_0 tensors are dequantized to Float32.
// Tensor names are kept as written ("blk.0.attn_q.weight").
func ReadGGUFFile(path string, level ValidationLevel) (*Flat, *GGUFFile, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	sd, file, err := DecodeGGUF(data, level)
	if err != nil {
		return nil, nil, err
	}
	sd.Source = path
	return sd, file, nil
}

// DecodeGGUF parses an in-memory GGUF file.
func DecodeGGUF(data []byte, level ValidationLevel) (*Flat, *GGUFFile, error) {
	file, dataStart, err := decodeGGUFHeader(data)
	if err != nil {
		return nil, nil, err
	}
	section := data[dataStart:]

	spans := make([]span, len(file.Tensors))
	for i, ti := range file.Tensors {
		n := ti.Shape().NumElements()
		size, ok := ti.Type.dataSize(n)
		if !ok {
			return nil, nil, fmt.Errorf("tensor %s: %w: %s with %d elements", ti.Name, ErrUnsupportedDType, ti.Type, n)
		}
		spans[i] = span{name: ti.Name, offset: int64(ti.Offset), size: int64(size)} //nolint:gosec // G115: checked by validateTable
	}
	if err := validateTable(spans, int64(len(section)), level); err != nil {
		return nil, nil, fmt.Errorf("validation failed: %w", err)
	}

	sd := NewFlatWithCapacity(len(file.Tensors))
	for i, ti := range file.Tensors {
		s := spans[i]
		if s.offset < 0 || s.offset+s.size > int64(len(section)) {
			return nil, nil, fmt.Errorf("tensor %s: data out of bounds", ti.Name)
		}
		raw, err := decodeGGMLTensor(ti, section[s.offset:s.offset+s.size])
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", ti.Name, err)
		}
		sd.Set(ti.Name, raw)
	}
	return sd, file, nil
}

func decodeGGUFHeader(data []byte) (*GGUFFile, int, error) {
	r := &ggufReader{buf: data}
	magic, err := r.next(4)
	if err != nil || string(magic) != GGUFMagic {
		return nil, 0, ErrInvalidMagic
	}
	version, err := r.u32()
	if err != nil {
		return nil, 0, err
	}
	if version < 2 || version > 3 {
		return nil, 0, fmt.Errorf("%w: GGUF version %d", ErrUnsupportedVersion, version)
	}
	nTensors, err := r.u64()
	if err != nil {
		return nil, 0, err
	}
	nKV, err := r.u64()
	if err != nil {
		return nil, 0, err
	}
	if nTensors > MaxTensorCount {
		return nil, 0, &ValidationError{Type: "too_many_tensors", Details: fmt.Sprintf("got %d, max %d", nTensors, MaxTensorCount)}
	}

	file := &GGUFFile{Version: version, Metadata: make(map[string]any, nKV), Alignment: GGUFDefaultAlignment}
	for i := uint64(0); i < nKV; i++ {
		key, err := r.str()
		if err != nil {
			return nil, 0, fmt.Errorf("metadata %d: %w", i, err)
		}
		vt, err := r.u32()
		if err != nil {
			return nil, 0, fmt.Errorf("metadata %s: %w", key, err)
		}
		v, err := r.value(vt)
		if err != nil {
			return nil, 0, fmt.Errorf("metadata %s: %w", key, err)
		}
		file.Metadata[key] = v
	}
	if a, ok := file.Metadata["general.alignment"].(uint32); ok && a > 0 {
		file.Alignment = int(a)
	}

	file.Tensors = make([]GGUFTensorInfo, nTensors)
	for i := range file.Tensors {
		ti := &file.Tensors[i]
		if ti.Name, err = r.str(); err != nil {
			return nil, 0, fmt.Errorf("tensor info %d: %w", i, err)
		}
		nDims, err := r.u32()
		if err != nil {
			return nil, 0, err
		}
		if nDims > ggufMaxDims {
			return nil, 0, fmt.Errorf("tensor %s: %d dimensions", ti.Name, nDims)
		}
		ti.Dims = make([]uint64, nDims)
		for d := range ti.Dims {
			if ti.Dims[d], err = r.u64(); err != nil {
				return nil, 0, err
			}
			if ti.Dims[d] > uint64(len(data)) {
				return nil, 0, fmt.Errorf("tensor %s: dimension %d exceeds file size", ti.Name, ti.Dims[d])
			}
		}
		typ, err := r.u32()
		if err != nil {
			return nil, 0, err
		}
		ti.Type = GGMLType(typ)
		if ti.Offset, err = r.u64(); err != nil {
			return nil, 0, err
		}
	}

	start := r.pos
	if rem := start % file.Alignment; rem != 0 {
		start += file.Alignment - rem
	}
	if start > len(data) {
		return nil, 0, errGGUFShort
	}
	return file, start, nil
}

func decodeGGMLTensor(ti GGUFTensorInfo, b []byte) (*tensor.RawTensor, error) {
	shape := ti.Shape()
	var dtype tensor.DataType
	switch ti.Type {
	case GGMLTypeF32:
		dtype = tensor.Float32
	case GGMLTypeF16:
		dtype = tensor.Float16
	case GGMLTypeBF16:
		dtype = tensor.BFloat16
	case GGMLTypeF64:
		dtype = tensor.Float64
	case GGMLTypeI32:
		dtype = tensor.Int32
	case GGMLTypeI64:
		dtype = tensor.Int64
	case GGMLTypeI8:
		vals := make([]int32, len(b))
		for i, v := range b {
			vals[i] = int32(int8(v)) //nolint:gosec // G115: signed bytes
		}
		return tensor.FromInt32(shape, vals)
	case GGMLTypeQ4_0, GGMLTypeQ4_1, GGMLTypeQ8_0:
		return tensor.FromFloat32(shape, tensor.Float32, dequantizeGGML(ti.Type, b, shape.NumElements()))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, ti.Type)
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	return tensor.FromBytes(shape, dtype, buf)
}

// dequantizeGGML expands 32-element blocks. Each block starts with an f16
// scale d (and for Q4_1 an f16 minimum m). Q8_0 stores 32 signed bytes,
// x = d*q. Q4_0 and Q4_1 store 16 bytes whose low nibbles are elements 0-15
// and high nibbles elements 16-31, x = d*(q-8) and x = d*q+m.
func dequantizeGGML(t GGMLType, b []byte, n int) []float32 {
	l := ggmlLayouts[t]
	out := make([]float32, n)
	half := func(off int) float32 {
		return float16.Frombits(binary.LittleEndian.Uint16(b[off:])).Float32()
	}
	for blk := 0; blk < n/l.blockSize; blk++ {
		base := blk * l.typeSize
		dst := out[blk*32 : (blk+1)*32]
		d := half(base)
		switch t {
		case GGMLTypeQ8_0:
			for i, q := range b[base+2 : base+34] {
				dst[i] = d * float32(int8(q)) //nolint:gosec // G115: signed bytes
			}
		case GGMLTypeQ4_0:
			for i, q := range b[base+2 : base+18] {
				dst[i] = d * (float32(q&0x0F) - 8)
				dst[i+16] = d * (float32(q>>4) - 8)
			}
		case GGMLTypeQ4_1:
			m := half(base + 2)
			for i, q := range b[base+4 : base+20] {
				dst[i] = d*float32(q&0x0F) + m
				dst[i+16] = d*float32(q>>4) + m
			}
		}
	}
	return out
}

// ggufEntry is one tensor to encode.
type ggufEntry struct {
	info GGUFTensorInfo
	data []byte
}

func ggmlTypeOf(dt tensor.DataType) (GGMLType, bool) {
	switch dt {
	case tensor.Float32:
		return GGMLTypeF32, true
	case tensor.Float16:
		return GGMLTypeF16, true
	case tensor.BFloat16:
		return GGMLTypeBF16, true
	case tensor.Float64:
		return GGMLTypeF64, true
	case tensor.Int32:
		return GGMLTypeI32, true
	case tensor.Int64:
		return GGMLTypeI64, true
	default:
		return 0, false
	}
}

// WriteGGUF writes sd to w as a version 3 GGUF file in Keys order. metadata
// is stored as string values; a non-empty arch becomes general.architecture.
// Tensors are stored unquantized.
func WriteGGUF(w io.Writer, sd StateDict, arch string, metadata map[string]string) error {
	names := sd.Keys()
	entries := make([]ggufEntry, 0, len(names))
	for _, name := range names {
		raw, _ := sd.Get(name)
		if raw.Device() == tensor.Meta {
			return fmt.Errorf("tensor %s has no storage", name)
		}
		typ, ok := ggmlTypeOf(raw.DType())
		if !ok {
			return fmt.Errorf("tensor %s: %w: %s in GGUF", name, ErrUnsupportedDType, raw.DType())
		}
		shape := raw.Shape()
		dims := make([]uint64, len(shape))
		for i, d := range shape {
			dims[len(shape)-1-i] = uint64(d) //nolint:gosec // G115: shapes are non-negative
		}
		entries = append(entries, ggufEntry{
			info: GGUFTensorInfo{Name: name, Dims: dims, Type: typ},
			data: raw.Data()[:raw.ByteSize()],
		})
	}
	kv := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		kv[k] = v
	}
	if arch != "" {
		kv["general.architecture"] = arch
	}
	_, err := w.Write(encodeGGUF(kv, entries))
	return err
}

// encodeGGUF lays out a GGUF file with string metadata in sorted key order
// and tensor data aligned to GGUFDefaultAlignment. Entry offsets are assigned
// here.
func encodeGGUF(metadata map[string]string, entries []ggufEntry) []byte {
	le := binary.LittleEndian
	var buf []byte
	putStr := func(s string) {
		buf = le.AppendUint64(buf, uint64(len(s)))
		buf = append(buf, s...)
	}
	pad := func(b []byte) []byte {
		for len(b)%GGUFDefaultAlignment != 0 {
			b = append(b, 0)
		}
		return b
	}

	buf = append(buf, GGUFMagic...)
	buf = le.AppendUint32(buf, 3)
	buf = le.AppendUint64(buf, uint64(len(entries)))
	buf = le.AppendUint64(buf, uint64(len(metadata)))
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		putStr(k)
		buf = le.AppendUint32(buf, ggufString)
		putStr(metadata[k])
	}

	var offset uint64
	for _, e := range entries {
		putStr(e.info.Name)
		buf = le.AppendUint32(buf, uint32(len(e.info.Dims))) //nolint:gosec // G115: at most ggufMaxDims
		for _, d := range e.info.Dims {
			buf = le.AppendUint64(buf, d)
		}
		buf = le.AppendUint32(buf, uint32(e.info.Type))
		buf = le.AppendUint64(buf, offset)
		offset += uint64(len(e.data))
		if rem := offset % GGUFDefaultAlignment; rem != 0 {
			offset += GGUFDefaultAlignment - rem
		}
	}
	buf = pad(buf)
	for _, e := range entries {
		buf = pad(append(buf, e.data...))
	}
	return buf
}

package serialization

import (
	"fmt"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// wrapperKeys are top-level entries that some trainers nest the weights under.
var wrapperKeys = []string{"model_state", "state_dict", "model"}

// ReadTorchFile reads a PyTorch pickle checkpoint (.pth, .pt, .bin).
// Only tensors are kept; other values (step counters, optimizer state) are skipped.
func ReadTorchFile(path string) (*Flat, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}

	entries, err := torchEntries(obj)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !slices.Contains(wrapperKeys, e.key) {
			continue
		}
		if nested, err := torchEntries(e.value); err == nil {
			entries = nested
			break
		}
	}

	sd := NewFlatWithCapacity(len(entries))
	sd.Source = path
	for _, e := range entries {
		pt, ok := e.value.(*pytorch.Tensor)
		if !ok {
			continue
		}
		raw, err := torchTensor(pt)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", e.key, err)
		}
		sd.Set(e.key, raw)
	}
	return sd, nil
}

type torchEntry struct {
	key   string
	value any
}

// torchEntries lists the string-keyed entries of an unpickled dict in order.
func torchEntries(obj any) ([]torchEntry, error) {
	var out []torchEntry
	switch d := obj.(type) {
	case *types.OrderedDict:
		for el := d.List.Front(); el != nil; el = el.Next() {
			entry, ok := el.Value.(*types.OrderedDictEntry)
			if !ok {
				continue
			}
			if k, ok := entry.Key.(string); ok {
				out = append(out, torchEntry{key: k, value: entry.Value})
			}
		}
	case *types.Dict:
		for _, key := range d.Keys() {
			if k, ok := key.(string); ok {
				out = append(out, torchEntry{key: k, value: d.MustGet(key)})
			}
		}
	default:
		return nil, fmt.Errorf("%w: top-level object is %T, not a dict", ErrUnrecognizedFormat, obj)
	}
	return out, nil
}

// torchTensor materializes a (possibly strided) view over a pickled storage.
func torchTensor(pt *pytorch.Tensor) (*tensor.RawTensor, error) {
	shape := tensor.Shape(append([]int(nil), pt.Size...))
	offset := pt.StorageOffset
	stride := pt.Stride

	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		return tensor.FromFloat32Slice(shape, gather(s.Data, offset, shape, stride))
	case *pytorch.HalfStorage:
		return tensor.FromFloat32(shape, tensor.Float16, gather(s.Data, offset, shape, stride))
	case *pytorch.BFloat16Storage:
		return tensor.FromFloat32(shape, tensor.BFloat16, gather(s.Data, offset, shape, stride))
	case *pytorch.DoubleStorage:
		vals := gather(s.Data, offset, shape, stride)
		out, err := tensor.NewRaw(shape, tensor.Float64, tensor.CPU)
		if err != nil {
			return nil, err
		}
		copy(out.AsFloat64(), vals)
		return out, nil
	case *pytorch.LongStorage:
		return tensor.FromInt64(shape, gather(s.Data, offset, shape, stride))
	case *pytorch.IntStorage:
		return tensor.FromInt32(shape, gather(s.Data, offset, shape, stride))
	case *pytorch.ByteStorage:
		return tensor.FromBytes(shape, tensor.Uint8, gather(s.Data, offset, shape, stride))
	case *pytorch.BoolStorage:
		vals := gather(s.Data, offset, shape, stride)
		out, err := tensor.NewRaw(shape, tensor.Bool, tensor.CPU)
		if err != nil {
			return nil, err
		}
		copy(out.AsBool(), vals)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: storage %T", ErrUnsupportedDType, pt.Source)
	}
}

// gather copies the elements addressed by (offset, shape, stride) out of data in row-major order.
func gather[T any](data []T, offset int, shape tensor.Shape, stride []int) []T {
	n := shape.NumElements()
	out := make([]T, n)
	if len(stride) != len(shape) || isContiguous(shape, stride) {
		copy(out, data[offset:offset+n])
		return out
	}

	idx := make([]int, len(shape))
	for i := 0; i < n; i++ {
		pos := offset
		for d, v := range idx {
			pos += v * stride[d]
		}
		out[i] = data[pos]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

func isContiguous(shape tensor.Shape, stride []int) bool {
	want := shape.Strides()
	for i := range want {
		if shape[i] != 1 && want[i] != stride[i] {
			return false
		}
	}
	return true
}

package serialization

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// StateDict is an ordered lookup from dotted parameter name to tensor.
//
// Keys are unique. Keys returns them in a deterministic order documented by each
// implementation; consumers must not depend on the order for correctness.
type StateDict interface {
	// Get returns the tensor stored under key.
	Get(key string) (*tensor.RawTensor, bool)
	// Keys returns every key exactly once.
	Keys() []string
	// Len returns the number of distinct keys.
	Len() int
}

// Lookup returns the tensor under key or a *MissingKeyError.
func Lookup(sd StateDict, key string) (*tensor.RawTensor, error) {
	t, ok := sd.Get(key)
	if !ok {
		return nil, &MissingKeyError{Key: key}
	}
	return t, nil
}

// Range calls fn for every key of sd in Keys order and stops at the first error.
func Range(sd StateDict, fn func(key string, t *tensor.RawTensor) error) error {
	for _, k := range sd.Keys() {
		t, _ := sd.Get(k)
		if err := fn(k, t); err != nil {
			return err
		}
	}
	return nil
}

// Flat is a single in-memory state dict. Iteration follows insertion order.
type Flat struct {
	m *orderedmap.OrderedMap[string, *tensor.RawTensor]

	// Source names the file the tensors were read from, if any.
	Source string
}

// NewFlat creates an empty state dict.
func NewFlat() *Flat {
	return &Flat{m: orderedmap.New[string, *tensor.RawTensor]()}
}

// NewFlatWithCapacity creates an empty state dict sized for n keys.
func NewFlatWithCapacity(n int) *Flat {
	return &Flat{m: orderedmap.New[string, *tensor.RawTensor](n)}
}

// Get returns the tensor stored under key.
func (f *Flat) Get(key string) (*tensor.RawTensor, bool) {
	return f.m.Get(key)
}

// Set stores t under key. Re-setting a key keeps its original position.
func (f *Flat) Set(key string, t *tensor.RawTensor) {
	f.m.Set(key, t)
}

// Delete removes key.
func (f *Flat) Delete(key string) {
	f.m.Delete(key)
}

// Keys returns the keys in insertion order.
func (f *Flat) Keys() []string {
	keys := make([]string, 0, f.m.Len())
	for pair := f.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Len returns the number of keys.
func (f *Flat) Len() int {
	return f.m.Len()
}

// ByteSize returns the total tensor payload in bytes.
func (f *Flat) ByteSize() int64 {
	var n int64
	for pair := f.m.Oldest(); pair != nil; pair = pair.Next() {
		n += int64(pair.Value.ByteSize())
	}
	return n
}

// DuplicatePolicy decides what a Chained view does with a key found in several shards.
type DuplicatePolicy int

const (
	// RejectDuplicates fails construction with a *DuplicateKeyError.
	RejectDuplicates DuplicatePolicy = iota
	// FirstWins resolves a duplicated key to the earliest shard holding it.
	FirstWins
)

// Chained is a read-only layered view over shards. Get scans the shards in order
// and returns the first hit; no tensor data is copied.
//
// Keys yields every key once, ordered by shard and then by insertion order
// within the shard. The key list is fixed when the view is built, so shards
// must not be modified afterwards.
type Chained struct {
	maps []*Flat
	keys []string
}

// NewChained layers maps in the given order.
func NewChained(maps []*Flat, policy DuplicatePolicy) (*Chained, error) {
	owner := make(map[string]string)
	var keys []string
	for _, m := range maps {
		for _, k := range m.Keys() {
			first, dup := owner[k]
			if !dup {
				owner[k] = m.Source
				keys = append(keys, k)
				continue
			}
			if policy == RejectDuplicates {
				return nil, &DuplicateKeyError{Key: k, First: first, Second: m.Source}
			}
		}
	}
	return &Chained{maps: append([]*Flat(nil), maps...), keys: keys}, nil
}

// Maps returns the shards in lookup order.
func (c *Chained) Maps() []*Flat {
	return c.maps
}

// Get returns the tensor from the first shard holding key.
func (c *Chained) Get(key string) (*tensor.RawTensor, bool) {
	for _, m := range c.maps {
		if t, ok := m.Get(key); ok {
			return t, true
		}
	}
	return nil, false
}

// Keys returns the union of shard keys, each exactly once.
func (c *Chained) Keys() []string {
	return append([]string(nil), c.keys...)
}

// Len returns the number of distinct keys across shards.
func (c *Chained) Len() int {
	return len(c.keys)
}

// Flatten copies the key to tensor references of sd into a new Flat.
// Tensor buffers are shared, not duplicated.
func Flatten(sd StateDict) *Flat {
	if f, ok := sd.(*Flat); ok {
		return f
	}
	out := NewFlatWithCapacity(sd.Len())
	_ = Range(sd, func(k string, t *tensor.RawTensor) error {
		out.Set(k, t)
		return nil
	})
	return out
}

// Describe returns a short human-readable summary such as "chained(3 shards, 291 keys)".
func Describe(sd StateDict) string {
	switch v := sd.(type) {
	case *Chained:
		return fmt.Sprintf("chained(%d shards, %d keys)", len(v.maps), v.Len())
	case *Flat:
		return fmt.Sprintf("flat(%d keys)", v.Len())
	default:
		return fmt.Sprintf("%T(%d keys)", sd, sd.Len())
	}
}

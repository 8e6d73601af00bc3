package nn

import (
	"fmt"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// Embedding is a lookup table mapping token ids to vectors.
//
// Weight has shape [num_embeddings, dim] and is initialized from N(0, 1/dim).
type Embedding struct {
	leaf
	NumEmbeddings int
	Dim           int
	Weight        *Parameter
}

// NewEmbedding creates a lazy embedding table.
func NewEmbedding(numEmbeddings, dim int) *Embedding {
	std := 1.0
	if dim > 0 {
		std = 1 / float64(dim)
	}
	return &Embedding{
		NumEmbeddings: numEmbeddings,
		Dim:           dim,
		Weight:        NewParameter(tensor.Shape{numEmbeddings, dim}, tensor.Float32, Normal(std)),
	}
}

// Parameters returns the table.
func (e *Embedding) Parameters() []NamedParameter {
	return params(NamedParameter{"weight", e.Weight})
}

// Lookup returns a [len(ids), dim] matrix of embedding rows.
func (e *Embedding) Lookup(ids []int64) (*Matrix, error) {
	w, err := e.Weight.Float32s()
	if err != nil {
		return nil, err
	}
	out := NewMatrix(len(ids), e.Dim)
	for i, id := range ids {
		if id < 0 || id >= int64(e.NumEmbeddings) {
			return nil, fmt.Errorf("nn: token id %d out of range [0,%d)", id, e.NumEmbeddings)
		}
		copy(out.Row(i), w[int(id)*e.Dim:(int(id)+1)*e.Dim])
	}
	return out, nil
}

// Project computes x @ weight.T, the tied output head over the vocabulary.
func (e *Embedding) Project(x *Matrix) (*Matrix, error) {
	w, err := e.Weight.Float32s()
	if err != nil {
		return nil, err
	}
	return matmulT(x, w, e.NumEmbeddings, e.Dim)
}

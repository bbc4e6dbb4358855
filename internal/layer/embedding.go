package layer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Embedding maps integer token ids to dense vectors.
// Weight matrix is [numEmbeddings, embeddingDim].
type Embedding struct {
	weights *mat.Dense
}

// NewEmbedding creates an embedding table with uniform initialization.
func NewEmbedding(numEmbeddings, embeddingDim int, rng *rand.Rand) *Embedding {
	scale := math.Sqrt(3.0 / float64(embeddingDim))
	data := make([]float64, numEmbeddings*embeddingDim)
	for i := range data {
		data[i] = scale * (2*rng.Float64() - 1)
	}
	return &Embedding{weights: mat.NewDense(numEmbeddings, embeddingDim, data)}
}

// EmbeddingFromWeights wraps a trained [vocab, dim] table.
func EmbeddingFromWeights(w *mat.Dense) *Embedding {
	return &Embedding{weights: w}
}

// Forward looks up every id and returns a (len(ids), dim) matrix.
func (e *Embedding) Forward(ids []int) (*mat.Dense, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("embedding: no token ids")
	}
	vocab, dim := e.weights.Dims()
	out := mat.NewDense(len(ids), dim, nil)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("embedding: token id %d out of range [0, %d)", id, vocab)
		}
		out.SetRow(i, e.weights.RawRowView(id))
	}
	return out, nil
}

// Dim returns the embedding width.
func (e *Embedding) Dim() int {
	_, dim := e.weights.Dims()
	return dim
}

package moe

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// HiddenStates is a (batch, sequence, dim) activation tensor stored
// row-major: token (b, s) occupies Data[(b*Seq+s)*Dim : (b*Seq+s+1)*Dim].
type HiddenStates struct {
	Batch int
	Seq   int
	Dim   int
	Data  []float64
}

// NewHiddenStates wraps data without copying. A nil data allocates zeros.
func NewHiddenStates(batch, seq, dim int, data []float64) (*HiddenStates, error) {
	if batch < 1 || seq < 1 || dim < 1 {
		return nil, fmt.Errorf("%w: shape (%d, %d, %d)", ErrShape, batch, seq, dim)
	}
	if data == nil {
		data = make([]float64, batch*seq*dim)
	}
	if len(data) != batch*seq*dim {
		return nil, fmt.Errorf("%w: %d values for shape (%d, %d, %d)", ErrShape, len(data), batch, seq, dim)
	}
	return &HiddenStates{Batch: batch, Seq: seq, Dim: dim, Data: data}, nil
}

// NumTokens returns Batch*Seq.
func (h *HiddenStates) NumTokens() int {
	return h.Batch * h.Seq
}

// Tokens flattens batch and sequence into one token axis. The returned
// matrix shares Data, so row b*Seq+s is token (b, s).
func (h *HiddenStates) Tokens() *mat.Dense {
	return mat.NewDense(h.NumTokens(), h.Dim, h.Data)
}

// At returns the feature vector of token (b, s).
func (h *HiddenStates) At(b, s int) []float64 {
	off := (b*h.Seq + s) * h.Dim
	return h.Data[off : off+h.Dim]
}

// Clone returns a deep copy.
func (h *HiddenStates) Clone() *HiddenStates {
	return &HiddenStates{Batch: h.Batch, Seq: h.Seq, Dim: h.Dim, Data: append([]float64(nil), h.Data...)}
}

// restore is the inverse of Tokens: it reshapes a (batch*seq, dim) matrix
// back to (batch, seq, dim) with the same row mapping.
func restore(batch, seq int, m *mat.Dense) (*HiddenStates, error) {
	rows, cols := m.Dims()
	if rows != batch*seq {
		return nil, fmt.Errorf("%w: %d token rows for batch %d x seq %d", ErrShape, rows, batch, seq)
	}
	raw := m.RawMatrix()
	data := raw.Data
	if raw.Stride != cols {
		data = make([]float64, rows*cols)
		for r := 0; r < rows; r++ {
			copy(data[r*cols:(r+1)*cols], raw.Data[r*raw.Stride:r*raw.Stride+cols])
		}
	} else {
		data = data[:rows*cols]
	}
	return &HiddenStates{Batch: batch, Seq: seq, Dim: cols, Data: data}, nil
}

// Package layer provides the dense building blocks of the feed-forward path:
// linear projections, gated FFN experts, RMS normalization and embeddings.
//
// All layers operate on row-major token matrices (tokens × features) backed by
// gonum's mat.Dense, so a whole batch is one matrix multiply.
package layer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/moefy/internal/activations"
)

// NewRNG returns a deterministic generator for weight initialization.
func NewRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Dense is a fully connected projection y = act(x·Wᵀ + b).
// Weights are stored (out, in), the PyTorch nn.Linear layout, so converted
// checkpoints can be used without transposing.
type Dense struct {
	weights *mat.Dense
	biases  []float64 // nil when the projection has no bias
	act     activations.Activation
	outSize int
	inSize  int
}

// NewDense creates a bias-free dense layer with Xavier/Glorot uniform weights.
func NewDense(in, out int, act activations.Activation, rng *rand.Rand) *Dense {
	if act == nil {
		act = activations.Linear{}
	}
	scale := math.Sqrt(6.0 / (float64(in) + float64(out)))
	data := make([]float64, out*in)
	for i := range data {
		data[i] = rng.Float64()*2*scale - scale
	}
	return &Dense{
		weights: mat.NewDense(out, in, data),
		act:     act,
		outSize: out,
		inSize:  in,
	}
}

// DenseFromWeights wraps an existing (out, in) weight matrix.
func DenseFromWeights(w *mat.Dense, act activations.Activation) *Dense {
	if act == nil {
		act = activations.Linear{}
	}
	out, in := w.Dims()
	return &Dense{weights: w, act: act, outSize: out, inSize: in}
}

// Forward projects every row of x. x must be (n, InSize()).
func (d *Dense) Forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	y := mat.NewDense(n, d.outSize, nil)
	y.Mul(x, d.weights.T())

	_, isLinear := d.act.(activations.Linear)
	if d.biases == nil && isLinear {
		return y
	}

	raw := y.RawMatrix()
	for r := 0; r < n; r++ {
		row := raw.Data[r*raw.Stride : r*raw.Stride+d.outSize]
		for o := range row {
			v := row[o]
			if d.biases != nil {
				v += d.biases[o]
			}
			row[o] = d.act.Activate(v)
		}
	}
	return y
}

// SetBias enables a bias vector of length OutSize().
func (d *Dense) SetBias(b []float64) error {
	if len(b) != d.outSize {
		return fmt.Errorf("bias length %d, want %d", len(b), d.outSize)
	}
	d.biases = append([]float64(nil), b...)
	return nil
}

// Params returns all parameters flattened: weights then biases.
func (d *Dense) Params() []float64 {
	raw := d.weights.RawMatrix()
	params := make([]float64, 0, d.outSize*d.inSize+len(d.biases))
	for r := 0; r < d.outSize; r++ {
		params = append(params, raw.Data[r*raw.Stride:r*raw.Stride+d.inSize]...)
	}
	return append(params, d.biases...)
}

// Weights returns the (out, in) weight matrix directly.
func (d *Dense) Weights() *mat.Dense {
	return d.weights
}

// SetWeight sets a single weight at (row, col).
func (d *Dense) SetWeight(row, col int, val float64) {
	d.weights.Set(row, col, val)
}

// Weight gets a single weight at (row, col).
func (d *Dense) Weight(row, col int) float64 {
	return d.weights.At(row, col)
}

// InSize returns the input size of the layer.
func (d *Dense) InSize() int {
	return d.inSize
}

// OutSize returns the output size of the layer.
func (d *Dense) OutSize() int {
	return d.outSize
}

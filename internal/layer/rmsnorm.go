package layer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// RMSNorm implements Root Mean Square Layer Normalization.
// y = (x / RMS(x)) * gamma
type RMSNorm struct {
	gamma []float64
	eps   float64
}

// NewRMSNorm creates a normalization layer with gamma initialized to 1.
func NewRMSNorm(normalizedShape int, eps float64) *RMSNorm {
	gamma := make([]float64, normalizedShape)
	for i := range gamma {
		gamma[i] = 1
	}
	return &RMSNorm{gamma: gamma, eps: eps}
}

// RMSNormFromWeights wraps a trained gamma vector.
func RMSNormFromWeights(gamma []float64, eps float64) *RMSNorm {
	return &RMSNorm{gamma: gamma, eps: eps}
}

// Forward normalizes every row of x into a new matrix.
func (r *RMSNorm) Forward(x *mat.Dense) (*mat.Dense, error) {
	n, dim := x.Dims()
	if dim != len(r.gamma) {
		return nil, fmt.Errorf("rmsnorm: input has %d features, want %d", dim, len(r.gamma))
	}

	y := mat.DenseCopyOf(x)
	raw := y.RawMatrix()
	for i := 0; i < n; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+dim]
		var sumSq float64
		for _, v := range row {
			sumSq += v * v
		}
		inv := 1 / math.Sqrt(sumSq/float64(dim)+r.eps)
		for j := range row {
			row[j] *= inv * r.gamma[j]
		}
	}
	return y, nil
}

// Gamma returns the learnable scale.
func (r *RMSNorm) Gamma() []float64 {
	return r.gamma
}

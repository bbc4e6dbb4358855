// Package loss provides the load-balance regularization used by MoE gates.
package loss

import (
	"gonum.org/v1/gonum/stat"
)

// minMeanSquare is the squared mean below which CVSquared reports zero
// instead of dividing.
const minMeanSquare = 1e-10

// CVSquared returns the squared coefficient of variation of v:
// var(v) / mean(v)^2, with var the unbiased sample variance.
// It returns 0 when v has fewer than two elements or its mean is
// numerically zero.
func CVSquared(v []float64) float64 {
	if len(v) < 2 {
		return 0
	}
	mean, variance := stat.MeanVariance(v, nil)
	if mean*mean < minMeanSquare {
		return 0
	}
	return variance / (mean * mean)
}

// Balance is the importance/load balance loss of a top-k gate.
type Balance struct {
	Weight float64
}

// Forward returns the weighted cv² terms of importance and load.
// The total balance loss is their sum.
func (b Balance) Forward(importance, load []float64) (importanceLoss, loadLoss float64) {
	importanceLoss = CVSquared(importance) * b.Weight
	loadLoss = CVSquared(load) * b.Weight
	return importanceLoss, loadLoss
}

// Total returns Weight * (cv²(importance) + cv²(load)).
func (b Balance) Total(importance, load []float64) float64 {
	il, ll := b.Forward(importance, load)
	return il + ll
}

package layer

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestRMSNorm(t *testing.T) {
	dim := 4
	eps := 1e-5
	ln := NewRMSNorm(dim, eps)

	x := mat.NewDense(2, dim, []float64{1, 2, 3, 4, -2, 0, 0, 2})

	y, err := ln.Forward(x)
	if err != nil {
		t.Fatal(err)
	}

	// RMS = sqrt((1^2 + 2^2 + 3^2 + 4^2)/4 + eps) = sqrt(7.50001)
	for r := 0; r < 2; r++ {
		row := x.RawRowView(r)
		var sumSq float64
		for _, v := range row {
			sumSq += v * v
		}
		rms := math.Sqrt(sumSq/float64(dim) + eps)
		for i, v := range row {
			expected := v / rms
			if math.Abs(y.At(r, i)-expected) > 1e-12 {
				t.Errorf("At (%d, %d): expected %f, got %f", r, i, expected, y.At(r, i))
			}
		}
	}

	// The input is not modified.
	if x.At(0, 3) != 4 {
		t.Errorf("input modified: %f", x.At(0, 3))
	}
}

func TestRMSNormGamma(t *testing.T) {
	ln := RMSNormFromWeights([]float64{2, 0.5}, 0)

	y, err := ln.Forward(mat.NewDense(1, 2, []float64{3, 4}))
	if err != nil {
		t.Fatal(err)
	}
	rms := math.Sqrt(12.5)
	if math.Abs(y.At(0, 0)-6/rms) > 1e-12 || math.Abs(y.At(0, 1)-2/rms) > 1e-12 {
		t.Errorf("y = %v", mat.Row(nil, 0, y))
	}

	if _, err := ln.Forward(mat.NewDense(1, 3, nil)); err == nil {
		t.Error("expected a width error")
	}
}

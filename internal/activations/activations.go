// Package activations provides the element-wise activation functions used by
// the gate network and the expert feed-forward blocks.
package activations

import (
	"fmt"
	"math"
)

// Activation is an activation function with derivative.
type Activation interface {
	// Activate computes f(x)
	Activate(x float64) float64

	// Derivative computes f'(x)
	Derivative(x float64) float64
}

// Linear is the identity activation.
type Linear struct{}

func (Linear) Activate(x float64) float64   { return x }
func (Linear) Derivative(x float64) float64 { return 1 }

// ReLU activation function.
type ReLU struct{}

// Activate computes max(0, x)
func (r ReLU) Activate(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// Derivative returns 1 if x > 0, else 0
func (r ReLU) Derivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// Sigmoid activation function.
type Sigmoid struct{}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Activate computes sigmoid(x)
func (s Sigmoid) Activate(x float64) float64 {
	return sigmoid(x)
}

// Derivative computes sigmoid(x) * (1 - sigmoid(x))
func (s Sigmoid) Derivative(x float64) float64 {
	sigma := sigmoid(x)
	return sigma * (1 - sigma)
}

// SiLU (Swish) activation, the LLaMA feed-forward default.
// PyTorch reference: torch.nn.SiLU
type SiLU struct{}

// Activate computes x * sigmoid(x)
func (SiLU) Activate(x float64) float64 {
	return x * sigmoid(x)
}

// Derivative computes sigmoid(x) * (1 + x*(1 - sigmoid(x)))
func (SiLU) Derivative(x float64) float64 {
	sigma := sigmoid(x)
	return sigma * (1 + x*(1-sigma))
}

// GELU activation using the exact erf formulation.
// PyTorch reference: torch.nn.GELU(approximate='none')
type GELU struct{}

func (GELU) Activate(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

func (GELU) Derivative(x float64) float64 {
	cdf := 0.5 * (1 + math.Erf(x/math.Sqrt2))
	pdf := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
	return cdf + x*pdf
}

// Tanh activation function.
type Tanh struct{}

// Activate computes tanh(x)
func (t Tanh) Activate(x float64) float64 {
	return math.Tanh(x)
}

// Derivative computes 1 - tanh(x)^2
func (t Tanh) Derivative(x float64) float64 {
	tanhX := math.Tanh(x)
	return 1 - tanhX*tanhX
}

// Softmax normalizes x in place: exp(x) / sum(exp(x)).
// The maximum is subtracted first for numerical stability.
func Softmax(x []float64) []float64 {
	if len(x) == 0 {
		return x
	}
	maxVal := x[0]
	for _, v := range x[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - maxVal)
		sum += x[i]
	}
	for i := range x {
		x[i] /= sum
	}
	return x
}

// ByName resolves a Hugging Face style hidden_act name.
func ByName(name string) (Activation, error) {
	switch name {
	case "silu", "swish", "":
		return SiLU{}, nil
	case "gelu":
		return GELU{}, nil
	case "relu":
		return ReLU{}, nil
	case "tanh":
		return Tanh{}, nil
	case "sigmoid":
		return Sigmoid{}, nil
	case "linear", "identity":
		return Linear{}, nil
	default:
		return nil, fmt.Errorf("unknown activation %q", name)
	}
}

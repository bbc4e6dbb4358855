package layer

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/moefy/internal/activations"
)

// GLU is the gated feed-forward block of LLaMA-style models:
// down(act(gate(x)) * up(x)). With act = SiLU it is SwiGLU.
// Each MoE expert is one GLU over its slice of the dense intermediate neurons.
type GLU struct {
	gate *Dense // (hidden, in)
	up   *Dense // (hidden, in)
	down *Dense // (out, hidden)
	act  activations.Activation
}

// NewGLU creates a randomly initialized gated block.
func NewGLU(in, hidden, out int, act activations.Activation, rng *rand.Rand) *GLU {
	if act == nil {
		act = activations.SiLU{}
	}
	return &GLU{
		gate: NewDense(in, hidden, nil, rng),
		up:   NewDense(in, hidden, nil, rng),
		down: NewDense(hidden, out, nil, rng),
		act:  act,
	}
}

// GLUFromWeights builds a block from PyTorch-layout projection matrices:
// gate and up are (hidden, in), down is (out, hidden).
func GLUFromWeights(gate, up, down *mat.Dense, act activations.Activation) (*GLU, error) {
	gr, gc := gate.Dims()
	ur, uc := up.Dims()
	dr, dc := down.Dims()
	if gr != ur || gc != uc {
		return nil, fmt.Errorf("gate projection is %dx%d but up projection is %dx%d", gr, gc, ur, uc)
	}
	if dc != gr {
		return nil, fmt.Errorf("down projection is %dx%d, want %d columns", dr, dc, gr)
	}
	if act == nil {
		act = activations.SiLU{}
	}
	return &GLU{
		gate: DenseFromWeights(gate, nil),
		up:   DenseFromWeights(up, nil),
		down: DenseFromWeights(down, nil),
		act:  act,
	}, nil
}

// Forward applies the block to every row of x.
func (g *GLU) Forward(x *mat.Dense) *mat.Dense {
	out, _, _ := g.ForwardHidden(x)
	return out
}

// ForwardHidden applies the block and also returns the intermediate neuron
// activations: act(gate(x)) and act(gate(x))*up(x).
func (g *GLU) ForwardHidden(x *mat.Dense) (out, gated, product *mat.Dense) {
	gated = g.gate.Forward(x)
	raw := gated.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j, v := range row {
			row[j] = g.act.Activate(v)
		}
	}

	product = g.up.Forward(x)
	product.MulElem(product, gated)

	out = g.down.Forward(product)
	return out, gated, product
}

// Gate returns the gate projection.
func (g *GLU) Gate() *Dense { return g.gate }

// Up returns the up projection.
func (g *GLU) Up() *Dense { return g.up }

// Down returns the down projection.
func (g *GLU) Down() *Dense { return g.down }

// InSize returns the model dimension consumed by the block.
func (g *GLU) InSize() int { return g.gate.InSize() }

// HiddenSize returns the number of intermediate neurons.
func (g *GLU) HiddenSize() int { return g.gate.OutSize() }

// OutSize returns the output dimension.
func (g *GLU) OutSize() int { return g.down.OutSize() }

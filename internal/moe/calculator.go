package moe

import (
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/moefy/internal/envconfig"
	"github.com/FlavioCFOliveira/moefy/internal/layer"
)

// CalculatorOptions tunes how expert outputs are combined.
type CalculatorOptions struct {
	// Residual, when set, is applied to every token and added to the
	// routed experts' output.
	Residual *layer.GLU
	// ScoreScaleFactor multiplies every routing score. Zero means 1.
	ScoreScaleFactor float64
	// Unweighted sums expert outputs without multiplying by the scores.
	Unweighted bool
	// Workers bounds concurrent expert evaluation. Zero uses MOEFY_WORKERS.
	Workers int
}

// Calculator evaluates each token's selected experts and combines their
// outputs weighted by the routing scores.
type Calculator struct {
	experts []*layer.GLU
	opts    CalculatorOptions
	inSize  int
	outSize int
}

// NewCalculator validates that all experts share input and output sizes.
func NewCalculator(experts []*layer.GLU, opts CalculatorOptions) (*Calculator, error) {
	if len(experts) == 0 {
		return nil, fmt.Errorf("%w: no experts", ErrConfig)
	}
	in, out := experts[0].InSize(), experts[0].OutSize()
	for i, e := range experts {
		if e.InSize() != in || e.OutSize() != out {
			return nil, fmt.Errorf("%w: expert %d maps %d->%d, expert 0 maps %d->%d", ErrConfig, i, e.InSize(), e.OutSize(), in, out)
		}
	}
	if r := opts.Residual; r != nil && (r.InSize() != in || r.OutSize() != out) {
		return nil, fmt.Errorf("%w: residual block maps %d->%d, experts map %d->%d", ErrConfig, r.InSize(), r.OutSize(), in, out)
	}
	if opts.ScoreScaleFactor == 0 {
		opts.ScoreScaleFactor = 1
	}
	if opts.Workers < 1 {
		opts.Workers = int(envconfig.Workers())
	}
	return &Calculator{experts: experts, opts: opts, inSize: in, outSize: out}, nil
}

// NumExperts returns the size of the expert pool.
func (c *Calculator) NumExperts() int { return len(c.experts) }

// Experts returns the expert blocks.
func (c *Calculator) Experts() []*layer.GLU { return c.experts }

// Residual returns the shared residual block, or nil.
func (c *Calculator) Residual() *layer.GLU { return c.opts.Residual }

// InSize returns the token feature size.
func (c *Calculator) InSize() int { return c.inSize }

// OutSize returns the output feature size.
func (c *Calculator) OutSize() int { return c.outSize }

// dispatch is the set of tokens routed to one expert.
type dispatch struct {
	tokens []int
	scores []float64
	out    *mat.Dense
}

// Forward computes, for every row t of x,
//
//	y_t = Σ_j scale·scores[t,j] · expert[indices[t,j]](x_t)  (+ residual(x_t))
//
// Tokens are grouped per expert so each expert runs one batched multiply.
// Experts run concurrently; their contributions are summed in expert order,
// so the result does not depend on scheduling.
func (c *Calculator) Forward(x *mat.Dense, indices []int, scores []float64, k int) (*mat.Dense, error) {
	n, dim := x.Dims()
	if dim != c.inSize {
		return nil, fmt.Errorf("%w: calculator input has %d features, want %d", ErrShape, dim, c.inSize)
	}
	if k < 1 || len(indices) != n*k || len(scores) != n*k {
		return nil, fmt.Errorf("%w: %d indices and %d scores for %d tokens at k=%d", ErrRouting, len(indices), len(scores), n, k)
	}

	groups := make([]dispatch, len(c.experts))
	for t := 0; t < n; t++ {
		sel := indices[t*k : (t+1)*k]
		for j, e := range sel {
			if e < 0 || e >= len(c.experts) {
				return nil, fmt.Errorf("%w: token %d selects expert %d of %d", ErrRouting, t, e, len(c.experts))
			}
			for _, prev := range sel[:j] {
				if prev == e {
					return nil, fmt.Errorf("%w: token %d selects expert %d twice", ErrRouting, t, e)
				}
			}
			s := c.opts.ScoreScaleFactor
			if !c.opts.Unweighted {
				s *= scores[t*k+j]
			}
			groups[e].tokens = append(groups[e].tokens, t)
			groups[e].scores = append(groups[e].scores, s)
		}
	}

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for e := range groups {
		if len(groups[e].tokens) == 0 {
			continue
		}
		g.Go(func() error {
			grp := &groups[e]
			batch := mat.NewDense(len(grp.tokens), dim, nil)
			for i, t := range grp.tokens {
				batch.SetRow(i, x.RawRowView(t))
			}
			grp.out = c.experts[e].Forward(batch)
			return nil
		})
	}

	var residual *mat.Dense
	if c.opts.Residual != nil {
		residual = c.opts.Residual.Forward(x)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	y := mat.NewDense(n, c.outSize, nil)
	if residual != nil {
		y.Copy(residual)
	}
	for _, grp := range groups {
		for i, t := range grp.tokens {
			floats.AddScaled(y.RawRowView(t), grp.scores[i], grp.out.RawRowView(i))
		}
	}
	return y, nil
}

package moe

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/moefy/internal/activations"
	"github.com/FlavioCFOliveira/moefy/internal/layer"
)

// FeedForward is the feed-forward sublayer of one decoder layer. Forward
// returns the transformed activations, shaped (Batch, Seq, output size),
// and this call's balance loss (zero for dense variants).
type FeedForward interface {
	Forward(h *HiddenStates, mask PaddingMask) (*HiddenStates, float64, error)
}

// MoEFeedForward routes every token through its top-k experts.
type MoEFeedForward struct {
	gate *TopKGate
	calc *Calculator
}

// PaddingMaskAwareForward is the MoE variant selected by ModePaddingMask.
type PaddingMaskAwareForward = MoEFeedForward

// NewMoEFeedForward joins a gate and a calculator built for the same expert
// pool and hidden size.
func NewMoEFeedForward(gate *TopKGate, calc *Calculator) (*MoEFeedForward, error) {
	gc := gate.Config()
	if gc.NumExperts != calc.NumExperts() {
		return nil, fmt.Errorf("%w: gate scores %d experts, calculator holds %d", ErrConfig, gc.NumExperts, calc.NumExperts())
	}
	if gc.HiddenSize != calc.InSize() {
		return nil, fmt.Errorf("%w: gate reads %d features, experts read %d", ErrConfig, gc.HiddenSize, calc.InSize())
	}
	return &MoEFeedForward{gate: gate, calc: calc}, nil
}

// Gate returns the router.
func (m *MoEFeedForward) Gate() *TopKGate { return m.gate }

// Calculator returns the expert pool.
func (m *MoEFeedForward) Calculator() *Calculator { return m.calc }

// Forward flattens (batch, seq) into one token axis, routes, evaluates the
// experts and restores (batch, seq, out).
func (m *MoEFeedForward) Forward(h *HiddenStates, mask PaddingMask) (*HiddenStates, float64, error) {
	y, out, err := m.forwardTokens(h, mask)
	if err != nil {
		return nil, 0, err
	}
	restored, err := restore(h.Batch, h.Seq, y)
	if err != nil {
		return nil, 0, err
	}
	return restored, out.BalanceLoss, nil
}

func (m *MoEFeedForward) forwardTokens(h *HiddenStates, mask PaddingMask) (*mat.Dense, *GateOutput, error) {
	if err := mask.fits(h); err != nil {
		return nil, nil, err
	}
	x := h.Tokens()
	out, err := m.gate.Forward(x, mask)
	if err != nil {
		return nil, nil, err
	}
	y, err := m.calc.Forward(x, out.Indices, out.Scores, out.K)
	if err != nil {
		return nil, nil, err
	}
	return y, out, nil
}

// StandardForward is the dense gated MLP the MoE layer replaces.
type StandardForward struct {
	mlp *layer.GLU
}

// NewStandardForward wraps a dense block.
func NewStandardForward(mlp *layer.GLU) *StandardForward {
	return &StandardForward{mlp: mlp}
}

// MLP returns the dense block.
func (s *StandardForward) MLP() *layer.GLU { return s.mlp }

// Forward applies the dense block to every token; the mask is not used.
func (s *StandardForward) Forward(h *HiddenStates, _ PaddingMask) (*HiddenStates, float64, error) {
	if h.Dim != s.mlp.InSize() {
		return nil, 0, fmt.Errorf("%w: input has %d features, want %d", ErrShape, h.Dim, s.mlp.InSize())
	}
	y, err := restore(h.Batch, h.Seq, s.mlp.Forward(h.Tokens()))
	if err != nil {
		return nil, 0, err
	}
	return y, 0, nil
}

// Weights supplies trained parameters to NewFeedForward. Dense is used by
// the dense modes; Gate, Experts and Residual by the MoE mode.
type Weights struct {
	Dense    *layer.GLU
	Gate     []*mat.Dense
	Experts  []*layer.GLU
	Residual *layer.GLU
}

// NewFeedForward builds the variant selected by cfg.ForwardMode. When w is
// nil the weights are initialized from rng.
func NewFeedForward(cfg Config, w *Weights, rng *rand.Rand) (FeedForward, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if w == nil && rng == nil {
		return nil, fmt.Errorf("%w: neither weights nor a random source", ErrConfig)
	}

	switch cfg.mode() {
	case ModeStandard:
		mlp, err := denseBlock(cfg, w, rng)
		if err != nil {
			return nil, err
		}
		return NewStandardForward(mlp), nil
	case ModePaddingMask:
		return buildMoE(cfg, w, rng)
	case ModeFeatureDump:
		mlp, err := denseBlock(cfg, w, rng)
		if err != nil {
			return nil, err
		}
		return NewFeatureDumpingForward(mlp, cfg.Dump)
	case ModeDistribution:
		inner := cfg
		inner.ForwardMode = cfg.RecordedMode
		if inner.ForwardMode == "" {
			inner.ForwardMode = ModePaddingMask
		}
		ff, err := NewFeedForward(inner, w, rng)
		if err != nil {
			return nil, err
		}
		return NewDistributionRecordingForward(ff, NewTracker(cfg.Name, cfg.outputSize())), nil
	}
	return nil, fmt.Errorf("%w: unknown forward mode %q", ErrConfig, cfg.ForwardMode)
}

func denseBlock(cfg Config, w *Weights, rng *rand.Rand) (*layer.GLU, error) {
	if w != nil {
		if w.Dense == nil {
			return nil, fmt.Errorf("%w: %s mode needs dense weights", ErrConfig, cfg.mode())
		}
		return w.Dense, nil
	}
	act, err := activations.ByName(cfg.HiddenAct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return layer.NewGLU(cfg.HiddenSize, cfg.IntermediateSize, cfg.outputSize(), act, rng), nil
}

func buildMoE(cfg Config, w *Weights, rng *rand.Rand) (*MoEFeedForward, error) {
	var (
		gate     *TopKGate
		experts  []*layer.GLU
		residual *layer.GLU
		err      error
	)

	if w != nil {
		gate, err = TopKGateFromWeights(cfg.Gate(), w.Gate...)
		if err != nil {
			return nil, err
		}
		experts, residual = w.Experts, w.Residual
		if len(experts) != cfg.NumExperts {
			return nil, fmt.Errorf("%w: %d expert weight sets for %d experts", ErrConfig, len(experts), cfg.NumExperts)
		}
	} else {
		act, err := activations.ByName(cfg.HiddenAct)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		gate, err = NewTopKGate(cfg.Gate(), rng)
		if err != nil {
			return nil, err
		}
		experts = make([]*layer.GLU, cfg.NumExperts)
		for i := range experts {
			experts[i] = layer.NewGLU(cfg.HiddenSize, cfg.IntermediateSize, cfg.outputSize(), act, rng)
		}
		if cfg.ResidualIntermediateSize > 0 {
			residual = layer.NewGLU(cfg.HiddenSize, cfg.ResidualIntermediateSize, cfg.outputSize(), act, rng)
		}
	}

	calc, err := NewCalculator(experts, CalculatorOptions{
		Residual:         residual,
		ScoreScaleFactor: cfg.ScoreScaleFactor,
		Unweighted:       cfg.UnweightedCombine,
		Workers:          cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	return NewMoEFeedForward(gate, calc)
}

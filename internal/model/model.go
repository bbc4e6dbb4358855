// Package model stacks MoE feed-forward sublayers into a decoder-shaped
// network: token embedding, then pre-norm residual feed-forward layers,
// then a final RMS normalization. Attention is not modelled; the stack
// exists to drive the sublayers with realistic inputs and padding masks.
package model

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/moefy/internal/envconfig"
	"github.com/FlavioCFOliveira/moefy/internal/layer"
	"github.com/FlavioCFOliveira/moefy/internal/moe"
)

// ErrInputs reports a malformed Inputs value.
var ErrInputs = errors.New("model: invalid inputs")

// Config describes a Stack.
type Config struct {
	VocabSize  int
	NumLayers  int
	RMSNormEps float64
	// FFN is copied into every layer; Name is set per layer.
	// Feature dumps of layer i go below FFN.Dump.Dir/layer<i>.
	FFN moe.Config
}

// Validate checks the stack configuration.
func (c Config) Validate() error {
	switch {
	case c.VocabSize < 1:
		return fmt.Errorf("%w: vocab size %d", moe.ErrConfig, c.VocabSize)
	case c.NumLayers < 1:
		return fmt.Errorf("%w: %d layers", moe.ErrConfig, c.NumLayers)
	case c.RMSNormEps < 0:
		return fmt.Errorf("%w: negative rms norm eps %v", moe.ErrConfig, c.RMSNormEps)
	case c.FFN.OutputSize != 0 && c.FFN.OutputSize != c.FFN.HiddenSize:
		return fmt.Errorf("%w: residual stack needs output size %d, got %d", moe.ErrConfig, c.FFN.HiddenSize, c.FFN.OutputSize)
	}
	return c.FFN.Validate()
}

func (c Config) layerConfig(i int) moe.Config {
	lc := c.FFN
	lc.Name = fmt.Sprintf("layers.%d", i)
	lc.Dump.Dir = filepath.Join(cmp.Or(c.FFN.Dump.Dir, envconfig.DumpDir()), fmt.Sprintf("layer%d", i))
	return lc
}

// Layer is one pre-norm residual feed-forward block.
type Layer struct {
	Norm *layer.RMSNorm
	FFN  moe.FeedForward
}

// Stack is the embedding, the feed-forward layers and the output norm.
type Stack struct {
	cfg    Config
	embed  *layer.Embedding
	layers []Layer
	norm   *layer.RMSNorm
}

// New builds a randomly initialized stack.
func New(cfg Config, rng *rand.Rand) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hidden := cfg.FFN.HiddenSize
	s := &Stack{
		cfg:   cfg,
		embed: layer.NewEmbedding(cfg.VocabSize, hidden, rng),
		norm:  layer.NewRMSNorm(hidden, cfg.RMSNormEps),
	}
	for i := 0; i < cfg.NumLayers; i++ {
		ff, err := moe.NewFeedForward(cfg.layerConfig(i), nil, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		s.layers = append(s.layers, Layer{Norm: layer.NewRMSNorm(hidden, cfg.RMSNormEps), FFN: ff})
	}
	return s, nil
}

// Config returns the stack configuration.
func (s *Stack) Config() Config { return s.cfg }

// Layers returns the feed-forward blocks in order.
func (s *Stack) Layers() []Layer { return s.layers }

// Gates returns the router of every MoE layer, looking through
// distribution-recording wrappers. Dense layers contribute nothing.
func (s *Stack) Gates() []*moe.TopKGate {
	var gates []*moe.TopKGate
	for _, l := range s.layers {
		if m := unwrapMoE(l.FFN); m != nil {
			gates = append(gates, m.Gate())
		}
	}
	return gates
}

// Trackers returns the distribution tracker of every recording layer.
func (s *Stack) Trackers() []*moe.Tracker {
	var out []*moe.Tracker
	for _, l := range s.layers {
		if r, ok := l.FFN.(*moe.DistributionRecordingForward); ok {
			out = append(out, r.Tracker())
		}
	}
	return out
}

// AddObserver registers o with every gate of the stack.
func (s *Stack) AddObserver(o moe.Observer) {
	for _, g := range s.Gates() {
		g.AddObserver(o)
	}
}

// Flush writes the partial chunk of every feature-dumping layer.
func (s *Stack) Flush() error {
	var errs []error
	for i, l := range s.layers {
		if d, ok := l.FFN.(*moe.FeatureDumpingForward); ok {
			if err := d.Flush(); err != nil {
				errs = append(errs, fmt.Errorf("layer %d: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}

func unwrapMoE(ff moe.FeedForward) *moe.MoEFeedForward {
	for {
		switch v := ff.(type) {
		case *moe.MoEFeedForward:
			return v
		case *moe.DistributionRecordingForward:
			ff = v.Inner()
		default:
			return nil
		}
	}
}

// Inputs is one batch. Exactly one of IDs and Embeds is set. At most one of
// AttentionMask and AttentionMask4D is set; with neither every token is real.
type Inputs struct {
	IDs    [][]int
	Embeds *moe.HiddenStates

	// AttentionMask is (batch, seq) with 1 for real tokens and 0 for padding.
	AttentionMask [][]int
	// AttentionMask4D is an additive (batch, heads, query, key) mask.
	AttentionMask4D [][][][]float64
}

// Output is the result of Stack.Forward.
type Output struct {
	Hidden *moe.HiddenStates
	// BalanceLoss is the sum of every layer's balance loss.
	BalanceLoss float64
	LayerLosses []float64
}

// Forward runs the batch through every layer.
func (s *Stack) Forward(in Inputs) (*Output, error) {
	h, err := s.embedInputs(in)
	if err != nil {
		return nil, err
	}
	mask, err := derivePaddingMask(in, h.Batch, h.Seq)
	if err != nil {
		return nil, err
	}

	out := &Output{LayerLosses: make([]float64, len(s.layers))}
	for i, l := range s.layers {
		normed, err := l.Norm.Forward(h.Tokens())
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		x, err := moe.NewHiddenStates(h.Batch, h.Seq, h.Dim, normed.RawMatrix().Data)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		y, lossValue, err := l.FFN.Forward(x, mask)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		floats.Add(h.Data, y.Data)
		out.LayerLosses[i] = lossValue
		out.BalanceLoss += lossValue
	}

	final, err := s.norm.Forward(h.Tokens())
	if err != nil {
		return nil, err
	}
	out.Hidden, err = moe.NewHiddenStates(h.Batch, h.Seq, h.Dim, final.RawMatrix().Data)
	if err != nil {
		return nil, err
	}
	slog.Debug("stack forward", "batch", h.Batch, "seq", h.Seq, "real", mask.Count(), "balance_loss", out.BalanceLoss)
	return out, nil
}

func (s *Stack) embedInputs(in Inputs) (*moe.HiddenStates, error) {
	switch {
	case in.IDs != nil && in.Embeds != nil:
		return nil, fmt.Errorf("%w: both ids and embeddings given", ErrInputs)
	case in.IDs == nil && in.Embeds == nil:
		return nil, fmt.Errorf("%w: neither ids nor embeddings given", ErrInputs)
	case in.Embeds != nil:
		if in.Embeds.Dim != s.embed.Dim() {
			return nil, fmt.Errorf("%w: embeddings have %d features, want %d", ErrInputs, in.Embeds.Dim, s.embed.Dim())
		}
		return in.Embeds.Clone(), nil
	}

	if len(in.IDs) == 0 || len(in.IDs[0]) == 0 {
		return nil, fmt.Errorf("%w: empty ids", ErrInputs)
	}
	batch, seq, dim := len(in.IDs), len(in.IDs[0]), s.embed.Dim()
	h, err := moe.NewHiddenStates(batch, seq, dim, nil)
	if err != nil {
		return nil, err
	}
	for b, row := range in.IDs {
		if len(row) != seq {
			return nil, fmt.Errorf("%w: row %d has %d ids, want %d", ErrInputs, b, len(row), seq)
		}
		e, err := s.embed.Forward(row)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInputs, err)
		}
		copy(h.Data[b*seq*dim:(b+1)*seq*dim], e.RawMatrix().Data)
	}
	return h, nil
}

func derivePaddingMask(in Inputs, batch, seq int) (moe.PaddingMask, error) {
	var (
		mask moe.PaddingMask
		err  error
	)
	switch {
	case in.AttentionMask != nil && in.AttentionMask4D != nil:
		return moe.PaddingMask{}, fmt.Errorf("%w: both 2-D and 4-D attention masks given", ErrInputs)
	case in.AttentionMask4D != nil:
		mask, err = moe.MaskFrom4D(in.AttentionMask4D)
	case in.AttentionMask != nil:
		mask, err = moe.MaskFromAttention2D(in.AttentionMask)
	default:
		return moe.AllReal(batch, seq), nil
	}
	if err != nil {
		return moe.PaddingMask{}, err
	}
	if b, s := mask.Shape(); b != batch || s != seq {
		return moe.PaddingMask{}, fmt.Errorf("%w: mask is %dx%d, inputs are %dx%d", moe.ErrMaskShape, b, s, batch, seq)
	}
	return mask, nil
}

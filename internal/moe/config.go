// Package moe implements the Mixture-of-Experts feed-forward sublayer: a
// top-k gate with a load-balance loss, an expert calculator that dispatches
// token groups to their experts, and the padding-aware sublayer that ties
// them to (batch, sequence, hidden) activations.
package moe

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig reports an invalid layer configuration.
	ErrConfig = errors.New("moe: invalid configuration")

	// ErrMaskShape reports a padding mask that does not line up with the
	// tokens it should describe.
	ErrMaskShape = errors.New("moe: padding mask shape mismatch")

	// ErrShape reports activations of an unexpected shape.
	ErrShape = errors.New("moe: activation shape mismatch")

	// ErrRouting reports a malformed top-k selection.
	ErrRouting = errors.New("moe: invalid routing")
)

// ForwardMode selects the feed-forward variant built by NewFeedForward.
type ForwardMode string

const (
	// ModeStandard is the dense gated MLP; the mask is ignored and the
	// balance loss is always zero.
	ModeStandard ForwardMode = "standard"

	// ModePaddingMask is the MoE sublayer with padding-aware statistics.
	ModePaddingMask ForwardMode = "padding-mask"

	// ModeFeatureDump is the dense MLP that dumps non-padding features.
	ModeFeatureDump ForwardMode = "feature-dump"

	// ModeDistribution wraps another mode and records output statistics.
	ModeDistribution ForwardMode = "distribution"
)

// Gate network types.
const (
	GateLinear = "linear"
	GateMLP    = "mlp"
)

// GateConfig configures a TopKGate.
type GateConfig struct {
	// Name labels the gate in logs and observer callbacks.
	Name              string
	HiddenSize        int
	NumExperts        int
	TopK              int
	Network           string
	UseSoftmax        bool
	BalanceLossWeight float64
}

// Validate checks the gate configuration.
func (c GateConfig) Validate() error {
	switch {
	case c.HiddenSize < 1:
		return fmt.Errorf("%w: hidden size %d", ErrConfig, c.HiddenSize)
	case c.NumExperts < 1:
		return fmt.Errorf("%w: %d experts", ErrConfig, c.NumExperts)
	case c.TopK < 1 || c.TopK > c.NumExperts:
		return fmt.Errorf("%w: top-k %d with %d experts", ErrConfig, c.TopK, c.NumExperts)
	case c.BalanceLossWeight < 0:
		return fmt.Errorf("%w: negative balance loss weight %v", ErrConfig, c.BalanceLossWeight)
	}
	switch c.Network {
	case "", GateLinear, GateMLP:
	default:
		return fmt.Errorf("%w: unknown gate network %q", ErrConfig, c.Network)
	}
	return nil
}

// Config is the construction-time configuration of one feed-forward
// sublayer. It is immutable once the sublayer is built.
type Config struct {
	Name string `json:"-"`

	HiddenSize int `json:"hidden_size"`
	// OutputSize defaults to HiddenSize.
	OutputSize int `json:"output_size,omitempty"`
	// IntermediateSize is the per-expert size in MoE modes and the dense
	// size in the standard and feature-dump modes.
	IntermediateSize         int    `json:"intermediate_size"`
	ResidualIntermediateSize int    `json:"intermediate_size_residual,omitempty"`
	HiddenAct                string `json:"hidden_act,omitempty"`

	NumExperts            int     `json:"num_experts"`
	TopK                  int     `json:"num_experts_per_tok"`
	GateNetwork           string  `json:"gate_network,omitempty"`
	GateUseSoftmax        bool    `json:"gate_use_softmax"`
	GateBalanceLossWeight float64 `json:"gate_balance_loss_weight"`

	// ScoreScaleFactor multiplies every routing score before combining
	// expert outputs. Zero means 1.
	ScoreScaleFactor float64 `json:"score_scale_factor,omitempty"`
	// UnweightedCombine sums expert outputs without the routing scores.
	UnweightedCombine bool `json:"unweighted_combine,omitempty"`

	ForwardMode ForwardMode `json:"forward_mode,omitempty"`
	// RecordedMode is the variant wrapped by ModeDistribution.
	RecordedMode ForwardMode `json:"recorded_mode,omitempty"`

	// Workers bounds concurrent expert evaluation. Zero uses MOEFY_WORKERS.
	Workers int `json:"-"`

	Dump DumpConfig `json:"-"`
}

// DefaultConfig returns the settings used by LLaMA-MoE style conversions.
func DefaultConfig() Config {
	return Config{
		HiddenAct:             "silu",
		NumExperts:            8,
		TopK:                  2,
		GateNetwork:           GateLinear,
		GateUseSoftmax:        true,
		GateBalanceLossWeight: 0.01,
		ScoreScaleFactor:      1,
		ForwardMode:           ModePaddingMask,
		RecordedMode:          ModePaddingMask,
	}
}

// Gate returns the gate part of the configuration.
func (c Config) Gate() GateConfig {
	return GateConfig{
		Name:              c.Name,
		HiddenSize:        c.HiddenSize,
		NumExperts:        c.NumExperts,
		TopK:              c.TopK,
		Network:           c.GateNetwork,
		UseSoftmax:        c.GateUseSoftmax,
		BalanceLossWeight: c.GateBalanceLossWeight,
	}
}

func (c Config) outputSize() int {
	if c.OutputSize > 0 {
		return c.OutputSize
	}
	return c.HiddenSize
}

func (c Config) mode() ForwardMode {
	if c.ForwardMode == "" {
		return ModePaddingMask
	}
	return c.ForwardMode
}

func (c Config) usesExperts() bool {
	m := c.mode()
	if m == ModeDistribution {
		m = c.RecordedMode
		if m == "" {
			m = ModePaddingMask
		}
	}
	return m == ModePaddingMask
}

// Validate checks the configuration for the selected forward mode.
func (c Config) Validate() error {
	if c.HiddenSize < 1 {
		return fmt.Errorf("%w: hidden size %d", ErrConfig, c.HiddenSize)
	}
	if c.IntermediateSize < 1 {
		return fmt.Errorf("%w: intermediate size %d", ErrConfig, c.IntermediateSize)
	}
	if c.ResidualIntermediateSize < 0 {
		return fmt.Errorf("%w: residual intermediate size %d", ErrConfig, c.ResidualIntermediateSize)
	}
	if c.ScoreScaleFactor < 0 {
		return fmt.Errorf("%w: negative score scale factor %v", ErrConfig, c.ScoreScaleFactor)
	}

	switch c.mode() {
	case ModeStandard, ModePaddingMask:
	case ModeFeatureDump:
		if err := c.Dump.Validate(); err != nil {
			return err
		}
	case ModeDistribution:
		switch c.RecordedMode {
		case "", ModeStandard, ModePaddingMask:
		default:
			return fmt.Errorf("%w: cannot record distribution of %q", ErrConfig, c.RecordedMode)
		}
	default:
		return fmt.Errorf("%w: unknown forward mode %q", ErrConfig, c.ForwardMode)
	}

	if c.usesExperts() {
		return c.Gate().Validate()
	}
	return nil
}

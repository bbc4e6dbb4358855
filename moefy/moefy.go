// Package moefy is the public entry point to the Mixture-of-Experts sublayer,
// the model stack that drives it and the dense-to-MoE checkpoint converter.
package moefy

import (
	"context"
	"math/rand/v2"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/FlavioCFOliveira/moefy/internal/convert"
	"github.com/FlavioCFOliveira/moefy/internal/layer"
	"github.com/FlavioCFOliveira/moefy/internal/loss"
	"github.com/FlavioCFOliveira/moefy/internal/model"
	"github.com/FlavioCFOliveira/moefy/internal/moe"
	"github.com/FlavioCFOliveira/moefy/internal/monitor"
)

// Re-export common types for easier access
type (
	Config       = moe.Config
	GateConfig   = moe.GateConfig
	DumpConfig   = moe.DumpConfig
	ForwardMode  = moe.ForwardMode
	FeedForward  = moe.FeedForward
	Weights      = moe.Weights
	HiddenStates = moe.HiddenStates
	PaddingMask  = moe.PaddingMask
	Gate         = moe.TopKGate
	GateOutput   = moe.GateOutput
	GateStep     = moe.GateStep
	Observer     = moe.Observer
	Calculator   = moe.Calculator
	Distribution = moe.Distribution
	Tracker      = moe.Tracker

	Stack        = model.Stack
	StackConfig  = model.Config
	Inputs       = model.Inputs
	Output       = model.Output
	LoadOptions  = model.LoadOptions
	ConvertOpts  = convert.Options
	ConvertStats = convert.Result

	CSVLogger = monitor.CSVLogger
	Metrics   = monitor.Metrics
)

// Forward modes
const (
	ModeStandard     = moe.ModeStandard
	ModePaddingMask  = moe.ModePaddingMask
	ModeFeatureDump  = moe.ModeFeatureDump
	ModeDistribution = moe.ModeDistribution
)

// Errors
var (
	ErrConfig    = moe.ErrConfig
	ErrShape     = moe.ErrShape
	ErrMaskShape = moe.ErrMaskShape
	ErrRouting   = moe.ErrRouting
	ErrInputs    = model.ErrInputs
)

func DefaultConfig() Config {
	return moe.DefaultConfig()
}

// NewRNG returns the deterministic generator used for weight initialization.
func NewRNG(seed uint64) *rand.Rand {
	return layer.NewRNG(seed)
}

// Sublayer
func NewFeedForward(cfg Config, w *Weights, rng *rand.Rand) (FeedForward, error) {
	return moe.NewFeedForward(cfg, w, rng)
}

func NewGate(cfg GateConfig, rng *rand.Rand) (*Gate, error) {
	return moe.NewTopKGate(cfg, rng)
}

func NewHiddenStates(batch, seq, dim int, data []float64) (*HiddenStates, error) {
	return moe.NewHiddenStates(batch, seq, dim, data)
}

// Masks
func AllReal(batch, seq int) PaddingMask {
	return moe.AllReal(batch, seq)
}

func MaskFrom2D(mask [][]bool) (PaddingMask, error) {
	return moe.MaskFrom2D(mask)
}

func MaskFromAttention2D(mask [][]int) (PaddingMask, error) {
	return moe.MaskFromAttention2D(mask)
}

func MaskFrom4D(mask [][][][]float64) (PaddingMask, error) {
	return moe.MaskFrom4D(mask)
}

// Balance loss
func CVSquared(v []float64) float64 {
	return loss.CVSquared(v)
}

func MergeDistributions(a, b Distribution) (Distribution, error) {
	return moe.Merge(a, b)
}

// Model
func NewStack(cfg StackConfig, rng *rand.Rand) (*Stack, error) {
	return model.New(cfg, rng)
}

func Load(dir string, opts LoadOptions) (*Stack, error) {
	return model.Load(dir, opts)
}

// Conversion
func Convert(ctx context.Context, opts ConvertOpts) (*ConvertStats, error) {
	return convert.Convert(ctx, opts)
}

// Monitoring
func NewCSVLogger(filename string, append bool) *CSVLogger {
	return monitor.NewCSVLogger(filename, append)
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return monitor.NewMetrics(reg)
}

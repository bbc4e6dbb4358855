package moefy_test

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/moefy/moefy"
)

func stackConfig() moefy.StackConfig {
	ffn := moefy.DefaultConfig()
	ffn.HiddenSize = 8
	ffn.IntermediateSize = 4
	ffn.ResidualIntermediateSize = 2
	ffn.NumExperts = 4
	ffn.TopK = 2
	return moefy.StackConfig{VocabSize: 16, NumLayers: 2, RMSNormEps: 1e-6, FFN: ffn}
}

func TestStackRouting(t *testing.T) {
	model, err := moefy.NewStack(stackConfig(), moefy.NewRNG(1))
	require.NoError(t, err)

	dir := t.TempDir()
	logger := moefy.NewCSVLogger(filepath.Join(dir, "gates.csv"), false)
	require.NoError(t, logger.Open())
	reg := prometheus.NewRegistry()
	model.AddObserver(logger)
	model.AddObserver(moefy.NewMetrics(reg))

	attention := [][]int{{1, 1, 1, 1}, {1, 1, 0, 0}}
	mask, err := moefy.MaskFromAttention2D(attention)
	require.NoError(t, err)
	assert.Equal(t, 6, mask.Count())

	out, err := model.Forward(moefy.Inputs{IDs: [][]int{{1, 2, 3, 4}, {5, 6, 0, 0}}, AttentionMask: attention})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Hidden.Batch)
	assert.Equal(t, 4, out.Hidden.Seq)
	require.Len(t, out.LayerLosses, 2)
	assert.InDelta(t, floats.Sum(out.LayerLosses), out.BalanceLoss, 1e-12)

	gates := model.Gates()
	require.Len(t, gates, 2)
	for _, g := range gates {
		snap := g.Stats().Snapshot()
		assert.Equal(t, 1, snap.Calls)
		assert.Equal(t, mask.Count(), snap.Samples)
		assert.Equal(t, float64(mask.Count()*2), floats.Sum(snap.LoadSum))
	}

	require.NoError(t, logger.Close())
	f, err := os.Open(filepath.Join(dir, "gates.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3)

	n, err := testutil.GatherAndCount(reg, "moefy_gate_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = model.Forward(moefy.Inputs{})
	assert.ErrorIs(t, err, moefy.ErrInputs)
}

func TestSublayer(t *testing.T) {
	cfg := stackConfig().FFN
	ff, err := moefy.NewFeedForward(cfg, nil, moefy.NewRNG(2))
	require.NoError(t, err)

	h, err := moefy.NewHiddenStates(1, 3, 8, nil)
	require.NoError(t, err)
	for i := range h.Data {
		h.Data[i] = math.Sin(float64(i))
	}

	padded, err := moefy.MaskFrom2D([][]bool{{true, true, false}})
	require.NoError(t, err)
	y, loss, err := ff.Forward(h, padded)
	require.NoError(t, err)
	assert.Equal(t, 8, y.Dim)
	assert.GreaterOrEqual(t, loss, 0.0)

	_, _, err = ff.Forward(h, moefy.AllReal(3, 1))
	assert.ErrorIs(t, err, moefy.ErrMaskShape)

	inf := math.Inf(-1)
	causal, err := moefy.MaskFrom4D([][][][]float64{{{{0, inf, inf}, {0, 0, inf}, {0, 0, 0}}}})
	require.NoError(t, err)
	assert.Equal(t, 3, causal.Count())

	cfg.TopK = 9
	_, err = moefy.NewFeedForward(cfg, nil, moefy.NewRNG(2))
	assert.ErrorIs(t, err, moefy.ErrConfig)
}

func TestGate(t *testing.T) {
	g, err := moefy.NewGate(moefy.GateConfig{Name: "g", HiddenSize: 2, NumExperts: 3, TopK: 1, UseSoftmax: true}, moefy.NewRNG(3))
	require.NoError(t, err)

	out, err := g.Forward(mat.NewDense(2, 2, []float64{1, 0, 0, 1}), moefy.AllReal(1, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, out.K)
	assert.Len(t, out.Indices, 2)
	// One expert per token with softmax over a single score.
	assert.Equal(t, []float64{1, 1}, out.Scores)
}

func TestStatistics(t *testing.T) {
	assert.Zero(t, moefy.CVSquared([]float64{2, 2, 2}))
	// mean 2, unbiased variance 2
	assert.InDelta(t, 0.5, moefy.CVSquared([]float64{1, 3}), 1e-12)

	merged, err := moefy.MergeDistributions(
		moefy.Distribution{Count: 2, Mean: []float64{1}, Variance: []float64{0}},
		moefy.Distribution{Count: 2, Mean: []float64{3}, Variance: []float64{0}},
	)
	require.NoError(t, err)
	assert.Equal(t, 4, merged.Count)
	assert.InDelta(t, 2, merged.Mean[0], 1e-12)
	assert.InDelta(t, 1, merged.Variance[0], 1e-12)
}

func TestLoadAndConvertErrors(t *testing.T) {
	_, err := moefy.Load(t.TempDir(), moefy.LoadOptions{})
	assert.Error(t, err)

	_, err = moefy.Convert(context.Background(), moefy.ConvertOpts{})
	assert.ErrorContains(t, err, "--model")
}

package moe

import (
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/moefy/internal/layer"
	"github.com/FlavioCFOliveira/moefy/internal/loss"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

// identityGate returns a linear gate whose logits equal its input.
func identityGate(t *testing.T, experts, k int, softmax bool) *TopKGate {
	t.Helper()
	w := mat.NewDense(experts, experts, nil)
	for i := 0; i < experts; i++ {
		w.Set(i, i, 1)
	}
	g, err := TopKGateFromWeights(GateConfig{
		Name:              "test",
		HiddenSize:        experts,
		NumExperts:        experts,
		TopK:              k,
		UseSoftmax:        softmax,
		BalanceLossWeight: 0.01,
	}, w)
	require.NoError(t, err)
	return g
}

// scenarioLogits has top-2 pairs whose softmax is either 0.75/0.25
// (logit gap ln 3) or an exact tie.
func scenarioLogits() *mat.Dense {
	l := math.Log(3)
	return mat.NewDense(8, 4, []float64{
		l, 0, -5, -5,
		l, 0, -5, -5,
		0, l, -5, -5,
		-5, -5, l, 0,
		-5, -5, 0, l,
		1, -5, 1, -5,
		1, 1, -5, -5,
		-5, 2, -5, 2,
	})
}

func TestGateScenarioAllReal(t *testing.T) {
	g := identityGate(t, 4, 2, true)
	out, err := g.Forward(scenarioLogits(), AllReal(1, 8))
	require.NoError(t, err)

	wantScattered := []float64{
		0.75, 0.25, 0, 0,
		0.75, 0.25, 0, 0,
		0.25, 0.75, 0, 0,
		0, 0, 0.75, 0.25,
		0, 0, 0.25, 0.75,
		0.5, 0, 0.5, 0,
		0.5, 0.5, 0, 0,
		0, 0.5, 0, 0.5,
	}
	if diff := cmp.Diff(wantScattered, out.Scattered.RawMatrix().Data, approx); diff != "" {
		t.Errorf("scattered scores mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{2.75, 2.25, 1.5, 1.5}, out.Importance, approx); diff != "" {
		t.Errorf("importance mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float64{5, 5, 3, 3}, out.Load)

	// cv²(importance) = 0.375/4, cv²(load) = (4/3)/16
	assert.InDelta(t, 0.01*0.09375, out.ImportanceLoss, 1e-12)
	assert.InDelta(t, 0.01/12, out.LoadLoss, 1e-12)
	assert.InDelta(t, 0.01*(0.09375+1.0/12), out.BalanceLoss, 1e-12)

	// Ties keep the lower expert index first.
	idx, _ := out.Selection(5)
	assert.Equal(t, []int{0, 2}, idx)
	idx, _ = out.Selection(7)
	assert.Equal(t, []int{1, 3}, idx)
}

func TestGateScenarioPadding(t *testing.T) {
	x := scenarioLogits()
	// Padding rows get logits that would dominate every accumulator.
	for r := 4; r < 8; r++ {
		x.SetRow(r, []float64{100, -100, -100, 90})
	}
	mask := NewPaddingMask([]bool{true, true, true, true, false, false, false, false})

	g := identityGate(t, 4, 2, true)
	out, err := g.Forward(x, mask)
	require.NoError(t, err)

	importance := []float64{1.75, 1.25, 0.75, 0.25}
	load := []float64{3, 3, 1, 1}
	if diff := cmp.Diff(importance, out.Importance, approx); diff != "" {
		t.Errorf("importance mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, load, out.Load)
	assert.InDelta(t, loss.Balance{Weight: 0.01}.Total(importance, load), out.BalanceLoss, 1e-12)

	// Same result as routing only the real tokens.
	ref, err := identityGate(t, 4, 2, true).Forward(mat.DenseCopyOf(x.Slice(0, 4, 0, 4)), AllReal(1, 4))
	require.NoError(t, err)
	if diff := cmp.Diff(ref.Importance, out.Importance, approx); diff != "" {
		t.Errorf("padding leaked into importance (-real-only +masked):\n%s", diff)
	}
	assert.InDelta(t, ref.BalanceLoss, out.BalanceLoss, 1e-12)

	snap := g.Stats().Snapshot()
	assert.Equal(t, 4, snap.Samples)
	assert.Equal(t, load, snap.LoadSum)
}

func TestGateScenarioAllExperts(t *testing.T) {
	g := identityGate(t, 4, 4, true)
	mask := NewPaddingMask([]bool{true, false, true, true, true, false, true, true})
	out, err := g.Forward(scenarioLogits(), mask)
	require.NoError(t, err)

	assert.Equal(t, []float64{6, 6, 6, 6}, out.Load)
	assert.Zero(t, out.LoadLoss)
	assert.InDelta(t, 6, floats.Sum(out.Importance), 1e-9)
}

func TestGateScoresSumToOne(t *testing.T) {
	rng := layer.NewRNG(7)
	g, err := NewTopKGate(GateConfig{HiddenSize: 6, NumExperts: 5, TopK: 3, UseSoftmax: true}, rng)
	require.NoError(t, err)

	x := mat.NewDense(10, 6, nil)
	for i := 0; i < 10; i++ {
		for j := 0; j < 6; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	out, err := g.Forward(x, AllReal(2, 5))
	require.NoError(t, err)

	for tok := 0; tok < 10; tok++ {
		idx, scores := out.Selection(tok)
		assert.InDelta(t, 1, floats.Sum(scores), 1e-9)

		seen := map[int]bool{}
		for _, e := range idx {
			assert.False(t, seen[e], "token %d selects expert %d twice", tok, e)
			seen[e] = true
		}

		// Selected experts carry the largest logits.
		row := out.Logits.RawRowView(tok)
		minSelected := math.Inf(1)
		for _, e := range idx {
			minSelected = math.Min(minSelected, row[e])
		}
		for e, v := range row {
			if !seen[e] {
				assert.LessOrEqual(t, v, minSelected)
			}
		}
	}
}

func TestGateRawLogits(t *testing.T) {
	g := identityGate(t, 4, 2, false)
	out, err := g.Forward(mat.NewDense(1, 4, []float64{0.3, -1, 2, 0.1}), AllReal(1, 1))
	require.NoError(t, err)

	idx, scores := out.Selection(0)
	assert.Equal(t, []int{2, 0}, idx)
	assert.Equal(t, []float64{2, 0.3}, scores)
}

func TestGateMLP(t *testing.T) {
	g, err := NewTopKGate(GateConfig{HiddenSize: 3, NumExperts: 4, TopK: 1, Network: GateMLP, UseSoftmax: true}, layer.NewRNG(1))
	require.NoError(t, err)
	assert.Len(t, g.Network(), 2)

	out, err := g.Forward(mat.NewDense(2, 3, []float64{1, 2, 3, -1, 0, 1}), AllReal(1, 2))
	require.NoError(t, err)
	for tok := 0; tok < 2; tok++ {
		_, scores := out.Selection(tok)
		assert.InDelta(t, 1, scores[0], 1e-12)
	}
}

func TestGateErrors(t *testing.T) {
	g := identityGate(t, 4, 2, true)

	_, err := g.Forward(mat.NewDense(2, 3, nil), AllReal(1, 2))
	assert.ErrorIs(t, err, ErrShape)

	_, err = g.Forward(mat.NewDense(2, 4, nil), AllReal(1, 3))
	assert.ErrorIs(t, err, ErrMaskShape)

	_, err = TopKGateFromWeights(GateConfig{HiddenSize: 4, NumExperts: 4, TopK: 2}, mat.NewDense(3, 4, nil))
	assert.ErrorIs(t, err, ErrConfig)

	_, err = TopKGateFromWeights(GateConfig{HiddenSize: 4, NumExperts: 4, TopK: 2, Network: GateMLP}, mat.NewDense(4, 4, nil))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestGateConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  GateConfig
		ok   bool
	}{
		{"valid", GateConfig{HiddenSize: 8, NumExperts: 4, TopK: 2}, true},
		{"k equals experts", GateConfig{HiddenSize: 8, NumExperts: 4, TopK: 4}, true},
		{"k too large", GateConfig{HiddenSize: 8, NumExperts: 4, TopK: 5}, false},
		{"k zero", GateConfig{HiddenSize: 8, NumExperts: 4}, false},
		{"no experts", GateConfig{HiddenSize: 8, TopK: 1}, false},
		{"negative weight", GateConfig{HiddenSize: 8, NumExperts: 4, TopK: 1, BalanceLossWeight: -1}, false},
		{"unknown network", GateConfig{HiddenSize: 8, NumExperts: 4, TopK: 1, Network: "conv"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrConfig)
			}
		})
	}
}

func TestGateSharedBetweenGoroutines(t *testing.T) {
	const (
		workers = 8
		calls   = 25
	)
	g := identityGate(t, 4, 2, true)
	x := scenarioLogits()
	mask := NewPaddingMask([]bool{true, true, false, true, true, true, false, true})

	ref, err := identityGate(t, 4, 2, true).Forward(x, mask)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, workers*calls)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				if _, err := g.Forward(x, mask); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	n := float64(workers * calls)
	snap := g.Stats().Snapshot()
	assert.Equal(t, workers*calls, snap.Calls)
	assert.Equal(t, workers*calls*mask.Count(), snap.Samples)
	for e := range snap.LoadSum {
		assert.InDelta(t, n*ref.Load[e], snap.LoadSum[e], 1e-9, "expert %d", e)
		assert.InDelta(t, n*ref.Importance[e], snap.ImportanceSum[e], 1e-9, "expert %d", e)
	}
}

type recorder struct{ steps []GateStep }

func (r *recorder) ObserveGate(step GateStep) { r.steps = append(r.steps, step) }

func TestGateStatsAndObservers(t *testing.T) {
	g := identityGate(t, 4, 2, true)
	rec := &recorder{}
	g.AddObserver(rec)

	x := scenarioLogits()
	for i := 0; i < 3; i++ {
		_, err := g.Forward(x, AllReal(2, 4))
		require.NoError(t, err)
	}

	snap := g.Stats().Snapshot()
	assert.Equal(t, 3, snap.Calls)
	assert.Equal(t, 24, snap.Samples)
	assert.Equal(t, []float64{15, 15, 9, 9}, snap.LoadSum)
	assert.InDelta(t, 3*0.01*0.09375, snap.ImportanceLossSum, 1e-12)

	require.Len(t, rec.steps, 3)
	assert.Equal(t, "test", rec.steps[0].Gate)
	assert.Equal(t, 8, rec.steps[0].Tokens)

	// Snapshots are detached from the accumulators.
	snap.LoadSum[0] = -1
	assert.Equal(t, 15.0, g.Stats().Snapshot().LoadSum[0])

	g.Stats().Reset()
	snap = g.Stats().Snapshot()
	assert.Zero(t, snap.Calls)
	assert.Zero(t, snap.Samples)
	assert.Equal(t, []float64{0, 0, 0, 0}, snap.ImportanceSum)
}

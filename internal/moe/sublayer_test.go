package moe

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/moefy/internal/layer"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "layers.0"
	cfg.HiddenSize = 6
	cfg.IntermediateSize = 3
	cfg.NumExperts = 4
	cfg.TopK = 2
	cfg.Workers = 2
	return cfg
}

func randomStates(t *testing.T, batch, seq, dim int, seed uint64) *HiddenStates {
	t.Helper()
	h, err := NewHiddenStates(batch, seq, dim, nil)
	require.NoError(t, err)
	rng := layer.NewRNG(seed)
	for i := range h.Data {
		h.Data[i] = rng.NormFloat64()
	}
	return h
}

func TestMoEFeedForwardShape(t *testing.T) {
	cfg := testConfig()
	cfg.OutputSize = 5
	ff, err := NewFeedForward(cfg, nil, layer.NewRNG(1))
	require.NoError(t, err)
	require.IsType(t, &MoEFeedForward{}, ff)

	h := randomStates(t, 2, 3, 6, 2)
	y, l, err := ff.Forward(h, AllReal(2, 3))
	require.NoError(t, err)
	assert.Equal(t, 2, y.Batch)
	assert.Equal(t, 3, y.Seq)
	assert.Equal(t, 5, y.Dim)
	assert.GreaterOrEqual(t, l, 0.0)

	_, _, err = ff.Forward(h, AllReal(1, 3))
	assert.ErrorIs(t, err, ErrMaskShape)
}

func TestFeedForwardMaskLayout(t *testing.T) {
	h := randomStates(t, 2, 4, 6, 12)

	// Same token count, transposed layout.
	transposed, err := MaskFrom2D([][]bool{{true, true}, {true, false}, {true, true}, {false, true}})
	require.NoError(t, err)
	flat := NewPaddingMask([]bool{true, true, true, false, true, true, false, false})

	for _, mode := range []ForwardMode{ModePaddingMask, ModeFeatureDump, ModeDistribution} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := testConfig()
			cfg.ForwardMode = mode
			cfg.Dump = DumpConfig{Dir: t.TempDir(), SaveInterval: 10, Template: TemplateGateProj}
			ff, err := NewFeedForward(cfg, nil, layer.NewRNG(13))
			require.NoError(t, err)

			_, _, err = ff.Forward(h, transposed)
			assert.ErrorIs(t, err, ErrMaskShape)

			_, _, err = ff.Forward(h, flat)
			assert.NoError(t, err)
		})
	}
}

func TestMoEFeedForwardMatchesComponents(t *testing.T) {
	ff, err := NewFeedForward(testConfig(), nil, layer.NewRNG(3))
	require.NoError(t, err)
	sub := ff.(*PaddingMaskAwareForward)

	h := randomStates(t, 2, 4, 6, 4)
	mask, err := MaskFrom2D([][]bool{{true, true, true, false}, {true, true, false, false}})
	require.NoError(t, err)

	y, l, err := sub.Forward(h, mask)
	require.NoError(t, err)

	route, err := sub.Gate().Forward(h.Tokens(), mask)
	require.NoError(t, err)
	want, err := sub.Calculator().Forward(h.Tokens(), route.Indices, route.Scores, route.K)
	require.NoError(t, err)

	if diff := cmp.Diff(want.RawMatrix().Data, y.Data, approx); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, route.BalanceLoss, l, 1e-12)
}

// Real tokens' outputs and the loss do not depend on how much padding
// surrounds them.
func TestMoEFeedForwardPaddingInvariance(t *testing.T) {
	ff, err := NewFeedForward(testConfig(), nil, layer.NewRNG(5))
	require.NoError(t, err)

	short := randomStates(t, 1, 3, 6, 6)
	_, lossReal, err := ff.Forward(short, AllReal(1, 3))
	require.NoError(t, err)

	padded := randomStates(t, 1, 7, 6, 7)
	copy(padded.Data, short.Data)
	y, lossPadded, err := ff.Forward(padded, NewPaddingMask([]bool{true, true, true, false, false, false, false}))
	require.NoError(t, err)

	yReal, _, err := ff.Forward(short, AllReal(1, 3))
	require.NoError(t, err)
	if diff := cmp.Diff(yReal.Data, y.Data[:3*6], approx); diff != "" {
		t.Errorf("real token outputs changed (-want +got):\n%s", diff)
	}
	assert.InDelta(t, lossReal, lossPadded, 1e-12)
}

func TestStandardForward(t *testing.T) {
	cfg := testConfig()
	cfg.ForwardMode = ModeStandard
	cfg.IntermediateSize = 8
	ff, err := NewFeedForward(cfg, nil, layer.NewRNG(8))
	require.NoError(t, err)
	std := ff.(*StandardForward)

	h := randomStates(t, 2, 2, 6, 9)
	y, l, err := std.Forward(h, PaddingMask{})
	require.NoError(t, err)
	assert.Zero(t, l)

	want := std.MLP().Forward(h.Tokens())
	if diff := cmp.Diff(want.RawMatrix().Data, y.Data, approx); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestDistributionRecordingForward(t *testing.T) {
	cfg := testConfig()
	cfg.ForwardMode = ModeDistribution
	cfg.RecordedMode = ModeStandard
	ff, err := NewFeedForward(cfg, nil, layer.NewRNG(10))
	require.NoError(t, err)
	rec := ff.(*DistributionRecordingForward)
	assert.IsType(t, &StandardForward{}, rec.Inner())

	h := randomStates(t, 1, 4, 6, 11)
	mask := NewPaddingMask([]bool{true, false, true, true})
	y, _, err := rec.Forward(h, mask)
	require.NoError(t, err)

	want, err := BatchDistribution(y.Tokens(), mask)
	require.NoError(t, err)
	got := rec.Tracker().Snapshot()
	assert.Equal(t, 3, got.Count)
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("distribution mismatch (-want +got):\n%s", diff)
	}
}

func TestNewFeedForwardFromWeights(t *testing.T) {
	cfg := testConfig()
	cfg.ResidualIntermediateSize = 2

	gate := mat.NewDense(4, 6, nil)
	for i := 0; i < 4; i++ {
		gate.Set(i, i, 1)
	}
	w := &Weights{
		Gate:     []*mat.Dense{gate},
		Experts:  randomExperts(4, 6, 3, 6, 12),
		Residual: randomExperts(1, 6, 2, 6, 13)[0],
	}
	ff, err := NewFeedForward(cfg, w, nil)
	require.NoError(t, err)
	sub := ff.(*MoEFeedForward)
	assert.Same(t, w.Residual, sub.Calculator().Residual())

	w.Experts = w.Experts[:3]
	_, err = NewFeedForward(cfg, w, nil)
	assert.ErrorIs(t, err, ErrConfig)

	cfg.ForwardMode = ModeStandard
	_, err = NewFeedForward(cfg, &Weights{}, nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"no hidden", func(c *Config) { c.HiddenSize = 0 }, false},
		{"no intermediate", func(c *Config) { c.IntermediateSize = 0 }, false},
		{"k above experts", func(c *Config) { c.TopK = 5 }, false},
		{"dense ignores gate", func(c *Config) { c.ForwardMode = ModeStandard; c.TopK = 0 }, true},
		{"unknown mode", func(c *Config) { c.ForwardMode = "sparse" }, false},
		{"record a dump", func(c *Config) { c.ForwardMode = ModeDistribution; c.RecordedMode = ModeFeatureDump }, false},
		{"dump without interval", func(c *Config) { c.ForwardMode = ModeFeatureDump; c.Dump.Template = TemplateGateProj }, false},
		{"dump", func(c *Config) {
			c.ForwardMode = ModeFeatureDump
			c.Dump = DumpConfig{SaveInterval: 2, Template: TemplateUpProj}
		}, true},
		{"negative scale", func(c *Config) { c.ScoreScaleFactor = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrConfig)
			}
		})
	}

	_, err := NewFeedForward(testConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrConfig)
}

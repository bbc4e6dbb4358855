package model

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/moefy/internal/activations"
	"github.com/FlavioCFOliveira/moefy/internal/layer"
	"github.com/FlavioCFOliveira/moefy/internal/moe"
	"github.com/FlavioCFOliveira/moefy/internal/safetensors"
)

func testConfig() Config {
	ffn := moe.DefaultConfig()
	ffn.HiddenSize = 4
	ffn.IntermediateSize = 2
	ffn.ResidualIntermediateSize = 2
	ffn.NumExperts = 3
	ffn.TopK = 2
	ffn.Workers = 2
	return Config{VocabSize: 10, NumLayers: 2, RMSNormEps: 1e-6, FFN: ffn}
}

func newStack(t *testing.T, cfg Config) *Stack {
	t.Helper()
	s, err := New(cfg, layer.NewRNG(7))
	require.NoError(t, err)
	return s
}

type recorder struct{ steps []moe.GateStep }

func (r *recorder) ObserveGate(step moe.GateStep) { r.steps = append(r.steps, step) }

func TestForward(t *testing.T) {
	s := newStack(t, testConfig())
	rec := &recorder{}
	s.AddObserver(rec)

	out, err := s.Forward(Inputs{
		IDs:           [][]int{{1, 2, 3}, {4, 5, 0}},
		AttentionMask: [][]int{{1, 1, 1}, {1, 1, 0}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, out.Hidden.Batch)
	assert.Equal(t, 3, out.Hidden.Seq)
	assert.Equal(t, 4, out.Hidden.Dim)
	require.Len(t, out.LayerLosses, 2)
	assert.InDelta(t, out.LayerLosses[0]+out.LayerLosses[1], out.BalanceLoss, 1e-15)

	require.Len(t, rec.steps, 2)
	assert.Equal(t, "layers.0", rec.steps[0].Gate)
	assert.Equal(t, "layers.1", rec.steps[1].Gate)
	for _, step := range rec.steps {
		assert.Equal(t, 5, step.Tokens)
	}
	assert.Len(t, s.Gates(), 2)
	assert.Empty(t, s.Trackers())
}

func TestForwardIgnoresPadding(t *testing.T) {
	s := newStack(t, testConfig())

	padded, err := s.Forward(Inputs{
		IDs:           [][]int{{1, 2, 3, 4}, {5, 6, 0, 0}},
		AttentionMask: [][]int{{1, 1, 1, 1}, {1, 1, 0, 0}},
	})
	require.NoError(t, err)
	flat, err := s.Forward(Inputs{IDs: [][]int{{1, 2, 3, 4, 5, 6}}})
	require.NoError(t, err)

	assert.InDelta(t, flat.BalanceLoss, padded.BalanceLoss, 1e-12)
	for i := 0; i < 4; i++ {
		assert.InDeltaSlice(t, flat.Hidden.At(0, i), padded.Hidden.At(0, i), 1e-12)
	}
	for i := 0; i < 2; i++ {
		assert.InDeltaSlice(t, flat.Hidden.At(0, 4+i), padded.Hidden.At(1, i), 1e-12)
	}
}

func TestForward4DMask(t *testing.T) {
	s := newStack(t, testConfig())
	inf := -1e9
	// Left padding with a causal mask: key 0 of batch 1 is never attended.
	mask := [][][][]float64{
		{{{0, inf, inf}, {0, 0, inf}, {0, 0, 0}}},
		{{{inf, inf, inf}, {inf, 0, inf}, {inf, 0, 0}}},
	}
	out4, err := s.Forward(Inputs{IDs: [][]int{{1, 2, 3}, {0, 4, 5}}, AttentionMask4D: mask})
	require.NoError(t, err)
	out2, err := s.Forward(Inputs{IDs: [][]int{{1, 2, 3}, {0, 4, 5}}, AttentionMask: [][]int{{1, 1, 1}, {0, 1, 1}}})
	require.NoError(t, err)
	assert.InDelta(t, out2.BalanceLoss, out4.BalanceLoss, 1e-15)
}

func TestForwardEmbeds(t *testing.T) {
	s := newStack(t, testConfig())
	ids := [][]int{{3, 1, 4}}

	e, err := s.embed.Forward(ids[0])
	require.NoError(t, err)
	h, err := moe.NewHiddenStates(1, 3, 4, mat.DenseCopyOf(e).RawMatrix().Data)
	require.NoError(t, err)

	byID, err := s.Forward(Inputs{IDs: ids})
	require.NoError(t, err)
	byEmbed, err := s.Forward(Inputs{Embeds: h})
	require.NoError(t, err)
	assert.Equal(t, byID.Hidden.Data, byEmbed.Hidden.Data)
	assert.Equal(t, byID.BalanceLoss, byEmbed.BalanceLoss)

	// The caller's embeddings are left untouched.
	assert.Equal(t, e.RawMatrix().Data, h.Data)
}

func TestForwardErrors(t *testing.T) {
	s := newStack(t, testConfig())
	h, err := moe.NewHiddenStates(1, 2, 4, nil)
	require.NoError(t, err)
	wide, err := moe.NewHiddenStates(1, 2, 5, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		in   Inputs
		want error
	}{
		{"neither", Inputs{}, ErrInputs},
		{"both", Inputs{IDs: [][]int{{1, 2}}, Embeds: h}, ErrInputs},
		{"empty ids", Inputs{IDs: [][]int{}}, ErrInputs},
		{"ragged ids", Inputs{IDs: [][]int{{1, 2}, {3}}}, ErrInputs},
		{"id out of range", Inputs{IDs: [][]int{{1, 10}}}, ErrInputs},
		{"embed width", Inputs{Embeds: wide}, ErrInputs},
		{"both masks", Inputs{IDs: [][]int{{1, 2}}, AttentionMask: [][]int{{1, 1}}, AttentionMask4D: [][][][]float64{{{{0, 0}}}}}, ErrInputs},
		{"mask shape", Inputs{IDs: [][]int{{1, 2}}, AttentionMask: [][]int{{1, 1, 1}}}, moe.ErrMaskShape},
		{"ragged mask", Inputs{IDs: [][]int{{1, 2}, {3, 4}}, AttentionMask: [][]int{{1, 1}, {1}}}, moe.ErrMaskShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Forward(tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"vocab":       func(c *Config) { c.VocabSize = 0 },
		"layers":      func(c *Config) { c.NumLayers = 0 },
		"eps":         func(c *Config) { c.RMSNormEps = -1 },
		"output size": func(c *Config) { c.FFN.OutputSize = 3 },
		"ffn":         func(c *Config) { c.FFN.TopK = 4 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), moe.ErrConfig)
		})
	}
}

// checkpoint holds float32-exact weights so a loaded stack can be compared
// with one assembled directly from the same matrices.
type checkpoint struct {
	rng     *rand.Rand
	tensors []*safetensors.Tensor
}

func (c *checkpoint) matrix(t *testing.T, name string, r, cols int) *mat.Dense {
	t.Helper()
	data := make([]float64, r*cols)
	for i := range data {
		data[i] = float64(float32(c.rng.NormFloat64() * 0.5))
	}
	m := mat.NewDense(r, cols, data)
	st, err := safetensors.FromMatrix(name, safetensors.F32, m)
	require.NoError(t, err)
	c.tensors = append(c.tensors, st)
	return m
}

func (c *checkpoint) vector(t *testing.T, name string, n int) []float64 {
	t.Helper()
	data := make([]float32, n)
	out := make([]float64, n)
	for i := range data {
		data[i] = float32(1 + 0.1*c.rng.NormFloat64())
		out[i] = float64(data[i])
	}
	st, err := safetensors.FromFloat32(name, safetensors.F32, []int{n}, data)
	require.NoError(t, err)
	c.tensors = append(c.tensors, st)
	return out
}

func (c *checkpoint) glu(t *testing.T, prefix, gate, up, down string, in, hidden int) *layer.GLU {
	t.Helper()
	g := c.matrix(t, prefix+gate, hidden, in)
	u := c.matrix(t, prefix+up, hidden, in)
	d := c.matrix(t, prefix+down, in, hidden)
	blk, err := layer.GLUFromWeights(g, u, d, activations.SiLU{})
	require.NoError(t, err)
	return blk
}

func writeConfig(t *testing.T, dir string, cfg map[string]any) {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), b, 0o644))
}

// writeMoECheckpoint writes a modulelist conversion of testConfig and
// returns the stack it describes.
func writeMoECheckpoint(t *testing.T, dir string) *Stack {
	t.Helper()
	cfg := testConfig()
	h := cfg.FFN.HiddenSize
	c := &checkpoint{rng: layer.NewRNG(11)}

	want := &Stack{cfg: cfg}
	want.embed = layer.EmbeddingFromWeights(c.matrix(t, "model.embed_tokens.weight", cfg.VocabSize, h))
	want.norm = layer.RMSNormFromWeights(c.vector(t, "model.norm.weight", h), cfg.RMSNormEps)
	for i := 0; i < cfg.NumLayers; i++ {
		prefix := fmt.Sprintf("model.layers.%d.", i)
		norm := layer.RMSNormFromWeights(c.vector(t, prefix+"post_attention_layernorm.weight", h), cfg.RMSNormEps)

		sparse := prefix + "block_sparse_moe."
		w := &moe.Weights{Gate: []*mat.Dense{c.matrix(t, sparse+"gate.weight", cfg.FFN.NumExperts, h)}}
		for e := 0; e < cfg.FFN.NumExperts; e++ {
			p := fmt.Sprintf("%sexperts.%d.", sparse, e)
			w.Experts = append(w.Experts, c.glu(t, p, "w1.weight", "w3.weight", "w2.weight", h, cfg.FFN.IntermediateSize))
		}
		w.Residual = c.glu(t, sparse+"residual_block.", "w1.weight", "w3.weight", "w2.weight", h, cfg.FFN.ResidualIntermediateSize)

		ff, err := moe.NewFeedForward(cfg.layerConfig(i), w, nil)
		require.NoError(t, err)
		want.layers = append(want.layers, Layer{Norm: norm, FFN: ff})
	}
	// Attention weights are carried by conversions but unused here.
	c.matrix(t, "model.layers.0.self_attn.q_proj.weight", h, h)

	require.NoError(t, safetensors.WriteFile(filepath.Join(dir, WeightsFile), c.tensors, nil))
	writeConfig(t, dir, map[string]any{
		"architectures":              []string{"LlamaForCausalLM"},
		"hidden_size":                h,
		"intermediate_size":          cfg.FFN.IntermediateSize,
		"intermediate_size_residual": cfg.FFN.ResidualIntermediateSize,
		"dense_intermediate_size":    8,
		"num_hidden_layers":          cfg.NumLayers,
		"num_experts":                cfg.FFN.NumExperts,
		"num_local_experts":          cfg.FFN.NumExperts,
		"num_experts_per_tok":        cfg.FFN.TopK,
		"moe_type":                   "modulelist",
		"gate_network":               "linear",
		"gate_use_softmax":           true,
		"gate_balance_loss_weight":   0.01,
		"score_scale_factor":         1.0,
		"hidden_act":                 "silu",
		"rms_norm_eps":               cfg.RMSNormEps,
		"vocab_size":                 cfg.VocabSize,
	})
	return want
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	want := writeMoECheckpoint(t, dir)

	got, err := Load(dir, LoadOptions{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Config().NumLayers)
	assert.Equal(t, 3, got.Config().FFN.NumExperts)
	require.Len(t, got.Gates(), 2)
	assert.Equal(t, "layers.1", got.Gates()[1].Config().Name)

	in := Inputs{
		IDs:           [][]int{{1, 2, 3}, {7, 8, 0}},
		AttentionMask: [][]int{{1, 1, 1}, {1, 1, 0}},
	}
	wantOut, err := want.Forward(in)
	require.NoError(t, err)
	gotOut, err := got.Forward(in)
	require.NoError(t, err)
	assert.InDeltaSlice(t, wantOut.Hidden.Data, gotOut.Hidden.Data, 1e-12)
	assert.InDelta(t, wantOut.BalanceLoss, gotOut.BalanceLoss, 1e-12)
	assert.Positive(t, gotOut.BalanceLoss)
}

func TestLoadDistributionMode(t *testing.T) {
	dir := t.TempDir()
	writeMoECheckpoint(t, dir)

	s, err := Load(dir, LoadOptions{ForwardMode: moe.ModeDistribution})
	require.NoError(t, err)
	require.Len(t, s.Trackers(), 2)
	require.Len(t, s.Gates(), 2)

	_, err = s.Forward(Inputs{
		IDs:           [][]int{{1, 2, 3}, {7, 8, 0}},
		AttentionMask: [][]int{{1, 1, 1}, {1, 1, 0}},
	})
	require.NoError(t, err)
	for _, tr := range s.Trackers() {
		assert.Equal(t, 5, tr.Snapshot().Count)
	}
}

func TestLoadDense(t *testing.T) {
	dir := t.TempDir()
	c := &checkpoint{rng: layer.NewRNG(3)}
	c.matrix(t, "model.embed_tokens.weight", 10, 4)
	c.vector(t, "model.norm.weight", 4)
	c.vector(t, "model.layers.0.post_attention_layernorm.weight", 4)
	c.glu(t, "model.layers.0.mlp.", "gate_proj.weight", "up_proj.weight", "down_proj.weight", 4, 8)
	require.NoError(t, safetensors.WriteFile(filepath.Join(dir, WeightsFile), c.tensors, nil))
	writeConfig(t, dir, map[string]any{
		"hidden_size":       4,
		"intermediate_size": 8,
		"num_hidden_layers": 1,
		"hidden_act":        "silu",
		"rms_norm_eps":      1e-6,
		"vocab_size":        10,
	})

	s, err := Load(dir, LoadOptions{})
	require.NoError(t, err)
	assert.Empty(t, s.Gates())
	out, err := s.Forward(Inputs{IDs: [][]int{{1, 2}}})
	require.NoError(t, err)
	assert.Zero(t, out.BalanceLoss)

	// A dense checkpoint has no router to run in MoE mode.
	_, err = Load(dir, LoadOptions{ForwardMode: moe.ModePaddingMask})
	assert.ErrorIs(t, err, moe.ErrConfig)
}

func TestLoadFeatureDump(t *testing.T) {
	dir := t.TempDir()
	c := &checkpoint{rng: layer.NewRNG(5)}
	c.matrix(t, "model.embed_tokens.weight", 10, 4)
	c.vector(t, "model.norm.weight", 4)
	for i := 0; i < 2; i++ {
		p := fmt.Sprintf("model.layers.%d.", i)
		c.vector(t, p+"post_attention_layernorm.weight", 4)
		c.glu(t, p+"mlp.", "gate_proj.weight", "up_proj.weight", "down_proj.weight", 4, 8)
	}
	require.NoError(t, safetensors.WriteFile(filepath.Join(dir, WeightsFile), c.tensors, nil))
	writeConfig(t, dir, map[string]any{
		"hidden_size":       4,
		"intermediate_size": 8,
		"num_hidden_layers": 2,
		"rms_norm_eps":      1e-6,
		"vocab_size":        10,
	})

	dumpDir := t.TempDir()
	s, err := Load(dir, LoadOptions{
		ForwardMode: moe.ModeFeatureDump,
		Dump:        moe.DumpConfig{Dir: dumpDir, SaveInterval: 3, Template: moe.TemplateUpProj},
	})
	require.NoError(t, err)

	_, err = s.Forward(Inputs{IDs: [][]int{{1, 2, 3}}, AttentionMask: [][]int{{1, 1, 0}}})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dumpDir, "layer0", "inputs", "0_0.safetensors"))

	require.NoError(t, s.Flush())
	for _, l := range []string{"layer0", "layer1"} {
		f, err := safetensors.Open(filepath.Join(dumpDir, l, "outputs", "0_0.safetensors"))
		require.NoError(t, err)
		tt, err := f.Tensor("features")
		require.NoError(t, err)
		assert.Equal(t, []int{2, 8}, tt.Shape)
		assert.FileExists(t, filepath.Join(dumpDir, l, "inputs", "0_0.safetensors"))
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing config", func(t *testing.T) {
		_, err := Load(t.TempDir(), LoadOptions{})
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("other layout", func(t *testing.T) {
		dir := t.TempDir()
		writeConfig(t, dir, map[string]any{"moe_type": "megablocks", "hidden_size": 4})
		_, err := Load(dir, LoadOptions{})
		assert.ErrorIs(t, err, moe.ErrConfig)
	})

	t.Run("missing tensor", func(t *testing.T) {
		dir := t.TempDir()
		writeMoECheckpoint(t, dir)
		f, err := safetensors.Open(filepath.Join(dir, WeightsFile))
		require.NoError(t, err)
		var keep []*safetensors.Tensor
		for _, name := range f.Names() {
			if name == "model.layers.1.block_sparse_moe.experts.2.w2.weight" {
				continue
			}
			tt, err := f.Tensor(name)
			require.NoError(t, err)
			keep = append(keep, tt)
		}
		require.NoError(t, safetensors.WriteFile(filepath.Join(dir, WeightsFile), keep, nil))

		_, err = Load(dir, LoadOptions{})
		assert.ErrorContains(t, err, "experts.2.w2.weight")
	})
}

package model

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/moefy/internal/activations"
	"github.com/FlavioCFOliveira/moefy/internal/layer"
	"github.com/FlavioCFOliveira/moefy/internal/moe"
	"github.com/FlavioCFOliveira/moefy/internal/safetensors"
)

// Files read by Load.
const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"
)

// LoadOptions overrides the runtime parts of a checkpoint's configuration.
type LoadOptions struct {
	// ForwardMode replaces the checkpoint's mode when set.
	ForwardMode  moe.ForwardMode
	RecordedMode moe.ForwardMode
	Workers      int
	// Dump configures feature dumping; layer i writes below Dir/layer<i>.
	// An empty Dir uses MOEFY_DUMP_DIR.
	Dump moe.DumpConfig
}

type header struct {
	NumHiddenLayers int     `json:"num_hidden_layers"`
	RMSNormEps      float64 `json:"rms_norm_eps"`
	VocabSize       int     `json:"vocab_size"`
	MoEType         string  `json:"moe_type"`
}

// moduleList is the converter layout Load understands.
const moduleList = "modulelist"

// Load builds a stack from a checkpoint directory holding config.json and
// model.safetensors. Both dense LLaMA checkpoints and modulelist MoE
// conversions are accepted; a dense checkpoint defaults to the standard
// forward mode.
func Load(dir string, opts LoadOptions) (*Stack, error) {
	b, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	var hdr header
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigFile, err)
	}
	ffn := moe.DefaultConfig()
	if err := json.Unmarshal(b, &ffn); err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigFile, err)
	}

	switch hdr.MoEType {
	case "":
		ffn.ForwardMode = moe.ModeStandard
		ffn.ResidualIntermediateSize = 0
	case moduleList:
	default:
		return nil, fmt.Errorf("%w: cannot run %q checkpoints, convert with --moe-type %s", moe.ErrConfig, hdr.MoEType, moduleList)
	}
	if opts.ForwardMode != "" {
		ffn.ForwardMode = opts.ForwardMode
	}
	if opts.RecordedMode != "" {
		ffn.RecordedMode = opts.RecordedMode
	}
	ffn.Workers = opts.Workers
	ffn.Dump = opts.Dump

	cfg := Config{
		VocabSize:  hdr.VocabSize,
		NumLayers:  hdr.NumHiddenLayers,
		RMSNormEps: hdr.RMSNormEps,
		FFN:        ffn,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f, err := safetensors.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}
	l := loader{f: f}

	act, err := activations.ByName(ffn.HiddenAct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", moe.ErrConfig, err)
	}

	embed := l.matrix("model.embed_tokens.weight", cfg.VocabSize, ffn.HiddenSize)
	s := &Stack{
		cfg:   cfg,
		embed: layer.EmbeddingFromWeights(embed),
		norm:  layer.RMSNormFromWeights(l.vector("model.norm.weight", ffn.HiddenSize), cfg.RMSNormEps),
	}
	for i := 0; i < cfg.NumLayers; i++ {
		prefix := fmt.Sprintf("model.layers.%d.", i)
		norm := layer.RMSNormFromWeights(l.vector(prefix+"post_attention_layernorm.weight", ffn.HiddenSize), cfg.RMSNormEps)
		w := l.weights(prefix, ffn, act)
		if l.err != nil {
			return nil, l.err
		}

		ff, err := moe.NewFeedForward(cfg.layerConfig(i), w, nil)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		s.layers = append(s.layers, Layer{Norm: norm, FFN: ff})
	}
	if l.err != nil {
		return nil, l.err
	}

	slog.Info("loaded model", "dir", dir, "layers", cfg.NumLayers, "experts", ffn.NumExperts, "mode", ffn.ForwardMode)
	return s, nil
}

// loader reads tensors and keeps the first error.
type loader struct {
	f   *safetensors.File
	err error
}

func (l *loader) matrix(name string, rows, cols int) *mat.Dense {
	if l.err != nil {
		return nil
	}
	t, err := l.f.Tensor(name)
	if err != nil {
		l.err = err
		return nil
	}
	m, err := t.Matrix()
	if err != nil {
		l.err = err
		return nil
	}
	if r, c := m.Dims(); r != rows || c != cols {
		l.err = fmt.Errorf("%w: %s is %dx%d, want %dx%d", moe.ErrShape, name, r, c, rows, cols)
		return nil
	}
	return m
}

func (l *loader) vector(name string, n int) []float64 {
	if l.err != nil {
		return nil
	}
	t, err := l.f.Tensor(name)
	if err != nil {
		l.err = err
		return nil
	}
	if t.NumElements() != n {
		l.err = fmt.Errorf("%w: %s has %d values, want %d", moe.ErrShape, name, t.NumElements(), n)
		return nil
	}
	v, err := t.Float64()
	if err != nil {
		l.err = err
	}
	return v
}

func (l *loader) glu(gate, up, down string, in, hidden, out int, act activations.Activation) *layer.GLU {
	g := l.matrix(gate, hidden, in)
	u := l.matrix(up, hidden, in)
	d := l.matrix(down, out, hidden)
	if l.err != nil {
		return nil
	}
	blk, err := layer.GLUFromWeights(g, u, d, act)
	if err != nil {
		l.err = fmt.Errorf("%w: %v", moe.ErrShape, err)
	}
	return blk
}

// weights reads whatever feed-forward parameters the layer holds; the
// forward mode decides which of them must be present.
func (l *loader) weights(prefix string, cfg moe.Config, act activations.Activation) *moe.Weights {
	h, s := cfg.HiddenSize, cfg.IntermediateSize
	w := &moe.Weights{}

	dense := prefix + "mlp."
	if l.f.Has(dense + "gate_proj.weight") {
		w.Dense = l.glu(dense+"gate_proj.weight", dense+"up_proj.weight", dense+"down_proj.weight", h, s, h, act)
	}

	sparse := prefix + "block_sparse_moe."
	if !l.f.Has(sparse + "gate.weight") {
		return w
	}
	w.Gate = []*mat.Dense{l.matrix(sparse+"gate.weight", cfg.NumExperts, h)}
	w.Experts = make([]*layer.GLU, cfg.NumExperts)
	for e := range w.Experts {
		p := fmt.Sprintf("%sexperts.%d.", sparse, e)
		w.Experts[e] = l.glu(p+"w1.weight", p+"w3.weight", p+"w2.weight", h, s, h, act)
	}
	if r := cfg.ResidualIntermediateSize; r > 0 {
		p := sparse + "residual_block."
		w.Residual = l.glu(p+"w1.weight", p+"w3.weight", p+"w2.weight", h, r, h, act)
	}
	return w
}

// Package convert splits the dense feed-forward blocks of a LLaMA checkpoint
// into a Mixture-of-Experts checkpoint, following a precomputed assignment
// of intermediate neurons to experts.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/FlavioCFOliveira/moefy/internal/envconfig"
	"github.com/FlavioCFOliveira/moefy/internal/gguf"
	"github.com/FlavioCFOliveira/moefy/internal/layer"
	"github.com/FlavioCFOliveira/moefy/internal/safetensors"
)

// Output file names inside Options.OutputDir.
const (
	SafetensorsFile = "model.safetensors"
	GGUFFile        = "model.gguf"
	ConfigFile      = "config.json"
)

// Options configures one conversion. Flag names in error messages match the
// moefy convert command.
type Options struct {
	ModelDir      string
	OutputDir     string
	NeuronIndices string
	// GateWeights is optional; routers are Xavier-initialized from Seed
	// when empty.
	GateWeights string
	Layout      Layout
	// NumExperts defaults to the number of groups in the indices file.
	NumExperts int
	TopK       int
	// DType is the output element type; empty keeps the dense MLP's type.
	DType string
	Seed  uint64

	GateUseSoftmax    bool
	BalanceLossWeight float64
}

// Result summarizes a finished conversion.
type Result struct {
	Path         string
	Layers       int
	NumExperts   int
	ExpertSize   int
	ResidualSize int
	Tensors      int
}

// ErrOption reports an invalid conversion option.
var ErrOption = errors.New("convert: invalid option")

func optionError(flag, format string, args ...any) error {
	return fmt.Errorf("%w: --%s: %s", ErrOption, flag, fmt.Sprintf(format, args...))
}

var mlpTensor = regexp.MustCompile(`^model\.layers\.(\d+)\.mlp\.(gate|up|down)_proj\.weight$`)

// Convert reads the dense checkpoint, splits every layer's MLP and writes
// the MoE checkpoint and its config.json. ctx is checked between layers.
func Convert(ctx context.Context, opts Options) (*Result, error) {
	if opts.ModelDir == "" {
		return nil, optionError("model", "required")
	}
	if opts.OutputDir == "" {
		return nil, optionError("output", "required")
	}
	if opts.NeuronIndices == "" {
		return nil, optionError("neuron-indices", "required")
	}
	if opts.Layout == "" {
		opts.Layout = LayoutModuleList
	}
	if _, err := ParseLayout(string(opts.Layout)); err != nil {
		return nil, optionError("moe-type", "%v", err)
	}

	cfg, err := readModelConfig(opts.ModelDir)
	if err != nil {
		return nil, optionError("model", "%v", err)
	}

	indices, err := LoadNeuronIndices(opts.NeuronIndices)
	if err != nil {
		return nil, optionError("neuron-indices", "%v", err)
	}
	if opts.NumExperts == 0 && len(indices) > 0 {
		opts.NumExperts = len(indices[0].Experts)
	}
	if opts.NumExperts < 1 {
		return nil, optionError("num-experts", "%d", opts.NumExperts)
	}
	if opts.TopK == 0 {
		opts.TopK = min(2, opts.NumExperts)
	}
	if opts.TopK < 1 || opts.TopK > opts.NumExperts {
		return nil, optionError("top-k", "%d with %d experts", opts.TopK, opts.NumExperts)
	}
	if err := indices.Validate(cfg.NumHiddenLayers, opts.NumExperts, cfg.IntermediateSize); err != nil {
		return nil, optionError("neuron-indices", "%v", err)
	}

	var gates GateWeights
	if opts.GateWeights != "" {
		gates, err = LoadGateWeights(opts.GateWeights, opts.NumExperts, cfg.HiddenSize)
		if err != nil {
			return nil, optionError("gate-weights", "%v", err)
		}
		if len(gates) != cfg.NumHiddenLayers {
			return nil, optionError("gate-weights", "%d layers for a %d-layer model", len(gates), cfg.NumHiddenLayers)
		}
	} else {
		gates = initGates(cfg.NumHiddenLayers, opts.NumExperts, cfg.HiddenSize, opts.Seed)
	}

	src, err := readShards(ctx, opts.ModelDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, optionError("model", "%v", err)
	}

	dtype, err := outputDType(opts, src)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, optionError("output", "%v", err)
	}

	var out []outTensor
	for l := range cfg.NumHiddenLayers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ml, err := splitLayer(l, cfg, src, indices[l], gates[l])
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
		out = append(out, ml.tensors(opts.Layout)...)
		slog.Info("converted layer", "layer", l, "experts", opts.NumExperts, "expert_size", indices.ExpertSize(), "residual_size", indices.ResidualSize())
	}

	res := &Result{
		Layers:       cfg.NumHiddenLayers,
		NumExperts:   opts.NumExperts,
		ExpertSize:   indices.ExpertSize(),
		ResidualSize: indices.ResidualSize(),
	}

	if opts.Layout == LayoutGGUF {
		res.Path = filepath.Join(opts.OutputDir, GGUFFile)
		res.Tensors, err = writeGGUF(res.Path, cfg, opts, res, dtype, src, out)
	} else {
		res.Path = filepath.Join(opts.OutputDir, SafetensorsFile)
		res.Tensors, err = writeSafetensors(res.Path, opts, dtype, src, out)
	}
	if err != nil {
		return nil, err
	}

	if err := writeJSON(filepath.Join(opts.OutputDir, ConfigFile), outputConfig(cfg, opts, res)); err != nil {
		return nil, err
	}
	return res, nil
}

func initGates(layers, numExperts, hidden int, seed uint64) GateWeights {
	rng := layer.NewRNG(seed)
	gates := make(GateWeights, layers)
	for l := range gates {
		w := layer.NewDense(hidden, numExperts, nil, rng).Weights().RawMatrix().Data
		gates[l] = make([]float32, len(w))
		for i, v := range w {
			gates[l][i] = float32(v)
		}
	}
	return gates
}

// readShards loads every *.safetensors file of dir concurrently.
func readShards(ctx context.Context, dir string) (map[string]*safetensors.Tensor, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .safetensors files in %s", dir)
	}

	var (
		mu      sync.Mutex
		tensors = map[string]*safetensors.Tensor{}
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(int(envconfig.Workers()))
	for _, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := safetensors.Open(p)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, name := range f.Names() {
				if _, ok := tensors[name]; ok {
					return fmt.Errorf("tensor %q appears in more than one shard", name)
				}
				t, err := f.Tensor(name)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				tensors[name] = t
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tensors, nil
}

func outputDType(opts Options, src map[string]*safetensors.Tensor) (safetensors.DType, error) {
	if opts.DType != "" {
		dt, err := safetensors.ParseDType(opts.DType)
		if err != nil {
			return "", optionError("dtype", "%v", err)
		}
		if opts.Layout == LayoutGGUF && dt == safetensors.BF16 {
			return "", optionError("dtype", "gguf output supports f32 and f16")
		}
		return dt, nil
	}

	dt := safetensors.F32
	if t, ok := src["model.layers.0.mlp.gate_proj.weight"]; ok {
		dt = t.DType
	}
	if opts.Layout == LayoutGGUF && dt == safetensors.BF16 {
		dt = safetensors.F16
	}
	return dt, nil
}

func matrix(src map[string]*safetensors.Tensor, name string, rows, cols int) ([]float32, error) {
	t, ok := src[name]
	if !ok {
		return nil, fmt.Errorf("missing tensor %q", name)
	}
	if !slices.Equal(t.Shape, []int{rows, cols}) {
		return nil, fmt.Errorf("tensor %q has shape %v, want [%d %d]", name, t.Shape, rows, cols)
	}
	return t.Float32()
}

func splitLayer(l int, cfg *ModelConfig, src map[string]*safetensors.Tensor, idx LayerIndices, gate []float32) (*moeLayer, error) {
	h, n := cfg.HiddenSize, cfg.IntermediateSize
	prefix := fmt.Sprintf("model.layers.%d.mlp.", l)

	d := &denseMLP{hidden: h, intermediate: n}
	var err error
	if d.gate, err = matrix(src, prefix+"gate_proj.weight", n, h); err != nil {
		return nil, err
	}
	if d.up, err = matrix(src, prefix+"up_proj.weight", n, h); err != nil {
		return nil, err
	}
	if d.down, err = matrix(src, prefix+"down_proj.weight", h, n); err != nil {
		return nil, err
	}
	if _, err := d.columns(); err != nil {
		return nil, err
	}

	ml := &moeLayer{index: l, hidden: h, gate: gate, experts: make([]*expertSlice, len(idx.Experts))}

	var g errgroup.Group
	g.SetLimit(int(envconfig.Workers()))
	for e, neurons := range idx.Experts {
		g.Go(func() error {
			s, err := d.slice(neurons)
			if err != nil {
				return fmt.Errorf("expert %d: %w", e, err)
			}
			ml.experts[e] = s
			return nil
		})
	}
	if len(idx.Residual) > 0 {
		g.Go(func() error {
			s, err := d.slice(idx.Residual)
			if err != nil {
				return fmt.Errorf("residual block: %w", err)
			}
			ml.residual = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ml, nil
}

// passthrough returns the source tensors that are not dense MLP weights, in
// name order.
func passthrough(src map[string]*safetensors.Tensor) []*safetensors.Tensor {
	var out []*safetensors.Tensor
	for _, name := range slices.Sorted(maps.Keys(src)) {
		if !mlpTensor.MatchString(name) {
			out = append(out, src[name])
		}
	}
	return out
}

func recode(t *safetensors.Tensor, dtype safetensors.DType) (*safetensors.Tensor, error) {
	if t.DType == dtype {
		return t, nil
	}
	data, err := t.Float32()
	if err != nil {
		return nil, err
	}
	return safetensors.FromFloat32(t.Name, dtype, t.Shape, data)
}

func writeSafetensors(path string, opts Options, dtype safetensors.DType, src map[string]*safetensors.Tensor, out []outTensor) (int, error) {
	var tensors []*safetensors.Tensor
	for _, t := range passthrough(src) {
		r, err := recode(t, dtype)
		if err != nil {
			return 0, err
		}
		tensors = append(tensors, r)
	}
	for _, o := range out {
		t, err := safetensors.FromFloat32(o.name, dtype, o.shape, o.data)
		if err != nil {
			return 0, err
		}
		tensors = append(tensors, t)
	}

	meta := map[string]string{"format": "pt", "moe_type": string(opts.Layout)}
	if err := safetensors.WriteFile(path, tensors, meta); err != nil {
		return 0, optionError("output", "%v", err)
	}
	return len(tensors), nil
}

func writeGGUF(path string, cfg *ModelConfig, opts Options, res *Result, dtype safetensors.DType, src map[string]*safetensors.Tensor, out []outTensor) (int, error) {
	tt := gguf.TensorF32
	fileType := uint32(0)
	if dtype == safetensors.F16 {
		tt, fileType = gguf.TensorF16, 1
	}

	var tensors []gguf.Tensor
	for _, t := range passthrough(src) {
		data, err := t.Float32()
		if err != nil {
			return 0, err
		}
		tensors = append(tensors, gguf.Tensor{Name: ggufNames.Replace(t.Name), Shape: dims(t.Shape), Type: ggufType(tt, t.Shape), Data: data})
	}
	for _, o := range out {
		tensors = append(tensors, gguf.Tensor{Name: o.name, Shape: dims(o.shape), Type: ggufType(tt, o.shape), Data: o.data})
	}

	kvs := []gguf.KV{
		{Key: "general.architecture", Value: "llama"},
		{Key: "general.file_type", Value: fileType},
		{Key: "llama.block_count", Value: uint32(cfg.NumHiddenLayers)},
		{Key: "llama.embedding_length", Value: uint32(cfg.HiddenSize)},
		{Key: "llama.feed_forward_length", Value: uint32(res.ExpertSize)},
		{Key: "llama.expert_count", Value: uint32(res.NumExperts)},
		{Key: "llama.expert_used_count", Value: uint32(opts.TopK)},
		{Key: "llama.expert_shared_feed_forward_length", Value: uint32(res.ResidualSize)},
		{Key: "llama.attention.layer_norm_rms_epsilon", Value: float32(cfg.RMSNormEps)},
		{Key: "moefy.gate_use_softmax", Value: opts.GateUseSoftmax},
		{Key: "moefy.gate_balance_loss_weight", Value: float32(opts.BalanceLossWeight)},
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, optionError("output", "%v", err)
	}
	defer os.Remove(f.Name())

	if err := gguf.Write(f, kvs, tensors); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return len(tensors), os.Rename(f.Name(), path)
}

// ggufType keeps 1-D tensors (norms) in F32, as llama.cpp expects.
func ggufType(tt gguf.TensorType, shape []int) gguf.TensorType {
	if len(shape) < 2 {
		return gguf.TensorF32
	}
	return tt
}

func dims(shape []int) []uint64 {
	out := make([]uint64, len(shape))
	for i, d := range shape {
		out[i] = uint64(d)
	}
	return out
}

func outputConfig(cfg *ModelConfig, opts Options, res *Result) map[string]any {
	out := maps.Clone(cfg.raw)
	if out == nil {
		out = map[string]any{}
	}
	out["dense_intermediate_size"] = cfg.IntermediateSize
	out["intermediate_size"] = res.ExpertSize
	out["intermediate_size_residual"] = res.ResidualSize
	out["num_experts"] = res.NumExperts
	out["num_local_experts"] = res.NumExperts
	out["num_experts_per_tok"] = opts.TopK
	out["moe_type"] = string(opts.Layout)
	out["gate_network"] = "linear"
	out["gate_use_softmax"] = opts.GateUseSoftmax
	out["gate_balance_loss_weight"] = opts.BalanceLossWeight
	out["score_scale_factor"] = 1.0
	return out
}

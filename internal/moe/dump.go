package moe

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/moefy/internal/envconfig"
	"github.com/FlavioCFOliveira/moefy/internal/layer"
	"github.com/FlavioCFOliveira/moefy/internal/safetensors"
)

// Hidden neuron templates recorded by FeatureDumpingForward.
const (
	// TemplateGateProj records act(gate(x)).
	TemplateGateProj = "gate_proj"
	// TemplateUpProj records act(gate(x)) * up(x).
	TemplateUpProj = "up_proj"
)

// DumpConfig configures FeatureDumpingForward.
type DumpConfig struct {
	// Dir receives inputs/ and outputs/ subdirectories. Empty uses
	// MOEFY_DUMP_DIR.
	Dir string
	// SaveInterval is the number of forward calls buffered per chunk.
	SaveInterval int
	// Template selects which hidden neurons are recorded.
	Template string
	// ReplicaID prefixes chunk names. Negative uses MOEFY_REPLICA_ID.
	ReplicaID int
}

// Validate checks the dump configuration.
func (c DumpConfig) Validate() error {
	if c.SaveInterval < 1 {
		return fmt.Errorf("%w: feature dump save interval %d", ErrConfig, c.SaveInterval)
	}
	switch c.Template {
	case TemplateGateProj, TemplateUpProj:
	default:
		return fmt.Errorf("%w: unknown feature dump template %q", ErrConfig, c.Template)
	}
	return nil
}

// FeatureDumpingForward is the dense MLP that records the inputs and hidden
// neurons of every real token. Activations are buffered as float16 and
// written every SaveInterval calls, one safetensors file per chunk:
//
//	<dir>/inputs/<replica>_<chunk>.safetensors   (tokens, hidden)
//	<dir>/outputs/<replica>_<chunk>.safetensors  (tokens, intermediate)
//
// The recorded neurons are what split the dense MLP into experts.
type FeatureDumpingForward struct {
	mlp *layer.GLU
	cfg DumpConfig

	mu      sync.Mutex
	calls   int
	inputs  []float16.Float16
	outputs []float16.Float16
}

// NewFeatureDumpingForward wraps mlp.
func NewFeatureDumpingForward(mlp *layer.GLU, cfg DumpConfig) (*FeatureDumpingForward, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		cfg.Dir = envconfig.DumpDir()
	}
	if cfg.ReplicaID < 0 {
		cfg.ReplicaID = envconfig.ReplicaID()
	}
	return &FeatureDumpingForward{mlp: mlp, cfg: cfg}, nil
}

// MLP returns the dense block.
func (f *FeatureDumpingForward) MLP() *layer.GLU { return f.mlp }

// Forward applies the dense block and buffers the real tokens' features.
func (f *FeatureDumpingForward) Forward(h *HiddenStates, mask PaddingMask) (*HiddenStates, float64, error) {
	if h.Dim != f.mlp.InSize() {
		return nil, 0, fmt.Errorf("%w: input has %d features, want %d", ErrShape, h.Dim, f.mlp.InSize())
	}
	if err := mask.fits(h); err != nil {
		return nil, 0, err
	}

	x := h.Tokens()
	out, gated, product := f.mlp.ForwardHidden(x)
	hidden := gated
	if f.cfg.Template == TemplateUpProj {
		hidden = product
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.inputs = appendReal(f.inputs, x, mask)
	f.outputs = appendReal(f.outputs, hidden, mask)

	if f.calls%f.cfg.SaveInterval == f.cfg.SaveInterval-1 {
		if err := f.flush(f.calls / f.cfg.SaveInterval); err != nil {
			return nil, 0, err
		}
	}

	y, err := restore(h.Batch, h.Seq, out)
	if err != nil {
		return nil, 0, err
	}
	return y, 0, nil
}

// Flush writes any buffered features as the next chunk.
func (f *FeatureDumpingForward) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		return nil
	}
	// Name the partial chunk after the call that would have completed it.
	s := f.cfg.SaveInterval
	next := f.calls + (s-1-f.calls%s+s)%s
	return f.flush(next / s)
}

// Calls returns the number of forward calls seen.
func (f *FeatureDumpingForward) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FeatureDumpingForward) flush(chunk int) error {
	name := strconv.Itoa(f.cfg.ReplicaID) + "_" + strconv.Itoa(chunk) + ".safetensors"

	for _, d := range []struct {
		sub  string
		data []float16.Float16
		cols int
	}{
		{"inputs", f.inputs, f.mlp.InSize()},
		{"outputs", f.outputs, f.mlp.HiddenSize()},
	} {
		t, err := safetensors.FromFloat16("features", []int{len(d.data) / d.cols, d.cols}, d.data)
		if err != nil {
			return err
		}
		path := filepath.Join(f.cfg.Dir, d.sub, name)
		if err := safetensors.WriteFile(path, []*safetensors.Tensor{t}, nil); err != nil {
			return fmt.Errorf("feature dump: %w", err)
		}
	}

	slog.Debug("feature dump", "dir", f.cfg.Dir, "chunk", name, "tokens", len(f.inputs)/f.mlp.InSize())
	f.inputs = f.inputs[:0]
	f.outputs = f.outputs[:0]
	return nil
}

func appendReal(dst []float16.Float16, m *mat.Dense, mask PaddingMask) []float16.Float16 {
	rows, _ := m.Dims()
	for t := 0; t < rows; t++ {
		if !mask.Real(t) {
			continue
		}
		for _, v := range m.RawRowView(t) {
			dst = append(dst, float16.Fromfloat32(float32(v)))
		}
	}
	return dst
}

package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
)

// residualKey names the shared residual neuron group of a layer.
const residualKey = "residual"

// LayerIndices assigns the dense intermediate neurons of one layer to
// experts and to the optional shared residual block.
type LayerIndices struct {
	Experts  [][]int
	Residual []int
}

// NeuronIndices holds one LayerIndices per decoder layer.
type NeuronIndices []LayerIndices

// ExpertSize returns the per-expert neuron count (the size of layer 0,
// expert 0).
func (n NeuronIndices) ExpertSize() int {
	if len(n) == 0 || len(n[0].Experts) == 0 {
		return 0
	}
	return len(n[0].Experts[0])
}

// ResidualSize returns the residual neuron count of layer 0.
func (n NeuronIndices) ResidualSize() int {
	if len(n) == 0 {
		return 0
	}
	return len(n[0].Residual)
}

// Validate checks that every layer splits the same number of experts into
// equal groups of in-range neuron indices.
func (n NeuronIndices) Validate(layers, numExperts, intermediate int) error {
	if len(n) != layers {
		return fmt.Errorf("%d layers of neuron indices for a %d-layer model", len(n), layers)
	}
	size, residual := n.ExpertSize(), n.ResidualSize()
	if size < 1 {
		return errors.New("layer 0 expert 0 has no neurons")
	}

	for l, li := range n {
		if len(li.Experts) != numExperts {
			return fmt.Errorf("layer %d has %d experts, want %d", l, len(li.Experts), numExperts)
		}
		if len(li.Residual) != residual {
			return fmt.Errorf("layer %d residual group has %d neurons, layer 0 has %d", l, len(li.Residual), residual)
		}
		groups := append(slices.Clone(li.Experts), li.Residual)
		for e, g := range groups {
			if e < numExperts && len(g) != size {
				return fmt.Errorf("layer %d expert %d has %d neurons, want %d", l, e, len(g), size)
			}
			for _, i := range g {
				if i < 0 || i >= intermediate {
					return fmt.Errorf("layer %d neuron index %d outside intermediate size %d", l, i, intermediate)
				}
			}
		}
	}
	return nil
}

// LoadNeuronIndices reads a neuron-indices artifact: JSON (a list of
// layers, or an object keyed by layer number) or a torch file holding the
// equivalent dict. Each layer maps expert number to its neuron list and
// "residual" to the shared group.
func LoadNeuronIndices(path string) (NeuronIndices, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadIndicesJSON(path)
	case ".pt", ".pth", ".bin":
		return loadIndicesTorch(path)
	}
	return nil, fmt.Errorf("%s: unknown neuron-indices format", path)
}

func loadIndicesJSON(path string) (NeuronIndices, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var layers []map[string][]int
	if err := json.Unmarshal(b, &layers); err != nil {
		var byLayer map[string]map[string][]int
		if err := json.Unmarshal(b, &byLayer); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		layers = make([]map[string][]int, len(byLayer))
		for k, v := range byLayer {
			l, err := strconv.Atoi(k)
			if err != nil || l < 0 || l >= len(byLayer) {
				return nil, fmt.Errorf("%s: bad layer key %q", path, k)
			}
			layers[l] = v
		}
	}

	out := make(NeuronIndices, len(layers))
	for l, groups := range layers {
		li := LayerIndices{Residual: groups[residualKey], Experts: make([][]int, 0, len(groups))}
		for e := 0; ; e++ {
			g, ok := groups[strconv.Itoa(e)]
			if !ok {
				break
			}
			li.Experts = append(li.Experts, g)
		}
		if extra := len(groups) - len(li.Experts); extra > 1 || (extra == 1 && li.Residual == nil) {
			return nil, fmt.Errorf("%s: layer %d has non-contiguous expert keys", path, l)
		}
		out[l] = li
	}
	return out, nil
}

func loadIndicesTorch(path string) (NeuronIndices, error) {
	v, err := loadTorch(path)
	if err != nil {
		return nil, err
	}

	layers, err := pyLayers(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	out := make(NeuronIndices, len(layers))
	for l, lv := range layers {
		d, ok := lv.(pyDict)
		if !ok {
			return nil, fmt.Errorf("%s: layer %d is %T, want a dict", path, l, lv)
		}

		experts := map[int][]int{}
		for _, k := range d.Keys() {
			ints, err := pyInts(d.MustGet(k))
			if err != nil {
				return nil, fmt.Errorf("%s: layer %d key %v: %w", path, l, k, err)
			}
			if k == residualKey {
				out[l].Residual = ints
				continue
			}
			e, ok := pyKey(k)
			if !ok {
				return nil, fmt.Errorf("%s: layer %d has key %v", path, l, k)
			}
			experts[e] = ints
		}
		for e := range len(experts) {
			g, ok := experts[e]
			if !ok {
				return nil, fmt.Errorf("%s: layer %d has non-contiguous expert keys", path, l)
			}
			out[l].Experts = append(out[l].Experts, g)
		}
	}
	return out, nil
}

// pyLayers returns the per-layer values of a list or layer-keyed dict.
func pyLayers(v any) ([]any, error) {
	switch v := v.(type) {
	case pyDict:
		keys := v.Keys()
		layers := make([]any, len(keys))
		for _, k := range keys {
			l, ok := pyKey(k)
			if !ok || l < 0 || l >= len(keys) {
				return nil, fmt.Errorf("bad layer key %v", k)
			}
			layers[l] = v.MustGet(k)
		}
		return layers, nil
	case pyList:
		layers := make([]any, v.Len())
		for i := range layers {
			layers[i] = v.Get(i)
		}
		return layers, nil
	}
	return nil, fmt.Errorf("got %T, want a dict or list of layers", v)
}

// GateWeights holds one (experts × hidden) router matrix per layer, row-major.
type GateWeights [][]float32

// LoadGateWeights reads per-layer router weights from JSON (nested
// [layer][expert][hidden] arrays) or a torch file holding a list or
// layer-keyed dict of (experts, hidden) tensors.
func LoadGateWeights(path string, numExperts, hidden int) (GateWeights, error) {
	var (
		out GateWeights
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		out, err = loadGatesJSON(path, numExperts, hidden)
	case ".pt", ".pth", ".bin":
		out, err = loadGatesTorch(path, numExperts, hidden)
	default:
		err = errors.New("unknown gate-weights format")
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

func loadGatesJSON(path string, numExperts, hidden int) (GateWeights, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var layers [][][]float32
	if err := json.Unmarshal(b, &layers); err != nil {
		return nil, err
	}

	out := make(GateWeights, len(layers))
	for l, rows := range layers {
		if len(rows) != numExperts {
			return nil, fmt.Errorf("layer %d gate has %d rows, want %d", l, len(rows), numExperts)
		}
		for e, r := range rows {
			if len(r) != hidden {
				return nil, fmt.Errorf("layer %d gate row %d has %d columns, want %d", l, e, len(r), hidden)
			}
			out[l] = append(out[l], r...)
		}
	}
	return out, nil
}

func loadGatesTorch(path string, numExperts, hidden int) (GateWeights, error) {
	v, err := loadTorch(path)
	if err != nil {
		return nil, err
	}
	layers, err := pyLayers(v)
	if err != nil {
		return nil, err
	}

	out := make(GateWeights, len(layers))
	for l, lv := range layers {
		t, ok := lv.(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("layer %d is %T, want a tensor", l, lv)
		}
		if !slices.Equal(t.Size, []int{numExperts, hidden}) {
			return nil, fmt.Errorf("layer %d gate has shape %v, want [%d %d]", l, t.Size, numExperts, hidden)
		}
		f, err := tensorValues(t)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
		out[l] = make([]float32, len(f))
		for i, x := range f {
			out[l][i] = float32(x)
		}
	}
	return out, nil
}

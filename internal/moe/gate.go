package moe

import (
	"cmp"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/moefy/internal/activations"
	"github.com/FlavioCFOliveira/moefy/internal/layer"
	"github.com/FlavioCFOliveira/moefy/internal/loss"
)

// GateOutput is the routing decision of one gate call.
type GateOutput struct {
	// K is the number of experts selected per token.
	K int
	// Indices and Scores hold K entries per token, token-major.
	Indices []int
	Scores  []float64

	// Logits is the raw (tokens × experts) score matrix.
	Logits *mat.Dense
	// Scattered is zero except at each token's selected experts, where it
	// holds the routing score. Padding rows are included here but never
	// contribute to Importance or Load.
	Scattered *mat.Dense

	Importance     []float64
	Load           []float64
	ImportanceLoss float64
	LoadLoss       float64
	BalanceLoss    float64
}

// Selection returns the experts and scores chosen for token t.
func (o *GateOutput) Selection(t int) ([]int, []float64) {
	return o.Indices[t*o.K : (t+1)*o.K], o.Scores[t*o.K : (t+1)*o.K]
}

// TopKGate scores tokens against experts and keeps the best K per token.
type TopKGate struct {
	cfg     GateConfig
	network []*layer.Dense
	balance loss.Balance
	stats   *GateStats

	mu        sync.RWMutex
	observers []Observer
}

// NewTopKGate creates a gate with freshly initialized scoring weights.
func NewTopKGate(cfg GateConfig, rng *rand.Rand) (*TopKGate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var network []*layer.Dense
	switch cfg.Network {
	case GateMLP:
		network = []*layer.Dense{
			layer.NewDense(cfg.HiddenSize, cfg.NumExperts, activations.Tanh{}, rng),
			layer.NewDense(cfg.NumExperts, cfg.NumExperts, nil, rng),
		}
	default:
		network = []*layer.Dense{layer.NewDense(cfg.HiddenSize, cfg.NumExperts, nil, rng)}
	}
	return newTopKGate(cfg, network), nil
}

// TopKGateFromWeights builds a gate from trained (out, in) weight matrices:
// one (experts, hidden) matrix for a linear gate, or (experts, hidden) and
// (experts, experts) for an mlp gate.
func TopKGateFromWeights(cfg GateConfig, weights ...*mat.Dense) (*TopKGate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	want := 1
	if cfg.Network == GateMLP {
		want = 2
	}
	if len(weights) != want {
		return nil, fmt.Errorf("%w: %s gate needs %d weight matrices, got %d", ErrConfig, cmp.Or(cfg.Network, GateLinear), want, len(weights))
	}

	r, c := weights[0].Dims()
	if r != cfg.NumExperts || c != cfg.HiddenSize {
		return nil, fmt.Errorf("%w: gate weight is %dx%d, want %dx%d", ErrConfig, r, c, cfg.NumExperts, cfg.HiddenSize)
	}
	if want == 1 {
		return newTopKGate(cfg, []*layer.Dense{layer.DenseFromWeights(weights[0], nil)}), nil
	}

	r, c = weights[1].Dims()
	if r != cfg.NumExperts || c != cfg.NumExperts {
		return nil, fmt.Errorf("%w: gate output weight is %dx%d, want %dx%d", ErrConfig, r, c, cfg.NumExperts, cfg.NumExperts)
	}
	return newTopKGate(cfg, []*layer.Dense{
		layer.DenseFromWeights(weights[0], activations.Tanh{}),
		layer.DenseFromWeights(weights[1], nil),
	}), nil
}

func newTopKGate(cfg GateConfig, network []*layer.Dense) *TopKGate {
	return &TopKGate{
		cfg:     cfg,
		network: network,
		balance: loss.Balance{Weight: cfg.BalanceLossWeight},
		stats:   newGateStats(cfg.NumExperts),
	}
}

// Config returns the gate configuration.
func (g *TopKGate) Config() GateConfig { return g.cfg }

// Stats returns the gate's running accumulators.
func (g *TopKGate) Stats() *GateStats { return g.stats }

// Network returns the scoring layers in application order.
func (g *TopKGate) Network() []*layer.Dense { return g.network }

// AddObserver registers o to receive every future gate call.
func (g *TopKGate) AddObserver(o Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, o)
}

// Logits computes the raw (tokens × experts) scores.
func (g *TopKGate) Logits(x *mat.Dense) *mat.Dense {
	out := x
	for _, l := range g.network {
		out = l.Forward(out)
	}
	return out
}

// Forward routes every row of x. The mask must have one entry per row;
// padding rows are routed but excluded from importance, load and the
// balance loss.
func (g *TopKGate) Forward(x *mat.Dense, mask PaddingMask) (*GateOutput, error) {
	n, dim := x.Dims()
	if dim != g.cfg.HiddenSize {
		return nil, fmt.Errorf("%w: gate input has %d features, want %d", ErrShape, dim, g.cfg.HiddenSize)
	}
	if err := mask.check(n); err != nil {
		return nil, err
	}

	k, numExperts := g.cfg.TopK, g.cfg.NumExperts
	logits := g.Logits(x)

	// One extra candidate is ranked for capacity-dropping variants; only
	// the first k are used.
	width := min(k+1, numExperts)

	out := &GateOutput{
		K:         k,
		Indices:   make([]int, n*k),
		Scores:    make([]float64, n*k),
		Logits:    logits,
		Scattered: mat.NewDense(n, numExperts, nil),
	}

	order := make([]int, numExperts)
	for t := 0; t < n; t++ {
		row := logits.RawRowView(t)
		top := rankTop(row, order, width)[:k]

		idx, scores := out.Selection(t)
		copy(idx, top)
		for j, e := range top {
			scores[j] = row[e]
		}
		if g.cfg.UseSoftmax {
			activations.Softmax(scores)
		}
		for j, e := range idx {
			out.Scattered.Set(t, e, scores[j])
		}
	}

	out.Importance = make([]float64, numExperts)
	out.Load = make([]float64, numExperts)
	tokens := 0
	for t := 0; t < n; t++ {
		if !mask.Real(t) {
			continue
		}
		tokens++
		for e, v := range out.Scattered.RawRowView(t) {
			out.Importance[e] += v
			if v != 0 {
				out.Load[e]++
			}
		}
	}

	out.ImportanceLoss, out.LoadLoss = g.balance.Forward(out.Importance, out.Load)
	out.BalanceLoss = out.ImportanceLoss + out.LoadLoss

	step := GateStep{
		Gate:           g.cfg.Name,
		Tokens:         tokens,
		Importance:     append([]float64(nil), out.Importance...),
		Load:           append([]float64(nil), out.Load...),
		ImportanceLoss: out.ImportanceLoss,
		LoadLoss:       out.LoadLoss,
		BalanceLoss:    out.BalanceLoss,
	}
	g.stats.add(step)

	g.mu.RLock()
	for _, o := range g.observers {
		o.ObserveGate(step)
	}
	g.mu.RUnlock()

	slog.Debug("gate", "name", g.cfg.Name, "tokens", n, "real", tokens, "balance_loss", out.BalanceLoss)
	return out, nil
}

// rankTop returns the indices of the width largest values of row, largest
// first. Equal values keep the lower expert index first.
func rankTop(row []float64, order []int, width int) []int {
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(row[b], row[a])
	})
	return order[:width]
}

package moe

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Distribution is the per-dimension count, mean and population variance of
// a set of vectors.
type Distribution struct {
	Count    int
	Mean     []float64
	Variance []float64
}

// Clone returns a deep copy.
func (d Distribution) Clone() Distribution {
	return Distribution{Count: d.Count, Mean: slices.Clone(d.Mean), Variance: slices.Clone(d.Variance)}
}

// Merge combines two disjoint sets' statistics (Chan et al.):
//
//	n  = na + nb
//	δ  = mean_b − mean_a
//	μ  = mean_a + δ·nb/n
//	σ² = (na·σa² + nb·σb² + δ²·na·nb/n) / n
//
// Merge is associative up to rounding. An empty side returns the other.
func Merge(a, b Distribution) (Distribution, error) {
	if a.Count == 0 {
		return b.Clone(), nil
	}
	if b.Count == 0 {
		return a.Clone(), nil
	}
	if len(a.Mean) != len(b.Mean) || len(a.Variance) != len(b.Variance) || len(a.Mean) != len(a.Variance) {
		return Distribution{}, fmt.Errorf("%w: merging distributions of %d and %d dimensions", ErrShape, len(a.Mean), len(b.Mean))
	}

	na, nb := float64(a.Count), float64(b.Count)
	n := na + nb
	out := Distribution{
		Count:    a.Count + b.Count,
		Mean:     make([]float64, len(a.Mean)),
		Variance: make([]float64, len(a.Mean)),
	}
	for i := range out.Mean {
		delta := b.Mean[i] - a.Mean[i]
		out.Mean[i] = a.Mean[i] + delta*nb/n
		m2 := a.Variance[i]*na + b.Variance[i]*nb + delta*delta*na*nb/n
		out.Variance[i] = m2 / n
	}
	return out, nil
}

// BatchDistribution computes the statistics of the real rows of x.
func BatchDistribution(x *mat.Dense, mask PaddingMask) (Distribution, error) {
	rows, cols := x.Dims()
	if err := mask.check(rows); err != nil {
		return Distribution{}, err
	}

	d := Distribution{Count: mask.Count(), Mean: make([]float64, cols), Variance: make([]float64, cols)}
	if d.Count == 0 {
		return d, nil
	}

	col := make([]float64, 0, d.Count)
	for j := 0; j < cols; j++ {
		col = col[:0]
		for t := 0; t < rows; t++ {
			if mask.Real(t) {
				col = append(col, x.At(t, j))
			}
		}
		d.Mean[j], d.Variance[j] = stat.PopMeanVariance(col, nil)
	}
	return d, nil
}

// Tracker accumulates the distribution of every vector it observes. It is
// safe for concurrent use.
type Tracker struct {
	name string
	dim  int

	mu   sync.Mutex
	dist Distribution
}

// NewTracker creates an empty tracker for dim-dimensional vectors.
func NewTracker(name string, dim int) *Tracker {
	t := &Tracker{name: name, dim: dim}
	t.dist = t.empty()
	return t
}

func (t *Tracker) empty() Distribution {
	return Distribution{Mean: make([]float64, t.dim), Variance: make([]float64, t.dim)}
}

// Name returns the tracker label.
func (t *Tracker) Name() string { return t.name }

// Observe merges the real rows of x into the running statistics.
func (t *Tracker) Observe(x *mat.Dense, mask PaddingMask) error {
	if _, cols := x.Dims(); cols != t.dim {
		return fmt.Errorf("%w: tracker %q observes %d features, want %d", ErrShape, t.name, cols, t.dim)
	}
	batch, err := BatchDistribution(x, mask)
	if err != nil {
		return err
	}
	if batch.Count == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	merged, err := Merge(t.dist, batch)
	if err != nil {
		return err
	}
	t.dist = merged
	slog.Debug("distribution", "name", t.name, "count", merged.Count, "mean", head(merged.Mean), "variance", head(merged.Variance))
	return nil
}

// Snapshot returns a copy of the running statistics.
func (t *Tracker) Snapshot() Distribution {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dist.Clone()
}

// Reset discards everything observed so far.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dist = t.empty()
}

func head(v []float64) []float64 {
	return v[:min(len(v), 4)]
}

// DistributionRecordingForward runs another variant and records the
// distribution of its outputs over real tokens.
type DistributionRecordingForward struct {
	inner   FeedForward
	tracker *Tracker
}

// NewDistributionRecordingForward wraps inner.
func NewDistributionRecordingForward(inner FeedForward, t *Tracker) *DistributionRecordingForward {
	return &DistributionRecordingForward{inner: inner, tracker: t}
}

// Inner returns the wrapped variant.
func (d *DistributionRecordingForward) Inner() FeedForward { return d.inner }

// Tracker returns the output tracker.
func (d *DistributionRecordingForward) Tracker() *Tracker { return d.tracker }

// Forward runs the wrapped variant and observes its output.
func (d *DistributionRecordingForward) Forward(h *HiddenStates, mask PaddingMask) (*HiddenStates, float64, error) {
	if err := mask.fits(h); err != nil {
		return nil, 0, err
	}
	y, l, err := d.inner.Forward(h, mask)
	if err != nil {
		return nil, 0, err
	}
	if err := d.tracker.Observe(y.Tokens(), mask); err != nil {
		return nil, 0, err
	}
	return y, l, nil
}

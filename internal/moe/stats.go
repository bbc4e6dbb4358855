package moe

import (
	"sync"

	"gonum.org/v1/gonum/floats"
)

// GateStep is what one gate call reports to observers.
type GateStep struct {
	Gate           string
	Tokens         int // non-padding tokens routed in this call
	Importance     []float64
	Load           []float64
	ImportanceLoss float64
	LoadLoss       float64
	BalanceLoss    float64
}

// Observer receives every gate call's statistics. Implementations must be
// safe for concurrent use when the gate is shared between goroutines.
type Observer interface {
	ObserveGate(step GateStep)
}

// GateStats holds the running accumulators of one gate. Values are detached
// copies of each call's statistics; they never feed back into the loss of a
// later call.
type GateStats struct {
	mu sync.Mutex

	importanceSum     []float64
	loadSum           []float64
	importanceLossSum float64
	loadLossSum       float64
	samples           int
	calls             int
}

// StatsSnapshot is a point-in-time copy of GateStats.
type StatsSnapshot struct {
	ImportanceSum     []float64
	LoadSum           []float64
	ImportanceLossSum float64
	LoadLossSum       float64
	Samples           int
	Calls             int
}

func newGateStats(numExperts int) *GateStats {
	return &GateStats{
		importanceSum: make([]float64, numExperts),
		loadSum:       make([]float64, numExperts),
	}
}

func (s *GateStats) add(step GateStep) {
	s.mu.Lock()
	defer s.mu.Unlock()

	floats.Add(s.importanceSum, step.Importance)
	floats.Add(s.loadSum, step.Load)
	s.importanceLossSum += step.ImportanceLoss
	s.loadLossSum += step.LoadLoss
	s.samples += step.Tokens
	s.calls++
}

// Snapshot returns a copy of the accumulators.
func (s *GateStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StatsSnapshot{
		ImportanceSum:     append([]float64(nil), s.importanceSum...),
		LoadSum:           append([]float64(nil), s.loadSum...),
		ImportanceLossSum: s.importanceLossSum,
		LoadLossSum:       s.loadLossSum,
		Samples:           s.samples,
		Calls:             s.calls,
	}
}

// Reset zeroes every accumulator.
func (s *GateStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.importanceSum)
	clear(s.loadSum)
	s.importanceLossSum = 0
	s.loadLossSum = 0
	s.samples = 0
	s.calls = 0
}

package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/FlavioCFOliveira/moefy/internal/moe"
)

// Metrics exports gate calls as Prometheus series labelled by gate name
// (and expert index for the per-expert series).
type Metrics struct {
	calls          *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	expertLoad     *prometheus.CounterVec
	expertScore    *prometheus.GaugeVec
	balanceLoss    *prometheus.GaugeVec
	balanceLossDst *prometheus.HistogramVec
}

// NewMetrics registers the gate series with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "moefy_gate_calls_total",
			Help: "Forward calls routed by the gate",
		}, []string{"gate"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "moefy_gate_tokens_total",
			Help: "Non-padding tokens routed by the gate",
		}, []string{"gate"}),
		expertLoad: f.NewCounterVec(prometheus.CounterOpts{
			Name: "moefy_gate_expert_load_total",
			Help: "Tokens dispatched to each expert",
		}, []string{"gate", "expert"}),
		// A gauge: raw-logit gates produce negative scores.
		expertScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moefy_gate_expert_importance_sum",
			Help: "Sum of routing scores assigned to each expert",
		}, []string{"gate", "expert"}),
		balanceLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moefy_gate_balance_loss",
			Help: "Balance loss of the latest gate call",
		}, []string{"gate"}),
		balanceLossDst: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "moefy_gate_balance_loss_distribution",
			Help:    "Distribution of per-call balance loss",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
		}, []string{"gate"}),
	}
}

// ObserveGate records one gate call.
func (m *Metrics) ObserveGate(step moe.GateStep) {
	m.calls.WithLabelValues(step.Gate).Inc()
	m.tokens.WithLabelValues(step.Gate).Add(float64(step.Tokens))
	m.balanceLoss.WithLabelValues(step.Gate).Set(step.BalanceLoss)
	m.balanceLossDst.WithLabelValues(step.Gate).Observe(step.BalanceLoss)
	for e, v := range step.Load {
		m.expertLoad.WithLabelValues(step.Gate, strconv.Itoa(e)).Add(v)
	}
	for e, v := range step.Importance {
		m.expertScore.WithLabelValues(step.Gate, strconv.Itoa(e)).Add(v)
	}
}

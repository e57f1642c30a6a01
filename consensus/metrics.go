package consensus

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the consensus prometheus collectors.
type Metrics struct {
	decisions        *prometheus.CounterVec
	decidedRound     prometheus.Histogram
	coins            prometheus.Counter
	rejectedShares   prometheus.Counter
	activeInstances  prometheus.Gauge
	finalizedBlocks  prometheus.Counter
	emptyBlocks      prometheus.Counter
	safetyViolations prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "binbft",
			Name:      "decisions_total",
			Help:      "Binary consensus decisions by decided value.",
		}, []string{"value"}),
		decidedRound: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "binbft",
			Name:      "decided_round",
			Help:      "Round in which binary consensus instances decided.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
		coins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "binbft",
			Name:      "common_coins_total",
			Help:      "Common coins computed.",
		}),
		rejectedShares: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "binbft",
			Name:      "rejected_coin_shares_total",
			Help:      "AUX messages dropped because of an invalid coin share.",
		}),
		activeInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "binbft",
			Name:      "active_instances",
			Help:      "Binary consensus instances held in memory.",
		}),
		finalizedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "binbft",
			Name:      "finalized_blocks_total",
			Help:      "Blocks whose proposer was selected.",
		}),
		emptyBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "binbft",
			Name:      "empty_blocks_total",
			Help:      "Blocks finalized empty because every instance decided false.",
		}),
		safetyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "binbft",
			Name:      "safety_violations_total",
			Help:      "Instances observed decided both ways.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.decisions, m.decidedRound, m.coins, m.rejectedShares,
		m.activeInstances, m.finalizedBlocks, m.emptyBlocks, m.safetyViolations} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register consensus metrics")
		}
	}
	return m, nil
}

func (m *Metrics) observeDecision(value bool, round uint64) {
	label := "false"
	if value {
		label = "true"
	}
	m.decisions.WithLabelValues(label).Inc()
	m.decidedRound.Observe(float64(round))
}

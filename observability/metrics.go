package observability

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HubMetrics tracks the operator tick and the outcomes of its steps.
type HubMetrics struct {
	stepDuration    *prometheus.HistogramVec
	stepOutcomes    *prometheus.CounterVec
	tickDuration    prometheus.Histogram
	upperBound      *prometheus.GaugeVec
	openChallenges  prometheus.Gauge
	challenges      *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
	matches         *prometheus.CounterVec
	broadcasts      prometheus.Counter
	lastSyncedBlock prometheus.Gauge
	currentEon      prometheus.Gauge
}

var (
	hubMetricsOnce sync.Once
	hubRegistry    *HubMetrics
)

// Hub returns the lazily-initialised operator metrics registry.
func Hub() *HubMetrics {
	hubMetricsOnce.Do(func() {
		hubRegistry = &HubMetrics{
			stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "hub",
				Subsystem: "scheduler",
				Name:      "step_duration_seconds",
				Help:      "Duration of scheduler steps.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"step"}),
			stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hub",
				Subsystem: "scheduler",
				Name:      "step_outcomes_total",
				Help:      "Scheduler step outcomes segmented by step and outcome.",
			}, []string{"step", "outcome"}),
			tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "hub",
				Subsystem: "scheduler",
				Name:      "tick_duration_seconds",
				Help:      "Duration of complete operator ticks.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			}),
			upperBound: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "hub",
				Subsystem: "checkpoint",
				Name:      "upper_bound",
				Help:      "Committed upper bound of the latest checkpoint per token.",
			}, []string{"token"}),
			openChallenges: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "hub",
				Subsystem: "challenge",
				Name:      "open",
				Help:      "Challenges reported live by the verifier contract.",
			}),
			challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hub",
				Subsystem: "challenge",
				Name:      "transitions_total",
				Help:      "Challenge lifecycle transitions segmented by resulting state.",
			}, []string{"state"}),
			withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hub",
				Subsystem: "withdrawal",
				Name:      "requests_total",
				Help:      "Withdrawal requests confirmed or slashed.",
			}, []string{"outcome"}),
			matches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hub",
				Subsystem: "matching",
				Name:      "fills_total",
				Help:      "Swap fills segmented by pair.",
			}, []string{"pair"}),
			broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "hub",
				Subsystem: "chain",
				Name:      "broadcasts_total",
				Help:      "Signed outgoing transactions handed to the base chain.",
			}),
			lastSyncedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "hub",
				Subsystem: "chain",
				Name:      "synced_block",
				Help:      "Last base-chain block mirrored into the ledger.",
			}),
			currentEon: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "hub",
				Subsystem: "chain",
				Name:      "eon",
				Help:      "Current eon reported by the verifier contract.",
			}),
		}
		prometheus.MustRegister(
			hubRegistry.stepDuration,
			hubRegistry.stepOutcomes,
			hubRegistry.tickDuration,
			hubRegistry.upperBound,
			hubRegistry.openChallenges,
			hubRegistry.challenges,
			hubRegistry.withdrawals,
			hubRegistry.matches,
			hubRegistry.broadcasts,
			hubRegistry.lastSyncedBlock,
			hubRegistry.currentEon,
		)
	})
	return hubRegistry
}

// ObserveStep records a step's duration and outcome.
func (m *HubMetrics) ObserveStep(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	step = strings.TrimSpace(step)
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
	m.stepOutcomes.WithLabelValues(step, strings.ToLower(strings.TrimSpace(outcome))).Inc()
}

// ObserveTick records the duration of a whole tick.
func (m *HubMetrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

// SetUpperBound publishes the committed upper bound of token. Values beyond
// float64 precision are approximated.
func (m *HubMetrics) SetUpperBound(token string, bound *big.Int) {
	if m == nil || bound == nil {
		return
	}
	f, _ := new(big.Float).SetInt(bound).Float64()
	m.upperBound.WithLabelValues(strings.ToLower(token)).Set(f)
}

// SetChainHead publishes the mirrored block, eon and live challenge count.
func (m *HubMetrics) SetChainHead(block, eon, liveChallenges uint64) {
	if m == nil {
		return
	}
	m.lastSyncedBlock.Set(float64(block))
	m.currentEon.Set(float64(eon))
	m.openChallenges.Set(float64(liveChallenges))
}

// RecordChallenges counts challenge transitions into state.
func (m *HubMetrics) RecordChallenges(state string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.challenges.WithLabelValues(state).Add(float64(n))
}

// RecordWithdrawals counts confirmed or slashed requests.
func (m *HubMetrics) RecordWithdrawals(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.withdrawals.WithLabelValues(outcome).Add(float64(n))
}

// RecordFills counts swap fills for pair.
func (m *HubMetrics) RecordFills(pair string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.matches.WithLabelValues(pair).Add(float64(n))
}

// RecordBroadcasts counts signed transactions sent.
func (m *HubMetrics) RecordBroadcasts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcasts.Add(float64(n))
}

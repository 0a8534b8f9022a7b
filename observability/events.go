package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	imported *prometheus.CounterVec
	skipped  *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking verifier contract events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			imported: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hub",
				Subsystem: "events",
				Name:      "imported_total",
				Help:      "Contract events mirrored into the ledger segmented by kind.",
			}, []string{"kind"}),
			skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hub",
				Subsystem: "events",
				Name:      "skipped_total",
				Help:      "Contract events ignored because the wallet is not admitted.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(eventRegistry.imported, eventRegistry.skipped)
	})
	return eventRegistry
}

// RecordImported adds n imported events of kind.
func (m *eventMetrics) RecordImported(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.imported.WithLabelValues(normalizeKind(kind)).Add(float64(n))
}

// RecordSkipped counts one event for an unknown wallet.
func (m *eventMetrics) RecordSkipped(kind string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(normalizeKind(kind)).Inc()
}

func normalizeKind(kind string) string {
	normalized := strings.TrimSpace(strings.ToLower(kind))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

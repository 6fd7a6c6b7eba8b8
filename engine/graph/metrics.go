package graph

import (
	"time"

	"github.com/WessleyAI/safetygraph/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the store collectors. A nil *Metrics records nothing.
type Metrics struct {
	Mutations *prometheus.CounterVec
	Duration  prometheus.Histogram
	Revision  prometheus.Gauge
}

// NewMetrics registers the store collectors on reg.
func NewMetrics(reg *metrics.Registry) *Metrics {
	return &Metrics{
		Mutations: reg.Counter("graph_mutations_total", "Graph store mutations by result.", "result"),
		Duration:  reg.Histogram("graph_mutation_duration_seconds", "Time spent applying a mutation and its derivations.", nil),
		Revision:  reg.Gauge("graph_revision", "Committed graph revision."),
	}
}

func (m *Metrics) observe(result string, start, end time.Time) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(result).Inc()
	m.Duration.Observe(end.Sub(start).Seconds())
}

func (m *Metrics) setRevision(rev uint64) {
	if m == nil {
		return
	}
	m.Revision.Set(float64(rev))
}

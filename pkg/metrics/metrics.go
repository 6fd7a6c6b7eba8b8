// Package metrics wraps a private Prometheus registry so each engine
// component can declare its collectors by name without touching the global
// default registry, and exposes them over HTTP or as a textfile.
package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are the default histogram buckets (in seconds).
var DefaultBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Registry holds named collectors. Asking twice for the same name returns the
// collector registered first.
type Registry struct {
	mu   sync.Mutex
	reg  *prometheus.Registry
	byID map[string]prometheus.Collector
}

// New creates a registry that also carries the Go runtime collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return &Registry{reg: reg, byID: make(map[string]prometheus.Collector)}
}

func register[C prometheus.Collector](r *Registry, name string, mk func() C) C {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[name]; ok {
		if typed, ok := c.(C); ok {
			return typed
		}
		panic(fmt.Sprintf("metrics: %s already registered with a different type", name))
	}
	c := mk()
	r.reg.MustRegister(c)
	r.byID[name] = c
	return c
}

// Counter returns (or creates) a counter vector with the given labels.
func (r *Registry) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	return register(r, name, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	})
}

// Gauge returns (or creates) an unlabelled gauge.
func (r *Registry) Gauge(name, help string) prometheus.Gauge {
	return register(r, name, func() prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	})
}

// GaugeVec returns (or creates) a labelled gauge.
func (r *Registry) GaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return register(r, name, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	})
}

// Histogram returns (or creates) a histogram. Nil buckets use DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64) prometheus.Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return register(r, name, func() prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	})
}

// Handler returns an http.Handler that serves the registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// WriteTextfile dumps every metric to path in the text exposition format, for
// node_exporter's textfile collector or batch runs of the CLI.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}

// Mux serves /metrics and a /healthz liveness probe.
func (r *Registry) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}

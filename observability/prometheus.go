package observability

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusFactory is a MetricFactory backed by client_golang. Dotted
// metric names are registered with underscores, so "entitle.sweep.runs"
// becomes entitle_sweep_runs.
type PrometheusFactory struct {
	reg     prometheus.Registerer
	buckets []float64

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// PrometheusOption configures a PrometheusFactory.
type PrometheusOption func(*PrometheusFactory)

// WithBuckets sets the histogram buckets. Defaults to prometheus.DefBuckets.
func WithBuckets(b []float64) PrometheusOption {
	return func(f *PrometheusFactory) { f.buckets = b }
}

// NewPrometheusFactory creates a factory registering on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheusFactory(reg prometheus.Registerer, opts ...PrometheusOption) *PrometheusFactory {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := &PrometheusFactory{
		reg:        reg,
		buckets:    prometheus.DefBuckets,
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Counter implements MetricFactory.
func (f *PrometheusFactory) Counter(name string) Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := metricName(name)
	if c, ok := f.counters[key]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: key, Help: name})
	c = register(f.reg, c)
	f.counters[key] = c
	return c
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := metricName(name)
	if h, ok := f.histograms[key]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: key, Help: name, Buckets: f.buckets})
	h = register(f.reg, h)
	f.histograms[key] = h
	return h
}

// register adds c to reg, reusing a collector registered earlier under
// the same name by another factory.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

var nameReplacer = strings.NewReplacer(".", "_", "-", "_")

func metricName(name string) string {
	return nameReplacer.Replace(name)
}

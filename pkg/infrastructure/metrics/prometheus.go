package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric.
const Namespace = "polyroute"

// PrometheusCollector implements Collector using Prometheus. Vectors are
// created on first use; the label names of a metric are fixed by that first
// use and later calls with other label names are dropped.
type PrometheusCollector struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labels     map[string][]string
}

// NewPrometheusCollector creates a collector with its own registry, which
// also carries the Go runtime and process collectors.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return NewPrometheusCollectorWithRegistry(reg)
}

// NewPrometheusCollectorWithRegistry creates a collector registering into reg.
func NewPrometheusCollectorWithRegistry(reg *prometheus.Registry) *PrometheusCollector {
	return &PrometheusCollector{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labels:     make(map[string][]string),
	}
}

// Registry returns the registry metrics are exported from.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// IncrementCounter increments a counter metric.
func (p *PrometheusCollector) IncrementCounter(name string, labels ...string) {
	labelNames, labelValues := parseLabelPairs(labels)

	p.mu.Lock()
	counter, exists := p.counters[name]
	if !exists {
		counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      name + "_total",
			Help:      fmt.Sprintf("Counter for %s", name),
		}, labelNames)
		if !p.register(name, counter, labelNames) {
			p.mu.Unlock()
			return
		}
		p.counters[name] = counter
	}
	ok := p.sameLabels(name, labelNames)
	p.mu.Unlock()

	if ok {
		counter.WithLabelValues(labelValues...).Inc()
	}
}

// RecordHistogram records a value in a histogram metric.
func (p *PrometheusCollector) RecordHistogram(name string, value float64, labels ...string) {
	labelNames, labelValues := parseLabelPairs(labels)

	p.mu.Lock()
	histogram, exists := p.histograms[name]
	if !exists {
		histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      name,
			Help:      fmt.Sprintf("Histogram for %s", name),
			Buckets:   prometheus.DefBuckets,
		}, labelNames)
		if !p.register(name, histogram, labelNames) {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = histogram
	}
	ok := p.sameLabels(name, labelNames)
	p.mu.Unlock()

	if ok {
		histogram.WithLabelValues(labelValues...).Observe(value)
	}
}

// RecordGauge records a gauge metric value.
func (p *PrometheusCollector) RecordGauge(name string, value float64, labels ...string) {
	labelNames, labelValues := parseLabelPairs(labels)

	p.mu.Lock()
	gauge, exists := p.gauges[name]
	if !exists {
		gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      name,
			Help:      fmt.Sprintf("Gauge for %s", name),
		}, labelNames)
		if !p.register(name, gauge, labelNames) {
			p.mu.Unlock()
			return
		}
		p.gauges[name] = gauge
	}
	ok := p.sameLabels(name, labelNames)
	p.mu.Unlock()

	if ok {
		gauge.WithLabelValues(labelValues...).Set(value)
	}
}

// RegisterGaugeFunc exports a gauge whose value is read at scrape time.
func (p *PrometheusCollector) RegisterGaugeFunc(name, help string, fn func() float64) error {
	return p.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// StartTimer starts a timer whose Stop observes the elapsed seconds in the
// histogram <name>_seconds.
func (p *PrometheusCollector) StartTimer(name string) Timer {
	return &prometheusTimer{
		start:     time.Now(),
		name:      name + "_seconds",
		collector: p,
	}
}

// register must be called with p.mu held.
func (p *PrometheusCollector) register(name string, c prometheus.Collector, labelNames []string) bool {
	if err := p.registry.Register(c); err != nil {
		return false
	}
	p.labels[name] = labelNames
	return true
}

// sameLabels must be called with p.mu held.
func (p *PrometheusCollector) sameLabels(name string, labelNames []string) bool {
	return slices.Equal(p.labels[name], labelNames)
}

type prometheusTimer struct {
	start     time.Time
	name      string
	collector *PrometheusCollector
}

func (t *prometheusTimer) Stop() time.Duration {
	d := time.Since(t.start)
	t.collector.RecordHistogram(t.name, d.Seconds())
	return d
}

// parseLabelPairs parses label pairs from variadic string arguments.
// Expected format: "key1", "value1", "key2", "value2", ...
func parseLabelPairs(labels []string) ([]string, []string) {
	if len(labels)%2 != 0 {
		// If odd number of labels, ignore the last one
		labels = labels[:len(labels)-1]
	}

	labelNames := make([]string, 0, len(labels)/2)
	labelValues := make([]string, 0, len(labels)/2)

	for i := 0; i < len(labels); i += 2 {
		labelNames = append(labelNames, labels[i])
		labelValues = append(labelValues, labels[i+1])
	}

	return labelNames, labelValues
}

// MetricsServer serves /metrics on its own listener.
type MetricsServer struct {
	address string
	handler http.Handler
	server  *http.Server
	mu      sync.Mutex
}

// NewMetricsServer creates a metrics server for the collector's registry.
func NewMetricsServer(address string, collector *PrometheusCollector) *MetricsServer {
	return &MetricsServer{
		address: address,
		handler: collector.Handler(),
	}
}

// Start serves until Stop is called.
func (s *MetricsServer) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.handler)

	s.mu.Lock()
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down.
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

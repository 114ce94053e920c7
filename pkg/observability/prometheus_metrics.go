package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient interface using Prometheus
type PrometheusMetricsClient struct {
	namespace string
	subsystem string
	factory   promauto.Factory

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex

	commonLabels prometheus.Labels
}

// NewPrometheusMetricsClient creates a new Prometheus metrics client registering
// its collectors with reg. A nil reg uses the default registerer.
func NewPrometheusMetricsClient(reg prometheus.Registerer, namespace, subsystem string, commonLabels map[string]string) *PrometheusMetricsClient {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	labels := prometheus.Labels{}
	for k, v := range commonLabels {
		labels[k] = v
	}

	client := &PrometheusMetricsClient{
		namespace:    namespace,
		subsystem:    subsystem,
		factory:      promauto.With(reg),
		counters:     make(map[string]*prometheus.CounterVec),
		gauges:       make(map[string]*prometheus.GaugeVec),
		histograms:   make(map[string]*prometheus.HistogramVec),
		commonLabels: labels,
	}

	client.registerDefaultMetrics()

	return client
}

// registerDefaultMetrics registers the collaboration metrics up front so they
// are exported with zero values before the first session exists.
func (c *PrometheusMetricsClient) registerDefaultMetrics() {
	c.getOrCreateCounter("session_joins_total", "Participants joined", nil)
	c.getOrCreateCounter("session_leaves_total", "Participants left", []string{"reason"})
	c.getOrCreateCounter("sessions_destroyed_total", "Empty sessions garbage collected", nil)
	c.getOrCreateGauge("sessions_active", "Sessions currently tracked", nil)
	c.getOrCreateCounter("events_published_total", "Bus messages published", []string{"kind"})
	c.getOrCreateCounter("events_discarded_total", "Inbound events dropped", []string{"reason"})
	c.getOrCreateCounter("conflicts_total", "Conflict record transitions", []string{"outcome"})
	c.getOrCreateHistogram("publish_duration_seconds", "Bus publish latency", nil, prometheus.DefBuckets)
}

// IncrementCounter increments a counter without labels
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels increments a counter with labels
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	merged := c.mergeLabelValues(labels)
	counter := c.getOrCreateCounter(name, fmt.Sprintf("Counter for %s", name), labelNames(labels))
	counter.With(merged).Add(value)
}

// RecordGauge records a gauge metric
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	merged := c.mergeLabelValues(labels)
	gauge := c.getOrCreateGauge(name, fmt.Sprintf("Gauge for %s", name), labelNames(labels))
	gauge.With(merged).Set(value)
}

// RecordHistogram records a histogram metric
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	merged := c.mergeLabelValues(labels)
	histogram := c.getOrCreateHistogram(name, fmt.Sprintf("Histogram for %s", name), labelNames(labels), prometheus.DefBuckets)
	histogram.With(merged).Observe(value)
}

// RecordDuration records a duration in seconds
func (c *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration) {
	c.RecordHistogram(name, duration.Seconds(), nil)
}

// StartTimer starts a timer and returns a function to stop it
func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordHistogram(name, time.Since(start).Seconds(), labels)
	}
}

// Close implements MetricsClient
func (c *PrometheusMetricsClient) Close() error {
	return nil
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	if counter, exists := c.counters[name]; exists {
		c.mu.RUnlock()
		return counter
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := c.counters[name]; exists {
		return counter
	}

	counter := c.factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, c.withCommon(labels))

	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	if gauge, exists := c.gauges[name]; exists {
		c.mu.RUnlock()
		return gauge
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gauge, exists := c.gauges[name]; exists {
		return gauge
	}

	gauge := c.factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, c.withCommon(labels))

	c.gauges[name] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	c.mu.RLock()
	if histogram, exists := c.histograms[name]; exists {
		c.mu.RUnlock()
		return histogram
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if histogram, exists := c.histograms[name]; exists {
		return histogram
	}

	histogram := c.factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, c.withCommon(labels))

	c.histograms[name] = histogram
	return histogram
}

// withCommon appends the common label names so vectors accept merged label sets
func (c *PrometheusMetricsClient) withCommon(labels []string) []string {
	out := append([]string{}, labels...)
	for k := range c.commonLabels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *PrometheusMetricsClient) mergeLabelValues(labels map[string]string) prometheus.Labels {
	merged := prometheus.Labels{}
	for k, v := range c.commonLabels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	return merged
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

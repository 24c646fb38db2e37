package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric is one aggregated series. Counters hold a running total, gauges and
// timers the last observed value, histograms a count and sum.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Count     int64             `json:"count,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Exporter ships a snapshot of metrics somewhere.
type Exporter interface {
	Export(ctx context.Context, metrics []Metric) error
}

// Collector aggregates agent metrics in memory.
type Collector struct {
	mu       sync.RWMutex
	series   map[string]*Metric
	enabled  bool
	exporter Exporter
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCollector creates a collector. A nil exporter means flushes only log at
// debug level. When enabled and interval > 0, a background goroutine flushes
// periodically until Shutdown.
func NewCollector(enabled bool, exporter Exporter, interval time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		series:   make(map[string]*Metric),
		enabled:  enabled,
		exporter: exporter,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if enabled && interval > 0 {
		go c.periodicFlush()
	} else {
		close(c.done)
	}
	return c
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool { return c != nil && c.enabled }

// Counter adds value to a counter series.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.update(name, Counter, labels, "", func(m *Metric) { m.Value += value })
}

// Gauge sets a gauge series.
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.update(name, Gauge, labels, "", func(m *Metric) { m.Value = value })
}

// Histogram adds an observation to a histogram series.
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.update(name, Histogram, labels, "", func(m *Metric) {
		m.Value += value
		m.Count++
	})
}

// Timer records the last duration for a series, in milliseconds.
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.update(name, Timer, labels, "ms", func(m *Metric) {
		m.Value = float64(duration.Milliseconds())
		m.Count++
	})
}

func (c *Collector) update(name string, typ MetricType, labels map[string]string, unit string, apply func(*Metric)) {
	if !c.Enabled() {
		return
	}
	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.series[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: copyLabels(labels), Unit: unit}
		c.series[key] = m
	}
	apply(m)
	m.Timestamp = time.Now()
}

// Value returns the current value of a series, or 0 if it was never recorded.
func (c *Collector) Value(name string, labels map[string]string) float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.series[seriesKey(name, labels)]; ok {
		return m.Value
	}
	return 0
}

// GetMetrics returns a copy of every series sorted by name and labels.
func (c *Collector) GetMetrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]Metric, 0, len(keys))
	for _, k := range keys {
		m := *c.series[k]
		m.Labels = copyLabels(m.Labels)
		result = append(result, m)
	}
	c.mu.RUnlock()
	return result
}

// FlushMetrics exports the current snapshot. Series are cumulative and are not
// reset by a flush.
func (c *Collector) FlushMetrics(ctx context.Context) error {
	metrics := c.GetMetrics()
	if len(metrics) == 0 {
		return nil
	}
	if c.exporter != nil {
		return c.exporter.Export(ctx, metrics)
	}
	for _, metric := range metrics {
		log.Debug().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Msg("telemetry_metric")
	}
	return nil
}

func (c *Collector) periodicFlush() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.FlushMetrics(c.ctx); err != nil {
				log.Warn().Err(err).Msg("Telemetry flush failed")
			}
		}
	}
}

// Shutdown stops the flush loop and performs a final flush.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.cancel()
	<-c.done
	if !c.enabled {
		return nil
	}
	return c.FlushMetrics(ctx)
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

var (
	globalMu        sync.RWMutex
	globalCollector *Collector
)

// InitGlobal installs c as the global collector.
func InitGlobal(c *Collector) {
	globalMu.Lock()
	globalCollector = c
	globalMu.Unlock()
}

// GetGlobal returns the global collector, a disabled one if none was installed.
func GetGlobal() *Collector {
	globalMu.RLock()
	c := globalCollector
	globalMu.RUnlock()
	if c != nil {
		return c
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, nil, 0)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// HistogramGlobal records a histogram using the global collector
func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// internal/utils/metrics.go
package utils

import (
	"sync"
	"sync/atomic"
)

// MetricsCollector collects process-level metrics for the HTTP surface
type MetricsCollector struct {
	counters   map[string]*Counter
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Counter metric - using atomic operations for thread-safe value updates
type Counter struct {
	name  string
	value int64 // Use atomic operations for this field
}

// Histogram metric (simple implementation tracking count, sum, min, max)
type Histogram struct {
	name  string
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = &MetricsCollector{
			counters:   make(map[string]*Counter),
			histograms: make(map[string]*Histogram),
		}
	})
	return globalMetrics
}

// IncrementCounter increments a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	// Fast path for existing counters
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if exists {
		atomic.AddInt64(&counter.value, 1)
		return
	}

	m.mu.Lock()
	// Double-check after acquiring write lock
	counter, exists = m.counters[name]
	if !exists {
		counter = &Counter{name: name}
		m.counters[name] = counter
	}
	m.mu.Unlock()

	atomic.AddInt64(&counter.value, 1)
}

// GetCounter returns the current value of a counter
func (m *MetricsCollector) GetCounter(name string) int64 {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		return 0
	}
	return atomic.LoadInt64(&counter.value)
}

// ObserveHistogram records an observation into a histogram
func (m *MetricsCollector) ObserveHistogram(name string, value int64) {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		histogram, exists = m.histograms[name]
		if !exists {
			histogram = &Histogram{name: name}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.mu.Lock()
	defer histogram.mu.Unlock()

	if histogram.count == 0 || value < histogram.min {
		histogram.min = value
	}
	if value > histogram.max {
		histogram.max = value
	}
	histogram.count++
	histogram.sum += value
}

// HistogramSnapshot is a read-only view of a histogram
type HistogramSnapshot struct {
	Count int64   `json:"count"`
	Sum   int64   `json:"sum"`
	Min   int64   `json:"min"`
	Max   int64   `json:"max"`
	Avg   float64 `json:"avg"`
}

// GetHistogram returns a consistent snapshot of a histogram
func (m *MetricsCollector) GetHistogram(name string) HistogramSnapshot {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		return HistogramSnapshot{}
	}

	histogram.mu.Lock()
	defer histogram.mu.Unlock()

	snapshot := HistogramSnapshot{
		Count: histogram.count,
		Sum:   histogram.sum,
		Min:   histogram.min,
		Max:   histogram.max,
	}
	if histogram.count > 0 {
		snapshot.Avg = float64(histogram.sum) / float64(histogram.count)
	}
	return snapshot
}

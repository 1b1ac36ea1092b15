// Package metrics provides Prometheus-compatible client metrics.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType defines the type of a metric.
type MetricType string

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = "counter"
	// TypeGauge is a value that can go up and down.
	TypeGauge MetricType = "gauge"
	// TypeHistogram is a histogram with configurable buckets.
	TypeHistogram MetricType = "histogram"
)

// desc is the name and help text shared by every metric.
type desc struct {
	name string
	help string
}

func (d desc) Name() string { return d.name }
func (d desc) Help() string { return d.help }

// Counter is a thread-safe counter metric.
type Counter struct {
	desc
	value atomic.Uint64
}

// NewCounter creates a new counter metric.
func NewCounter(name, help string) *Counter {
	return &Counter{desc: desc{name, help}}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(delta uint64) {
	c.value.Add(delta)
}

// Value returns the current counter value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Type returns the metric type.
func (c *Counter) Type() MetricType {
	return TypeCounter
}

// Gauge is a thread-safe gauge metric.
type Gauge struct {
	desc
	value atomic.Int64
}

// NewGauge creates a new gauge metric.
func NewGauge(name, help string) *Gauge {
	return &Gauge{desc: desc{name, help}}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(value int64) {
	g.value.Store(value)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Type returns the metric type.
func (g *Gauge) Type() MetricType {
	return TypeGauge
}

// Histogram is a thread-safe histogram metric.
type Histogram struct {
	desc
	mu      sync.RWMutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// DefaultHistogramBuckets are the default buckets for histograms.
var DefaultHistogramBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// NewHistogram creates a new histogram metric with the given buckets.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = DefaultHistogramBuckets
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	return &Histogram{
		desc:    desc{name, help},
		buckets: bounds,
		counts:  make([]uint64, len(bounds)),
	}
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += value
	h.count++

	for i, bucket := range h.buckets {
		if value <= bucket {
			h.counts[i]++
			break
		}
	}
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Type returns the metric type.
func (h *Histogram) Type() MetricType {
	return TypeHistogram
}

// Snapshot returns a snapshot of the histogram.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := HistogramSnapshot{
		Buckets: make([]HistogramBucket, len(h.buckets)),
		Sum:     h.sum,
		Count:   h.count,
	}

	for i, bucket := range h.buckets {
		snap.Buckets[i] = HistogramBucket{
			UpperBound: bucket,
			Count:      h.counts[i],
		}
	}

	return snap
}

// HistogramSnapshot is a point-in-time snapshot of a histogram.
type HistogramSnapshot struct {
	Buckets []HistogramBucket
	Sum     float64
	Count   uint64
}

// HistogramBucket represents a single bucket in a histogram.
type HistogramBucket struct {
	UpperBound float64
	Count      uint64
}

// Metric is the interface for all metrics.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
}

// CounterVec is a family of counters partitioned by one label.
type CounterVec struct {
	desc
	mu       sync.RWMutex
	label    string
	counters map[string]*atomic.Uint64
}

// NewCounterVec creates a counter family keyed by label.
func NewCounterVec(name, help, label string) *CounterVec {
	return &CounterVec{
		desc:     desc{name, help},
		label:    label,
		counters: make(map[string]*atomic.Uint64),
	}
}

// WithLabel returns the counter for value, creating it on first use.
func (v *CounterVec) WithLabel(value string) *atomic.Uint64 {
	v.mu.RLock()
	c, ok := v.counters[value]
	v.mu.RUnlock()
	if ok {
		return c
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok = v.counters[value]; !ok {
		c = new(atomic.Uint64)
		v.counters[value] = c
	}
	return c
}

// Inc increments the counter for value.
func (v *CounterVec) Inc(value string) {
	v.WithLabel(value).Add(1)
}

// Value returns the counter for value.
func (v *CounterVec) Value(value string) uint64 {
	return v.WithLabel(value).Load()
}

// Type returns the metric type.
func (v *CounterVec) Type() MetricType {
	return TypeCounter
}

func (v *CounterVec) snapshot() ([]string, map[string]uint64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	values := make(map[string]uint64, len(v.counters))
	keys := make([]string, 0, len(v.counters))
	for k, c := range v.counters {
		keys = append(keys, k)
		values[k] = c.Load()
	}
	sort.Strings(keys)
	return keys, values
}

// Metrics holds all client metrics.
type Metrics struct {
	mu      sync.RWMutex
	metrics map[string]Metric

	// Counters
	Submissions       *CounterVec
	Confirmations     *CounterVec
	Rejections        *CounterVec
	TransportFailures *CounterVec
	AccountUpdates    *CounterVec
	ReadFallbacks     *Counter
	SessionSignatures *Counter
	WalletSignatures  *Counter
	BusyRejections    *Counter

	// Gauges
	DelegationStatus  *Gauge
	SessionKeyExpires *Gauge
	BaseSlot          *Gauge

	// Histograms
	ConfirmLatency *Histogram
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
func NewMetrics() *Metrics {
	m := &Metrics{
		metrics: make(map[string]Metric),

		// Counters
		Submissions:       NewCounterVec("crush_submissions_total", "Transactions submitted", "venue"),
		Confirmations:     NewCounterVec("crush_confirmations_total", "Transactions confirmed", "venue"),
		Rejections:        NewCounterVec("crush_rejections_total", "Transactions rejected by the ledger or program", "venue"),
		TransportFailures: NewCounterVec("crush_transport_failures_total", "Network, timeout or wallet failures", "venue"),
		AccountUpdates:    NewCounterVec("crush_account_updates_total", "Account updates received from subscriptions", "venue"),
		ReadFallbacks:     NewCounter("crush_read_fallbacks_total", "Ephemeral reads that fell back to the base venue"),
		SessionSignatures: NewCounter("crush_session_signatures_total", "Transactions signed with the session key"),
		WalletSignatures:  NewCounter("crush_wallet_signatures_total", "Transactions signed through the wallet"),
		BusyRejections:    NewCounter("crush_busy_rejections_total", "Operations refused because another was in flight"),

		// Gauges
		DelegationStatus:  NewGauge("crush_delegation_status", "0 undelegated, 1 checking, 2 delegated"),
		SessionKeyExpires: NewGauge("crush_session_key_expires_at", "Unix time the session key expires, 0 if none"),
		BaseSlot:          NewGauge("crush_base_slot", "Latest base venue slot seen by the health check"),

		// Histograms
		ConfirmLatency: NewHistogram(
			"crush_confirm_latency_seconds",
			"Time from submission to confirmation in seconds",
			[]float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		),
	}

	for _, metric := range []Metric{
		m.Submissions, m.Confirmations, m.Rejections, m.TransportFailures, m.AccountUpdates,
		m.ReadFallbacks, m.SessionSignatures, m.WalletSignatures, m.BusyRejections,
		m.DelegationStatus, m.SessionKeyExpires, m.BaseSlot, m.ConfirmLatency,
	} {
		m.register(metric)
	}

	return m
}

// register adds a metric to the internal registry.
func (m *Metrics) register(metric Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[metric.Name()] = metric
}

// Get returns a metric by name.
func (m *Metrics) Get(name string) Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics[name]
}

// Format formats all metrics in Prometheus text format.
func (m *Metrics) Format() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sb strings.Builder

	// Sort metric names for consistent output
	names := make([]string, 0, len(m.metrics))
	for name := range m.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sb.WriteString(formatMetric(m.metrics[name]))
		sb.WriteString("\n")
	}

	return sb.String()
}

// formatMetric formats a single metric in Prometheus text format.
func formatMetric(metric Metric) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP %s %s\n", metric.Name(), metric.Help())
	fmt.Fprintf(&sb, "# TYPE %s %s\n", metric.Name(), metric.Type())

	switch m := metric.(type) {
	case *Counter:
		fmt.Fprintf(&sb, "%s %d\n", m.Name(), m.Value())
	case *CounterVec:
		keys, values := m.snapshot()
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s{%s=%q} %d\n", m.Name(), m.label, k, values[k])
		}
	case *Gauge:
		fmt.Fprintf(&sb, "%s %d\n", m.Name(), m.Value())
	case *Histogram:
		snap := m.Snapshot()
		cumulative := uint64(0)
		for _, bucket := range snap.Buckets {
			cumulative += bucket.Count
			fmt.Fprintf(&sb, "%s_bucket{le=\"%.3f\"} %d\n", m.Name(), bucket.UpperBound, cumulative)
		}
		fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", m.Name(), snap.Count)
		fmt.Fprintf(&sb, "%s_sum %.6f\n", m.Name(), snap.Sum)
		fmt.Fprintf(&sb, "%s_count %d\n", m.Name(), snap.Count)
	}

	return sb.String()
}

// RecordConfirmation records a confirmed submission on venue.
func (m *Metrics) RecordConfirmation(venue string, latency time.Duration) {
	m.Confirmations.Inc(venue)
	m.ConfirmLatency.ObserveDuration(latency)
}

// SetSessionKeyExpiry records when the session key expires; the zero time
// clears it.
func (m *Metrics) SetSessionKeyExpiry(t time.Time) {
	if t.IsZero() {
		m.SessionKeyExpires.Set(0)
		return
	}
	m.SessionKeyExpires.Set(t.Unix())
}

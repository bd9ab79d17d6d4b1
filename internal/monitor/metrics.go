// Package monitor collects runtime metrics exposed on /metrics.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks intent throughput, API traffic, and
// reconciliation health.
type SystemMetrics struct {
	start time.Time

	IntentLatency *LatencyHistogram
	BrokerLatency *LatencyHistogram
	CycleLatency  *LatencyHistogram

	intentsProcessed uint64
	intentsRejected  uint64
	ordersSubmitted  uint64
	fillsApplied     uint64
	apiRequests      uint64
	apiErrors        uint64
	reconCycles      uint64
	reconFailures    uint64
}

// NewSystemMetrics creates a metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		start:         time.Now(),
		IntentLatency: NewLatencyHistogram(1000),
		BrokerLatency: NewLatencyHistogram(1000),
		CycleLatency:  NewLatencyHistogram(200),
	}
}

func (m *SystemMetrics) IncrementIntents()       { atomic.AddUint64(&m.intentsProcessed, 1) }
func (m *SystemMetrics) IncrementRejected()      { atomic.AddUint64(&m.intentsRejected, 1) }
func (m *SystemMetrics) IncrementOrders()        { atomic.AddUint64(&m.ordersSubmitted, 1) }
func (m *SystemMetrics) IncrementFills()         { atomic.AddUint64(&m.fillsApplied, 1) }
func (m *SystemMetrics) IncrementAPI()           { atomic.AddUint64(&m.apiRequests, 1) }
func (m *SystemMetrics) IncrementAPIErrors()     { atomic.AddUint64(&m.apiErrors, 1) }
func (m *SystemMetrics) IncrementReconCycles()   { atomic.AddUint64(&m.reconCycles, 1) }
func (m *SystemMetrics) IncrementReconFailures() { atomic.AddUint64(&m.reconFailures, 1) }

// Uptime reports time since process start.
func (m *SystemMetrics) Uptime() time.Duration { return time.Since(m.start) }

// MetricsSnapshot is a point-in-time view for the API.
type MetricsSnapshot struct {
	UptimeSeconds    float64      `json:"uptime_seconds"`
	IntentLatency    LatencyStats `json:"intent_latency_ms"`
	BrokerLatency    LatencyStats `json:"broker_latency_ms"`
	CycleLatency     LatencyStats `json:"recon_cycle_ms"`
	IntentsProcessed uint64       `json:"intents_processed"`
	IntentsRejected  uint64       `json:"intents_rejected"`
	OrdersSubmitted  uint64       `json:"orders_submitted"`
	FillsApplied     uint64       `json:"fills_applied"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	ReconCycles      uint64       `json:"recon_cycles"`
	ReconFailures    uint64       `json:"recon_failures"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns the current metrics.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		UptimeSeconds:    time.Since(m.start).Seconds(),
		IntentLatency:    m.IntentLatency.Stats(),
		BrokerLatency:    m.BrokerLatency.Stats(),
		CycleLatency:     m.CycleLatency.Stats(),
		IntentsProcessed: atomic.LoadUint64(&m.intentsProcessed),
		IntentsRejected:  atomic.LoadUint64(&m.intentsRejected),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		FillsApplied:     atomic.LoadUint64(&m.fillsApplied),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		ReconCycles:      atomic.LoadUint64(&m.reconCycles),
		ReconFailures:    atomic.LoadUint64(&m.reconFailures),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Timestamp:        time.Now(),
	}
}

// LatencyHistogram tracks samples over a sliding window with lazy
// stats recomputation.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding-window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts a duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats returns min, max, avg, p50, p95, p99, recomputed only when
// samples changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

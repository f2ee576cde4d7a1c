package storage

import (
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Histogram keeps the most recent latency samples in a ring buffer
type Histogram struct {
	mu      sync.Mutex
	samples []float64 // Latencies in microseconds
	next    int
	full    bool
}

// NewHistogram creates a histogram that retains maxSize samples
func NewHistogram(maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Histogram{samples: make([]float64, maxSize)}
}

// Record adds a latency sample (in microseconds), overwriting the oldest
// sample once the ring is full
func (h *Histogram) Record(latencyUs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.next] = latencyUs
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
}

func (h *Histogram) sortedCopy() []float64 {
	h.mu.Lock()
	n := h.next
	if h.full {
		n = len(h.samples)
	}
	out := make([]float64, n)
	copy(out, h.samples[:n])
	h.mu.Unlock()

	slices.Sort(out)
	return out
}

// Count returns the number of retained samples
func (h *Histogram) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.samples)
	}
	return h.next
}

// Reset clears all samples
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = 0
	h.full = false
}

// HistogramSnapshot holds percentile statistics of a histogram
type HistogramSnapshot struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
	P50   float64
	P95   float64
	P99   float64
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Snapshot captures current histogram statistics
func (h *Histogram) Snapshot() HistogramSnapshot {
	sorted := h.sortedCopy()
	if len(sorted) == 0 {
		return HistogramSnapshot{}
	}

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return HistogramSnapshot{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / float64(len(sorted)),
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
	}
}

// Metrics tracks buffer pool counters and latencies
type Metrics struct {
	cacheHits        *xsync.Counter
	cacheMisses      *xsync.Counter
	pageEvictions    *xsync.Counter
	dirtyPageFlushes *xsync.Counter
	pagesCreated     *xsync.Counter
	pagesDeleted     *xsync.Counter
	ioErrors         *xsync.Counter

	pageFetchLatency *Histogram
	pageFlushLatency *Histogram

	startTime time.Time
	mu        sync.RWMutex
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		cacheHits:        xsync.NewCounter(),
		cacheMisses:      xsync.NewCounter(),
		pageEvictions:    xsync.NewCounter(),
		dirtyPageFlushes: xsync.NewCounter(),
		pagesCreated:     xsync.NewCounter(),
		pagesDeleted:     xsync.NewCounter(),
		ioErrors:         xsync.NewCounter(),
		pageFetchLatency: NewHistogram(10000),
		pageFlushLatency: NewHistogram(10000),
		startTime:        time.Now(),
	}
}

func (m *Metrics) RecordCacheHit()       { m.cacheHits.Inc() }
func (m *Metrics) RecordCacheMiss()      { m.cacheMisses.Inc() }
func (m *Metrics) RecordPageEviction()   { m.pageEvictions.Inc() }
func (m *Metrics) RecordDirtyPageFlush() { m.dirtyPageFlushes.Inc() }
func (m *Metrics) RecordPageCreated()    { m.pagesCreated.Inc() }
func (m *Metrics) RecordPageDeleted()    { m.pagesDeleted.Inc() }
func (m *Metrics) RecordIOError()        { m.ioErrors.Inc() }

// RecordPageFetchLatency records the latency of a page fetch that went to disk
func (m *Metrics) RecordPageFetchLatency(d time.Duration) {
	m.pageFetchLatency.Record(float64(d.Microseconds()))
}

// RecordPageFlushLatency records the latency of a page write-back
func (m *Metrics) RecordPageFlushLatency(d time.Duration) {
	m.pageFlushLatency.Record(float64(d.Microseconds()))
}

func (m *Metrics) GetCacheHits() uint64        { return uint64(m.cacheHits.Value()) }
func (m *Metrics) GetCacheMisses() uint64      { return uint64(m.cacheMisses.Value()) }
func (m *Metrics) GetPageEvictions() uint64    { return uint64(m.pageEvictions.Value()) }
func (m *Metrics) GetDirtyPageFlushes() uint64 { return uint64(m.dirtyPageFlushes.Value()) }
func (m *Metrics) GetPagesCreated() uint64     { return uint64(m.pagesCreated.Value()) }
func (m *Metrics) GetPagesDeleted() uint64     { return uint64(m.pagesDeleted.Value()) }
func (m *Metrics) GetIOErrors() uint64         { return uint64(m.ioErrors.Value()) }

// GetCacheHitRate returns hits / (hits + misses), or 0 before any fetch
func (m *Metrics) GetCacheHitRate() float64 {
	hits := m.GetCacheHits()
	total := hits + m.GetCacheMisses()
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

func (m *Metrics) GetPageFetchLatency() HistogramSnapshot { return m.pageFetchLatency.Snapshot() }
func (m *Metrics) GetPageFlushLatency() HistogramSnapshot { return m.pageFlushLatency.Snapshot() }

func (m *Metrics) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}

// LogMetrics logs all metrics using structured logging
func (m *Metrics) LogMetrics(logger *slog.Logger) {
	fetch := m.GetPageFetchLatency()
	flush := m.GetPageFlushLatency()

	logger.Info("buffer pool metrics",
		slog.Group("buffer_pool",
			slog.Uint64("cache_hits", m.GetCacheHits()),
			slog.Uint64("cache_misses", m.GetCacheMisses()),
			slog.Float64("cache_hit_rate", m.GetCacheHitRate()),
			slog.Uint64("page_evictions", m.GetPageEvictions()),
			slog.Uint64("dirty_page_flushes", m.GetDirtyPageFlushes()),
			slog.Uint64("pages_created", m.GetPagesCreated()),
			slog.Uint64("pages_deleted", m.GetPagesDeleted()),
			slog.Uint64("io_errors", m.GetIOErrors()),
		),
		slog.Group("latency_us",
			slog.Group("page_fetch",
				slog.Int("count", fetch.Count),
				slog.Float64("mean", fetch.Mean),
				slog.Float64("p50", fetch.P50),
				slog.Float64("p95", fetch.P95),
				slog.Float64("p99", fetch.P99),
			),
			slog.Group("page_flush",
				slog.Int("count", flush.Count),
				slog.Float64("mean", flush.Mean),
				slog.Float64("p95", flush.P95),
				slog.Float64("p99", flush.P99),
			),
		),
		slog.Duration("uptime", m.GetUptime()),
	)
}

// Reset resets all metrics (useful for testing)
func (m *Metrics) Reset() {
	m.cacheHits.Reset()
	m.cacheMisses.Reset()
	m.pageEvictions.Reset()
	m.dirtyPageFlushes.Reset()
	m.pagesCreated.Reset()
	m.pagesDeleted.Reset()
	m.ioErrors.Reset()
	m.pageFetchLatency.Reset()
	m.pageFlushLatency.Reset()

	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
}

package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// FlushableBufferPool is the part of the buffer pool the background flusher uses
type FlushableBufferPool interface {
	GetDirtyPageCount() int
	GetCapacity() int
	GetDirtyPages(maxPages int) []PageID
	// FlushDirtyPage writes pageID back and reports whether it was dirty
	FlushDirtyPage(pageID PageID) (bool, error)
}

// FlusherConfig controls how aggressively dirty pages are written back
type FlusherConfig struct {
	// Below this dirty ratio nothing is flushed
	TargetDirtyRatio float64
	// At or above this dirty ratio MaxFlushPages are flushed per cycle
	MaxDirtyRatio float64
	CheckInterval time.Duration
	MinFlushPages int
	MaxFlushPages int
}

// DefaultFlusherConfig returns default configuration
func DefaultFlusherConfig() FlusherConfig {
	return FlusherConfig{
		TargetDirtyRatio: 0.60,
		MaxDirtyRatio:    0.80,
		CheckInterval:    100 * time.Millisecond,
		MinFlushPages:    10,
		MaxFlushPages:    100,
	}
}

// FlusherStats contains statistics about background flushing.
// PagesFlushed counts actual write-backs; PagesSkipped counts listed pages
// that were clean or gone by the time the flusher reached them.
type FlusherStats struct {
	Cycles         uint64
	PagesFlushed   uint64
	PagesSkipped   uint64
	LastDirtyRatio float64
	LastFlush      time.Time
}

// BackgroundFlusher writes dirty pages back ahead of eviction so that
// victims are more often clean
type BackgroundFlusher struct {
	bufferPool FlushableBufferPool
	config     FlusherConfig
	logger     *slog.Logger

	running      atomic.Bool
	cycles       atomic.Uint64
	pagesFlushed atomic.Uint64
	pagesSkipped atomic.Uint64

	mu             sync.Mutex
	lastDirtyRatio float64
	lastFlush      time.Time
	cancel         context.CancelFunc
	done           chan struct{}
}

// NewBackgroundFlusher creates a flusher; out of range settings fall back
// to the defaults
func NewBackgroundFlusher(bp FlushableBufferPool, config FlusherConfig, logger *slog.Logger) *BackgroundFlusher {
	def := DefaultFlusherConfig()
	if config.TargetDirtyRatio <= 0 || config.TargetDirtyRatio >= 1 {
		config.TargetDirtyRatio = def.TargetDirtyRatio
	}
	if config.MaxDirtyRatio <= config.TargetDirtyRatio || config.MaxDirtyRatio > 1 {
		config.MaxDirtyRatio = max(def.MaxDirtyRatio, config.TargetDirtyRatio)
	}
	if config.CheckInterval < time.Millisecond {
		config.CheckInterval = def.CheckInterval
	}
	if config.MinFlushPages <= 0 {
		config.MinFlushPages = 1
	}
	if config.MaxFlushPages < config.MinFlushPages {
		config.MaxFlushPages = config.MinFlushPages
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &BackgroundFlusher{
		bufferPool: bp,
		config:     config,
		logger:     logger,
	}
}

// Start runs the flush loop until Stop is called or ctx is done
func (bf *BackgroundFlusher) Start(ctx context.Context) error {
	if !bf.running.CompareAndSwap(false, true) {
		return fmt.Errorf("background flusher already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	bf.mu.Lock()
	bf.cancel = cancel
	bf.done = done
	bf.mu.Unlock()

	go bf.flushLoop(ctx, done)
	return nil
}

// Stop stops the flush loop and waits for it to exit
func (bf *BackgroundFlusher) Stop() {
	bf.mu.Lock()
	cancel, done := bf.cancel, bf.done
	bf.cancel, bf.done = nil, nil
	bf.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (bf *BackgroundFlusher) flushLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer bf.running.Store(false)

	ticker := time.NewTicker(bf.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bf.runCycle()
		}
	}
}

// runCycle performs one iteration of background flushing
func (bf *BackgroundFlusher) runCycle() {
	capacity := bf.bufferPool.GetCapacity()
	if capacity == 0 {
		return
	}

	dirtyRatio := float64(bf.bufferPool.GetDirtyPageCount()) / float64(capacity)
	bf.cycles.Add(1)

	bf.mu.Lock()
	bf.lastDirtyRatio = dirtyRatio
	bf.mu.Unlock()

	budget := bf.flushBudget(dirtyRatio)
	if budget == 0 {
		return
	}

	flushed := bf.flushDirtyPages(budget)
	bf.logger.Debug("background flush",
		slog.Float64("dirty_ratio", dirtyRatio),
		slog.Int("budget", budget),
		slog.Int("flushed", flushed),
	)
}

// flushBudget maps the dirty ratio onto [MinFlushPages, MaxFlushPages]
func (bf *BackgroundFlusher) flushBudget(dirtyRatio float64) int {
	cfg := bf.config
	switch {
	case dirtyRatio < cfg.TargetDirtyRatio:
		return 0
	case dirtyRatio >= cfg.MaxDirtyRatio:
		return cfg.MaxFlushPages
	}

	fraction := (dirtyRatio - cfg.TargetDirtyRatio) / (cfg.MaxDirtyRatio - cfg.TargetDirtyRatio)
	return cfg.MinFlushPages + int(math.Round(fraction*float64(cfg.MaxFlushPages-cfg.MinFlushPages)))
}

// flushDirtyPages flushes up to maxPages dirty pages. Pages cleaned by
// someone else or gone from the pool since they were listed are skipped.
func (bf *BackgroundFlusher) flushDirtyPages(maxPages int) int {
	flushed := 0
	for _, pageID := range bf.bufferPool.GetDirtyPages(maxPages) {
		wrote, err := bf.bufferPool.FlushDirtyPage(pageID)
		switch {
		case err == nil && wrote:
			flushed++
		case err == nil, IsErrorCode(err, ErrCodePageNotFound):
			bf.pagesSkipped.Add(1)
		default:
			bf.logger.Warn("background flush failed",
				slog.Uint64("page_id", uint64(pageID)),
				slog.Any("error", err),
			)
		}
	}

	bf.pagesFlushed.Add(uint64(flushed))
	bf.mu.Lock()
	bf.lastFlush = time.Now()
	bf.mu.Unlock()

	return flushed
}

// TriggerFlush runs one flush pass outside the schedule
func (bf *BackgroundFlusher) TriggerFlush(maxPages int) int {
	if maxPages <= 0 {
		maxPages = bf.config.MaxFlushPages
	}
	return bf.flushDirtyPages(maxPages)
}

// IsRunning returns whether the flush loop is active
func (bf *BackgroundFlusher) IsRunning() bool {
	return bf.running.Load()
}

// GetConfig returns the effective configuration
func (bf *BackgroundFlusher) GetConfig() FlusherConfig {
	return bf.config
}

// GetStats returns current statistics
func (bf *BackgroundFlusher) GetStats() FlusherStats {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return FlusherStats{
		Cycles:         bf.cycles.Load(),
		PagesFlushed:   bf.pagesFlushed.Load(),
		PagesSkipped:   bf.pagesSkipped.Load(),
		LastDirtyRatio: bf.lastDirtyRatio,
		LastFlush:      bf.lastFlush,
	}
}

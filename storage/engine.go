package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Engine bundles a buffer pool with the page store and background flusher
// built from a Config.
type Engine struct {
	config     *Config
	store      DiskManager
	pool       *BufferPoolManager
	flusher    *BackgroundFlusher
	compressed *CompressedDiskManager
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open validates cfg and brings up the page store, buffer pool and, if
// enabled, the background flusher. Logs go to stderr.
func Open(cfg *Config) (*Engine, error) {
	return OpenWithLogOutput(cfg, os.Stderr)
}

// OpenWithLogOutput is Open with an explicit log destination
func OpenWithLogOutput(cfg *Config, logOutput io.Writer) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewStorageError(ErrCodeInvalidConfig, "Open", "invalid configuration", err)
	}
	cfg = cfg.Clone()
	logger := NewLogger(cfg.LogLevel, logOutput)

	if dir := filepath.Dir(cfg.DataFile); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{config: cfg, store: store, logger: logger}

	algorithm, _ := ParseCompressionType(cfg.Compression)
	if algorithm != CompressionNone {
		cdm, err := NewCompressedDiskManager(store, algorithm)
		if err != nil {
			closeStore(store)
			return nil, err
		}
		e.compressed = cdm
		e.store = cdm
	}

	pool, err := NewBufferPoolManager(cfg.BufferPoolSize, e.store)
	if err != nil {
		closeStore(e.store)
		return nil, err
	}
	pool.SetLogger(logger)
	e.pool = pool

	if cfg.FlusherEnabled {
		e.flusher = NewBackgroundFlusher(pool, cfg.FlusherConfig(), logger)
		if err := e.flusher.Start(context.Background()); err != nil {
			closeStore(e.store)
			return nil, err
		}
	}

	logger.Info("buffer pool opened",
		slog.Uint64("pool_size", uint64(cfg.BufferPoolSize)),
		slog.String("data_file", cfg.DataFile),
		slog.String("disk_manager", cfg.DiskManager),
		slog.String("compression", algorithm.String()),
		slog.Bool("flusher", cfg.FlusherEnabled),
	)

	return e, nil
}

func openStore(cfg *Config) (DiskManager, error) {
	switch cfg.DiskManager {
	case "mmap":
		return NewMmapDiskManager(cfg.DataFile, cfg.MmapInitialPages)
	default:
		return NewFileDiskManager(cfg.DataFile)
	}
}

func closeStore(store DiskManager) error {
	if c, ok := store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// BufferPool returns the engine's buffer pool
func (e *Engine) BufferPool() *BufferPoolManager {
	return e.pool
}

// Flusher returns the background flusher, or nil if it is disabled
func (e *Engine) Flusher() *BackgroundFlusher {
	return e.flusher
}

// CompressionStats returns page compression statistics. ok is false when
// compression is off.
func (e *Engine) CompressionStats() (stats PageCompressionStats, ok bool) {
	if e.compressed == nil {
		return PageCompressionStats{}, false
	}
	return e.compressed.GetStats(), true
}

// Config returns a copy of the configuration the engine was opened with
func (e *Engine) Config() *Config {
	return e.config.Clone()
}

// Close stops the flusher, writes back every dirty page and closes the
// page store. Later calls return the first result.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.flusher != nil {
			e.flusher.Stop()
		}

		flushErr := e.pool.FlushAllPages()
		if flushErr != nil {
			e.logger.Error("failed to flush buffer pool on close", slog.Any("error", flushErr))
		}

		if e.config.EnableMetrics {
			e.pool.GetMetrics().LogMetrics(e.logger)
		}

		e.closeErr = errors.Join(flushErr, closeStore(e.store))
	})
	return e.closeErr
}

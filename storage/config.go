package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds buffer pool configuration
type Config struct {
	// Buffer Pool Configuration
	BufferPoolSize uint32 `json:"buffer_pool_size"` // Number of frames in the pool

	// Page Store Configuration
	DataFile         string `json:"data_file"`          // Path of the page file
	DiskManager      string `json:"disk_manager"`       // Page store implementation (file, mmap)
	MmapInitialPages uint32 `json:"mmap_initial_pages"` // Initial mapping size in pages
	Compression      string `json:"compression"`        // Page compression (none, lz4, snappy)

	// Observability
	EnableMetrics bool   `json:"enable_metrics"` // Log metrics on close
	LogLevel      string `json:"log_level"`      // Log level (debug, info, warn, error)

	// Background Flusher
	FlusherEnabled   bool    `json:"flusher_enabled"`
	FlushIntervalMs  int     `json:"flush_interval_ms"`
	TargetDirtyRatio float64 `json:"target_dirty_ratio"`
	MaxDirtyRatio    float64 `json:"max_dirty_ratio"`
	MinFlushPages    int     `json:"min_flush_pages"`
	MaxFlushPages    int     `json:"max_flush_pages"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		BufferPoolSize:   100,
		DataFile:         "./data/hexbuffer.db",
		DiskManager:      "file",
		MmapInitialPages: DefaultMmapInitialPages,
		Compression:      "none",
		EnableMetrics:    true,
		LogLevel:         "info",
		FlusherEnabled:   false,
		FlushIntervalMs:  100,
		TargetDirtyRatio: 0.60,
		MaxDirtyRatio:    0.80,
		MinFlushPages:    10,
		MaxFlushPages:    100,
	}
}

// LoadConfigFromFile loads configuration from a JSON file. Missing fields
// keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfigFromEnv loads configuration from HEXBUFFER_* environment
// variables, falling back to defaults for unset or unparsable values
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()

	if val := os.Getenv("HEXBUFFER_BUFFER_POOL_SIZE"); val != "" {
		if size, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.BufferPoolSize = uint32(size)
		}
	}

	if val := os.Getenv("HEXBUFFER_DATA_FILE"); val != "" {
		config.DataFile = val
	}

	if val := os.Getenv("HEXBUFFER_DISK_MANAGER"); val != "" {
		config.DiskManager = val
	}

	if val := os.Getenv("HEXBUFFER_MMAP_INITIAL_PAGES"); val != "" {
		if pages, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.MmapInitialPages = uint32(pages)
		}
	}

	if val := os.Getenv("HEXBUFFER_COMPRESSION"); val != "" {
		config.Compression = val
	}

	if val := os.Getenv("HEXBUFFER_ENABLE_METRICS"); val != "" {
		config.EnableMetrics = val == "true" || val == "1"
	}

	if val := os.Getenv("HEXBUFFER_LOG_LEVEL"); val != "" {
		config.LogLevel = val
	}

	if val := os.Getenv("HEXBUFFER_FLUSHER_ENABLED"); val != "" {
		config.FlusherEnabled = val == "true" || val == "1"
	}

	if val := os.Getenv("HEXBUFFER_FLUSH_INTERVAL_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.FlushIntervalMs = ms
		}
	}

	return config
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.BufferPoolSize == 0 {
		return fmt.Errorf("buffer pool size must be greater than 0")
	}

	if c.DataFile == "" {
		return fmt.Errorf("data file cannot be empty")
	}

	switch c.DiskManager {
	case "file", "mmap":
	default:
		return fmt.Errorf("invalid disk manager: %s (must be file or mmap)", c.DiskManager)
	}

	if _, err := ParseCompressionType(c.Compression); err != nil {
		return err
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.FlusherEnabled {
		if c.FlushIntervalMs <= 0 {
			return fmt.Errorf("flush interval must be positive")
		}
		if c.TargetDirtyRatio <= 0 || c.TargetDirtyRatio >= 1 {
			return fmt.Errorf("target dirty ratio must be in (0, 1), got %f", c.TargetDirtyRatio)
		}
		if c.MaxDirtyRatio <= c.TargetDirtyRatio || c.MaxDirtyRatio > 1 {
			return fmt.Errorf("max dirty ratio must be in (target, 1], got %f", c.MaxDirtyRatio)
		}
		if c.MinFlushPages <= 0 || c.MaxFlushPages < c.MinFlushPages {
			return fmt.Errorf("flush page bounds must satisfy 0 < min <= max, got %d..%d",
				c.MinFlushPages, c.MaxFlushPages)
		}
	}

	return nil
}

// FlusherConfig extracts the background flusher settings
func (c *Config) FlusherConfig() FlusherConfig {
	return FlusherConfig{
		TargetDirtyRatio: c.TargetDirtyRatio,
		MaxDirtyRatio:    c.MaxDirtyRatio,
		CheckInterval:    time.Duration(c.FlushIntervalMs) * time.Millisecond,
		MinFlushPages:    c.MinFlushPages,
		MaxFlushPages:    c.MaxFlushPages,
	}
}

// Clone creates a copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

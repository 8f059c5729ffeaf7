// Package config holds the runtime configuration of the rcheap memory manager.
//
// Configuration is read from rcheap.yaml (or rcheap.yml), found by walking up
// from the working directory. Every field has a usable default, so an absent
// file or an empty document yields a working heap:
//
//	collector:
//	  threshold: 128
//	  interval: 100ms
//	heap:
//	  max_bytes: 0
//	  profiling: true
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level rcheap.yaml document.
type Config struct {
	Collector   CollectorConfig   `yaml:"collector"`
	Heap        HeapConfig        `yaml:"heap"`
	Log         LogConfig         `yaml:"log"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	History     HistoryConfig     `yaml:"history"`
}

// CollectorConfig tunes the cycle collector.
type CollectorConfig struct {
	// Threshold is the number of pending candidate roots that triggers an
	// automatic pass. Zero selects DefaultCollectThreshold.
	Threshold int `yaml:"threshold,omitempty"`

	// Interval is the background collector tick. Zero disables the
	// background collector; passes then only run on threshold or on demand.
	Interval time.Duration `yaml:"interval,omitempty"`

	// Manual disables automatic passes entirely. CollectCycles still works.
	Manual bool `yaml:"manual,omitempty"`
}

// HeapConfig bounds and instruments allocation.
type HeapConfig struct {
	// MaxBytes caps the accounted size of live values. Zero means unlimited.
	MaxBytes int64 `yaml:"max_bytes,omitempty"`

	// Profiling enables per-type allocation accounting.
	Profiling bool `yaml:"profiling,omitempty"`
}

// LogConfig controls runtime logging.
type LogConfig struct {
	Verbose bool `yaml:"verbose,omitempty"`
}

// DiagnosticsConfig configures the gRPC diagnostics endpoint.
type DiagnosticsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// HistoryConfig configures the sqlite collection history.
type HistoryConfig struct {
	// Path is the sqlite database file. Empty disables recording.
	Path string `yaml:"path,omitempty"`
}

// Default returns the configuration used when no rcheap.yaml is present.
func Default() Config {
	var cfg Config
	cfg.Heap.Profiling = true
	cfg.setDefaults()
	return cfg
}

// LoadConfig reads and parses an rcheap.yaml file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return ParseConfig(data, path)
}

// ParseConfig parses rcheap.yaml content from bytes.
// The path argument is used only for error messages.
func ParseConfig(data []byte, path string) (*Config, error) {
	cfg := Config{Heap: HeapConfig{Profiling: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

// FindConfig searches for rcheap.yaml starting from dir and walking up
// to parent directories.
// Returns the path to the config file, or empty string and nil error if not found.
func FindConfig(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving directory: %w", err)
	}

	for {
		for _, name := range ConfigFileNames {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			return "", nil
		}
		dir = parent
	}
}

// Resolve loads the config named by path, or the nearest rcheap.yaml above
// the working directory when path is empty, or the defaults when neither exists.
func Resolve(path string) (*Config, error) {
	if path == "" {
		found, err := FindConfig(".")
		if err != nil {
			return nil, err
		}
		if found == "" {
			cfg := Default()
			return &cfg, nil
		}
		path = found
	}
	return LoadConfig(path)
}

// validate checks the configuration for semantic errors.
func (c *Config) validate(path string) error {
	if c.Collector.Threshold < 0 {
		return fmt.Errorf("%s: collector.threshold must not be negative (got %d)", path, c.Collector.Threshold)
	}
	if c.Collector.Interval < 0 {
		return fmt.Errorf("%s: collector.interval must not be negative (got %s)", path, c.Collector.Interval)
	}
	if c.Heap.MaxBytes < 0 {
		return fmt.Errorf("%s: heap.max_bytes must not be negative (got %d)", path, c.Heap.MaxBytes)
	}
	return nil
}

// setDefaults fills in zero-valued fields.
func (c *Config) setDefaults() {
	if c.Collector.Threshold == 0 {
		c.Collector.Threshold = DefaultCollectThreshold
	}
	if c.Diagnostics.Listen == "" {
		c.Diagnostics.Listen = DefaultDiagnosticsAddr
	}
}

package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfig_Full(t *testing.T) {
	yaml := `
collector:
  threshold: 64
  interval: 250ms
  manual: true
heap:
  max_bytes: 1048576
  profiling: false
log:
  verbose: true
diagnostics:
  listen: 127.0.0.1:9000
history:
  path: /tmp/history.db
`
	cfg, err := ParseConfig([]byte(yaml), "test.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Collector.Threshold != 64 {
		t.Errorf("threshold = %d, want 64", cfg.Collector.Threshold)
	}
	if cfg.Collector.Interval != 250*time.Millisecond {
		t.Errorf("interval = %s, want 250ms", cfg.Collector.Interval)
	}
	if !cfg.Collector.Manual {
		t.Error("expected manual to be true")
	}
	if cfg.Heap.MaxBytes != 1<<20 {
		t.Errorf("max_bytes = %d, want %d", cfg.Heap.MaxBytes, 1<<20)
	}
	if cfg.Heap.Profiling {
		t.Error("expected profiling to be disabled")
	}
	if !cfg.Log.Verbose {
		t.Error("expected verbose logging")
	}
	if cfg.Diagnostics.Listen != "127.0.0.1:9000" {
		t.Errorf("listen = %q, want 127.0.0.1:9000", cfg.Diagnostics.Listen)
	}
	if cfg.History.Path != "/tmp/history.db" {
		t.Errorf("history path = %q", cfg.History.Path)
	}
}

func TestParseConfig_EmptyUsesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(""), "empty.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Collector.Threshold != DefaultCollectThreshold {
		t.Errorf("threshold = %d, want %d", cfg.Collector.Threshold, DefaultCollectThreshold)
	}
	if cfg.Collector.Interval != 0 {
		t.Errorf("interval = %s, want 0 (background disabled)", cfg.Collector.Interval)
	}
	if !cfg.Heap.Profiling {
		t.Error("profiling should default to true")
	}
	if cfg.Diagnostics.Listen != DefaultDiagnosticsAddr {
		t.Errorf("listen = %q, want %q", cfg.Diagnostics.Listen, DefaultDiagnosticsAddr)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative threshold", "collector:\n  threshold: -1\n", "collector.threshold"},
		{"negative interval", "collector:\n  interval: -5s\n", "collector.interval"},
		{"negative max bytes", "heap:\n  max_bytes: -10\n", "heap.max_bytes"},
		{"bad duration", "collector:\n  interval: soon\n", "parsing"},
		{"malformed", "collector: [1, 2\n", "parsing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml), "bad.yaml")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestFindConfig_WalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "a", "rcheap.yml")
	if err := os.WriteFile(want, []byte("collector:\n  threshold: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FindConfig(nested)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("FindConfig = %q, want %q", got, want)
	}

	cfg, err := LoadConfig(got)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Collector.Threshold != 7 {
		t.Errorf("threshold = %d, want 7", cfg.Collector.Threshold)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

func TestResolve_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("heap:\n  max_bytes: 4096\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Resolve(path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Heap.MaxBytes != 4096 {
		t.Errorf("max_bytes = %d, want 4096", cfg.Heap.MaxBytes)
	}
}

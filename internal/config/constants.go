package config

import "time"

// ConfigFileNames are the runtime configuration files searched by FindConfig, in order.
var ConfigFileNames = []string{"rcheap.yaml", "rcheap.yml"}

// Collector defaults
const (
	// DefaultCollectThreshold is the number of pending candidate roots that
	// triggers an automatic collection pass.
	DefaultCollectThreshold = 128

	// DefaultCollectInterval is the background collector tick.
	DefaultCollectInterval = 100 * time.Millisecond
)

// Diagnostics defaults
const (
	DefaultDiagnosticsAddr = "127.0.0.1:7311"
	DiagnosticsService     = "rcheap.diag.Diagnostics"
)

// LogPrefix is prepended to every runtime log line.
const LogPrefix = "rcheap: "


// Package heap implements a reference-counted object heap with weak
// handles and a synchronous trial-deletion cycle collector.
//
// Values are allocated with New and shared through *Rc handles; each
// handle is released exactly once. Acyclic garbage is freed the moment its
// last strong handle goes. Objects whose count drops to a non-zero value
// become cycle candidates, and CollectCycles (or an automatic trigger)
// reclaims the unreachable cycles among them.
package heap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/funvibe/rcheap/internal/config"
)

// Heap owns a type registry, an allocation registry and a collector.
type Heap struct {
	types   *TypeRegistry
	session uuid.UUID
	created time.Time

	threshold atomic.Int64
	manual    bool
	maxBytes  int64
	verbose   bool

	mu     sync.RWMutex // guards allocs and closed
	allocs allocRegistry
	closed bool

	nextID     atomic.Uint64
	candidates candidateSet

	runMu sync.Mutex // serializes passes
	state atomic.Int32
	stats collectorStats
	bg    background

	allocations atomic.Uint64
	liveObjects atomic.Int64
	liveBytes   atomic.Int64
	peakBytes   atomic.Int64
	prof        profiler

	observersMu sync.Mutex
	observers   []func(CollectionReport)

	// beforeClaim, when set, sees each garbage group between
	// classification and claim. Tests use it to race the claim.
	beforeClaim func(garbage []*box)
}

// NewHeap creates an independent heap configured by cfg. A positive
// collector.interval starts the background loop unless collector.manual
// is set.
func NewHeap(cfg config.Config) *Heap {
	types := NewTypeRegistry()
	_ = types.Initialize() // fresh registry, cannot be active

	h := &Heap{
		types:    types,
		session:  uuid.New(),
		created:  time.Now(),
		manual:   cfg.Collector.Manual,
		maxBytes: cfg.Heap.MaxBytes,
		verbose:  cfg.Log.Verbose,
		allocs:   newAllocRegistry(),
		prof:     profiler{enabled: cfg.Heap.Profiling},
	}
	h.SetThreshold(cfg.Collector.Threshold)
	if cfg.Collector.Interval > 0 && !cfg.Collector.Manual {
		h.StartBackground(cfg.Collector.Interval)
	}
	return h
}

// Types returns the heap's type registry.
func (h *Heap) Types() *TypeRegistry { return h.types }

// Session identifies this heap in diagnostics and history.
func (h *Heap) Session() uuid.UUID { return h.session }

// Created is when the heap was made.
func (h *Heap) Created() time.Time { return h.created }

// Threshold is the pending-candidate count that starts an automatic pass.
func (h *Heap) Threshold() int { return int(h.threshold.Load()) }

// SetThreshold changes the automatic-pass threshold. n <= 0 restores
// the default.
func (h *Heap) SetThreshold(n int) {
	if n <= 0 {
		n = config.DefaultCollectThreshold
	}
	h.threshold.Store(int64(n))
}

// Close stops the background loop and the type registry. Later
// allocations fail with ErrNotInitialized; existing handles stay valid and
// may still be released. Closing twice is a no-op.
func (h *Heap) Close() {
	h.StopBackground()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.types.Shutdown()
}

// Closed reports whether Close was called.
func (h *Heap) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

var (
	defaultMu   sync.Mutex
	defaultHeap *Heap
)

// Initialize creates the process-wide heap. A second call without
// Shutdown fails with ErrAlreadyInitialized.
func Initialize(cfg config.Config) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultHeap != nil {
		return ErrAlreadyInitialized
	}
	defaultHeap = NewHeap(cfg)
	return nil
}

// Shutdown closes the process-wide heap. It is safe to call when the
// runtime is not initialized.
func Shutdown() {
	defaultMu.Lock()
	h := defaultHeap
	defaultHeap = nil
	defaultMu.Unlock()

	if h != nil {
		h.Close()
	}
}

// Default returns the process-wide heap.
func Default() (*Heap, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultHeap == nil {
		return nil, ErrNotInitialized
	}
	return defaultHeap, nil
}

// IsInitialized reports whether Initialize has been called without a
// matching Shutdown.
func IsInitialized() bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultHeap != nil
}

// GetStats returns the process-wide heap's counters.
func GetStats() (Stats, error) {
	h, err := Default()
	if err != nil {
		return Stats{}, err
	}
	return h.Stats(), nil
}

// CollectCycles runs a pass on the process-wide heap.
func CollectCycles() (CollectionReport, error) {
	h, err := Default()
	if err != nil {
		return CollectionReport{}, err
	}
	return h.CollectCycles(), nil
}

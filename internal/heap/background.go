package heap

import (
	"sync"
	"time"

	"github.com/funvibe/rcheap/internal/config"
)

// background runs collection passes on a ticker while candidates are
// pending.
type background struct {
	mu       sync.Mutex // protects start/stop lifecycle
	interval time.Duration
	stop     chan struct{}
	stopped  chan struct{}
}

// StartBackground begins periodic passes every interval (the configured
// default when interval <= 0). Calling it while running is a no-op.
func (h *Heap) StartBackground(interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultCollectInterval
	}
	bg := &h.bg
	bg.mu.Lock()
	defer bg.mu.Unlock()

	if bg.stop != nil {
		return
	}
	bg.interval = interval
	bg.stop = make(chan struct{})
	bg.stopped = make(chan struct{})

	// The loop gets its own copies so Stop can nil the fields.
	go h.backgroundLoop(interval, bg.stop, bg.stopped)
	if h.verbose {
		logf("background collector started, every %s", interval)
	}
}

// StopBackground halts the loop and waits for an in-flight pass. Safe to
// call when the loop was never started.
func (h *Heap) StopBackground() {
	bg := &h.bg
	bg.mu.Lock()
	stopCh := bg.stop
	stoppedCh := bg.stopped
	bg.stop = nil
	bg.stopped = nil
	bg.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
		if h.verbose {
			logf("background collector stopped")
		}
	}
}

// BackgroundRunning reports whether the periodic loop is active.
func (h *Heap) BackgroundRunning() bool {
	h.bg.mu.Lock()
	defer h.bg.mu.Unlock()
	return h.bg.stop != nil
}

func (h *Heap) backgroundLoop(interval time.Duration, stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if h.candidates.len() > 0 {
				h.tryCollect(TriggerBackground)
			}
		}
	}
}

package heap

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Stats is a snapshot of a heap's collector and allocation counters.
type Stats struct {
	Session uuid.UUID

	Collections     uint64 // passes run
	ObjectsFreed    uint64 // objects reclaimed by the collector
	CyclesDetected  uint64 // garbage groups found
	Leaked          uint64 // destructors that panicked
	StaleCandidates uint64

	PendingCandidates int
	Allocations       uint64
	FastFrees         uint64 // freed when the strong count reached zero
	LiveObjects       int64
	Blocks            int
	LiveBytes         int64
	PeakBytes         int64

	TotalPause     time.Duration
	LastPause      time.Duration
	LastCollection time.Time
	State          State
}

type collectorStats struct {
	collections    atomic.Uint64
	objectsFreed   atomic.Uint64
	cycles         atomic.Uint64
	leaked         atomic.Uint64
	stale          atomic.Uint64
	fastFrees      atomic.Uint64
	totalPause     atomic.Int64
	lastPause      atomic.Int64
	lastCollection atomic.Int64 // unix nanos
}

func (s *collectorStats) record(r CollectionReport) {
	s.objectsFreed.Add(uint64(r.Freed))
	s.cycles.Add(uint64(r.Cycles))
	s.leaked.Add(uint64(r.Leaked))
	s.stale.Add(uint64(r.Stale))
	s.totalPause.Add(int64(r.Pause))
	s.lastPause.Store(int64(r.Pause))
	s.lastCollection.Store(r.Started.UnixNano())
}

// Stats returns the current counters.
func (h *Heap) Stats() Stats {
	st := Stats{
		Session:           h.session,
		Collections:       h.stats.collections.Load(),
		ObjectsFreed:      h.stats.objectsFreed.Load(),
		CyclesDetected:    h.stats.cycles.Load(),
		Leaked:            h.stats.leaked.Load(),
		StaleCandidates:   h.stats.stale.Load(),
		PendingCandidates: h.candidates.len(),
		Allocations:       h.allocations.Load(),
		FastFrees:         h.stats.fastFrees.Load(),
		LiveObjects:       h.liveObjects.Load(),
		Blocks:            h.Blocks(),
		LiveBytes:         h.liveBytes.Load(),
		PeakBytes:         h.peakBytes.Load(),
		TotalPause:        time.Duration(h.stats.totalPause.Load()),
		LastPause:         time.Duration(h.stats.lastPause.Load()),
		State:             State(h.state.Load()),
	}
	if ns := h.stats.lastCollection.Load(); ns != 0 {
		st.LastCollection = time.Unix(0, ns)
	}
	return st
}

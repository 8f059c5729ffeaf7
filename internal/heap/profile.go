package heap

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// TypeStats are per-type allocation counters, kept when heap.profiling is on.
type TypeStats struct {
	ID            TypeID
	Name          string
	Allocations   uint64
	Deallocations uint64
	CurrentBytes  int64
	PeakBytes     int64
}

// Live is the number of allocations not yet freed.
func (ts TypeStats) Live() int64 {
	return int64(ts.Allocations) - int64(ts.Deallocations)
}

type typeCounters struct {
	name     string
	allocs   atomic.Uint64
	deallocs atomic.Uint64
	current  atomic.Int64
	peak     atomic.Int64
}

type profiler struct {
	enabled bool
	types   sync.Map // TypeID -> *typeCounters
}

func (p *profiler) counters(info *TypeInfo) *typeCounters {
	if c, ok := p.types.Load(info.ID); ok {
		return c.(*typeCounters)
	}
	c, _ := p.types.LoadOrStore(info.ID, &typeCounters{name: info.Name})
	return c.(*typeCounters)
}

// reserve accounts size bytes against heap.max_bytes, running one
// emergency pass before giving up.
func (h *Heap) reserve(size int64) error {
	limit := h.maxBytes
	collected := false
	for {
		cur := h.liveBytes.Load()
		if limit > 0 && cur+size > limit {
			if !collected && h.candidates.len() > 0 {
				collected = true
				h.tryCollect(TriggerAllocation)
				continue
			}
			return fmt.Errorf("%w: %d bytes live, %d requested, limit %d", ErrHeapExhausted, cur, size, limit)
		}
		if h.liveBytes.CompareAndSwap(cur, cur+size) {
			updatePeak(&h.peakBytes, cur+size)
			return nil
		}
	}
}

func (h *Heap) unreserve(size int64) {
	h.liveBytes.Add(-size)
}

func (h *Heap) accountAlloc(b *box) {
	h.allocations.Add(1)
	h.liveObjects.Add(1)
	if !h.prof.enabled {
		return
	}
	c := h.prof.counters(b.info)
	c.allocs.Add(1)
	updatePeak(&c.peak, c.current.Add(b.size))
}

func (h *Heap) accountFree(b *box) {
	h.liveObjects.Add(-1)
	h.unreserve(b.size)
	if !h.prof.enabled {
		return
	}
	c := h.prof.counters(b.info)
	c.deallocs.Add(1)
	c.current.Add(-b.size)
}

func updatePeak(peak *atomic.Int64, v int64) {
	for {
		p := peak.Load()
		if v <= p || peak.CompareAndSwap(p, v) {
			return
		}
	}
}

// TypeStats returns per-type counters ordered by type id. It is empty
// when profiling is off.
func (h *Heap) TypeStats() []TypeStats {
	var out []TypeStats
	h.prof.types.Range(func(k, v any) bool {
		c := v.(*typeCounters)
		out = append(out, TypeStats{
			ID:            k.(TypeID),
			Name:          c.name,
			Allocations:   c.allocs.Load(),
			Deallocations: c.deallocs.Load(),
			CurrentBytes:  c.current.Load(),
			PeakBytes:     c.peak.Load(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckLeaks returns the types that still have live allocations.
func (h *Heap) CheckLeaks() []TypeStats {
	var leaks []TypeStats
	for _, ts := range h.TypeStats() {
		if ts.Live() > 0 {
			leaks = append(leaks, ts)
		}
	}
	return leaks
}

// Report renders the per-type table followed by the collector totals.
func (h *Heap) Report() string {
	var sb strings.Builder
	st := h.Stats()

	fmt.Fprintf(&sb, "heap %s\n", st.Session)
	fmt.Fprintf(&sb, "%-24s %10s %10s %10s %12s %12s\n", "TYPE", "ALLOCS", "FREES", "LIVE", "BYTES", "PEAK")
	for _, ts := range h.TypeStats() {
		fmt.Fprintf(&sb, "%-24s %10d %10d %10d %12d %12d\n",
			ts.Name, ts.Allocations, ts.Deallocations, ts.Live(), ts.CurrentBytes, ts.PeakBytes)
	}
	fmt.Fprintf(&sb, "collections=%d freed=%d cycles=%d leaked=%d pending=%d live=%d bytes=%d peak=%d pause=%s\n",
		st.Collections, st.ObjectsFreed, st.CyclesDetected, st.Leaked,
		st.PendingCandidates, st.LiveObjects, st.LiveBytes, st.PeakBytes, st.TotalPause)
	return sb.String()
}

package heap

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the collector phase visible through Stats.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateReclaiming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateReclaiming:
		return "reclaiming"
	default:
		return "unknown"
	}
}

// Trigger says what started a collection pass.
type Trigger int

const (
	TriggerExplicit Trigger = iota
	TriggerThreshold
	TriggerBackground
	TriggerAllocation
)

func (t Trigger) String() string {
	switch t {
	case TriggerExplicit:
		return "explicit"
	case TriggerThreshold:
		return "threshold"
	case TriggerBackground:
		return "background"
	case TriggerAllocation:
		return "allocation"
	default:
		return "unknown"
	}
}

// CollectionReport summarizes one pass.
type CollectionReport struct {
	Session  uuid.UUID
	Seq      uint64
	Trigger  Trigger
	Started  time.Time
	Pause    time.Duration
	Roots    int // candidates drained
	Stale    int // candidates already freed or dropped
	Examined int // objects traversed
	Live     int // traversed objects proven reachable
	Freed    int
	Cycles   int
	Leaked   int // destructor panicked
	Requeued int // roots retried next pass after a concurrent change
}

// CollectCycles runs a synchronous pass. It must not be called from a
// Drop hook.
func (h *Heap) CollectCycles() CollectionReport {
	h.runMu.Lock()
	report := h.collect(TriggerExplicit)
	h.runMu.Unlock()
	h.notify(report)
	return report
}

// tryCollect runs a pass unless one is already running, including one
// further up this goroutine's stack.
func (h *Heap) tryCollect(trigger Trigger) (CollectionReport, bool) {
	if !h.runMu.TryLock() {
		return CollectionReport{}, false
	}
	report := h.collect(trigger)
	h.runMu.Unlock()
	h.notify(report)
	return report, true
}

// collect is one trial-deletion pass. The caller holds runMu.
//
// Scanning happens under the registry write lock: each live candidate
// root is expanded into the subgraph S it reaches, and every member's
// strong count is compared with the number of edges into it from S.
// Members whose count is higher are held from outside S; they and
// everything they reach are live. The rest are garbage, marked as
// reclaiming, re-verified, and torn down after the lock is released.
func (h *Heap) collect(trigger Trigger) CollectionReport {
	report := CollectionReport{
		Session: h.session,
		Seq:     h.stats.collections.Add(1),
		Trigger: trigger,
		Started: time.Now(),
	}
	h.state.Store(int32(StateScanning))
	defer h.state.Store(int32(StateIdle))

	ids := h.candidates.drain()
	report.Roots = len(ids)

	var groups [][]*box
	h.mu.Lock()
	classified := make(map[*box]bool)
	for _, id := range ids {
		root := h.allocs.lookup(id)
		if root == nil || root.dropped.Load() || root.leaked.Load() || root.strong.Load() <= 0 {
			report.Stale++
			continue
		}
		root.buffered.Store(false)
		if classified[root] {
			continue
		}

		sg := scan(root)
		report.Examined += len(sg.members)
		for _, m := range sg.members {
			classified[m] = true
		}

		garbage := sg.classify()
		if len(garbage) > 0 && h.beforeClaim != nil {
			h.beforeClaim(garbage)
		}
		if len(garbage) > 0 && !sg.claim(garbage) {
			garbage = nil
			sg.unstable = true
		}
		if sg.unstable {
			h.candidates.push(root)
			report.Requeued++
		}
		report.Live += len(sg.members) - len(garbage)
		if len(garbage) > 0 {
			for _, g := range garbage {
				g.dropped.Store(true)
			}
			groups = append(groups, garbage)
		}
	}
	h.mu.Unlock()

	if len(groups) > 0 {
		h.state.Store(int32(StateReclaiming))
	}
	for _, group := range groups {
		report.Cycles++
		h.reclaim(group, &report)
	}

	report.Pause = time.Since(report.Started)
	h.stats.record(report)
	if h.verbose {
		logf("pass %d (%s): roots=%d stale=%d examined=%d freed=%d cycles=%d leaked=%d in %s",
			report.Seq, report.Trigger, report.Roots, report.Stale, report.Examined,
			report.Freed, report.Cycles, report.Leaked, report.Pause)
	}
	return report
}

// reclaim tears down one garbage group. Every member is already marked
// reclaiming and dropped, so releases between members neither free nor
// re-queue them, and weak handles to them no longer upgrade.
func (h *Heap) reclaim(group []*box, report *CollectionReport) {
	for _, g := range group {
		if !g.runDrop() {
			g.leaked.Store(true)
			report.Leaked++
			continue
		}
		atomic.StorePointer(&g.value, nil)
		h.accountFree(g)
		report.Freed++
	}
	for _, g := range group {
		if g.leaked.Load() {
			continue
		}
		g.strong.Store(0)
		g.free()
	}
}

type subgraph struct {
	members  []*box
	internal map[*box]int64
	edges    map[*box][]*box

	pinned   bool // a member's trace panicked
	unstable bool // counts moved under us; retry next pass
}

// scan collects everything reachable from root with an explicit stack,
// counting edges into each member. Leaked members are not traced: their
// value is unreadable, so they only ever count as held from outside.
func scan(root *box) *subgraph {
	sg := &subgraph{
		members:  []*box{root},
		internal: make(map[*box]int64),
		edges:    make(map[*box][]*box),
	}
	seen := map[*box]bool{root: true}
	stack := []*box{root}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if b.leaked.Load() {
			continue
		}
		sg.traceFrom(b, func(t *box) {
			if !seen[t] {
				seen[t] = true
				sg.members = append(sg.members, t)
				stack = append(stack, t)
			}
		})
	}
	return sg
}

func (sg *subgraph) traceFrom(b *box, push func(*box)) {
	defer func() {
		if r := recover(); r != nil {
			if isInvariant(r) {
				panic(r)
			}
			logf("trace of %s #%d panicked: %v", b.info.Name, b.id, r)
			sg.pinned = true
		}
	}()
	b.trace(func(e Edge) bool {
		t := e.target()
		if t == nil {
			return false
		}
		sg.internal[t]++
		sg.edges[b] = append(sg.edges[b], t)
		push(t)
		return false
	})
}

// classify returns the members not reachable from any externally held
// member.
func (sg *subgraph) classify() []*box {
	if sg.pinned {
		return nil
	}
	live := make(map[*box]bool)
	var stack []*box
	for _, m := range sg.members {
		strong, in := m.strong.Load(), sg.internal[m]
		switch {
		case m.leaked.Load():
			live[m] = true
			stack = append(stack, m)
		case strong <= 0 || strong < in || m.dropped.Load() || m.reclaiming.Load():
			sg.unstable = true
			return nil
		case strong > in:
			live[m] = true
			stack = append(stack, m)
		}
	}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, t := range sg.edges[b] {
			if !live[t] {
				live[t] = true
				stack = append(stack, t)
			}
		}
	}

	var garbage []*box
	for _, m := range sg.members {
		if !live[m] {
			garbage = append(garbage, m)
		}
	}
	return garbage
}

// claim marks garbage as reclaiming and re-reads the counts. A weak
// upgrade racing with the mark either sees the flag and waits, or its
// increment shows up here and the claim is abandoned. The flag is only
// ever set without dropped for the duration of claim.
func (sg *subgraph) claim(garbage []*box) bool {
	for _, g := range garbage {
		g.reclaiming.Store(true)
	}
	for _, g := range garbage {
		if g.strong.Load() != sg.internal[g] {
			for _, u := range garbage {
				u.reclaiming.Store(false)
			}
			return false
		}
	}
	return true
}

// OnCollection registers fn to receive every pass report. Observers run
// on the collecting goroutine after the pass completes.
func (h *Heap) OnCollection(fn func(CollectionReport)) {
	h.observersMu.Lock()
	h.observers = append(h.observers, fn)
	h.observersMu.Unlock()
}

func (h *Heap) notify(report CollectionReport) {
	h.observersMu.Lock()
	observers := slices.Clone(h.observers)
	h.observersMu.Unlock()
	for _, fn := range observers {
		fn(report)
	}
}

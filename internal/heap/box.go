package heap

import (
	"sync/atomic"
	"unsafe"
)

// box is the shared control block behind every handle to one allocation.
// It outlives the value while weak handles remain.
type box struct {
	id    uint64
	info  *TypeInfo
	size  int64
	heap  *Heap
	value unsafe.Pointer // *T, nil once dropped; accessed atomically

	strong atomic.Int64
	weak   atomic.Int64

	buffered   atomic.Bool // queued in the candidate set
	reclaiming atomic.Bool // owned by a collection pass
	dropped    atomic.Bool // value teardown started
	leaked     atomic.Bool // teardown panicked; never retried
	freed      atomic.Bool // registry entry removed
}

func (b *box) load() unsafe.Pointer {
	return atomic.LoadPointer(&b.value)
}

func (b *box) trace(visit Visitor) {
	if p := b.load(); p != nil {
		b.info.Trace(p, visit)
	}
}

func (b *box) incStrong() {
	if n := b.strong.Add(1); n <= 1 {
		invariant("clone of %s #%d with strong count %d", b.info.Name, b.id, n-1)
	}
}

// decStrong drops one strong reference. A count that stays positive makes
// the object a cycle candidate; reaching zero tears the value down unless
// a collection pass already owns it.
func (b *box) decStrong() {
	n := b.strong.Add(-1)
	switch {
	case n > 0:
		if b.reclaiming.Load() {
			return
		}
		b.heap.suspect(b)
	case n == 0:
		if b.reclaiming.Load() {
			return
		}
		if b.drop() {
			b.heap.stats.fastFrees.Add(1)
		}
	default:
		invariant("strong count of %s #%d went negative", b.info.Name, b.id)
	}
}

// drop runs the value teardown once. On a panic the object is logged and
// marked leaked: its storage and accounting stay in place.
func (b *box) drop() bool {
	if !b.dropped.CompareAndSwap(false, true) {
		return false
	}
	if !b.runDrop() {
		b.leaked.Store(true)
		b.heap.stats.leaked.Add(1)
		return false
	}
	atomic.StorePointer(&b.value, nil)
	b.heap.accountFree(b)
	if b.weak.Load() == 0 {
		b.free()
	}
	return true
}

func (b *box) runDrop() (ok bool) {
	p := b.load()
	if p == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			if isInvariant(r) {
				panic(r)
			}
			logf("destructor for %s #%d panicked: %v", b.info.Name, b.id, r)
			ok = false
		}
	}()
	b.info.Drop(p)
	return true
}

// free removes the control block from the allocation registry once both
// counts are zero and the value is gone.
func (b *box) free() {
	if b.leaked.Load() || b.strong.Load() != 0 || b.weak.Load() != 0 || !b.dropped.Load() {
		return
	}
	if !b.freed.CompareAndSwap(false, true) {
		return
	}
	b.heap.untrack(b)
}

func (b *box) decWeak() {
	n := b.weak.Add(-1)
	switch {
	case n == 0:
		if b.dropped.Load() {
			b.free()
		}
	case n < 0:
		invariant("weak count of %s #%d went negative", b.info.Name, b.id)
	}
}

package heap

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Weak is a non-owning handle. It keeps the control block alive but never
// the value; Upgrade succeeds only while a strong handle exists.
type Weak[T any] struct {
	b        *box
	released atomic.Bool
}

// Upgrade returns a new strong handle, or (nil, false) once the value is
// dropped. While a collection pass holds the object in its claim, Upgrade
// waits for the pass to either tear it down or give it back.
func (w *Weak[T]) Upgrade() (*Rc[T], bool) {
	if w == nil || w.b == nil || w.released.Load() {
		return nil, false
	}
	b := w.b
	for {
		s := b.strong.Load()
		if s <= 0 || b.dropped.Load() {
			return nil, false
		}
		if b.reclaiming.Load() {
			runtime.Gosched()
			continue
		}
		if !b.strong.CompareAndSwap(s, s+1) {
			continue
		}
		// The collector marks members before re-reading their counts, so
		// either it sees this increment or we see the mark.
		if b.reclaiming.Load() || b.dropped.Load() {
			b.strong.Add(-1)
			continue
		}
		return &Rc[T]{b: b}, true
	}
}

// Clone returns another weak handle to the same control block.
func (w *Weak[T]) Clone() *Weak[T] {
	if w == nil || w.b == nil || w.released.Load() {
		panic("rcheap: Clone on released weak handle")
	}
	w.b.weak.Add(1)
	return &Weak[T]{b: w.b}
}

// Release gives up this weak handle. The control block is freed when the
// last weak handle goes after the value.
func (w *Weak[T]) Release() {
	if w == nil || w.b == nil {
		return
	}
	if !w.released.CompareAndSwap(false, true) {
		logf("double release of weak %s #%d ignored", w.b.info.Name, w.b.id)
		return
	}
	w.b.decWeak()
}

func (w *Weak[T]) StrongCount() int64 {
	if w == nil || w.b == nil {
		return 0
	}
	if s := w.b.strong.Load(); s > 0 {
		return s
	}
	return 0
}

func (w *Weak[T]) WeakCount() int64 {
	if w == nil || w.b == nil {
		return 0
	}
	return w.b.weak.Load()
}

func (w *Weak[T]) String() string {
	if w == nil || w.b == nil {
		return "Weak(nil)"
	}
	return fmt.Sprintf("Weak<%s #%d>", w.b.info.Name, w.b.id)
}

package heap

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Rc is a strong, shared, reference-counted handle to a heap value of type
// T. Every Clone produces a new handle; each handle must be released once.
// Releasing a handle twice is logged and ignored.
type Rc[T any] struct {
	b        *box
	released atomic.Bool
}

// New moves v into a fresh heap allocation with strong count 1 and weak
// count 0. T is registered on first use if it was not registered already.
func New[T any](h *Heap, v T) (*Rc[T], error) {
	if h == nil {
		return nil, ErrNotInitialized
	}
	info, err := registerType[T](h.types, "", nil, nil)
	if err != nil {
		return nil, err
	}

	p := new(T)
	*p = v
	size := int64(info.Size)
	if s, ok := any(p).(Sizer); ok {
		size = int64(s.HeapSize())
	}
	if err := h.reserve(size); err != nil {
		return nil, err
	}

	b := &box{
		id:    h.nextID.Add(1),
		info:  info,
		size:  size,
		heap:  h,
		value: unsafe.Pointer(p),
	}
	b.strong.Store(1)
	if err := h.track(b); err != nil {
		h.unreserve(size)
		return nil, err
	}
	h.accountAlloc(b)
	return &Rc[T]{b: b}, nil
}

// MustNew is New for callers that treat allocation failure as fatal.
func MustNew[T any](h *Heap, v T) *Rc[T] {
	rc, err := New(h, v)
	if err != nil {
		panic(err)
	}
	return rc
}

func (r *Rc[T]) live(op string) *box {
	if r == nil || r.b == nil {
		panic(fmt.Sprintf("rcheap: %s on nil handle", op))
	}
	if r.released.Load() {
		panic(fmt.Sprintf("rcheap: %s on released handle to %s #%d", op, r.b.info.Name, r.b.id))
	}
	return r.b
}

// Get returns the shared value. The pointer is valid while this handle
// is held.
func (r *Rc[T]) Get() *T {
	return (*T)(r.live("Get").load())
}

// Clone returns a new strong handle to the same value.
func (r *Rc[T]) Clone() *Rc[T] {
	b := r.live("Clone")
	b.incStrong()
	return &Rc[T]{b: b}
}

// CloneEdge is Clone behind the erased Edge interface.
func (r *Rc[T]) CloneEdge() Edge {
	return r.Clone()
}

// Release gives up this handle. Releasing a nil handle is a no-op.
func (r *Rc[T]) Release() {
	if r == nil || r.b == nil {
		return
	}
	if !r.released.CompareAndSwap(false, true) {
		logf("double release of %s #%d ignored", r.b.info.Name, r.b.id)
		return
	}
	r.b.decStrong()
}

// Released reports whether Release has been called on this handle.
func (r *Rc[T]) Released() bool {
	return r == nil || r.released.Load()
}

// Downgrade returns a weak handle to the same value.
func (r *Rc[T]) Downgrade() *Weak[T] {
	b := r.live("Downgrade")
	b.weak.Add(1)
	return &Weak[T]{b: b}
}

func (r *Rc[T]) StrongCount() int64 { return r.live("StrongCount").strong.Load() }
func (r *Rc[T]) WeakCount() int64   { return r.live("WeakCount").weak.Load() }

// ID is the allocation id, unique for the heap's lifetime.
func (r *Rc[T]) ID() uint64 { return r.live("ID").id }

func (r *Rc[T]) TypeID() TypeID { return r.live("TypeID").info.ID }

// Heap returns the heap the value lives in.
func (r *Rc[T]) Heap() *Heap { return r.live("Heap").heap }

// Erase returns the value as a TypedPointer, valid while this handle is held.
func (r *Rc[T]) Erase() TypedPointer {
	b := r.live("Erase")
	return NewTypedPointer(b.heap.types, b.load(), b.info.ID)
}

// PtrEq reports whether both handles refer to the same allocation.
func (r *Rc[T]) PtrEq(other *Rc[T]) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.b == other.b
}

// GetMut returns the value for mutation when this is the only handle of
// either kind, and nil otherwise.
func (r *Rc[T]) GetMut() *T {
	b := r.live("GetMut")
	if b.strong.Load() != 1 || b.weak.Load() != 0 {
		return nil
	}
	return (*T)(b.load())
}

// MakeMut returns a handle whose value is safe to mutate. A unique handle
// is returned as is; otherwise the value is copied with clone into a new
// allocation and rc is released.
func MakeMut[T any](rc *Rc[T], clone func(*T) T) (*Rc[T], error) {
	if rc.GetMut() != nil {
		return rc, nil
	}
	fresh, err := New(rc.Heap(), clone(rc.Get()))
	if err != nil {
		return nil, err
	}
	rc.Release()
	return fresh, nil
}

// EdgeID implements Edge.
func (r *Rc[T]) EdgeID() uint64 {
	if b := r.target(); b != nil {
		return b.id
	}
	return 0
}

func (r *Rc[T]) target() *box {
	if r == nil || r.released.Load() {
		return nil
	}
	return r.b
}

// Trace reports this handle as an edge and, when the visitor asks for it,
// continues into the referenced value. A nil or released handle reports
// nothing.
func (r *Rc[T]) Trace(visit Visitor) {
	b := r.target()
	if b == nil {
		return
	}
	if visit(r) {
		b.trace(visit)
	}
}

func (r *Rc[T]) String() string {
	if r == nil || r.b == nil {
		return "Rc(nil)"
	}
	return fmt.Sprintf("Rc<%s #%d>", r.b.info.Name, r.b.id)
}

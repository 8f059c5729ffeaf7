package heap

import (
	"reflect"
	"sync"
	"unsafe"
)

// Edge is an erased outgoing ownership edge: a strong handle held inside a
// heap value. Only *Rc[T] implements it.
type Edge interface {
	Traceable

	// EdgeID is the allocation id of the referenced object, or 0 for a
	// released handle.
	EdgeID() uint64

	// CloneEdge returns a new strong handle to the same object.
	CloneEdge() Edge

	// Release gives up this handle.
	Release()

	target() *box
}

// Visitor receives each edge reported by Trace. Returning true asks
// Rc.Trace to continue into the referenced value.
type Visitor func(e Edge) bool

// Traceable is implemented by values that hold strong handles. Trace must
// call visit exactly once per owned handle: a missed handle lets the
// collector free a live cycle.
type Traceable interface {
	Trace(visit Visitor)
}

// Dropper is an optional teardown hook, run before the value's edges are
// released.
type Dropper interface {
	Drop()
}

// Sizer overrides the accounted size of a value (the shallow Go size by
// default).
type Sizer interface {
	HeapSize() uintptr
}

// TraceValue traces v. A Traceable value traces itself; anything else is
// walked by reflection, visiting each *Rc reachable through its fields,
// pointers, slices, arrays, maps and interfaces. Types that cannot hold a
// handle are leaves.
func TraceValue(v any, visit Visitor) {
	if t, ok := v.(Traceable); ok && t != nil {
		t.Trace(visit)
		return
	}
	if v == nil {
		return
	}
	rv := reflect.ValueOf(v)
	if !holdsEdges(rv.Type()) {
		return
	}
	w := walker{visit: visit, seen: make(map[seenPtr]bool)}
	w.walk(rv)
}

var (
	edgeType      = reflect.TypeFor[Edge]()
	traceableType = reflect.TypeFor[Traceable]()
)

var edgeTypes sync.Map // reflect.Type -> bool

// holdsEdges reports whether a value of type t can reach a strong handle.
func holdsEdges(t reflect.Type) bool {
	if v, ok := edgeTypes.Load(t); ok {
		return v.(bool)
	}
	holds, _ := scanType(t, make(map[reflect.Type]bool))
	edgeTypes.Store(t, holds)
	return holds
}

// scanType answers holdsEdges for t. A false answer that depends on a type
// still being scanned further up is not final and is not cached.
func scanType(t reflect.Type, inProgress map[reflect.Type]bool) (holds, final bool) {
	if v, ok := edgeTypes.Load(t); ok {
		return v.(bool), true
	}
	if inProgress[t] {
		return false, false
	}
	if t.Implements(edgeType) || t.Implements(traceableType) || reflect.PointerTo(t).Implements(traceableType) {
		return true, true
	}

	var elems []reflect.Type
	switch t.Kind() {
	case reflect.Interface:
		return true, true
	case reflect.Pointer, reflect.Slice, reflect.Array:
		elems = append(elems, t.Elem())
	case reflect.Map:
		elems = append(elems, t.Key(), t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			elems = append(elems, t.Field(i).Type)
		}
	default:
		return false, true
	}

	inProgress[t] = true
	defer delete(inProgress, t)
	final = true
	for _, e := range elems {
		h, f := scanType(e, inProgress)
		if h {
			edgeTypes.Store(t, true)
			return true, true
		}
		final = final && f
	}
	if final {
		edgeTypes.Store(t, false)
	}
	return false, final
}

// walker visits the handles inside a value that does not trace itself.
// Each Go pointer is followed once per walk.
type walker struct {
	visit Visitor
	seen  map[seenPtr]bool
}

type seenPtr struct {
	p unsafe.Pointer
	t reflect.Type
}

func (w *walker) walk(v reflect.Value) {
	if !v.IsValid() || !holdsEdges(v.Type()) {
		return
	}
	t := v.Type()
	if t.Implements(edgeType) {
		if !v.IsNil() {
			v.Interface().(Edge).Trace(w.visit)
		}
		return
	}
	if t.Kind() != reflect.Pointer && t.Kind() != reflect.Interface {
		if t.Implements(traceableType) {
			v.Interface().(Traceable).Trace(w.visit)
			return
		}
		if v.CanAddr() && reflect.PointerTo(t).Implements(traceableType) {
			v.Addr().Interface().(Traceable).Trace(w.visit)
			return
		}
	}

	switch t.Kind() {
	case reflect.Pointer:
		key := seenPtr{v.UnsafePointer(), t}
		if v.IsNil() || w.seen[key] {
			return
		}
		w.seen[key] = true
		if t.Implements(traceableType) {
			v.Interface().(Traceable).Trace(w.visit)
			return
		}
		w.walk(v.Elem())
	case reflect.Interface:
		if !v.IsNil() {
			w.walk(v.Elem())
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i))
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			w.walk(iter.Key())
			w.walk(iter.Value())
		}
	case reflect.Struct:
		if !v.CanAddr() {
			c := reflect.New(t).Elem()
			c.Set(v)
			v = c
		}
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if !f.CanInterface() {
				f = reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem()
			}
			w.walk(f)
		}
	}
}

// TraceSlice traces every element in order.
func TraceSlice[E Traceable](items []E, visit Visitor) {
	for _, item := range items {
		item.Trace(visit)
	}
}

// TraceMap traces every value of m.
func TraceMap[K comparable, V Traceable](m map[K]V, visit Visitor) {
	for _, v := range m {
		v.Trace(visit)
	}
}

// TraceAll traces a fixed group of fields, e.g. the members of a tuple.
func TraceAll(visit Visitor, items ...Traceable) {
	for _, item := range items {
		if item != nil {
			item.Trace(visit)
		}
	}
}

// DirectEdges returns the edges v owns without following them.
func DirectEdges(v any) []Edge {
	var edges []Edge
	TraceValue(v, func(e Edge) bool {
		edges = append(edges, e)
		return false
	})
	return edges
}

// CountEdges returns len(DirectEdges(v)).
func CountEdges(v any) int {
	n := 0
	TraceValue(v, func(Edge) bool {
		n++
		return false
	})
	return n
}

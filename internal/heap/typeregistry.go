package heap

import (
	"reflect"
	"sort"
	"sync"
	"unsafe"
)

// TypeID identifies a registered type's erased metadata. IDs are assigned
// from 1 and are never reused within one registry lifetime.
type TypeID uint64

// TraceFunc enumerates the ownership edges of the value at p.
type TraceFunc func(p unsafe.Pointer, visit Visitor)

// DropFunc tears down the value at p, releasing every handle it owns.
type DropFunc func(p unsafe.Pointer)

// TypeInfo is the vtable the collector uses to work on erased values.
// It is immutable once registered.
type TypeInfo struct {
	ID     TypeID
	Name   string
	Size   uintptr
	GoType reflect.Type
	Trace  TraceFunc
	Drop   DropFunc
}

// TypeRegistry maps each heap-storable Go type to its TypeInfo.
type TypeRegistry struct {
	mu     sync.RWMutex
	active bool
	nextID TypeID
	byID   map[TypeID]*TypeInfo
	byType map[reflect.Type]*TypeInfo
	byName map[string]*TypeInfo
}

// NewTypeRegistry creates an uninitialized registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{}
}

// Initialize makes the registry usable. Initializing an active registry
// fails with ErrAlreadyInitialized.
func (r *TypeRegistry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return ErrAlreadyInitialized
	}
	r.active = true
	r.nextID = 1
	r.byID = make(map[TypeID]*TypeInfo)
	r.byType = make(map[reflect.Type]*TypeInfo)
	r.byName = make(map[string]*TypeInfo)
	return nil
}

// Shutdown drops every registration. Lookups fail until Initialize is
// called again. Shutting down an inactive registry is a no-op.
func (r *TypeRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = false
	r.byID = nil
	r.byType = nil
	r.byName = nil
}

// Active reports whether the registry is initialized.
func (r *TypeRegistry) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// RegisterType registers T under name and returns its TypeID. Registering
// the same Go type again returns the existing id and ignores the new
// arguments. An empty name uses the Go type name; a nil trace or drop uses
// the Traceable / Dropper methods of *T when present. Without Traceable,
// the handles inside T are found by reflection (see TraceValue).
func RegisterType[T any](r *TypeRegistry, name string, trace func(*T, Visitor), drop func(*T)) (TypeID, error) {
	info, err := registerType(r, name, trace, drop)
	if err != nil {
		return 0, err
	}
	return info.ID, nil
}

func registerType[T any](r *TypeRegistry, name string, trace func(*T, Visitor), drop func(*T)) (*TypeInfo, error) {
	goType := reflect.TypeFor[T]()

	r.mu.RLock()
	if !r.active {
		r.mu.RUnlock()
		return nil, ErrNotInitialized
	}
	if info, ok := r.byType[goType]; ok {
		r.mu.RUnlock()
		return info, nil
	}
	r.mu.RUnlock()

	if name == "" {
		name = goType.String()
	}
	traceFn := eraseTrace(trace)
	info := &TypeInfo{
		Name:   name,
		Size:   goType.Size(),
		GoType: goType,
		Trace:  traceFn,
		Drop:   eraseDrop(drop, traceFn),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: another goroutine may have registered T or shut us down
	// between the two locks.
	if !r.active {
		return nil, ErrNotInitialized
	}
	if existing, ok := r.byType[goType]; ok {
		return existing, nil
	}
	info.ID = r.nextID
	r.nextID++
	r.byID[info.ID] = info
	r.byType[goType] = info
	if _, taken := r.byName[name]; !taken {
		r.byName[name] = info
	}
	return info, nil
}

func eraseTrace[T any](trace func(*T, Visitor)) TraceFunc {
	if trace == nil {
		if !holdsEdges(reflect.TypeFor[*T]()) {
			return func(unsafe.Pointer, Visitor) {}
		}
		return func(p unsafe.Pointer, visit Visitor) {
			TraceValue((*T)(p), visit)
		}
	}
	return func(p unsafe.Pointer, visit Visitor) {
		trace((*T)(p), visit)
	}
}

// eraseDrop runs the type's own teardown, then releases every edge the
// value still reports. Handles already released by the teardown are
// skipped, so a Drop that releases its own fields is not double counted.
func eraseDrop[T any](drop func(*T), trace TraceFunc) DropFunc {
	return func(p unsafe.Pointer) {
		v := (*T)(p)
		if drop != nil {
			drop(v)
		} else if d, ok := any(v).(Dropper); ok {
			d.Drop()
		}
		var edges []Edge
		trace(p, func(e Edge) bool {
			edges = append(edges, e)
			return false
		})
		for _, e := range edges {
			e.Release()
		}
	}
}

// Lookup returns the TypeInfo registered under id.
func (r *TypeRegistry) Lookup(id TypeID) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.byID[id]
	if !ok {
		return TypeInfo{}, false
	}
	return *info, true
}

// LookupName returns the first TypeInfo registered under name.
func (r *TypeRegistry) LookupName(name string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.byName[name]
	if !ok {
		return TypeInfo{}, false
	}
	return *info, true
}

// LookupType returns the TypeInfo registered for the concrete type T.
func LookupType[T any](r *TypeRegistry) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.byType[reflect.TypeFor[T]()]
	if !ok {
		return TypeInfo{}, false
	}
	return *info, true
}

// Types lists every registration ordered by id.
func (r *TypeRegistry) Types() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TypeInfo, 0, len(r.byID))
	for _, info := range r.byID {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

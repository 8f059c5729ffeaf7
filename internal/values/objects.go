package values

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"github.com/funvibe/rcheap/internal/heap"
)

// Str is an immutable string. It holds no references.
type Str struct {
	Value string
}

func (s *Str) Type() ObjectType  { return STRING_OBJ }
func (s *Str) Inspect() string   { return strconv.Quote(s.Value) }
func (s *Str) HeapSize() uintptr { return unsafe.Sizeof(*s) + uintptr(len(s.Value)) }

// Array is a growable sequence of owned values.
type Array struct {
	Elements []Value
}

func (a *Array) Type() ObjectType         { return ARRAY_OBJ }
func (a *Array) Trace(visit heap.Visitor) { heap.TraceSlice(a.Elements, visit) }

func (a *Array) Inspect() string { return a.inspect(0) }

func (a *Array) inspect(depth int) string {
	parts := make([]string, len(a.Elements))
	for i, e := range a.Elements {
		parts[i] = e.inspect(depth)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (a *Array) Len() int { return len(a.Elements) }

// Append takes ownership of v.
func (a *Array) Append(v Value) {
	a.Elements = append(a.Elements, v)
}

// At returns element i, borrowed from the array.
func (a *Array) At(i int) Value {
	return a.Elements[i]
}

// Set replaces element i, taking ownership of v and releasing the old value.
func (a *Array) Set(i int, v Value) {
	old := a.Elements[i]
	a.Elements[i] = v
	old.Release()
}

// Record is a named set of fields.
type Record struct {
	TypeName string
	Fields   map[string]Value
}

func (r *Record) Type() ObjectType         { return RECORD_OBJ }
func (r *Record) Trace(visit heap.Visitor) { heap.TraceMap(r.Fields, visit) }

func (r *Record) Inspect() string { return r.inspect(0) }

func (r *Record) inspect(depth int) string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(r.TypeName)
	sb.WriteString(" { ")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %s", k, r.Fields[k].inspect(depth))
	}
	sb.WriteString(" }")
	return sb.String()
}

// Get returns a field, borrowed from the record.
func (r *Record) Get(name string) (Value, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Set stores a field, taking ownership of v and releasing the old value.
func (r *Record) Set(name string, v Value) {
	if r.Fields == nil {
		r.Fields = make(map[string]Value)
	}
	old, had := r.Fields[name]
	r.Fields[name] = v
	if had {
		old.Release()
	}
}

// Upvalue is a captured variable. While open it names a stack slot in
// Location; once closed, Location is -1 and Closed holds the value.
type Upvalue struct {
	Location int
	Closed   Value
}

func (u *Upvalue) Type() ObjectType         { return UPVALUE_OBJ }
func (u *Upvalue) Trace(visit heap.Visitor) { u.Closed.Trace(visit) }

func (u *Upvalue) Inspect() string {
	if u.IsOpen() {
		return fmt.Sprintf("<upvalue slot %d>", u.Location)
	}
	return "<upvalue " + u.Closed.Inspect() + ">"
}

func (u *Upvalue) IsOpen() bool { return u.Location >= 0 }

// Close moves v into the upvalue, taking ownership of it.
func (u *Upvalue) Close(v Value) {
	old := u.Closed
	u.Location = -1
	u.Closed = v
	old.Release()
}

// Closure is a function value with its captured upvalues.
type Closure struct {
	Name     string
	Arity    int
	Upvalues []*heap.Rc[Upvalue]
}

func (c *Closure) Type() ObjectType         { return CLOSURE_OBJ }
func (c *Closure) Inspect() string          { return fmt.Sprintf("<closure %s>", c.Name) }
func (c *Closure) Trace(visit heap.Visitor) { heap.TraceSlice(c.Upvalues, visit) }

// GenState is the lifecycle of a generator frame.
type GenState int

const (
	GenSuspended GenState = iota
	GenRunning
	GenDone
)

func (s GenState) String() string {
	switch s {
	case GenSuspended:
		return "suspended"
	case GenRunning:
		return "running"
	case GenDone:
		return "done"
	default:
		return "unknown"
	}
}

// Generator is the saved frame of a suspended generator or async
// function: its locals, the closure it resumes, and the value it is
// waiting on.
type Generator struct {
	State    GenState
	Body     *heap.Rc[Closure]
	Frame    []Value
	Awaiting Value
}

func (g *Generator) Type() ObjectType { return GENERATOR_OBJ }

func (g *Generator) Inspect() string {
	name := "?"
	if g.Body != nil && !g.Body.Released() {
		name = g.Body.Get().Name
	}
	return fmt.Sprintf("<generator %s %s>", name, g.State)
}

func (g *Generator) Trace(visit heap.Visitor) {
	g.Body.Trace(visit)
	heap.TraceSlice(g.Frame, visit)
	g.Awaiting.Trace(visit)
}

// Suspend parks the generator waiting on v, taking ownership of it.
func (g *Generator) Suspend(v Value) {
	old := g.Awaiting
	g.Awaiting = v
	g.State = GenSuspended
	old.Release()
}

// Resume hands the awaited value to the caller and marks the generator
// running. It returns false once the generator is done.
func (g *Generator) Resume() (Value, bool) {
	if g.State == GenDone {
		return Nil(), false
	}
	v := g.Awaiting
	g.Awaiting = Nil()
	g.State = GenRunning
	return v, true
}

// Finish releases the frame; the generator cannot be resumed again.
func (g *Generator) Finish() {
	for _, v := range g.Frame {
		v.Release()
	}
	g.Frame = nil
	g.Awaiting.Release()
	g.Awaiting = Nil()
	g.State = GenDone
}

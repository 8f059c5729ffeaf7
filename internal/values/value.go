// Package values defines the script-level value model stored on the
// reference-counted heap: immediates, strings, arrays, records, closures
// with their upvalues, and generator frames.
package values

import (
	"fmt"
	"math"
	"strconv"

	"github.com/funvibe/rcheap/internal/heap"
)

type ObjectType string

const (
	NIL_OBJ       = "NIL"
	INTEGER_OBJ   = "INTEGER"
	FLOAT_OBJ     = "FLOAT"
	BOOLEAN_OBJ   = "BOOLEAN"
	STRING_OBJ    = "STRING"
	ARRAY_OBJ     = "ARRAY"
	RECORD_OBJ    = "RECORD"
	UPVALUE_OBJ   = "UPVALUE"
	CLOSURE_OBJ   = "CLOSURE"
	GENERATOR_OBJ = "GENERATOR"
)

// Object is implemented by every heap-resident value.
type Object interface {
	Type() ObjectType
	Inspect() string
}

// Kind tags the payload of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindFloat
	KindBool
	KindRef
)

// Value is an immediate or a strong reference to a heap object. A Value
// holding a reference owns it: copy with Clone, give up with Release.
type Value struct {
	kind Kind
	bits uint64
	ref  heap.Edge
}

func Nil() Value            { return Value{} }
func Int(n int64) Value     { return Value{kind: KindInt, bits: uint64(n)} }
func Float(f float64) Value { return Value{kind: KindFloat, bits: math.Float64bits(f)} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.bits = 1
	}
	return v
}

// Ref wraps a strong handle, taking ownership of it.
func Ref[T any](rc *heap.Rc[T]) Value {
	if rc == nil {
		return Nil()
	}
	return Value{kind: KindRef, ref: rc}
}

// As returns the handle inside v when it refers to a T. The handle is
// borrowed from v.
func As[T any](v Value) (*heap.Rc[T], bool) {
	if v.kind != KindRef {
		return nil, false
	}
	rc, ok := v.ref.(*heap.Rc[T])
	return rc, ok
}

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNil() bool      { return v.kind == KindNil }
func (v Value) AsInt() int64     { return int64(v.bits) }
func (v Value) AsFloat() float64 { return math.Float64frombits(v.bits) }
func (v Value) AsBool() bool     { return v.bits != 0 }
func (v Value) Edge() heap.Edge  { return v.ref }
func (v Value) IsRef() bool      { return v.kind == KindRef }

// Clone returns a Value with its own strong reference.
func (v Value) Clone() Value {
	if v.ref != nil {
		v.ref = v.ref.CloneEdge()
	}
	return v
}

// Release gives up the reference held by v, if any.
func (v Value) Release() {
	if v.ref != nil {
		v.ref.Release()
	}
}

// Trace reports the reference held by v.
func (v Value) Trace(visit heap.Visitor) {
	if v.ref != nil {
		v.ref.Trace(visit)
	}
}

// Object returns the referenced heap object, or nil for immediates.
func (v Value) Object() Object {
	switch r := v.ref.(type) {
	case *heap.Rc[Str]:
		return r.Get()
	case *heap.Rc[Array]:
		return r.Get()
	case *heap.Rc[Record]:
		return r.Get()
	case *heap.Rc[Upvalue]:
		return r.Get()
	case *heap.Rc[Closure]:
		return r.Get()
	case *heap.Rc[Generator]:
		return r.Get()
	}
	return nil
}

func (v Value) Type() ObjectType {
	switch v.kind {
	case KindInt:
		return INTEGER_OBJ
	case KindFloat:
		return FLOAT_OBJ
	case KindBool:
		return BOOLEAN_OBJ
	case KindRef:
		if obj := v.Object(); obj != nil {
			return obj.Type()
		}
	}
	return NIL_OBJ
}

// maxInspectDepth bounds nested rendering; cyclic values are common.
const maxInspectDepth = 4

// containerInspector is implemented by objects that render nested values.
type containerInspector interface {
	inspect(depth int) string
}

func (v Value) Inspect() string { return v.inspect(0) }

func (v Value) inspect(depth int) string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case KindFloat:
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.AsBool())
	case KindRef:
		obj := v.Object()
		if obj == nil {
			return fmt.Sprintf("<ref #%d>", v.ref.EdgeID())
		}
		if c, ok := obj.(containerInspector); ok {
			if depth >= maxInspectDepth {
				return "..."
			}
			return c.inspect(depth + 1)
		}
		return obj.Inspect()
	}
	return "nil"
}

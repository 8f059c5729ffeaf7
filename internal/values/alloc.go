package values

import (
	"errors"
	"fmt"

	"github.com/funvibe/rcheap/internal/heap"
)

// Register names the value types in h's type registry. Allocation works
// without it; registering first gives stats and diagnostics readable
// type names.
func Register(h *heap.Heap) error {
	reg := h.Types()
	return errors.Join(
		register[Str](reg, STRING_OBJ),
		register[Array](reg, ARRAY_OBJ),
		register[Record](reg, RECORD_OBJ),
		register[Upvalue](reg, UPVALUE_OBJ),
		register[Closure](reg, CLOSURE_OBJ),
		register[Generator](reg, GENERATOR_OBJ),
	)
}

func register[T any](reg *heap.TypeRegistry, name string) error {
	if _, err := heap.RegisterType[T](reg, name, nil, nil); err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}
	return nil
}

// NewString allocates a string value.
func NewString(h *heap.Heap, s string) (Value, error) {
	rc, err := heap.New(h, Str{Value: s})
	if err != nil {
		return Nil(), err
	}
	return Ref(rc), nil
}

// NewArray allocates an array that takes ownership of elems.
func NewArray(h *heap.Heap, elems ...Value) (*heap.Rc[Array], error) {
	return heap.New(h, Array{Elements: elems})
}

// NewRecord allocates an empty record of the given type name.
func NewRecord(h *heap.Heap, typeName string) (*heap.Rc[Record], error) {
	return heap.New(h, Record{TypeName: typeName, Fields: make(map[string]Value)})
}

// NewClosedUpvalue allocates an upvalue already holding v.
func NewClosedUpvalue(h *heap.Heap, v Value) (*heap.Rc[Upvalue], error) {
	return heap.New(h, Upvalue{Location: -1, Closed: v})
}

// NewOpenUpvalue allocates an upvalue pointing at a stack slot.
func NewOpenUpvalue(h *heap.Heap, slot int) (*heap.Rc[Upvalue], error) {
	return heap.New(h, Upvalue{Location: slot})
}

// NewClosure allocates a closure that takes ownership of upvalues.
func NewClosure(h *heap.Heap, name string, arity int, upvalues ...*heap.Rc[Upvalue]) (*heap.Rc[Closure], error) {
	return heap.New(h, Closure{Name: name, Arity: arity, Upvalues: upvalues})
}

// NewGenerator allocates a suspended generator running body.
func NewGenerator(h *heap.Heap, body *heap.Rc[Closure], frame ...Value) (*heap.Rc[Generator], error) {
	return heap.New(h, Generator{State: GenSuspended, Body: body, Frame: frame})
}

package heap

import (
	"reflect"
	"unsafe"
)

// TypedPointer is an erased (pointer, TypeID) pair. The only way back to a
// typed pointer is Downcast, which checks the registered Go type.
type TypedPointer struct {
	ptr unsafe.Pointer
	id  TypeID
	reg *TypeRegistry
}

// NewTypedPointer pairs ptr with id, resolved against reg.
func NewTypedPointer(reg *TypeRegistry, ptr unsafe.Pointer, id TypeID) TypedPointer {
	return TypedPointer{ptr: ptr, id: id, reg: reg}
}

func (tp TypedPointer) TypeID() TypeID          { return tp.id }
func (tp TypedPointer) Pointer() unsafe.Pointer { return tp.ptr }
func (tp TypedPointer) IsNil() bool             { return tp.ptr == nil }

// TypeInfo resolves the pointer's metadata.
func (tp TypedPointer) TypeInfo() (TypeInfo, bool) {
	if tp.reg == nil {
		return TypeInfo{}, false
	}
	return tp.reg.Lookup(tp.id)
}

// Downcast returns the pointer as *T when the registered type of tp is
// exactly T, and (nil, false) otherwise.
func Downcast[T any](tp TypedPointer) (*T, bool) {
	if tp.ptr == nil {
		return nil, false
	}
	info, ok := tp.TypeInfo()
	if !ok || info.GoType != reflect.TypeFor[T]() {
		return nil, false
	}
	return (*T)(tp.ptr), true
}

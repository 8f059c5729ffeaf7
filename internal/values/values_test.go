package values

import (
	"strings"
	"testing"

	"github.com/funvibe/rcheap/internal/config"
	"github.com/funvibe/rcheap/internal/heap"
)

func newTestHeap(t *testing.T) *heap.Heap {
	t.Helper()
	cfg := config.Default()
	cfg.Collector.Manual = true
	h := heap.NewHeap(cfg)
	t.Cleanup(h.Close)
	if err := Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return h
}

func TestImmediates(t *testing.T) {
	tests := []struct {
		name    string
		value   Value
		typ     ObjectType
		inspect string
	}{
		{"nil", Nil(), NIL_OBJ, "nil"},
		{"int", Int(-42), INTEGER_OBJ, "-42"},
		{"float", Float(1.5), FLOAT_OBJ, "1.5"},
		{"true", Bool(true), BOOLEAN_OBJ, "true"},
		{"false", Bool(false), BOOLEAN_OBJ, "false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.value.Type(); got != tt.typ {
				t.Errorf("Type() = %s, want %s", got, tt.typ)
			}
			if got := tt.value.Inspect(); got != tt.inspect {
				t.Errorf("Inspect() = %q, want %q", got, tt.inspect)
			}
			if heap.CountEdges(tt.value) != 0 {
				t.Error("immediates have no edges")
			}
			tt.value.Clone().Release()
		})
	}
}

func TestRegisterNamesTypes(t *testing.T) {
	h := newTestHeap(t)

	for _, name := range []string{STRING_OBJ, ARRAY_OBJ, RECORD_OBJ, UPVALUE_OBJ, CLOSURE_OBJ, GENERATOR_OBJ} {
		if _, ok := h.Types().LookupName(name); !ok {
			t.Errorf("type %s not registered", name)
		}
	}
	if err := Register(h); err != nil {
		t.Errorf("second Register: %v", err)
	}

	h.Close()
	if err := Register(h); err == nil || !strings.Contains(err.Error(), "registering") {
		t.Errorf("Register on a closed heap: err = %v", err)
	}
}

func TestStringAndArray(t *testing.T) {
	h := newTestHeap(t)

	s, err := NewString(h, "hi")
	if err != nil {
		t.Fatalf("NewString: %v", err)
	}
	if s.Type() != STRING_OBJ || s.Inspect() != `"hi"` {
		t.Errorf("string = %s %s", s.Type(), s.Inspect())
	}

	arr, err := NewArray(h, Int(1), s.Clone())
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	arr.Get().Append(Bool(true))
	if got := arr.Get().Inspect(); got != `[1, "hi", true]` {
		t.Errorf("Inspect() = %s", got)
	}
	if got := heap.CountEdges(arr.Get()); got != 1 {
		t.Errorf("array edges = %d, want 1", got)
	}

	rc, ok := As[Str](s)
	if !ok {
		t.Fatal("As[Str] failed")
	}
	if rc.StrongCount() != 2 {
		t.Errorf("string strong = %d, want 2", rc.StrongCount())
	}
	arr.Get().Set(1, Nil())
	if rc.StrongCount() != 1 {
		t.Errorf("string strong = %d after Set, want 1", rc.StrongCount())
	}
	if _, ok := As[Array](s); ok {
		t.Error("As[Array] on a string should fail")
	}

	arr.Release()
	s.Release()
	if got := h.Stats().LiveObjects; got != 0 {
		t.Errorf("live objects = %d, want 0", got)
	}
}

func TestSelfReferentialArray(t *testing.T) {
	h := newTestHeap(t)

	arr, err := NewArray(h)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	arr.Get().Append(Ref(arr.Clone()))
	if got := arr.Get().Inspect(); !strings.Contains(got, "...") {
		t.Errorf("cyclic Inspect() = %s, want it cut off", got)
	}

	arr.Release()
	if got := h.CollectCycles().Freed; got != 1 {
		t.Errorf("freed = %d, want 1", got)
	}
}

// fn captures rec through an upvalue and rec stores fn:
// rec -> fn -> upvalue -> rec.
func TestClosureRecordCycle(t *testing.T) {
	h := newTestHeap(t)

	rec, err := NewRecord(h, "Counter")
	if err != nil {
		t.Fatal(err)
	}
	up, err := NewClosedUpvalue(h, Ref(rec.Clone()))
	if err != nil {
		t.Fatal(err)
	}
	fn, err := NewClosure(h, "increment", 0, up)
	if err != nil {
		t.Fatal(err)
	}
	rec.Get().Set("count", Int(0))
	rec.Get().Set("increment", Ref(fn))

	if got := rec.Get().Inspect(); got != "Counter { count: 0, increment: <closure increment> }" {
		t.Errorf("Inspect() = %s", got)
	}
	if rec.StrongCount() != 2 {
		t.Fatalf("record strong = %d, want 2", rec.StrongCount())
	}

	rec.Release()
	if got := h.Stats().LiveObjects; got != 3 {
		t.Fatalf("live objects = %d before collection, want 3", got)
	}
	report := h.CollectCycles()
	if report.Freed != 3 || report.Cycles != 1 {
		t.Errorf("report = %+v, want 3 freed in one cycle", report)
	}
}

func TestGeneratorCycle(t *testing.T) {
	h := newTestHeap(t)

	// The body closes over the generator that runs it.
	slot, err := NewOpenUpvalue(h, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !slot.Get().IsOpen() {
		t.Fatal("new upvalue should be open")
	}
	body, err := NewClosure(h, "ticker", 0, slot.Clone())
	if err != nil {
		t.Fatal(err)
	}
	msg, err := NewString(h, "tick")
	if err != nil {
		t.Fatal(err)
	}
	gen, err := NewGenerator(h, body, Int(1), msg)
	if err != nil {
		t.Fatal(err)
	}
	slot.Get().Close(Ref(gen.Clone()))
	slot.Release()

	if got := gen.Get().Inspect(); got != "<generator ticker suspended>" {
		t.Errorf("Inspect() = %s", got)
	}
	if got := heap.CountEdges(gen.Get()); got != 2 {
		t.Errorf("generator edges = %d, want 2", got)
	}

	gen.Get().Suspend(Int(10))
	v, ok := gen.Get().Resume()
	if !ok || v.AsInt() != 10 || gen.Get().State != GenRunning {
		t.Errorf("Resume = %v, %v, state %s", v.Inspect(), ok, gen.Get().State)
	}

	gen.Release()
	report := h.CollectCycles()
	if report.Freed != 4 {
		t.Errorf("freed = %d, want generator, closure, upvalue and string", report.Freed)
	}
	if got := h.Stats().LiveObjects; got != 0 {
		t.Errorf("live objects = %d, want 0", got)
	}
}

func TestGeneratorFinishBreaksCycle(t *testing.T) {
	h := newTestHeap(t)

	gen, err := NewGenerator(h, nil)
	if err != nil {
		t.Fatal(err)
	}
	gen.Get().Frame = append(gen.Get().Frame, Ref(gen.Clone()))
	gen.Get().Finish()
	if _, ok := gen.Get().Resume(); ok {
		t.Error("Resume succeeded on a finished generator")
	}
	if gen.StrongCount() != 1 {
		t.Fatalf("strong = %d after Finish, want 1", gen.StrongCount())
	}
	gen.Release()
	if got := h.Stats().LiveObjects; got != 0 {
		t.Errorf("live objects = %d, want 0 without a collection", got)
	}
}

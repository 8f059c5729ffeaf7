package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/funvibe/rcheap/internal/heap"
	"github.com/funvibe/rcheap/internal/values"
)

// shape is one allocation pattern the stress workload repeats.
type shape func(h *heap.Heap, i int) error

var shapes = []struct {
	name string
	run  shape
}{
	{"chain", chain},
	{"closure", closureCycle},
	{"generator", generatorCycle},
	{"self", selfArray},
}

// runWorkload drives iterations of every shape on workers goroutines and
// returns once all of them have released their values.
func runWorkload(h *heap.Heap, workers, iterations int) error {
	if workers < 1 {
		workers = 1
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < iterations; i += workers {
				s := shapes[i%len(shapes)]
				if err := s.run(h, i); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s #%d: %w", s.name, i, err))
					mu.Unlock()
					return
				}
			}
		}(w)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// chain builds an acyclic array of strings; it is freed by counting alone.
func chain(h *heap.Heap, i int) error {
	arr, err := values.NewArray(h)
	if err != nil {
		return err
	}
	defer arr.Release()
	for j := 0; j < 4; j++ {
		s, err := values.NewString(h, fmt.Sprintf("item-%d-%d", i, j))
		if err != nil {
			return err
		}
		arr.Get().Append(s)
	}
	return nil
}

// closureCycle builds record -> closure -> upvalue -> record.
func closureCycle(h *heap.Heap, i int) error {
	rec, err := values.NewRecord(h, "Counter")
	if err != nil {
		return err
	}
	defer rec.Release()
	up, err := values.NewClosedUpvalue(h, values.Ref(rec.Clone()))
	if err != nil {
		return err
	}
	fn, err := values.NewClosure(h, "increment", 0, up)
	if err != nil {
		return err
	}
	rec.Get().Set("count", values.Int(int64(i)))
	rec.Get().Set("increment", values.Ref(fn))
	return nil
}

// generatorCycle builds a generator whose body closes over the generator.
func generatorCycle(h *heap.Heap, i int) error {
	slot, err := values.NewOpenUpvalue(h, 0)
	if err != nil {
		return err
	}
	defer slot.Release()
	body, err := values.NewClosure(h, "gen", 0, slot.Clone())
	if err != nil {
		return err
	}
	gen, err := values.NewGenerator(h, body, values.Int(int64(i)))
	if err != nil {
		return err
	}
	defer gen.Release()
	slot.Get().Close(values.Ref(gen.Clone()))
	gen.Get().Suspend(values.Float(float64(i) / 2))
	return nil
}

// selfArray builds an array holding itself and a weak observer of it.
func selfArray(h *heap.Heap, i int) error {
	arr, err := values.NewArray(h, values.Int(int64(i)))
	if err != nil {
		return err
	}
	w := arr.Downgrade()
	defer w.Release()
	arr.Get().Append(values.Ref(arr.Clone()))
	arr.Release()
	if up, ok := w.Upgrade(); ok {
		up.Release()
	}
	return nil
}

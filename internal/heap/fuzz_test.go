package heap

import (
	"testing"
)

// byteSource turns fuzz input into a deterministic stream of choices.
type byteSource struct {
	data []byte
	pos  int
}

func (s *byteSource) Intn(n int) int {
	if n <= 0 || s.pos >= len(s.data) {
		return 0
	}
	v := int(s.data[s.pos])
	s.pos++
	return v % n
}

func (s *byteSource) done() bool { return s.pos >= len(s.data) }

type gnode struct {
	id    int
	out   []*Rc[gnode]
	drops map[int]int
}

func (g *gnode) Trace(visit Visitor) { TraceSlice(g.out, visit) }
func (g *gnode) Drop()               { g.drops[g.id]++ }

// FuzzGraph builds arbitrary graphs of linked nodes, drops references in
// arbitrary order and checks that collection never frees a held node and
// that everything is freed exactly once at the end.
func FuzzGraph(f *testing.F) {
	f.Add([]byte{0, 0, 1, 0, 1, 1, 1, 0, 3, 0, 3, 0, 4})
	f.Add([]byte{0, 0, 0, 1, 0, 1, 1, 1, 2, 1, 2, 0, 3, 1, 4, 2, 0, 3, 0, 4})
	f.Add([]byte{0, 1, 0, 0, 3, 0, 4, 0, 1, 0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > 512 {
			return
		}
		h := newTestHeap(t)
		src := &byteSource{data: data}
		drops := make(map[int]int)
		var held []*Rc[gnode]
		allocated := 0

		pick := func() *Rc[gnode] { return held[src.Intn(len(held))] }

		for !src.done() {
			op := src.Intn(5)
			if len(held) == 0 {
				op = 0
			}
			switch op {
			case 0:
				held = append(held, MustNew(h, gnode{id: allocated, drops: drops}))
				allocated++
			case 1:
				from, to := pick(), pick()
				from.Get().out = append(from.Get().out, to.Clone())
			case 2:
				n := pick().Get()
				if len(n.out) > 0 {
					last := n.out[len(n.out)-1]
					n.out = n.out[:len(n.out)-1]
					last.Release()
				}
			case 3:
				i := src.Intn(len(held))
				held[i].Release()
				held = append(held[:i], held[i+1:]...)
			case 4:
				h.CollectCycles()
				for _, rc := range held {
					if drops[rc.Get().id] != 0 {
						t.Fatalf("held node %d was dropped", rc.Get().id)
					}
				}
			}
		}

		for _, rc := range held {
			rc.Release()
		}
		h.CollectCycles()

		if st := h.Stats(); st.LiveObjects != 0 || st.Blocks != 0 {
			t.Fatalf("after final collection: live=%d blocks=%d", st.LiveObjects, st.Blocks)
		}
		for id := 0; id < allocated; id++ {
			if drops[id] != 1 {
				t.Fatalf("node %d dropped %d times", id, drops[id])
			}
		}
	})
}

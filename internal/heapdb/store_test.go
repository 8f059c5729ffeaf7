package heapdb

import (
	"bytes"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/funvibe/rcheap/internal/config"
	"github.com/funvibe/rcheap/internal/heap"
)

type cell struct {
	next *heap.Rc[cell]
}

func (c *cell) Trace(visit heap.Visitor) { c.next.Trace(visit) }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAttachRecordsPasses(t *testing.T) {
	s := openTestStore(t)

	cfg := config.Default()
	cfg.Collector.Manual = true
	h := heap.NewHeap(cfg)
	defer h.Close()

	if err := s.Attach(h, "test"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.BeginSession(h.Session(), h.Created(), "again"); err != nil {
		t.Fatalf("second BeginSession: %v", err)
	}

	a := heap.MustNew(h, cell{})
	a.Get().next = a.Clone()
	a.Release()
	h.CollectCycles()
	h.CollectCycles()

	passes, err := s.Passes(h.Session())
	if err != nil {
		t.Fatalf("Passes: %v", err)
	}
	if len(passes) != 2 {
		t.Fatalf("recorded %d passes, want 2", len(passes))
	}
	if passes[0].Seq != 1 || passes[0].Freed != 1 || passes[0].Trigger != heap.TriggerExplicit {
		t.Errorf("first pass = %+v", passes[0])
	}
	if passes[1].Freed != 0 {
		t.Errorf("second pass freed %d", passes[1].Freed)
	}

	sessions, err := s.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %+v", sessions)
	}
	got := sessions[0]
	if got.ID != h.Session() || got.Label != "test" || got.Passes != 2 || got.Freed != 1 {
		t.Errorf("session = %+v", got)
	}
}

func TestRecordTypes(t *testing.T) {
	s := openTestStore(t)
	id := uuid.New()
	if err := s.BeginSession(id, time.Now(), ""); err != nil {
		t.Fatal(err)
	}

	first := time.Now()
	if err := s.RecordTypes(id, first, []heap.TypeStats{{ID: 1, Name: "STRING", Allocations: 3}}); err != nil {
		t.Fatalf("RecordTypes: %v", err)
	}
	second := first.Add(time.Second)
	snapshot := []heap.TypeStats{
		{ID: 1, Name: "STRING", Allocations: 5, Deallocations: 2, CurrentBytes: 48, PeakBytes: 80},
		{ID: 2, Name: "ARRAY", Allocations: 1, CurrentBytes: 24, PeakBytes: 24},
	}
	if err := s.RecordTypes(id, second, snapshot); err != nil {
		t.Fatalf("RecordTypes: %v", err)
	}

	latest, err := s.LatestTypes(id)
	if err != nil {
		t.Fatalf("LatestTypes: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest = %+v", latest)
	}
	if latest[0] != snapshot[0] || latest[1] != snapshot[1] {
		t.Errorf("latest = %+v, want %+v", latest, snapshot)
	}
}

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		in   string
		want heap.Trigger
	}{
		{"explicit", heap.TriggerExplicit},
		{"threshold", heap.TriggerThreshold},
		{"background", heap.TriggerBackground},
		{"allocation", heap.TriggerAllocation},
		{"bogus", heap.TriggerExplicit},
	}
	for _, tt := range tests {
		if got := parseTrigger(tt.in); got != tt.want {
			t.Errorf("parseTrigger(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRecordPassKeepsCounters(t *testing.T) {
	s := openTestStore(t)
	want := heap.CollectionReport{
		Session:  uuid.New(),
		Seq:      4,
		Trigger:  heap.TriggerThreshold,
		Started:  time.Unix(0, time.Now().UnixNano()),
		Pause:    3 * time.Millisecond,
		Roots:    9,
		Stale:    1,
		Examined: 12,
		Live:     5,
		Freed:    7,
		Cycles:   2,
		Leaked:   1,
		Requeued: 3,
	}
	if err := s.BeginSession(want.Session, time.Now(), ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordPass(want); err != nil {
		t.Fatalf("RecordPass: %v", err)
	}

	passes, err := s.Passes(want.Session)
	if err != nil {
		t.Fatalf("Passes: %v", err)
	}
	if len(passes) != 1 {
		t.Fatalf("recorded %d passes, want 1", len(passes))
	}
	got := passes[0]
	if !got.Started.Equal(want.Started) {
		t.Errorf("started = %v, want %v", got.Started, want.Started)
	}
	got.Started = want.Started
	if got != want {
		t.Errorf("pass = %+v, want %+v", got, want)
	}
}

func TestAttachLogsThroughHeapLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := heap.SetLogger(log.New(&buf, "", 0))
	defer heap.SetLogger(prev)

	s := openTestStore(t)
	cfg := config.Default()
	cfg.Collector.Manual = true
	h := heap.NewHeap(cfg)
	defer h.Close()
	if err := s.Attach(h, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	s.Close()
	h.CollectCycles()
	if got := buf.String(); !strings.Contains(got, "history: recording pass 1") {
		t.Errorf("heap log = %q, want the failed recording", got)
	}
}

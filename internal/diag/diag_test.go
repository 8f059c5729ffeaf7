package diag

import (
	"bytes"
	"context"
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/funvibe/rcheap/internal/config"
	"github.com/funvibe/rcheap/internal/heap"
)

type link struct {
	next *heap.Rc[link]
}

func (l *link) Trace(visit heap.Visitor) { l.next.Trace(visit) }

func startServer(t *testing.T, h *heap.Heap, opts ...grpc.ServerOption) *Client {
	t.Helper()
	srv, err := NewServer(h, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := Dial(lis.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func manualHeap(t *testing.T) *heap.Heap {
	t.Helper()
	cfg := config.Default()
	cfg.Collector.Manual = true
	cfg.Collector.Interval = 0
	h := heap.NewHeap(cfg)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestServiceDescriptor(t *testing.T) {
	sd, err := ServiceDescriptor()
	if err != nil {
		t.Fatalf("ServiceDescriptor: %v", err)
	}
	if sd.GetFullyQualifiedName() != config.DiagnosticsService {
		t.Errorf("service = %s", sd.GetFullyQualifiedName())
	}
	for _, name := range []string{"GetStats", "Collect", "Types"} {
		if sd.FindMethodByName(name) == nil {
			t.Errorf("method %s missing", name)
		}
	}
}

func TestCollectOverGRPC(t *testing.T) {
	h := manualHeap(t)
	c := startServer(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := heap.MustNew(h, link{})
	b := heap.MustNew(h, link{})
	a.Get().next = b.Clone()
	b.Get().next = a.Clone()
	a.Release()
	b.Release()

	before, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if before.Session != h.Session().String() {
		t.Errorf("session = %q, want %s", before.Session, h.Session())
	}
	if before.LiveObjects != 2 || before.PendingCandidates != 2 {
		t.Errorf("before collect: %+v", before)
	}

	pass, err := c.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if pass.Freed != 2 || pass.Cycles != 1 || pass.Trigger != "explicit" {
		t.Errorf("pass = %+v", pass)
	}

	after, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if after.LiveObjects != 0 || after.ObjectsFreed != 2 || after.Collections != 1 {
		t.Errorf("after collect: %+v", after)
	}
	if after.State != heap.StateIdle.String() {
		t.Errorf("state = %q", after.State)
	}
}

func TestTypesOverGRPC(t *testing.T) {
	h := manualHeap(t)
	c := startServer(t, h)

	keep := heap.MustNew(h, link{})
	defer keep.Release()
	heap.MustNew(h, link{}).Release()

	rows, err := c.Types(context.Background())
	if err != nil {
		t.Fatalf("Types: %v", err)
	}
	var found *TypeRow
	for i := range rows {
		if strings.HasSuffix(rows[i].Name, "link") {
			found = &rows[i]
		}
	}
	if found == nil {
		t.Fatalf("link type missing from %+v", rows)
	}
	if found.Allocations != 2 || found.Deallocations != 1 || found.CurrentBytes <= 0 {
		t.Errorf("link row = %+v", *found)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogCallsInterceptor(t *testing.T) {
	var buf lockedBuffer
	logger := log.New(&buf, "", 0)
	h := manualHeap(t)
	c := startServer(t, h, grpc.UnaryInterceptor(LogCalls(logger)))

	if _, err := c.Stats(context.Background()); err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !strings.Contains(buf.String(), "/rcheap.diag.Diagnostics/GetStats in ") {
		t.Errorf("log = %q", buf.String())
	}
}

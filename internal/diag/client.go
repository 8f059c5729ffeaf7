package diag

import (
	"context"
	"fmt"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Snapshot is the client view of heap.Stats.
type Snapshot struct {
	Session           string
	Collections       uint64
	ObjectsFreed      uint64
	CyclesDetected    uint64
	Leaked            uint64
	StaleCandidates   uint64
	PendingCandidates int64
	Allocations       uint64
	FastFrees         uint64
	LiveObjects       int64
	Blocks            int64
	LiveBytes         int64
	PeakBytes         int64
	TotalPause        time.Duration
	LastPause         time.Duration
	State             string
}

// Pass is the client view of heap.CollectionReport.
type Pass struct {
	Seq      uint64
	Trigger  string
	Pause    time.Duration
	Roots    int64
	Stale    int64
	Examined int64
	Live     int64
	Freed    int64
	Cycles   int64
	Leaked   int64
	Requeued int64
}

// TypeRow is the client view of heap.TypeStats.
type TypeRow struct {
	ID            uint64
	Name          string
	Allocations   uint64
	Deallocations uint64
	CurrentBytes  int64
	PeakBytes     int64
}

// Client talks to a diagnostics server.
type Client struct {
	conn *grpc.ClientConn
	sd   *desc.ServiceDescriptor
}

// Dial connects to the server at target without transport security.
func Dial(target string) (*Client, error) {
	sd, err := ServiceDescriptor()
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	return &Client{conn: conn, sd: sd}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string) (*dynamic.Message, error) {
	md := c.sd.FindMethodByName(method)
	if md == nil {
		return nil, fmt.Errorf("unknown method %s", method)
	}
	req := dynamic.NewMessage(md.GetInputType())
	resp := dynamic.NewMessage(md.GetOutputType())
	path := "/" + c.sd.GetFullyQualifiedName() + "/" + method
	if err := c.conn.Invoke(ctx, path, req, resp); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return resp, nil
}

// Stats fetches the server heap's counters.
func (c *Client) Stats(ctx context.Context) (Snapshot, error) {
	m, err := c.invoke(ctx, "GetStats")
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Session:           getString(m, "session"),
		Collections:       getUint(m, "collections"),
		ObjectsFreed:      getUint(m, "objects_freed"),
		CyclesDetected:    getUint(m, "cycles_detected"),
		Leaked:            getUint(m, "leaked"),
		StaleCandidates:   getUint(m, "stale_candidates"),
		PendingCandidates: getInt(m, "pending_candidates"),
		Allocations:       getUint(m, "allocations"),
		FastFrees:         getUint(m, "fast_frees"),
		LiveObjects:       getInt(m, "live_objects"),
		Blocks:            getInt(m, "blocks"),
		LiveBytes:         getInt(m, "live_bytes"),
		PeakBytes:         getInt(m, "peak_bytes"),
		TotalPause:        time.Duration(getInt(m, "total_pause_ns")),
		LastPause:         time.Duration(getInt(m, "last_pause_ns")),
		State:             getString(m, "state"),
	}, nil
}

// Collect runs a collection pass on the server heap.
func (c *Client) Collect(ctx context.Context) (Pass, error) {
	m, err := c.invoke(ctx, "Collect")
	if err != nil {
		return Pass{}, err
	}
	return Pass{
		Seq:      getUint(m, "seq"),
		Trigger:  getString(m, "trigger"),
		Pause:    time.Duration(getInt(m, "pause_ns")),
		Roots:    getInt(m, "roots"),
		Stale:    getInt(m, "stale"),
		Examined: getInt(m, "examined"),
		Live:     getInt(m, "live"),
		Freed:    getInt(m, "freed"),
		Cycles:   getInt(m, "cycles"),
		Leaked:   getInt(m, "leaked"),
		Requeued: getInt(m, "requeued"),
	}, nil
}

// Types fetches the server heap's per-type counters.
func (c *Client) Types(ctx context.Context) ([]TypeRow, error) {
	m, err := c.invoke(ctx, "Types")
	if err != nil {
		return nil, err
	}
	raw, err := m.TryGetFieldByName("types")
	if err != nil {
		return nil, fmt.Errorf("Types: %w", err)
	}
	items, _ := raw.([]interface{})
	rows := make([]TypeRow, 0, len(items))
	for _, item := range items {
		row, ok := item.(*dynamic.Message)
		if !ok {
			continue
		}
		rows = append(rows, TypeRow{
			ID:            getUint(row, "id"),
			Name:          getString(row, "name"),
			Allocations:   getUint(row, "allocations"),
			Deallocations: getUint(row, "deallocations"),
			CurrentBytes:  getInt(row, "current_bytes"),
			PeakBytes:     getInt(row, "peak_bytes"),
		})
	}
	return rows, nil
}

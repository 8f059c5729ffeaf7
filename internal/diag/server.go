package diag

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/funvibe/rcheap/internal/heap"
)

// handler is the HandlerType of the hand-built service description.
type handler interface {
	handleUnary(ctx context.Context, md *desc.MethodDescriptor, in *dynamic.Message) (*dynamic.Message, error)
}

// Server serves one heap's diagnostics.
type Server struct {
	heap *heap.Heap
	sd   *desc.ServiceDescriptor
	grpc *grpc.Server
}

// NewServer builds a gRPC server exposing h.
func NewServer(h *heap.Heap, opts ...grpc.ServerOption) (*Server, error) {
	sd, err := ServiceDescriptor()
	if err != nil {
		return nil, err
	}
	s := &Server{heap: h, sd: sd, grpc: grpc.NewServer(opts...)}

	gd := &grpc.ServiceDesc{
		ServiceName: sd.GetFullyQualifiedName(),
		HandlerType: (*handler)(nil),
		Metadata:    sd.GetFile().GetName(),
	}
	for _, method := range sd.GetMethods() {
		md := method
		fullMethod := "/" + gd.ServiceName + "/" + md.GetName()
		gd.Methods = append(gd.Methods, grpc.MethodDesc{
			MethodName: md.GetName(),
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := dynamic.NewMessage(md.GetInputType())
				if err := dec(in); err != nil {
					return nil, err
				}
				call := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(handler).handleUnary(ctx, md, req.(*dynamic.Message))
				}
				if interceptor == nil {
					return call(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
				return interceptor(ctx, in, info, call)
			},
		})
	}
	s.grpc.RegisterService(gd, s)
	return s, nil
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on addr and serves until Stop.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop waits for in-flight calls and shuts the server down.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) handleUnary(ctx context.Context, md *desc.MethodDescriptor, in *dynamic.Message) (*dynamic.Message, error) {
	out := dynamic.NewMessage(md.GetOutputType())
	var err error
	switch md.GetName() {
	case "GetStats":
		err = setFields(out, statsFields(s.heap.Stats()))
	case "Collect":
		err = setFields(out, passFields(s.heap.CollectCycles()))
	case "Types":
		rowType := md.GetOutputType().FindFieldByName("types").GetMessageType()
		for _, ts := range s.heap.TypeStats() {
			row := dynamic.NewMessage(rowType)
			if err = setFields(row, typeFields(ts)); err != nil {
				break
			}
			if err = out.TryAddRepeatedFieldByName("types", row); err != nil {
				break
			}
		}
	default:
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", md.GetName())
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%s: %v", md.GetName(), err)
	}
	return out, nil
}

// LogCalls returns an interceptor that logs each call and its latency.
func LogCalls(logger *log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		if err != nil {
			logger.Printf("%s failed after %s: %v", info.FullMethod, time.Since(start), err)
		} else {
			logger.Printf("%s in %s", info.FullMethod, time.Since(start))
		}
		return resp, err
	}
}

func statsFields(st heap.Stats) map[string]any {
	return map[string]any{
		"session":            st.Session,
		"collections":        st.Collections,
		"objects_freed":      st.ObjectsFreed,
		"cycles_detected":    st.CyclesDetected,
		"leaked":             st.Leaked,
		"stale_candidates":   st.StaleCandidates,
		"pending_candidates": st.PendingCandidates,
		"allocations":        st.Allocations,
		"fast_frees":         st.FastFrees,
		"live_objects":       st.LiveObjects,
		"blocks":             st.Blocks,
		"live_bytes":         st.LiveBytes,
		"peak_bytes":         st.PeakBytes,
		"total_pause_ns":     st.TotalPause,
		"last_pause_ns":      st.LastPause,
		"state":              st.State,
	}
}

func passFields(r heap.CollectionReport) map[string]any {
	return map[string]any{
		"seq":      r.Seq,
		"trigger":  r.Trigger,
		"pause_ns": r.Pause,
		"roots":    r.Roots,
		"stale":    r.Stale,
		"examined": r.Examined,
		"live":     r.Live,
		"freed":    r.Freed,
		"cycles":   r.Cycles,
		"leaked":   r.Leaked,
		"requeued": r.Requeued,
	}
}

func typeFields(ts heap.TypeStats) map[string]any {
	return map[string]any{
		"id":            uint64(ts.ID),
		"name":          ts.Name,
		"allocations":   ts.Allocations,
		"deallocations": ts.Deallocations,
		"current_bytes": ts.CurrentBytes,
		"peak_bytes":    ts.PeakBytes,
	}
}

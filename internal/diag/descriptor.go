// Package diag exposes a heap's statistics over gRPC. The service is
// described by the embedded diag.proto, parsed at startup; requests and
// replies are dynamic messages, so no generated code is needed.
package diag

import (
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/funvibe/rcheap/internal/config"
)

//go:embed diag.proto
var protoSource string

const protoFile = "rcheap/diag.proto"

var (
	serviceOnce sync.Once
	serviceDesc *desc.ServiceDescriptor
	serviceErr  error
)

// ServiceDescriptor returns the parsed Diagnostics service.
func ServiceDescriptor() (*desc.ServiceDescriptor, error) {
	serviceOnce.Do(func() {
		parser := protoparse.Parser{
			Accessor: protoparse.FileContentsFromMap(map[string]string{protoFile: protoSource}),
		}
		fds, err := parser.ParseFiles(protoFile)
		if err != nil {
			serviceErr = fmt.Errorf("parsing %s: %w", protoFile, err)
			return
		}
		serviceDesc = fds[0].FindService(config.DiagnosticsService)
		if serviceDesc == nil {
			serviceErr = fmt.Errorf("service %s not found in %s", config.DiagnosticsService, protoFile)
		}
	})
	return serviceDesc, serviceErr
}

// setFields copies Go values into msg by proto field name.
func setFields(msg *dynamic.Message, fields map[string]any) error {
	md := msg.GetMessageDescriptor()
	for name, v := range fields {
		fd := md.FindFieldByName(name)
		if fd == nil {
			return fmt.Errorf("%s has no field %s", md.GetName(), name)
		}
		pv, err := protoValue(fd, v)
		if err != nil {
			return err
		}
		if err := msg.TrySetField(fd, pv); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}
	return nil
}

// protoValue converts v to the Go type dynamic.Message uses for fd.
func protoValue(fd *desc.FieldDescriptor, v any) (any, error) {
	switch fd.GetType() {
	case descriptorpb.FieldDescriptorProto_TYPE_INT64, descriptorpb.FieldDescriptorProto_TYPE_SINT64, descriptorpb.FieldDescriptorProto_TYPE_SFIXED64:
		if n, ok := toInt64(v); ok {
			return n, nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_UINT64, descriptorpb.FieldDescriptorProto_TYPE_FIXED64:
		if n, ok := toInt64(v); ok {
			return uint64(n), nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_STRING:
		switch s := v.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_BOOL:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("field %s: cannot encode %T as %s", fd.GetName(), v, fd.GetType())
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case time.Duration:
		return int64(n), true
	}
	return 0, false
}

func getInt(msg *dynamic.Message, name string) int64 {
	v, err := msg.TryGetFieldByName(name)
	if err != nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	}
	return 0
}

func getUint(msg *dynamic.Message, name string) uint64 {
	return uint64(getInt(msg, name))
}

func getString(msg *dynamic.Message, name string) string {
	v, err := msg.TryGetFieldByName(name)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName    = "mqttscope.Collector"
	pushMethodName = "/mqttscope.Collector/Push"
)

// CollectorClient is the client API for the Collector service.
type CollectorClient interface {
	Push(ctx context.Context, in *PushRequest, opts ...grpc.CallOption) (*PushResponse, error)
}

type collectorClient struct {
	cc grpc.ClientConnInterface
}

// NewCollectorClient creates a new CollectorClient.
func NewCollectorClient(cc grpc.ClientConnInterface) CollectorClient {
	return &collectorClient{cc}
}

func (c *collectorClient) Push(ctx context.Context, in *PushRequest, opts ...grpc.CallOption) (*PushResponse, error) {
	out := new(PushResponse)
	err := c.cc.Invoke(ctx, pushMethodName, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CollectorServer is the server API for the Collector service.
type CollectorServer interface {
	Push(context.Context, *PushRequest) (*PushResponse, error)
}

// RegisterCollectorServer registers the server.
func RegisterCollectorServer(s *grpc.Server, srv CollectorServer) {
	s.RegisterService(&_Collector_serviceDesc, srv)
}

var _Collector_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Push",
			Handler:    _Collector_Push_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collector.proto",
}

func _Collector_Push_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PushRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollectorServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: pushMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CollectorServer).Push(ctx, req.(*PushRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Message types

// PushRequest carries one msgpack-encoded record envelope, or the id of a
// connection that has closed.
type PushRequest struct {
	Envelope   []byte `protobuf:"bytes,1,opt,name=envelope,proto3" json:"envelope,omitempty"`
	ClosedConn string `protobuf:"bytes,2,opt,name=closed_conn,json=closedConn,proto3" json:"closed_conn,omitempty"`
}

func (m *PushRequest) Reset()         { *m = PushRequest{} }
func (m *PushRequest) String() string { return "" }
func (m *PushRequest) ProtoMessage()  {}

// PushResponse is the response to Push.
type PushResponse struct{}

func (m *PushResponse) Reset()         { *m = PushResponse{} }
func (m *PushResponse) String() string { return "" }
func (m *PushResponse) ProtoMessage()  {}

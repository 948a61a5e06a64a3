package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// ServiceName is the fully qualified Gateway service name.
	ServiceName = "aegis.v1.Gateway"

	methodHealthCheck = "/aegis.v1.Gateway/HealthCheck"
	methodProcess     = "/aegis.v1.Gateway/Process"
)

// GatewayServer is the interface Core-B implements.
type GatewayServer interface {
	// HealthCheck reports readiness; Core-A polls it during bootstrap.
	HealthCheck(ctx context.Context, req *HealthCheckRequest) (*HealthCheckResponse, error)
	// Process decrypts one request, replays it against the origin and
	// returns the sealed response.
	Process(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error)
}

// RegisterGatewayServer registers impl on a grpc.Server.
func RegisterGatewayServer(s grpc.ServiceRegistrar, impl GatewayServer) {
	s.RegisterService(&gatewayServiceDesc, impl)
}

// gatewayServiceDesc is the hand-rolled service descriptor; it plays the role
// protoc-generated bindings would.
var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "HealthCheck",
			Handler:    healthCheckHandler,
		},
		{
			MethodName: "Process",
			Handler:    processHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aegis/v1/gateway",
}

func healthCheckHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthCheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHealthCheck}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).HealthCheck(ctx, req.(*HealthCheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func processHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ProcessRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodProcess}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).Process(ctx, req.(*ProcessRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// GatewayClient is Core-A's handle on the Gateway service.
type GatewayClient struct {
	cc grpc.ClientConnInterface
}

// NewGatewayClient wraps an established connection.
func NewGatewayClient(cc grpc.ClientConnInterface) *GatewayClient {
	return &GatewayClient{cc: cc}
}

// Dial opens an insecure client connection to target with the JSON codec as
// the default content subtype. The inter-node channel carries only sealed
// envelopes, so transport security is not layered here.
func Dial(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
}

// HealthCheck invokes Gateway.HealthCheck.
func (c *GatewayClient) HealthCheck(ctx context.Context, req *HealthCheckRequest, opts ...grpc.CallOption) (*HealthCheckResponse, error) {
	out := new(HealthCheckResponse)
	if err := c.cc.Invoke(ctx, methodHealthCheck, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Process invokes Gateway.Process.
func (c *GatewayClient) Process(ctx context.Context, req *ProcessRequest, opts ...grpc.CallOption) (*ProcessResponse, error) {
	out := new(ProcessResponse)
	if err := c.cc.Invoke(ctx, methodProcess, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

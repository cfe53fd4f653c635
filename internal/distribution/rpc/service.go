package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC full method prefix, hand-assigned in place of
// a protoc-generated one.
const ServiceName = "ferrum.distribution.ConfigService"

const (
	methodSubscribeConfigUpdates = "/" + ServiceName + "/SubscribeConfigUpdates"
	methodGetConfigSnapshot      = "/" + ServiceName + "/GetConfigSnapshot"
	methodReportHealth           = "/" + ServiceName + "/ReportHealth"
)

// ConfigServiceServer is implemented by the Control Plane's gRPC server
// (§4.E Control-Plane RPC server, three methods).
type ConfigServiceServer interface {
	SubscribeConfigUpdates(req *SubscribeRequest, stream ConfigService_SubscribeConfigUpdatesServer) error
	GetConfigSnapshot(ctx context.Context, req *GetSnapshotRequest) (*ConfigSnapshot, error)
	ReportHealth(ctx context.Context, req *HealthReport) (*HealthAck, error)
}

// ConfigService_SubscribeConfigUpdatesServer is the server side of the
// SubscribeConfigUpdates stream.
type ConfigService_SubscribeConfigUpdatesServer interface {
	Send(*ConfigUpdate) error
	grpc.ServerStream
}

type subscribeConfigUpdatesServer struct {
	grpc.ServerStream
}

func (s *subscribeConfigUpdatesServer) Send(m *ConfigUpdate) error {
	return s.ServerStream.SendMsg(m)
}

func subscribeConfigUpdatesHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ConfigServiceServer).SubscribeConfigUpdates(req, &subscribeConfigUpdatesServer{stream})
}

func getConfigSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(GetSnapshotRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConfigServiceServer).GetConfigSnapshot(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetConfigSnapshot}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ConfigServiceServer).GetConfigSnapshot(ctx, req.(*GetSnapshotRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func reportHealthHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(HealthReport)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConfigServiceServer).ReportHealth(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReportHealth}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ConfigServiceServer).ReportHealth(ctx, req.(*HealthReport))
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc is the hand-built equivalent of a protoc-gen-go-grpc
// _ServiceDesc for ConfigService.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConfigServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetConfigSnapshot", Handler: getConfigSnapshotHandler},
		{MethodName: "ReportHealth", Handler: reportHealthHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeConfigUpdates",
			Handler:       subscribeConfigUpdatesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "ferrum/distribution/config_service.proto",
}

// RegisterConfigServiceServer registers srv on s, the way a generated
// _grpc.pb.go file would.
func RegisterConfigServiceServer(s grpc.ServiceRegistrar, srv ConfigServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// ConfigServiceClient is the Data Plane side of the contract.
type ConfigServiceClient interface {
	SubscribeConfigUpdates(ctx context.Context, req *SubscribeRequest) (ConfigService_SubscribeConfigUpdatesClient, error)
	GetConfigSnapshot(ctx context.Context, req *GetSnapshotRequest) (*ConfigSnapshot, error)
	ReportHealth(ctx context.Context, req *HealthReport) (*HealthAck, error)
}

// ConfigService_SubscribeConfigUpdatesClient is the client side of the
// SubscribeConfigUpdates stream.
type ConfigService_SubscribeConfigUpdatesClient interface {
	Recv() (*ConfigUpdate, error)
	grpc.ClientStream
}

type configServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewConfigServiceClient wraps cc, the way a generated _grpc.pb.go file
// would; cc is expected to have been dialed with CallContentSubtype set
// to the "json" codec name so the wire framing matches the CP server.
func NewConfigServiceClient(cc grpc.ClientConnInterface) ConfigServiceClient {
	return &configServiceClient{cc: cc}
}

type subscribeConfigUpdatesClient struct {
	grpc.ClientStream
}

func (c *subscribeConfigUpdatesClient) Recv() (*ConfigUpdate, error) {
	m := new(ConfigUpdate)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *configServiceClient) SubscribeConfigUpdates(ctx context.Context, req *SubscribeRequest) (ConfigService_SubscribeConfigUpdatesClient, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], methodSubscribeConfigUpdates)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &subscribeConfigUpdatesClient{stream}, nil
}

func (c *configServiceClient) GetConfigSnapshot(ctx context.Context, req *GetSnapshotRequest) (*ConfigSnapshot, error) {
	out := new(ConfigSnapshot)
	if err := c.cc.Invoke(ctx, methodGetConfigSnapshot, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *configServiceClient) ReportHealth(ctx context.Context, req *HealthReport) (*HealthAck, error) {
	out := new(HealthAck)
	if err := c.cc.Invoke(ctx, methodReportHealth, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

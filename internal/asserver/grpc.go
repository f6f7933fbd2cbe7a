package asserver

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/epics-asg/accessd/internal/asdump"
	"github.com/epics-asg/accessd/internal/asloader"
	"github.com/epics-asg/accessd/internal/asmodel"
	"github.com/epics-asg/accessd/internal/asparser"
	"github.com/epics-asg/accessd/internal/asregistry"
	"github.com/epics-asg/accessd/internal/aseval"
	"github.com/epics-asg/accessd/internal/jsonx"
)

// jsonCodec is a grpc encoding.Codec that marshals with jsonx (Sonic)
// instead of protobuf, so the service below can be hand-written without
// a .proto toolchain step while still riding grpc's framing, HTTP/2
// transport, and deadline propagation for same-host callers.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return jsonx.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return jsonx.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// EvaluateRequest/EvaluateReply mirror a one-shot CheckGet/CheckPut/
// CheckRPC query for callers that want a decision without holding a
// live Client registration (e.g. a one-off audit tool).
type EvaluateRequest struct {
	ASGName  string `json:"asg_name"`
	Level    int    `json:"level"`
	User     string `json:"user"`
	Host     string `json:"host"`
	Method   string `json:"method"`
	Chain    string `json:"authority_chain"`
	Protocol string `json:"protocol"`
}

type EvaluateReply struct {
	Access   string `json:"access"`
	TrapMask bool   `json:"trap_mask"`
}

type DumpRequest struct {
	Format string `json:"format"`
}

type DumpReply struct {
	Text string `json:"text,omitempty"`
	JSON []byte `json:"json,omitempty"`
}

type ReloadRequest struct {
	PolicyText string `json:"policy_text"`
}

type ReloadReply struct {
	SnapshotID string `json:"snapshot_id"`
}

// grpcService implements the three admin RPCs against a live Registry
// and Loader, the gRPC counterpart of the HTTP handlers in server.go.
type grpcService struct {
	reg    *asregistry.Registry
	loader *asloader.Loader
	opts   asparser.Options
	logger *zap.Logger
}

func (s *grpcService) evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateReply, error) {
	snap := s.reg.Snapshot()
	table := s.reg.Table()
	if snap == nil || table == nil {
		return nil, status.Error(codes.Unavailable, "no policy loaded")
	}
	proto, _ := asmodel.ParseProtocol(req.Protocol)
	client := &asmodel.Client{
		Identity: asmodel.Identity{
			User:      req.User,
			Host:      req.Host,
			Method:    req.Method,
			Authority: req.Chain,
			Protocol:  proto,
		},
		Level: req.Level,
	}
	member := &asmodel.Member{GroupName: req.ASGName, ASG: snap.FindASG(req.ASGName)}
	client.Member = member
	eval := aseval.New(s.logger)
	eval.ComputeClient(client, table, snap)
	return &EvaluateReply{Access: client.Access.String(), TrapMask: client.TrapMask}, nil
}

func (s *grpcService) dump(ctx context.Context, req *DumpRequest) (*DumpReply, error) {
	snap := s.reg.Snapshot()
	if snap == nil {
		return nil, status.Error(codes.Unavailable, "no policy loaded")
	}
	if req.Format == "json" {
		data, err := asdump.JSON(snap)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return &DumpReply{JSON: data}, nil
	}
	return &DumpReply{Text: asdump.Text(snap)}, nil
}

func (s *grpcService) reload(ctx context.Context, req *ReloadRequest) (*ReloadReply, error) {
	if req.PolicyText == "" {
		return nil, status.Error(codes.InvalidArgument, "policy_text must not be empty")
	}
	if err := s.loader.Load(req.PolicyText, s.opts); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &ReloadReply{SnapshotID: s.reg.Snapshot().ID}, nil
}

var accessControlServiceDesc = grpc.ServiceDesc{
	ServiceName: "accessd.AccessControl",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "Dump", Handler: dumpHandler},
		{MethodName: "Reload", Handler: reloadHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "accessd.proto",
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(EvaluateRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(*grpcService)
	if interceptor == nil {
		return svc.evaluate(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: svc, FullMethod: "/accessd.AccessControl/Evaluate"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return svc.evaluate(ctx, req.(*EvaluateRequest))
	})
}

func dumpHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(DumpRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(*grpcService)
	if interceptor == nil {
		return svc.dump(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: svc, FullMethod: "/accessd.AccessControl/Dump"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return svc.dump(ctx, req.(*DumpRequest))
	})
}

func reloadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ReloadRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(*grpcService)
	if interceptor == nil {
		return svc.reload(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: svc, FullMethod: "/accessd.AccessControl/Reload"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return svc.reload(ctx, req.(*ReloadRequest))
	})
}

// NewGRPCServer builds a grpc.Server with the AccessControl service
// registered over the json codec, ready for grpcServer.Serve(listener).
func NewGRPCServer(reg *asregistry.Registry, loader *asloader.Loader, opts asparser.Options, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gs := grpc.NewServer()
	svc := &grpcService{reg: reg, loader: loader, opts: opts, logger: logger.Named("asserver_grpc")}
	gs.RegisterService(&accessControlServiceDesc, svc)
	return gs
}

package rpc

import (
	"context"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"google.golang.org/grpc"

	"txstore/internal/wire"
)

const (
	ServiceName  = "txstore.Replica"
	VoteMethod   = "/" + ServiceName + "/Vote"
	ReadMethod   = "/" + ServiceName + "/Read"
	StepMethod   = "/" + ServiceName + "/Step"
	HealthMethod = "/" + ServiceName + "/Health"
)

// ReplicaServer is the server API of the txstore.Replica service.
type ReplicaServer interface {
	Vote(ctx context.Context, in *wire.VoteMsg) (*wire.Empty, error)
	Read(ctx context.Context, in *wire.ReadRequestMsg) (*wire.ReadReplyMsg, error)
	Step(ctx context.Context, in *raftpb.Message) (*wire.Empty, error)
	Health(ctx context.Context, in *wire.Empty) (*wire.Empty, error)
}

// RegisterReplicaServer registers srv on s.
func RegisterReplicaServer(s grpc.ServiceRegistrar, srv ReplicaServer) {
	s.RegisterService(&replicaServiceDesc, srv)
}

func unary[In any, Out any](fullMethod string, call func(ReplicaServer, context.Context, *In) (*Out, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(In)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ReplicaServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ReplicaServer), ctx, req.(*In))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var replicaServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Vote", Handler: unary(VoteMethod, ReplicaServer.Vote)},
		{MethodName: "Read", Handler: unary(ReadMethod, ReplicaServer.Read)},
		{MethodName: "Step", Handler: unary(StepMethod, ReplicaServer.Step)},
		{MethodName: "Health", Handler: unary(HealthMethod, ReplicaServer.Health)},
	},
	Metadata: "txstore/replica",
}

// NewGRPCServer returns a gRPC server speaking the wire codec.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(wire.Codec{})}, opts...)
	return grpc.NewServer(opts...)
}

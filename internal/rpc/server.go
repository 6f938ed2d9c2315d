package rpc

import (
	"context"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"txstore/internal/transport"
	"txstore/internal/wire"
)

// Stepper accepts raft messages from other replicas.
type Stepper interface {
	Step(ctx context.Context, msg raftpb.Message) error
}

// Server implements ReplicaServer for one replica.
type Server struct {
	replica string
	votes   transport.Handler
	reads   transport.ReadHandler
	stepper Stepper
	logger  *zap.Logger
}

// NewServer creates a replica server. stepper may be nil when the replica
// does not use the raft multicast.
func NewServer(replica string, votes transport.Handler, reads transport.ReadHandler, stepper Stepper, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		replica: replica,
		votes:   votes,
		reads:   reads,
		stepper: stepper,
		logger:  logger.With(zap.String("replica", replica)),
	}
}

// Vote hands a remote vote to the coordinator.
func (s *Server) Vote(ctx context.Context, in *wire.VoteMsg) (*wire.Empty, error) {
	s.logger.Debug("vote received",
		zap.Stringer("txn", in.Handler), zap.String("group", in.Group),
		zap.String("from", in.Replica), zap.Bool("commit", in.Commit))
	s.votes.HandleVote(in.Vote)
	return &wire.Empty{}, nil
}

// Read serves a remote read of a key this replica owns.
func (s *Server) Read(ctx context.Context, in *wire.ReadRequestMsg) (*wire.ReadReplyMsg, error) {
	if in.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key cannot be empty")
	}
	reply, err := s.reads.ServeRead(ctx, in.ReadRequest)
	if err != nil {
		s.logger.Debug("remote read failed", zap.String("key", in.Key), zap.Error(err))
		return nil, toStatus(err)
	}
	return &wire.ReadReplyMsg{ReadReply: reply}, nil
}

// Step feeds a raft message to the multicast layer.
func (s *Server) Step(ctx context.Context, in *raftpb.Message) (*wire.Empty, error) {
	if s.stepper == nil {
		return nil, status.Error(codes.Unimplemented, "raft multicast is not enabled")
	}
	if err := s.stepper.Step(ctx, *in); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &wire.Empty{}, nil
}

// Health answers liveness probes.
func (s *Server) Health(context.Context, *wire.Empty) (*wire.Empty, error) {
	return &wire.Empty{}, nil
}

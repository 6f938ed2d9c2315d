package rpc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"txstore/internal/transport"
	"txstore/internal/wire"
)

// ErrUnknownReplica is returned when no address is known for a replica.
var ErrUnknownReplica = errors.New("rpc: unknown replica")

// ClientManager manages gRPC connections to peer replicas. It implements
// transport.VoteSender, transport.Reader and raftcast.Sender.
type ClientManager struct {
	mu    sync.RWMutex
	addrs map[string]string
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewClientManager creates a manager for the given replica addresses.
func NewClientManager(addrs map[string]string, opts ...grpc.DialOption) *ClientManager {
	m := &ClientManager{
		addrs: make(map[string]string, len(addrs)),
		conns: make(map[string]*grpc.ClientConn),
		opts: append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{})),
		}, opts...),
	}
	for id, addr := range addrs {
		m.addrs[id] = addr
	}
	return m
}

// SetAddr updates the address of a replica, dropping any open connection.
func (m *ClientManager) SetAddr(replica, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addrs[replica] == addr {
		return
	}
	m.addrs[replica] = addr
	if conn, ok := m.conns[replica]; ok {
		_ = conn.Close()
		delete(m.conns, replica)
	}
}

// conn returns a connection to the replica, creating it on first use.
func (m *ClientManager) conn(replica string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, exists := m.conns[replica]
	m.mu.RUnlock()
	if exists {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := m.conns[replica]; exists {
		return conn, nil
	}
	addr, ok := m.addrs[replica]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownReplica, "%q", replica)
	}
	conn, err := grpc.NewClient(addr, m.opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s at %s", replica, addr)
	}
	m.conns[replica] = conn
	return conn, nil
}

func (m *ClientManager) invoke(ctx context.Context, replica, method string, in, out any) error {
	conn, err := m.conn(replica)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, method, in, out)
}

// SendVote implements transport.VoteSender.
func (m *ClientManager) SendVote(ctx context.Context, replica string, v transport.Vote) error {
	return fromStatus(m.invoke(ctx, replica, VoteMethod, &wire.VoteMsg{Vote: v}, &wire.Empty{}))
}

// RemoteRead implements transport.Reader.
func (m *ClientManager) RemoteRead(ctx context.Context, replica string, req transport.ReadRequest) (transport.ReadReply, error) {
	out := &wire.ReadReplyMsg{}
	if err := m.invoke(ctx, replica, ReadMethod, &wire.ReadRequestMsg{ReadRequest: req}, out); err != nil {
		return transport.ReadReply{}, fromStatus(err)
	}
	return out.ReadReply, nil
}

// SendRaft ships a raft message to a peer.
func (m *ClientManager) SendRaft(ctx context.Context, replica string, msg raftpb.Message) error {
	return m.invoke(ctx, replica, StepMethod, &msg, &wire.Empty{})
}

// Ping checks that a replica answers.
func (m *ClientManager) Ping(ctx context.Context, replica string) error {
	return m.invoke(ctx, replica, HealthMethod, &wire.Empty{}, &wire.Empty{})
}

// Close closes all client connections.
func (m *ClientManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conn := range m.conns {
		_ = conn.Close()
		delete(m.conns, id)
	}
}

package transport

import (
	"context"

	"github.com/google/uuid"

	"txstore/internal/clock"
	"txstore/internal/txn"
)

// Request is a termination request: an execution record, the groups it is
// multicast to and the subset of them that must vote.
type Request struct {
	Record *txn.Record
	Groups []string
	Voters []string
}

// Vote is one group's certification result for a transaction, cast by one
// of the group's replicas.
type Vote struct {
	Handler uuid.UUID
	Group   string
	Replica string
	Commit  bool
}

// ReadRequest asks a remote replica for a key as of a snapshot.
type ReadRequest struct {
	Key      string
	Snapshot clock.Version
}

// ReadReply answers a ReadRequest. Snapshot is the snapshot the serving
// replica evaluated the read at, pinned there when the request had none.
type ReadReply struct {
	Found    bool
	Value    []byte
	Version  clock.Version
	Snapshot clock.Version
}

// Handler receives deliveries and votes.
type Handler interface {
	// Deliver is invoked once per request, in the same total order at every
	// replica of the destination groups.
	Deliver(req Request)
	// HandleVote is invoked for every vote addressed to the replica.
	HandleVote(v Vote)
}

// Multicaster broadcasts termination requests in total order.
type Multicaster interface {
	Multicast(ctx context.Context, req Request) error
}

// VoteSender sends a vote to a single replica.
type VoteSender interface {
	SendVote(ctx context.Context, replica string, v Vote) error
}

// Reader reads a key at a remote replica.
type Reader interface {
	RemoteRead(ctx context.Context, replica string, req ReadRequest) (ReadReply, error)
}

// ReadHandler serves remote reads.
type ReadHandler interface {
	ServeRead(ctx context.Context, req ReadRequest) (ReadReply, error)
}

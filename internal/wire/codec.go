package wire

import (
	"github.com/pkg/errors"

	"txstore/internal/transport"
)

// CodecName is the gRPC content subtype of Codec.
const CodecName = "txwire"

// Message is a value the codec can carry. raftpb.Message satisfies it too.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

// Codec is a gRPC codec for Message values.
type Codec struct{}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, errors.Errorf("wire: cannot marshal %T", v)
	}
	return m.Marshal()
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return errors.Errorf("wire: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }

// VoteMsg carries a vote.
type VoteMsg struct{ transport.Vote }

func (m *VoteMsg) Marshal() ([]byte, error) { return MarshalVote(m.Vote), nil }

func (m *VoteMsg) Unmarshal(b []byte) (err error) {
	m.Vote, err = UnmarshalVote(b)
	return err
}

// ReadRequestMsg carries a remote read request.
type ReadRequestMsg struct{ transport.ReadRequest }

func (m *ReadRequestMsg) Marshal() ([]byte, error) { return MarshalReadRequest(m.ReadRequest), nil }

func (m *ReadRequestMsg) Unmarshal(b []byte) (err error) {
	m.ReadRequest, err = UnmarshalReadRequest(b)
	return err
}

// ReadReplyMsg carries a remote read reply.
type ReadReplyMsg struct{ transport.ReadReply }

func (m *ReadReplyMsg) Marshal() ([]byte, error) { return MarshalReadReply(m.ReadReply), nil }

func (m *ReadReplyMsg) Unmarshal(b []byte) (err error) {
	m.ReadReply, err = UnmarshalReadReply(b)
	return err
}

// Empty is an empty message.
type Empty struct{}

func (*Empty) Marshal() ([]byte, error) { return nil, nil }

func (*Empty) Unmarshal([]byte) error { return nil }

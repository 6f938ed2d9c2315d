package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"google.golang.org/grpc/encoding"

	"txstore/internal/clock"
	"txstore/internal/transport"
	"txstore/internal/txn"
)

func sampleRequest() transport.Request {
	rec := txn.NewRecord("r1", txn.Normal)
	rec.Snapshot = 7
	rec.AddRead("k1", 3)
	rec.AddRead("k2", 0)
	rec.AddWrite("k1", []byte("v1"))
	rec.AddCreate("k9", []byte{0, 1, 2})
	return transport.Request{Record: rec, Groups: []string{"g0", "g1"}, Voters: []string{"g1"}}
}

func TestRequestRoundTrip(t *testing.T) {
	req := sampleRequest()
	got, err := UnmarshalRequest(MarshalRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req.Record.Handler, got.Record.Handler)
	assert.Equal(t, txn.Normal, got.Record.Type)
	assert.Equal(t, "r1", got.Record.Origin)
	assert.Equal(t, clock.Version(7), got.Record.Snapshot)
	assert.Equal(t, req.Record.ReadSet, got.Record.ReadSet)
	assert.Equal(t, req.Record.WriteSet, got.Record.WriteSet)
	assert.Equal(t, req.Record.CreateSet, got.Record.CreateSet)
	assert.Equal(t, req.Groups, got.Groups)
	assert.Equal(t, req.Voters, got.Voters)
}

func TestRequestKeepsNoSnapshot(t *testing.T) {
	rec := txn.NewRecord("r2", txn.Init)
	rec.AddCreate("a", []byte("x"))
	got, err := UnmarshalRequest(MarshalRequest(transport.Request{Record: rec, Groups: []string{"g"}}))
	require.NoError(t, err)
	assert.Equal(t, clock.NoSnapshot, got.Record.Snapshot)
	assert.Equal(t, txn.Init, got.Record.Type)
}

func TestRequestWithoutHandlerRejected(t *testing.T) {
	_, err := UnmarshalRequest(appendString(nil, 3, "r1"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTruncatedRequestRejected(t *testing.T) {
	b := MarshalRequest(sampleRequest())
	_, err := UnmarshalRequest(b[:len(b)-2])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVoteAndReads(t *testing.T) {
	v := transport.Vote{Handler: uuid.New(), Group: "g1", Replica: "r3", Commit: true}
	gotVote, err := UnmarshalVote(MarshalVote(v))
	require.NoError(t, err)
	assert.Equal(t, v, gotVote)

	rr := transport.ReadRequest{Key: "k5", Snapshot: clock.NoSnapshot}
	gotReq, err := UnmarshalReadRequest(MarshalReadRequest(rr))
	require.NoError(t, err)
	assert.Equal(t, rr, gotReq)

	reply := transport.ReadReply{Found: true, Value: []byte("v"), Version: 12, Snapshot: 15}
	gotReply, err := UnmarshalReadReply(MarshalReadReply(reply))
	require.NoError(t, err)
	assert.Equal(t, reply, gotReply)
}

func TestCodecCarriesRaftMessages(t *testing.T) {
	var c encoding.Codec = Codec{}
	assert.Equal(t, CodecName, c.Name())

	in := raftpb.Message{Type: raftpb.MsgHeartbeat, From: 1, To: 2, Term: 4, Commit: 9}
	b, err := c.Marshal(&in)
	require.NoError(t, err)
	var out raftpb.Message
	require.NoError(t, c.Unmarshal(b, &out))
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Commit, out.Commit)

	_, err = c.Marshal("not a message")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(nil, new(int)))
}

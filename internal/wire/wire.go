package wire

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"txstore/internal/clock"
	"txstore/internal/transport"
	"txstore/internal/txn"
)

// ErrMalformed is returned for undecodable messages.
var ErrMalformed = errors.New("wire: malformed message")

// field visits one decoded field. Exactly one of v or b is meaningful,
// depending on typ.
type field func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error

// walk decodes the fields of a message.
func walk(b []byte, fn field) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
		}
		b = b[n:]
		var (
			v   uint64
			buf []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			buf, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(ErrMalformed, "field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, buf); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendVersion(b []byte, num protowire.Number, v clock.Version) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(int64(v)))
}

func decodeVersion(v uint64) clock.Version {
	return clock.Version(protowire.DecodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func decodeHandler(b []byte) (uuid.UUID, error) {
	h, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, errors.Wrap(ErrMalformed, "handler")
	}
	return h, nil
}

// MarshalRequest encodes a termination request.
func MarshalRequest(req transport.Request) []byte {
	rec := req.Record
	var b []byte
	b = appendBytes(b, 1, rec.Handler[:])
	b = appendVarint(b, 2, uint64(rec.Type))
	b = appendString(b, 3, rec.Origin)
	// the snapshot is usually -1 or positive; zigzag keeps both short
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(rec.Snapshot)))
	for _, r := range rec.ReadSet {
		var m []byte
		m = appendString(m, 1, r.Key)
		m = appendVersion(m, 2, r.Version)
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	b = appendEntities(b, 6, rec.WriteSet)
	b = appendEntities(b, 7, rec.CreateSet)
	for _, g := range req.Groups {
		b = appendString(b, 8, g)
	}
	for _, g := range req.Voters {
		b = appendString(b, 9, g)
	}
	return b
}

func appendEntities(b []byte, num protowire.Number, entities []txn.Entity) []byte {
	for _, e := range entities {
		var m []byte
		m = appendString(m, 1, e.Key)
		m = appendBytes(m, 2, e.Value)
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// UnmarshalRequest decodes a termination request.
func UnmarshalRequest(b []byte) (transport.Request, error) {
	rec := &txn.Record{Snapshot: clock.NoSnapshot}
	req := transport.Request{Record: rec}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, buf []byte) error {
		var err error
		switch num {
		case 1:
			rec.Handler, err = decodeHandler(buf)
		case 2:
			rec.Type = txn.Type(v)
		case 3:
			rec.Origin = string(buf)
		case 4:
			rec.Snapshot = decodeVersion(v)
		case 5:
			var r txn.ReadEntry
			err = walk(buf, func(num protowire.Number, _ protowire.Type, v uint64, buf []byte) error {
				switch num {
				case 1:
					r.Key = string(buf)
				case 2:
					r.Version = decodeVersion(v)
				}
				return nil
			})
			rec.ReadSet = append(rec.ReadSet, r)
		case 6, 7:
			var e txn.Entity
			err = walk(buf, func(num protowire.Number, _ protowire.Type, _ uint64, buf []byte) error {
				switch num {
				case 1:
					e.Key = string(buf)
				case 2:
					e.Value = append([]byte(nil), buf...)
				}
				return nil
			})
			if num == 6 {
				rec.WriteSet = append(rec.WriteSet, e)
			} else {
				rec.CreateSet = append(rec.CreateSet, e)
			}
		case 8:
			req.Groups = append(req.Groups, string(buf))
		case 9:
			req.Voters = append(req.Voters, string(buf))
		}
		return err
	})
	if err != nil {
		return transport.Request{}, err
	}
	if rec.Handler == uuid.Nil {
		return transport.Request{}, errors.Wrap(ErrMalformed, "request without handler")
	}
	return req, nil
}

// MarshalVote encodes a vote.
func MarshalVote(v transport.Vote) []byte {
	var b []byte
	b = appendBytes(b, 1, v.Handler[:])
	b = appendString(b, 2, v.Group)
	b = appendString(b, 3, v.Replica)
	b = appendBool(b, 4, v.Commit)
	return b
}

// UnmarshalVote decodes a vote.
func UnmarshalVote(b []byte) (transport.Vote, error) {
	var vote transport.Vote
	err := walk(b, func(num protowire.Number, _ protowire.Type, v uint64, buf []byte) error {
		var err error
		switch num {
		case 1:
			vote.Handler, err = decodeHandler(buf)
		case 2:
			vote.Group = string(buf)
		case 3:
			vote.Replica = string(buf)
		case 4:
			vote.Commit = v != 0
		}
		return err
	})
	return vote, err
}

// MarshalReadRequest encodes a remote read request.
func MarshalReadRequest(r transport.ReadRequest) []byte {
	var b []byte
	b = appendString(b, 1, r.Key)
	b = appendVersion(b, 2, r.Snapshot)
	return b
}

// UnmarshalReadRequest decodes a remote read request.
func UnmarshalReadRequest(b []byte) (transport.ReadRequest, error) {
	var r transport.ReadRequest
	err := walk(b, func(num protowire.Number, _ protowire.Type, v uint64, buf []byte) error {
		switch num {
		case 1:
			r.Key = string(buf)
		case 2:
			r.Snapshot = decodeVersion(v)
		}
		return nil
	})
	return r, err
}

// MarshalReadReply encodes a remote read reply.
func MarshalReadReply(r transport.ReadReply) []byte {
	var b []byte
	b = appendBool(b, 1, r.Found)
	b = appendBytes(b, 2, r.Value)
	b = appendVersion(b, 3, r.Version)
	b = appendVersion(b, 4, r.Snapshot)
	return b
}

// UnmarshalReadReply decodes a remote read reply.
func UnmarshalReadReply(b []byte) (transport.ReadReply, error) {
	var r transport.ReadReply
	err := walk(b, func(num protowire.Number, _ protowire.Type, v uint64, buf []byte) error {
		switch num {
		case 1:
			r.Found = v != 0
		case 2:
			r.Value = append([]byte(nil), buf...)
		case 3:
			r.Version = decodeVersion(v)
		case 4:
			r.Snapshot = decodeVersion(v)
		}
		return nil
	})
	return r, err
}

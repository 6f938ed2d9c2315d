package storage

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"txstore/internal/clock"
)

// Snapshot layout: a zstd stream of length-delimited revision messages.
//
//	message Revision { string key = 1; bytes value = 2; int64 version = 3; }
const (
	fieldKey     protowire.Number = 1
	fieldValue   protowire.Number = 2
	fieldVersion protowire.Number = 3
)

// SaveSnapshot writes every revision to path, replacing it atomically.
func (s *Store) SaveSnapshot(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create snapshot dir")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create snapshot file")
	}
	defer os.Remove(tmp.Name())

	n, err := s.WriteSnapshot(tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close snapshot")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "rename snapshot")
	}
	s.logger.Info("snapshot saved", zap.String("path", path), zap.Int("revisions", n))
	return nil
}

// WriteSnapshot encodes every revision to w and returns how many were written.
func (s *Store) WriteSnapshot(w io.Writer) (int, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, errors.Wrap(err, "zstd writer")
	}
	var (
		n    int
		buf  []byte
		msg  []byte
		werr error
	)
	s.Range(func(rev Revision) bool {
		msg = appendRevision(msg[:0], rev)
		buf = protowire.AppendBytes(buf[:0], msg)
		if _, werr = enc.Write(buf); werr != nil {
			return false
		}
		n++
		return true
	})
	if werr != nil {
		enc.Close()
		return n, errors.Wrap(werr, "write snapshot")
	}
	if err := enc.Close(); err != nil {
		return n, errors.Wrap(err, "flush snapshot")
	}
	return n, nil
}

// LoadSnapshot reads revisions from path and advances the sequencer past
// the highest loaded version. A missing file is not an error.
func (s *Store) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "open snapshot")
	}
	defer f.Close()

	n, highest, err := s.ReadSnapshot(f)
	if err != nil {
		return errors.Wrapf(err, "load snapshot %s", path)
	}
	s.logger.Info("snapshot loaded",
		zap.String("path", path),
		zap.Int("revisions", n),
		zap.Int64("highest_version", int64(highest)))
	return nil
}

// ReadSnapshot decodes revisions from r into the store.
func (s *Store) ReadSnapshot(r io.Reader) (int, clock.Version, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, 0, errors.Wrap(err, "zstd reader")
	}
	defer dec.Close()

	data, err := io.ReadAll(bufio.NewReader(dec))
	if err != nil {
		return 0, 0, errors.Wrap(err, "decompress snapshot")
	}

	var (
		n       int
		highest clock.Version
		tops    = make(map[*clock.Model]clock.Version)
	)
	for len(data) > 0 {
		msg, size := protowire.ConsumeBytes(data)
		if size < 0 {
			return n, highest, errors.Wrap(protowire.ParseError(size), "revision frame")
		}
		data = data[size:]

		rev, err := consumeRevision(msg)
		if err != nil {
			return n, highest, err
		}
		s.Put(rev)
		if rev.Version > highest {
			highest = rev.Version
		}
		if m := s.models.ModelFor(rev.Key); m != nil && rev.Version > tops[m] {
			tops[m] = rev.Version
		}
		n++
	}
	for m, v := range tops {
		m.Sequencer().Advance(v)
	}
	return n, highest, nil
}

func appendRevision(b []byte, rev Revision) []byte {
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, rev.Key)
	if len(rev.Value) > 0 {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, rev.Value)
	}
	if rev.Version != 0 {
		b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(rev.Version))
	}
	return b
}

func consumeRevision(b []byte) (Revision, error) {
	var rev Revision
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rev, errors.Wrap(protowire.ParseError(n), "revision tag")
		}
		b = b[n:]
		switch {
		case num == fieldKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return rev, errors.Wrap(protowire.ParseError(m), "revision key")
			}
			rev.Key, n = v, m
		case num == fieldValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return rev, errors.Wrap(protowire.ParseError(m), "revision value")
			}
			rev.Value, n = append([]byte(nil), v...), m
		case num == fieldVersion && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return rev, errors.Wrap(protowire.ParseError(m), "revision version")
			}
			rev.Version, n = clock.Version(v), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rev, errors.Wrap(protowire.ParseError(n), "revision field")
			}
		}
		b = b[n:]
	}
	return rev, nil
}

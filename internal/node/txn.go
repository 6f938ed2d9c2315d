package node

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"txstore/internal/clock"
	"txstore/internal/storage"
	"txstore/internal/transport"
	"txstore/internal/txn"
)

// ErrFinished is returned when a finished transaction is used again.
var ErrFinished = errors.New("node: transaction already finished")

// Txn executes one transaction at its origin replica. Reads observe one
// snapshot per owner group, since sequence numbers are only comparable
// between replicas of the same group. Updates are buffered until Commit.
type Txn struct {
	r   *Replica
	rec *txn.Record

	mu       sync.Mutex
	snaps    map[string]*clock.Observation
	finished bool
}

// Begin starts a transaction. It commits as read-only when nothing was
// written.
func (r *Replica) Begin() *Txn {
	return r.newTxn(txn.Normal)
}

// BeginInit starts an INIT transaction used to seed data. Its updates get
// version 0 and are always committed.
func (r *Replica) BeginInit() *Txn {
	return r.newTxn(txn.Init)
}

func (r *Replica) newTxn(typ txn.Type) *Txn {
	return &Txn{
		r:     r,
		rec:   txn.NewRecord(r.id, typ),
		snaps: make(map[string]*clock.Observation),
	}
}

// Record returns the execution record built so far.
func (t *Txn) Record() *txn.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.Clone()
}

// Read returns the value of key visible to the transaction. Buffered
// updates of the transaction itself are visible.
func (t *Txn) Read(ctx context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil, false, ErrFinished
	}
	if v, ok := buffered(t.rec, key); ok {
		return v, true, nil
	}
	rev, found, err := t.read(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	return rev.Value, true, nil
}

func buffered(rec *txn.Record, key string) ([]byte, bool) {
	for _, set := range [][]txn.Entity{rec.WriteSet, rec.CreateSet} {
		for _, e := range set {
			if e.Key == key {
				return e.Value, true
			}
		}
	}
	return nil, false
}

// read resolves key at its owner group and records the observed version.
func (t *Txn) read(ctx context.Context, key string) (storage.Revision, bool, error) {
	owner, err := t.r.part.Owner(key)
	if err != nil {
		return storage.Revision{}, false, err
	}
	obs, ok := t.snaps[owner.Name]
	if !ok {
		obs = clock.NewObservation()
		t.snaps[owner.Name] = obs
	}

	var (
		rev   storage.Revision
		found bool
	)
	if owner.Contains(t.r.id) {
		rev, found, err = t.r.store.Get(ctx, storage.ReadRequest{Key: key, Observation: obs})
		if err != nil {
			return storage.Revision{}, false, err
		}
	} else {
		reply, err := t.r.remoteRead(ctx, owner, transport.ReadRequest{Key: key, Snapshot: obs.Snapshot()})
		if err != nil {
			return storage.Revision{}, false, err
		}
		if obs.Snapshot() == clock.NoSnapshot {
			obs = clock.ObservationAt(reply.Snapshot)
			t.snaps[owner.Name] = obs
		}
		rev = storage.Revision{Key: key, Value: reply.Value, Version: reply.Version}
		found = reply.Found
		if found {
			obs.Record(key, rev.Version)
		}
	}
	if found {
		t.rec.AddRead(key, rev.Version)
		if t.rec.Snapshot == clock.NoSnapshot || owner.Contains(t.r.id) {
			t.rec.Snapshot = obs.Snapshot()
		}
	}
	return rev, found, nil
}

// Write buffers a new value for key. The current version is read first so
// that certification can detect concurrent writers; a key that does not
// exist yet is created instead.
func (t *Txn) Write(ctx context.Context, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrFinished
	}
	if _, ok := t.rec.Observed(key); !ok {
		_, found, err := t.read(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			t.rec.AddCreate(key, value)
			return nil
		}
	}
	t.rec.AddWrite(key, value)
	return nil
}

// Create buffers a new key.
func (t *Txn) Create(key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrFinished
	}
	t.rec.AddCreate(key, value)
	return nil
}

// Commit terminates the transaction. A certification conflict is reported
// as txn.Aborted with a nil error.
func (t *Txn) Commit(ctx context.Context) (txn.Outcome, error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return txn.Aborted, ErrFinished
	}
	t.finished = true
	rec := t.rec.Clone()
	t.mu.Unlock()

	if rec.Type == txn.Normal && len(rec.WriteSet) == 0 && len(rec.CreateSet) == 0 {
		rec.Type = txn.ReadOnly
	}
	return t.r.coord.Commit(ctx, rec)
}

package txn

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"txstore/internal/clock"
)

// Type tags an execution record.
type Type int

const (
	ReadOnly Type = iota
	Init
	Normal
)

// String returns the string representation of Type.
func (t Type) String() string {
	switch t {
	case ReadOnly:
		return "READ_ONLY"
	case Init:
		return "INIT"
	case Normal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the final decision for a transaction.
type Outcome int

const (
	Aborted Outcome = iota
	Committed
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	if o == Committed {
		return "COMMITTED"
	}
	return "ABORTED"
}

// Entity is a speculative object state in a write or create set.
type Entity struct {
	Key   string
	Value []byte
}

// ReadEntry is a read-set element: a key and the version observed for it.
type ReadEntry struct {
	Key     string
	Version clock.Version
}

// Record is a transaction execution record.
type Record struct {
	Handler   uuid.UUID
	Type      Type
	Origin    string
	Snapshot  clock.Version
	ReadSet   []ReadEntry
	WriteSet  []Entity
	CreateSet []Entity
}

// NewRecord creates an empty record with a fresh handler.
func NewRecord(origin string, typ Type) *Record {
	return &Record{
		Handler:  uuid.New(),
		Type:     typ,
		Origin:   origin,
		Snapshot: clock.NoSnapshot,
	}
}

// AddRead records that key was observed at version v. Later reads of the
// same key keep the first observation.
func (r *Record) AddRead(key string, v clock.Version) {
	for _, e := range r.ReadSet {
		if e.Key == key {
			return
		}
	}
	r.ReadSet = append(r.ReadSet, ReadEntry{Key: key, Version: v})
}

// AddWrite buffers a new state for an existing key, replacing an earlier
// buffered write of the same key.
func (r *Record) AddWrite(key string, value []byte) {
	r.WriteSet = upsert(r.WriteSet, key, value)
}

// AddCreate buffers a newly created key.
func (r *Record) AddCreate(key string, value []byte) {
	r.CreateSet = upsert(r.CreateSet, key, value)
}

func upsert(set []Entity, key string, value []byte) []Entity {
	for i := range set {
		if set[i].Key == key {
			set[i].Value = value
			return set
		}
	}
	return append(set, Entity{Key: key, Value: value})
}

// Observed returns the version observed for key. Created keys that were
// never read are observed at version 0.
func (r *Record) Observed(key string) (clock.Version, bool) {
	for _, e := range r.ReadSet {
		if e.Key == key {
			return e.Version, true
		}
	}
	for _, e := range r.CreateSet {
		if e.Key == key {
			return 0, true
		}
	}
	return 0, false
}

// Updates returns the write set merged with the create set. A key present
// in both keeps the write.
func (r *Record) Updates() []Entity {
	out := make([]Entity, 0, len(r.WriteSet)+len(r.CreateSet))
	seen := make(map[string]bool, len(r.WriteSet))
	for _, e := range r.WriteSet {
		seen[e.Key] = true
		out = append(out, e)
	}
	for _, e := range r.CreateSet {
		if !seen[e.Key] {
			out = append(out, e)
		}
	}
	return out
}

// WriteKeys returns the sorted keys of the write and create sets.
func (r *Record) WriteKeys() []string {
	updates := r.Updates()
	keys := make([]string, 0, len(updates))
	for _, e := range updates {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	return keys
}

// ReadKeys returns the sorted keys of the read set.
func (r *Record) ReadKeys() []string {
	keys := make([]string, 0, len(r.ReadSet))
	for _, e := range r.ReadSet {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that the record is consistent with its type.
func (r *Record) Validate() error {
	if r.Handler == uuid.Nil {
		return errors.New("txn: nil handler")
	}
	switch r.Type {
	case ReadOnly:
		if len(r.WriteSet) > 0 || len(r.CreateSet) > 0 {
			return errors.Errorf("txn %s: read-only record has updates", r.Handler)
		}
	case Init, Normal:
	default:
		return errors.Errorf("txn %s: unknown type %d", r.Handler, int(r.Type))
	}
	return nil
}

// String returns a short description of the record.
func (r *Record) String() string {
	return fmt.Sprintf("%s[%s r=%d w=%d c=%d]", r.Handler, r.Type, len(r.ReadSet), len(r.WriteSet), len(r.CreateSet))
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.ReadSet = append([]ReadEntry(nil), r.ReadSet...)
	c.WriteSet = cloneEntities(r.WriteSet)
	c.CreateSet = cloneEntities(r.CreateSet)
	return &c
}

func cloneEntities(in []Entity) []Entity {
	if in == nil {
		return nil
	}
	out := make([]Entity, len(in))
	for i, e := range in {
		out[i] = Entity{Key: e.Key, Value: append([]byte(nil), e.Value...)}
	}
	return out
}

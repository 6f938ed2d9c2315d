package clock

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Version is a scalar logical commit timestamp.
type Version int64

// NoSnapshot marks an Observation whose snapshot has not been fixed yet.
const NoSnapshot Version = -1

// Compatibility is the outcome of testing a revision against an observation.
type Compatibility int

const (
	// Compatible means the revision is a valid snapshot for the observation.
	Compatible Compatibility = iota
	// NotCompatibleTryNext means the revision is too new; try the next older one.
	NotCompatibleTryNext
	// NeverCompatible means no stored revision can satisfy the observation
	// until an in-flight transaction is decided.
	NeverCompatible
)

// String returns the string representation of Compatibility.
func (c Compatibility) String() string {
	switch c {
	case Compatible:
		return "COMPATIBLE"
	case NotCompatibleTryNext:
		return "NOT_COMPATIBLE_TRY_NEXT"
	case NeverCompatible:
		return "NEVER_COMPATIBLE"
	default:
		return "UNKNOWN"
	}
}

// CompatibleWith is the certification form of the test: the latest committed
// version v is compatible with a transaction that observed `observed` iff no
// newer commit happened in between.
func (v Version) CompatibleWith(observed Version) Compatibility {
	if v <= observed {
		return Compatible
	}
	return NotCompatibleTryNext
}

// Observation is the observed-version set of a transaction: the snapshot it
// reads at and the versions it actually saw per key.
// It is safe for concurrent use.
type Observation struct {
	mu       sync.Mutex
	snapshot Version
	seen     map[string]Version
}

// NewObservation creates an observation with no snapshot fixed yet.
func NewObservation() *Observation {
	return &Observation{
		snapshot: NoSnapshot,
		seen:     make(map[string]Version),
	}
}

// ObservationAt creates an observation pinned at snapshot.
func ObservationAt(snapshot Version) *Observation {
	o := NewObservation()
	o.snapshot = snapshot
	return o
}

// Snapshot returns the snapshot version, or NoSnapshot.
func (o *Observation) Snapshot() Version {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot
}

// fixSnapshot sets the snapshot if it is still unset and returns the
// effective value.
func (o *Observation) fixSnapshot(v Version) Version {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snapshot == NoSnapshot {
		o.snapshot = v
	}
	return o.snapshot
}

// Seen returns the version observed for key.
func (o *Observation) Seen(key string) (Version, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.seen[key]
	return v, ok
}

// Record stores the version observed for key. The first observation wins so
// that repeated reads stay repeatable.
func (o *Observation) Record(key string, v Version) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.seen[key]; !ok {
		o.seen[key] = v
	}
}

// Keys returns the observed keys in sorted order.
func (o *Observation) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.seen))
	for k := range o.seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns a string representation of the observation.
func (o *Observation) String() string {
	keys := o.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := o.Seen(k)
		parts = append(parts, fmt.Sprintf("%s:%d", k, v))
	}
	return fmt.Sprintf("@%d{%s}", o.Snapshot(), strings.Join(parts, ", "))
}

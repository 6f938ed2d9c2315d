package clock

import (
	"sync"

	"github.com/google/btree"
)

// Sequencer hands out scalar versions and tracks the ones that are reserved
// but not yet decided. A replica keeps one Sequencer per group it belongs
// to (see Clocks); each is created at start-up and never reset while the
// process runs.
type Sequencer struct {
	mu       sync.Mutex
	last     Version
	inflight *btree.BTreeG[Version]
	refs     map[Version]int
	changed  chan struct{}
}

// NewSequencer creates a sequencer whose first Next returns 1.
func NewSequencer() *Sequencer {
	return &Sequencer{
		inflight: btree.NewG[Version](8, func(a, b Version) bool { return a < b }),
		refs:     make(map[Version]int),
		changed:  make(chan struct{}),
	}
}

// Next increments the counter and reserves the new value.
func (s *Sequencer) Next() Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	s.reserveLocked(s.last)
	return s.last
}

// Reserve records v as in flight without consuming the counter.
// INIT transactions reserve version 0 this way.
func (s *Sequencer) Reserve(v Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserveLocked(v)
}

func (s *Sequencer) reserveLocked(v Version) {
	if s.refs[v] == 0 {
		s.inflight.ReplaceOrInsert(v)
	}
	s.refs[v]++
}

// Release drops one reservation of v and wakes up waiters.
// Releasing a version that is not reserved is a no-op.
func (s *Sequencer) Release(v Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.refs[v]
	if !ok {
		return
	}
	if n > 1 {
		s.refs[v] = n - 1
	} else {
		delete(s.refs, v)
		s.inflight.Delete(v)
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

// Advance raises the counter to at least v. Used after loading persisted
// revisions so that new versions are never reused.
func (s *Sequencer) Advance(v Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.last {
		s.last = v
	}
}

// Last returns the last version handed out by Next.
func (s *Sequencer) Last() Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// MinInFlight returns the smallest reserved version.
func (s *Sequencer) MinInFlight() (Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight.Min()
}

// InFlight returns the number of distinct reserved versions.
func (s *Sequencer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight.Len()
}

// Stable returns the highest version such that nothing in (0, Stable] is
// still undecided. INIT reservations at version 0 do not hold it back: they
// only seed keys, and readers wait for those through InFlightBetween.
func (s *Sequencer) Stable() Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	stable := s.last
	s.inflight.AscendGreaterOrEqual(1, func(lowest Version) bool {
		if lowest <= s.last {
			stable = lowest - 1
		}
		return false
	})
	return stable
}

// InFlightBetween reports whether a reserved version lies in (lo, hi].
func (s *Sequencer) InFlightBetween(lo, hi Version) bool {
	if hi <= lo {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	s.inflight.AscendRange(lo+1, hi+1, func(Version) bool {
		found = true
		return false
	})
	return found
}

// Changed returns a channel that is closed on the next Release.
func (s *Sequencer) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

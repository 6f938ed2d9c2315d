package clock

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModel_PrepareReadPinsStable(t *testing.T) {
	s := NewSequencer()
	m := NewModel(s)
	v1 := s.Next()
	s.Next()
	s.Release(v1)

	obs := NewObservation()
	assert.True(t, m.PrepareRead(obs))
	assert.Equal(t, Version(1), obs.Snapshot())

	// a later read keeps the pinned snapshot
	s.Release(2)
	assert.True(t, m.PrepareRead(obs))
	assert.Equal(t, Version(1), obs.Snapshot())
}

func TestModel_PrepareReadRejectsFutureSnapshot(t *testing.T) {
	s := NewSequencer()
	m := NewModel(s)
	s.Next()
	s.Release(1)

	assert.False(t, m.PrepareRead(ObservationAt(5)))
	assert.True(t, m.PrepareRead(ObservationAt(1)))
	assert.True(t, m.PrepareRead(nil))
}

func TestModel_Undecided(t *testing.T) {
	s := NewSequencer()
	m := NewModel(s)
	v1 := s.Next()

	assert.False(t, m.Undecided(nil))
	assert.True(t, m.Undecided(ObservationAt(v1)))
	assert.False(t, m.Undecided(ObservationAt(0)))

	s.Reserve(0)
	assert.True(t, m.Undecided(ObservationAt(0)), "init reservation counts")
	s.Release(0)
	s.Release(v1)
	assert.False(t, m.Undecided(ObservationAt(v1)))
}

func TestModel_Compatible(t *testing.T) {
	s := NewSequencer()
	m := NewModel(s)
	for i := 0; i < 6; i++ {
		s.Next()
	}
	for _, v := range []Version{1, 2, 3, 5, 6} {
		s.Release(v)
	}
	// in flight: 4

	tests := []struct {
		name      string
		candidate Version
		snapshot  Version
		want      Compatibility
	}{
		{"newer than snapshot", 6, 5, NotCompatibleTryNext},
		{"equal to snapshot", 5, 5, Compatible},
		{"gap contains in-flight", 3, 5, NeverCompatible},
		{"gap below in-flight", 2, 3, Compatible},
		{"in-flight is candidate itself", 4, 4, Compatible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Compatible(tt.candidate, ObservationAt(tt.snapshot)))
		})
	}
}

func TestModel_PostReadRecords(t *testing.T) {
	m := NewModel(NewSequencer())
	obs := NewObservation()
	m.PostRead(obs, "x", 3)
	v, ok := obs.Seen("x")
	assert.True(t, ok)
	assert.Equal(t, Version(3), v)
	m.PostRead(nil, "x", 3)
}

// TestModel_Property_StableSnapshotNeverBlocked checks that a snapshot pinned
// at Stable never reports NeverCompatible for any candidate at or below it.
func TestModel_Property_StableSnapshotNeverBlocked(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		s := NewSequencer()
		m := NewModel(s)
		n := 1 + rng.Intn(30)
		for i := 0; i < n; i++ {
			s.Next()
		}
		for v := Version(1); v <= Version(n); v++ {
			if rng.Intn(2) == 0 {
				s.Release(v)
			}
		}

		obs := NewObservation()
		if !m.PrepareRead(obs) {
			t.Fatalf("round %d: stable snapshot rejected", round)
		}
		for c := Version(0); c <= obs.Snapshot(); c++ {
			if got := m.Compatible(c, obs); got == NeverCompatible {
				t.Fatalf("round %d: candidate %d blocked under snapshot %d", round, c, obs.Snapshot())
			}
		}
	}
}

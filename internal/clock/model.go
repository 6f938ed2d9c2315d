package clock

// Model evaluates revisions against observations using the sequencer's
// in-flight set.
type Model struct {
	seq *Sequencer
}

// NewModel creates a model backed by seq.
func NewModel(seq *Sequencer) *Model {
	return &Model{seq: seq}
}

// ModelFor returns m for every key, so a single model can stand in for
// Clocks.
func (m *Model) ModelFor(string) *Model {
	return m
}

// Sequencer returns the sequencer backing the model.
func (m *Model) Sequencer() *Sequencer {
	return m.seq
}

// PrepareRead pins an unset snapshot at the stable version. It returns false
// when the observation can never be served by this replica right now: its
// snapshot covers transactions this replica has not delivered yet.
func (m *Model) PrepareRead(obs *Observation) bool {
	if obs == nil {
		return true
	}
	snapshot := obs.fixSnapshot(m.seq.Stable())
	return snapshot <= m.seq.Last()
}

// Compatible tests a candidate revision version against an observation.
func (m *Model) Compatible(candidate Version, obs *Observation) Compatibility {
	if obs == nil {
		return Compatible
	}
	snapshot := obs.Snapshot()
	if candidate > snapshot {
		return NotCompatibleTryNext
	}
	// An undecided transaction numbered between the candidate and the
	// snapshot may still install a newer revision visible to this snapshot.
	if m.seq.InFlightBetween(candidate, snapshot) {
		return NeverCompatible
	}
	return Compatible
}

// Undecided reports whether a version at or below the snapshot of obs is
// still in flight, INIT reservations included. A key with no revisions
// must wait for those: one of them may create it.
func (m *Model) Undecided(obs *Observation) bool {
	if obs == nil {
		return false
	}
	return m.seq.InFlightBetween(NoSnapshot, obs.Snapshot())
}

// PostRead records that key was read at version v.
func (m *Model) PostRead(obs *Observation, key string, v Version) {
	if obs == nil {
		return
	}
	obs.Record(key, v)
}

// Package clock provides the scalar version model used for snapshot
// isolation. Every committed revision carries a Version assigned by the
// Sequencer of its key's group when the committing transaction is
// delivered; Clocks holds one Sequencer per local group. A Sequencer also
// tracks versions that are reserved but not yet decided, and
// the Model uses that in-flight set to decide whether a revision can be
// served for a given Observation.
package clock

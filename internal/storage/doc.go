// Package storage holds the per-key, version-ordered revision lists of a
// replica. Reads walk revisions from newest to oldest and ask the version
// model whether each one is visible to the reader's observation; writes
// append a revision once its version is decided.
package storage

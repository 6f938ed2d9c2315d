// Package txn defines the transaction execution record that travels from
// the client through certification: its handler, type tag, read set with
// observed versions and the write and create sets.
package txn

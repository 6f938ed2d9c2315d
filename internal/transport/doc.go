// Package transport declares what the termination protocol needs from the
// network: a total-order multicast of termination requests to a set of
// groups, point-to-point votes and remote reads.
//
// Subpackages provide an in-process hub (local) and a raft-backed
// broadcaster (raftcast).
package transport

// Package rpc carries replica-to-replica traffic over gRPC: votes, remote
// reads and raft messages of the multicast layer. The service is declared by
// hand and encoded with the wire codec, so no generated stubs are needed.
package rpc

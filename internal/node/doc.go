// Package node assembles a replica: partitioner, versioned store, certifier
// and termination coordinator, the multicast and RPC transports, and the
// client-facing transaction and HTTP APIs.
package node

// Package raftcast implements atomic multicast on top of a single etcd raft
// group spanning every replica. Each termination request is proposed as a
// log entry; committed entries are handed to the local coordinator in log
// order when the request addresses one of the replica's groups, which gives
// every destination the same delivery order.
//
// The log lives in raft.MemoryStorage. A replica that restarts must join
// with a fresh cluster.
package raftcast

// Package membership describes replica groups: which replicas form each
// group, which groups the local replica belongs to and which replicas are
// currently alive. The roster is fixed at start-up; liveness can come from
// ZooKeeper ephemeral nodes.
package membership

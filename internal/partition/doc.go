// Package partition maps keys to owning replica groups. Each keyspace
// template is split into evenly spaced rootkeys, one per group, and a key is
// owned by the group of its nearest rootkey when keys and rootkeys are read
// as unsigned big integers over their raw bytes.
//
// Resolution scans every rootkey, so it costs O(#groups) per key.
package partition

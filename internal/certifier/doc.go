// Package certifier casts a replica group's snapshot-isolation vote for a
// transaction. Only keys owned by the local groups are checked; the final
// decision aggregates the votes of every concerned group.
package certifier

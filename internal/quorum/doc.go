// Package quorum tracks the votes of the groups concerned by each
// transaction and fans votes out to replicas. A transaction's quorum is
// complete once every expected group has voted; the decision is COMMIT only
// if every vote is COMMIT.
package quorum

// Package termination drives the distributed commit decision.
//
// A client-side Commit resolves the destination and voter groups of a
// record and multicasts it. Each destination replica, on delivery in total
// order, reserves a sequence number in each local destination group, queues the record behind earlier
// transactions writing the same local keys, certifies it and sends its
// group's vote to every destination replica and to the origin. Once every
// voter group has voted, each replica finalises the transaction exactly
// once: on COMMIT it appends the local revisions at the reserved version,
// then it releases the sequence numbers and forgets the handler.
//
// A transaction missing votes past the vote timeout is aborted locally.
package termination

// Package detector implements probe-based failure detection over a static
// roster.
//
// Every probe interval the detector pings one random peer. A failed probe
// marks an ALIVE peer SUSPECT; a peer that stays SUSPECT past the suspect
// timeout becomes DEAD. Any successful probe makes a peer ALIVE again.
//
// Limitations:
// - Liveness only orders remote reads; it never changes group membership
// - No indirect probes through third replicas
package detector

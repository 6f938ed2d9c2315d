// Package local implements the transport interfaces inside one process.
// A hub-wide lock serialises multicasts so that every replica sees the same
// delivery order; each replica drains its inbox on its own goroutine.
package local

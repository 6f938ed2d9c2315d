// Package metrics declares the prometheus collectors exported by a replica.
package metrics

package storage

import "txstore/internal/clock"

// Initializer materialises a key that has no revisions yet.
type Initializer interface {
	Initialize(key string) (Revision, error)
}

// Locality reports whether a key is owned by the local replica.
type Locality interface {
	IsLocal(key string) bool
}

// LazyInitializer returns an empty revision at version 0 for local keys
// instead of treating them as missing. The revision is not stored.
type LazyInitializer struct {
	Locality Locality
}

// Initialize implements Initializer.
func (l LazyInitializer) Initialize(key string) (Revision, error) {
	if l.Locality != nil && !l.Locality.IsLocal(key) {
		return Revision{}, &OwnershipError{Key: key}
	}
	return Revision{Key: key, Version: clock.Version(0)}, nil
}

// MissingInitializer treats absent keys as not found. It suits replicas
// whose data is bulk loaded, for example through INIT transactions.
type MissingInitializer struct {
	Locality Locality
}

// Initialize implements Initializer.
func (m MissingInitializer) Initialize(key string) (Revision, error) {
	if m.Locality != nil && !m.Locality.IsLocal(key) {
		return Revision{}, &OwnershipError{Key: key}
	}
	return Revision{}, errNotFound
}

package certifier

import (
	"go.uber.org/zap"

	"txstore/internal/clock"
	"txstore/internal/storage"
	"txstore/internal/txn"
)

// LatestReader returns the newest committed revision of a key.
type LatestReader interface {
	Latest(key string) (storage.Revision, bool)
}

// Options configures a Certifier.
type Options struct {
	// VoteReadSet also checks locally owned read-set keys.
	VoteReadSet bool
	Logger      *zap.Logger
}

// Certifier decides the local vote for execution records.
type Certifier struct {
	store       LatestReader
	locality    storage.Locality
	voteReadSet bool
	logger      *zap.Logger
}

// New creates a certifier.
func New(store LatestReader, locality storage.Locality, opts Options) *Certifier {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Certifier{
		store:       store,
		locality:    locality,
		voteReadSet: opts.VoteReadSet,
		logger:      opts.Logger,
	}
}

// Certify returns true for a COMMIT vote.
func (c *Certifier) Certify(rec *txn.Record) bool {
	switch rec.Type {
	case txn.ReadOnly:
		return true
	case txn.Init:
		return true
	case txn.Normal:
		return c.certifyNormal(rec)
	default:
		c.logger.Error("unknown transaction type", zap.Stringer("txn", rec.Handler), zap.Int("type", int(rec.Type)))
		return false
	}
}

func (c *Certifier) certifyNormal(rec *txn.Record) bool {
	for _, key := range rec.WriteKeys() {
		if !c.check(rec, key) {
			return false
		}
	}
	if c.voteReadSet {
		for _, key := range rec.ReadKeys() {
			if !c.check(rec, key) {
				return false
			}
		}
	}
	return true
}

// check reports whether key, if local, has no commit newer than the version
// the transaction observed.
func (c *Certifier) check(rec *txn.Record, key string) bool {
	if !c.locality.IsLocal(key) {
		return true
	}
	latest, ok := c.store.Latest(key)
	if !ok {
		return true
	}
	observed, ok := rec.Observed(key)
	if !ok {
		// blind write: fall back to the snapshot
		if rec.Snapshot == clock.NoSnapshot {
			return true
		}
		observed = rec.Snapshot
	}
	if latest.Version.CompatibleWith(observed) != clock.Compatible {
		c.logger.Info("certification conflict",
			zap.Stringer("txn", rec.Handler),
			zap.String("key", key),
			zap.Int64("observed", int64(observed)),
			zap.Int64("latest", int64(latest.Version)))
		return false
	}
	return true
}

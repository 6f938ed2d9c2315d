package termination

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"txstore/internal/metrics"
	"txstore/internal/storage"
	"txstore/internal/transport"
	"txstore/internal/txn"
)

// earlyVotes are votes received before the local delivery of their
// transaction. They are dropped when the delivery does not follow within
// the vote timeout.
type earlyVotes struct {
	votes []transport.Vote
	timer *time.Timer
}

// HandleVote records a vote. Votes for terminated transactions are ignored;
// votes that arrive before the local delivery are kept until it happens.
func (c *Coordinator) HandleVote(v transport.Vote) {
	c.mu.Lock()
	if c.closed || c.terminated.contains(v.Handler) {
		c.mu.Unlock()
		return
	}
	p, ok := c.pending[v.Handler]
	if !ok {
		e, buffered := c.early[v.Handler]
		if !buffered {
			h := v.Handler
			e = &earlyVotes{timer: time.AfterFunc(c.opts.VoteTimeout, func() { c.expireEarly(h) })}
			c.early[h] = e
		}
		e.votes = append(e.votes, v)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	counted, complete := c.tracker.Vote(v.Handler, v.Group, v.Commit)
	if !counted {
		c.logger.Debug("vote not counted",
			zap.Stringer("txn", v.Handler),
			zap.String("group", v.Group),
			zap.String("from", v.Replica))
		return
	}
	if !complete {
		return
	}
	_, commit, ok := c.tracker.Status(v.Handler)
	if !ok {
		return
	}
	c.finalize(p, commit)
}

// expireEarly drops the buffered votes of a transaction that was never
// delivered locally.
func (c *Coordinator) expireEarly(h uuid.UUID) {
	c.mu.Lock()
	e, ok := c.early[h]
	if ok {
		delete(c.early, h)
	}
	c.mu.Unlock()
	if ok {
		c.logger.Debug("dropping votes of undelivered transaction",
			zap.Stringer("txn", h),
			zap.Int("votes", len(e.votes)))
	}
}

// voteTimeout aborts a transaction still missing votes.
func (c *Coordinator) voteTimeout(h uuid.UUID) {
	c.mu.Lock()
	p, ok := c.pending[h]
	closed := c.closed
	c.mu.Unlock()
	if !ok || closed {
		return
	}
	c.logger.Warn("aborting transaction after vote timeout",
		zap.Stringer("txn", h),
		zap.Strings("missing", c.tracker.Missing(h)),
		zap.Duration("timeout", c.opts.VoteTimeout))
	metrics.TimeoutCounter.WithLabelValues(c.self, "vote").Inc()
	c.finalize(p, false)
}

// finalize applies or discards p exactly once and releases its resources.
func (c *Coordinator) finalize(p *pendingTxn, commit bool) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.mu.Unlock()

	rec := p.req.Record
	h := rec.Handler
	p.timer.Stop()
	close(p.finished)

	if !p.proxy {
		if commit {
			c.apply(rec, p)
		}
		for g, v := range p.versions {
			if seq, ok := c.deps.Clocks.Sequencer(g); ok {
				seq.Release(v)
			}
		}
		c.keys.release(h)
		metrics.InFlightGauge.WithLabelValues(c.self).Set(float64(c.deps.Clocks.InFlight()))
	}
	c.tracker.Remove(h)

	outcome := txn.Aborted
	if commit {
		outcome = txn.Committed
	}

	c.mu.Lock()
	if c.pending[h] == p {
		delete(c.pending, h)
	}
	c.terminated.add(h)
	waiter, ok := c.waiters[h]
	delete(c.waiters, h)
	c.mu.Unlock()

	if ok {
		waiter <- outcome
	}
	metrics.TxnCounter.WithLabelValues(c.self, rec.Type.String(), outcome.String()).Inc()
	c.logger.Debug("finalised",
		zap.Stringer("txn", h),
		zap.Stringer("outcome", outcome),
		zap.Any("versions", p.versions),
		zap.Bool("proxy", p.proxy))
}

// apply stores the locally owned updates of rec, each at the version p
// holds in the key's group.
func (c *Coordinator) apply(rec *txn.Record, p *pendingTxn) {
	for _, e := range rec.Updates() {
		if !c.deps.Resolver.IsLocal(e.Key) {
			continue
		}
		g, err := c.deps.Resolver.Resolve(e.Key)
		if err != nil {
			c.logger.Error("cannot resolve committed key", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		v, ok := p.versions[g]
		if !ok {
			c.logger.Error("committed key outside the delivered groups",
				zap.Stringer("txn", rec.Handler),
				zap.String("key", e.Key),
				zap.String("group", g))
			continue
		}
		c.deps.Store.Put(storage.Revision{Key: e.Key, Value: e.Value, Version: v})
	}
}

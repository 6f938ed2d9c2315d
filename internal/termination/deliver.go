package termination

import (
	"context"
	"time"

	"go.uber.org/zap"

	"txstore/internal/clock"
	"txstore/internal/membership"
	"txstore/internal/metrics"
	"txstore/internal/quorum"
	"txstore/internal/transport"
	"txstore/internal/txn"
)

// Deliver handles a termination request. The transport calls it in total
// order, so it must not block: certification runs on its own goroutine.
func (c *Coordinator) Deliver(req transport.Request) {
	rec := req.Record
	h := rec.Handler

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.terminated.contains(h) {
		c.mu.Unlock()
		c.logger.Debug("duplicate delivery of terminated transaction", zap.Stringer("txn", h))
		return
	}
	if p, ok := c.pending[h]; ok && !p.proxy {
		c.mu.Unlock()
		c.logger.Debug("duplicate delivery", zap.Stringer("txn", h))
		return
	}

	p := &pendingTxn{
		req:      req,
		versions: make(map[string]clock.Version),
		mine:     intersect(c.deps.View.MyGroups(), req.Voters),
		finished: make(chan struct{}),
	}
	for _, g := range intersect(c.deps.View.MyGroups(), req.Groups) {
		seq, ok := c.deps.Clocks.Sequencer(g)
		if !ok {
			continue
		}
		if rec.Type == txn.Init {
			seq.Reserve(0)
			p.versions[g] = 0
		} else {
			p.versions[g] = seq.Next()
		}
	}
	metrics.InFlightGauge.WithLabelValues(c.self).Set(float64(c.deps.Clocks.InFlight()))

	if old, ok := c.pending[h]; ok {
		// the origin was waiting as a proxy; it is a destination after all
		old.timer.Stop()
	}
	p.timer = time.AfterFunc(c.opts.VoteTimeout, func() { c.voteTimeout(h) })
	c.pending[h] = p
	c.tracker.Open(h, req.Voters)
	var early []transport.Vote
	if e, ok := c.early[h]; ok {
		e.timer.Stop()
		early = e.votes
		delete(c.early, h)
	}

	var ready <-chan struct{}
	if len(p.mine) > 0 {
		for _, k := range rec.WriteKeys() {
			if c.deps.Resolver.IsLocal(k) {
				p.localKeys = append(p.localKeys, k)
			}
		}
		ready = c.keys.enqueue(h, p.localKeys)
	}
	c.mu.Unlock()

	c.logger.Debug("delivered",
		zap.Stringer("txn", h),
		zap.Stringer("type", rec.Type),
		zap.Any("versions", p.versions),
		zap.Strings("voters", req.Voters),
		zap.Bool("concerned", len(p.mine) > 0))

	if ready != nil {
		go c.certify(p, ready)
	}
	for _, v := range early {
		c.HandleVote(v)
	}
}

// certify waits for earlier transactions on the same keys, votes and sends
// the vote of every local voter group.
func (c *Coordinator) certify(p *pendingTxn, ready <-chan struct{}) {
	h := p.req.Record.Handler
	timer := time.NewTimer(c.opts.CertifyTimeout)
	defer timer.Stop()

	var commit bool
	select {
	case <-ready:
		commit = c.deps.Certifier.Certify(p.req.Record)
	case <-timer.C:
		c.logger.Error("certification blocked by earlier transactions",
			zap.Stringer("txn", h),
			zap.Strings("keys", p.localKeys),
			zap.Error(ErrCertifyTimeout))
		metrics.TimeoutCounter.WithLabelValues(c.self, "certify").Inc()
		commit = false
	case <-p.finished:
		return
	case <-c.closeCh:
		return
	}

	vote := "abort"
	if commit {
		vote = "commit"
	}
	metrics.VoteCounter.WithLabelValues(c.self, vote).Inc()

	for _, g := range p.mine {
		c.broadcastVote(p, transport.Vote{Handler: h, Group: g, Replica: c.self, Commit: commit})
	}
}

// broadcastVote sends v to every destination replica and to the origin.
func (c *Coordinator) broadcastVote(p *pendingTxn, v transport.Vote) {
	targets := membership.Replicas(c.deps.View, p.req.Groups)
	origin := p.req.Record.Origin
	if origin != "" && !contains(targets, origin) {
		targets = append(targets, origin)
	}

	remote := make([]string, 0, len(targets))
	for _, r := range targets {
		if r != c.self {
			remote = append(remote, r)
		}
	}
	if len(remote) > 0 {
		result := quorum.Fanout(context.Background(), remote, c.opts.SendTimeout, func(ctx context.Context, replica string) error {
			return c.deps.Votes.SendVote(ctx, replica, v)
		})
		if !result.Success() {
			c.logger.Warn("vote not delivered to every replica",
				zap.Stringer("txn", v.Handler),
				zap.Strings("failed", result.Failed),
				zap.String("error", result.ErrorMessage))
		}
	}
	if contains(targets, c.self) {
		c.HandleVote(v)
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

package termination

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"txstore/internal/clock"
	"txstore/internal/membership"
	"txstore/internal/metrics"
	"txstore/internal/quorum"
	"txstore/internal/storage"
	"txstore/internal/transport"
	"txstore/internal/txn"
)

var (
	// ErrVoteTimeout is returned when votes were missing past the timeout.
	ErrVoteTimeout = errors.New("termination: vote timeout")
	// ErrCertifyTimeout is logged when certification waited too long for
	// earlier transactions on the same keys.
	ErrCertifyTimeout = errors.New("termination: certification wait timeout")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("termination: coordinator closed")
)

// Resolver maps keys to groups.
type Resolver interface {
	Resolve(key string) (string, error)
	ResolveNames(keys []string) ([]string, error)
	IsLocal(key string) bool
}

// Certifier casts the local vote.
type Certifier interface {
	Certify(rec *txn.Record) bool
}

// Applier stores committed revisions.
type Applier interface {
	Put(rev storage.Revision) bool
}

// Options configures a Coordinator.
type Options struct {
	// VoteReadSet makes the owners of read keys vote too.
	VoteReadSet bool
	// VoteTimeout bounds how long a delivered transaction waits for votes
	// before it is aborted locally.
	VoteTimeout time.Duration
	// CertifyTimeout bounds how long certification waits for earlier
	// transactions on the same keys.
	CertifyTimeout time.Duration
	// SendTimeout bounds each vote send.
	SendTimeout time.Duration
	// TerminatedCapacity bounds the set of remembered terminated handlers.
	TerminatedCapacity int
	Logger             *zap.Logger
}

func (o *Options) setDefaults() {
	if o.VoteTimeout <= 0 {
		o.VoteTimeout = 10 * time.Second
	}
	if o.CertifyTimeout <= 0 {
		o.CertifyTimeout = 5 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = quorum.DefaultPerReplicaTimeout
	}
	if o.TerminatedCapacity <= 0 {
		o.TerminatedCapacity = 100000
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	View     membership.View
	Resolver Resolver
	// Clocks numbers deliveries per local group.
	Clocks    *clock.Clocks
	Store     Applier
	Certifier Certifier
	Multicast transport.Multicaster
	Votes     transport.VoteSender
}

// pendingTxn is the coordinator state of one undecided transaction.
type pendingTxn struct {
	req transport.Request
	// versions holds the version reserved in each local destination group.
	versions map[string]clock.Version
	// proxy marks an origin that is not a destination: it only collects
	// votes for its client.
	proxy     bool
	mine      []string
	localKeys []string
	timer     *time.Timer
	finished  chan struct{}

	// mu guards done; finalisation happens once under it.
	mu   sync.Mutex
	done bool
}

// Coordinator runs the termination protocol for one replica.
type Coordinator struct {
	self   string
	deps   Deps
	opts   Options
	logger *zap.Logger

	tracker *quorum.Tracker
	keys    *keyQueue

	mu         sync.Mutex
	pending    map[uuid.UUID]*pendingTxn
	early      map[uuid.UUID]*earlyVotes
	waiters    map[uuid.UUID]chan txn.Outcome
	terminated *terminatedSet
	closed     bool
	closeCh    chan struct{}
}

// New creates a coordinator. Multicast and Votes may be attached later with
// SetTransport, before the first Commit or Deliver.
func New(deps Deps, opts Options) *Coordinator {
	opts.setDefaults()
	self := deps.View.Self()
	return &Coordinator{
		self:       self,
		deps:       deps,
		opts:       opts,
		logger:     opts.Logger.With(zap.String("replica", self)),
		tracker:    quorum.NewTracker(),
		keys:       newKeyQueue(),
		pending:    make(map[uuid.UUID]*pendingTxn),
		early:      make(map[uuid.UUID]*earlyVotes),
		waiters:    make(map[uuid.UUID]chan txn.Outcome),
		terminated: newTerminatedSet(opts.TerminatedCapacity),
		closeCh:    make(chan struct{}),
	}
}

// SetTransport attaches the multicast and vote transports.
func (c *Coordinator) SetTransport(m transport.Multicaster, v transport.VoteSender) {
	c.deps.Multicast = m
	c.deps.Votes = v
}

// Route returns the destination groups of rec and the groups that must vote.
func (c *Coordinator) Route(rec *txn.Record) (dests, voters []string, err error) {
	writeKeys := rec.WriteKeys()
	readKeys := rec.ReadKeys()

	voters, err = c.deps.Resolver.ResolveNames(writeKeys)
	if err != nil {
		return nil, nil, err
	}
	readers, err := c.deps.Resolver.ResolveNames(readKeys)
	if err != nil {
		return nil, nil, err
	}
	dests = union(voters, readers)
	if c.opts.VoteReadSet {
		voters = dests
	}
	return dests, voters, nil
}

// Commit terminates rec and returns its outcome. It blocks until the local
// replica has finalised the transaction, ctx is done or the coordinator
// closes.
func (c *Coordinator) Commit(ctx context.Context, rec *txn.Record) (txn.Outcome, error) {
	start := time.Now()
	outcome, err := c.commit(ctx, rec)
	metrics.CommitLatency.WithLabelValues(c.self, outcome.String()).Observe(time.Since(start).Seconds())
	return outcome, err
}

func (c *Coordinator) commit(ctx context.Context, rec *txn.Record) (txn.Outcome, error) {
	if err := rec.Validate(); err != nil {
		return txn.Aborted, err
	}
	if rec.Type == txn.ReadOnly {
		metrics.TxnCounter.WithLabelValues(c.self, rec.Type.String(), txn.Committed.String()).Inc()
		return txn.Committed, nil
	}

	dests, voters, err := c.Route(rec)
	if err != nil {
		return txn.Aborted, errors.Wrap(err, "route transaction")
	}
	if len(voters) == 0 {
		// nothing to certify or apply
		metrics.TxnCounter.WithLabelValues(c.self, rec.Type.String(), txn.Committed.String()).Inc()
		return txn.Committed, nil
	}

	h := rec.Handler
	done := make(chan txn.Outcome, 1)
	req := transport.Request{Record: rec, Groups: dests, Voters: voters}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return txn.Aborted, ErrClosed
	}
	c.waiters[h] = done
	if !c.isDestination(dests) {
		p := &pendingTxn{req: req, proxy: true, finished: make(chan struct{})}
		p.timer = time.AfterFunc(c.opts.VoteTimeout, func() { c.voteTimeout(h) })
		c.pending[h] = p
		c.tracker.Open(h, voters)
	}
	c.mu.Unlock()

	if err := c.deps.Multicast.Multicast(ctx, req); err != nil {
		c.abandon(h)
		return txn.Aborted, errors.Wrap(err, "multicast termination request")
	}

	// the local vote timer normally fires first
	guard := time.NewTimer(2 * (c.opts.VoteTimeout + c.opts.CertifyTimeout))
	defer guard.Stop()
	select {
	case outcome := <-done:
		return outcome, nil
	case <-ctx.Done():
		c.dropWaiter(h)
		return txn.Aborted, ctx.Err()
	case <-guard.C:
		c.dropWaiter(h)
		return txn.Aborted, errors.Wrapf(ErrVoteTimeout, "txn %s", h)
	case <-c.closeCh:
		return txn.Aborted, ErrClosed
	}
}

// abandon forgets a transaction whose multicast failed.
func (c *Coordinator) abandon(h uuid.UUID) {
	c.mu.Lock()
	p, ok := c.pending[h]
	if ok && p.proxy {
		delete(c.pending, h)
		p.timer.Stop()
		c.tracker.Remove(h)
	}
	delete(c.waiters, h)
	c.mu.Unlock()
}

func (c *Coordinator) dropWaiter(h uuid.UUID) {
	c.mu.Lock()
	delete(c.waiters, h)
	c.mu.Unlock()
}

// isDestination reports whether the local replica belongs to one of groups.
func (c *Coordinator) isDestination(groups []string) bool {
	return len(intersect(c.deps.View.MyGroups(), groups)) > 0
}

// Pending returns the number of undecided transactions.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Terminated reports whether handler was finalised recently.
func (c *Coordinator) Terminated(handler uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated.contains(handler)
}

// Close stops timers and fails blocked Commit calls.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
	for _, p := range c.pending {
		p.timer.Stop()
	}
	for _, e := range c.early {
		e.timer.Stop()
	}
	c.early = make(map[uuid.UUID]*earlyVotes)
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []string
	for _, s := range a {
		if in[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

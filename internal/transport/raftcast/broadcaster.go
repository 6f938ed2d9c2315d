package raftcast

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"txstore/internal/membership"
	"txstore/internal/transport"
	"txstore/internal/wire"
)

var (
	ErrStopped       = errors.New("raftcast: broadcaster stopped")
	ErrUnknownPeer   = errors.New("raftcast: unknown peer")
	ErrNoDestination = errors.New("raftcast: request has no destination group")
)

// Sender ships raft messages to other replicas.
type Sender interface {
	SendRaft(ctx context.Context, replica string, msg raftpb.Message) error
}

// Config tunes the raft group.
type Config struct {
	TickInterval    time.Duration
	ElectionTick    int
	HeartbeatTick   int
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
	CheckQuorum     bool
	PreVote         bool
	// RetryInterval is how long Multicast waits for its entry to commit
	// before proposing it again.
	RetryInterval time.Duration
	SendTimeout   time.Duration
}

// DefaultConfig returns settings suited to a LAN cluster.
func DefaultConfig() Config {
	return Config{
		TickInterval:    50 * time.Millisecond,
		ElectionTick:    10,
		HeartbeatTick:   1,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
		CheckQuorum:     true,
		PreVote:         true,
		RetryInterval:   time.Second,
		SendTimeout:     2 * time.Second,
	}
}

func (c Config) raftConfig(id uint64, storage *raft.MemoryStorage, logger *zap.Logger) *raft.Config {
	return &raft.Config{
		ID:              id,
		ElectionTick:    c.ElectionTick,
		HeartbeatTick:   c.HeartbeatTick,
		Storage:         storage,
		MaxSizePerMsg:   c.MaxSizePerMsg,
		MaxInflightMsgs: c.MaxInflightMsgs,
		CheckQuorum:     c.CheckQuorum,
		PreVote:         c.PreVote,
		Logger:          raftLogger{logger.Named("raft").Sugar()},
	}
}

// Broadcaster is one replica's member of the multicast raft group.
type Broadcaster struct {
	cfg     Config
	self    string
	id      uint64
	ids     map[string]uint64
	names   map[uint64]string
	view    membership.View
	handler transport.Handler
	sender  Sender
	logger  *zap.Logger

	node    raft.Node
	storage *raft.MemoryStorage

	mu      sync.Mutex
	waiters map[uuid.UUID]chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New builds a broadcaster for view.Self(). Raft IDs are assigned by the
// sorted position of each replica in the view, so every replica derives the
// same mapping.
func New(cfg Config, view membership.View, handler transport.Handler, sender Sender, logger *zap.Logger) (*Broadcaster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	replicas := membership.AllReplicas(view)
	b := &Broadcaster{
		cfg:     cfg,
		self:    view.Self(),
		ids:     make(map[string]uint64, len(replicas)),
		names:   make(map[uint64]string, len(replicas)),
		view:    view,
		handler: handler,
		sender:  sender,
		logger:  logger.With(zap.String("replica", view.Self())),
		storage: raft.NewMemoryStorage(),
		waiters: make(map[uuid.UUID]chan struct{}),
	}
	peers := make([]raft.Peer, 0, len(replicas))
	for i, r := range replicas {
		id := uint64(i + 1)
		b.ids[r] = id
		b.names[id] = r
		peers = append(peers, raft.Peer{ID: id, Context: []byte(r)})
	}
	id, ok := b.ids[b.self]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPeer, "self %q is not a replica of any group", b.self)
	}
	b.id = id
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.node = raft.StartNode(cfg.raftConfig(id, b.storage, b.logger), peers)
	return b, nil
}

// ID returns the replica's raft ID.
func (b *Broadcaster) ID() uint64 { return b.id }

// Leader returns the replica name of the current raft leader, if known.
func (b *Broadcaster) Leader() (string, bool) {
	name, ok := b.names[b.node.Status().Lead]
	return name, ok
}

// Run drives the raft node until ctx is done or Stop is called.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return nil
		case <-ctx.Done():
			b.Stop()
			return ctx.Err()
		case <-ticker.C:
			b.node.Tick()
		case rd := <-b.node.Ready():
			if err := b.handleReady(rd); err != nil {
				b.logger.Error("raft ready failed", zap.Error(err))
				b.Stop()
				return err
			}
		}
	}
}

func (b *Broadcaster) handleReady(rd raft.Ready) error {
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := b.storage.SetHardState(rd.HardState); err != nil {
			return errors.Wrap(err, "set hard state")
		}
	}
	if err := b.storage.Append(rd.Entries); err != nil {
		return errors.Wrap(err, "append entries")
	}

	b.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		switch entry.Type {
		case raftpb.EntryNormal:
			b.apply(entry)
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return errors.Wrap(err, "unmarshal conf change")
			}
			b.node.ApplyConfChange(cc)
		}
	}

	b.node.Advance()
	return nil
}

func (b *Broadcaster) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == b.id {
			continue
		}
		to, ok := b.names[msg.To]
		if !ok {
			continue
		}
		go func(m raftpb.Message) {
			ctx, cancel := context.WithTimeout(b.ctx, b.cfg.SendTimeout)
			defer cancel()
			if err := b.sender.SendRaft(ctx, to, m); err != nil {
				b.node.ReportUnreachable(m.To)
				b.logger.Debug("failed to send raft message",
					zap.String("to", to), zap.Stringer("type", m.Type), zap.Error(err))
			}
		}(msg)
	}
}

// apply delivers one committed request. Every replica walks the same log,
// so deliveries happen in the same order everywhere.
func (b *Broadcaster) apply(entry raftpb.Entry) {
	if len(entry.Data) == 0 {
		return
	}
	req, err := wire.UnmarshalRequest(entry.Data)
	if err != nil {
		b.logger.Error("skipping undecodable log entry", zap.Uint64("index", entry.Index), zap.Error(err))
		return
	}
	b.notify(req.Record.Handler)
	if b.addressed(req.Groups) {
		b.handler.Deliver(req)
	}
}

func (b *Broadcaster) addressed(groups []string) bool {
	for _, g := range b.view.MyGroups() {
		if slices.Contains(groups, g) {
			return true
		}
	}
	return false
}

func (b *Broadcaster) notify(h uuid.UUID) {
	b.mu.Lock()
	ch, ok := b.waiters[h]
	delete(b.waiters, h)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Multicast proposes req and returns once it is committed to the log. An
// entry lost to a leader change is proposed again; receivers drop the
// duplicate by handler.
func (b *Broadcaster) Multicast(ctx context.Context, req transport.Request) error {
	if len(req.Groups) == 0 {
		return ErrNoDestination
	}
	data := wire.MarshalRequest(req)
	committed := make(chan struct{})
	h := req.Record.Handler

	b.mu.Lock()
	b.waiters[h] = committed
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, h)
		b.mu.Unlock()
	}()

	retry := time.NewTimer(0)
	defer retry.Stop()
	for {
		select {
		case <-committed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return ErrStopped
		case <-retry.C:
			if err := b.node.Propose(ctx, data); err != nil && !errors.Is(err, raft.ErrProposalDropped) {
				if b.ctx.Err() != nil {
					return ErrStopped
				}
				return errors.Wrap(err, "propose")
			}
			retry.Reset(b.cfg.RetryInterval)
		}
	}
}

// Step feeds a raft message received from another replica.
func (b *Broadcaster) Step(ctx context.Context, msg raftpb.Message) error {
	if _, ok := b.names[msg.From]; !ok {
		return errors.Wrapf(ErrUnknownPeer, "raft id %d", msg.From)
	}
	return b.node.Step(ctx, msg)
}

// Stop halts the raft node. It is safe to call more than once.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.node.Stop()
		b.logger.Info("raft broadcaster stopped")
	})
}

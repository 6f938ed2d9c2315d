package local

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"txstore/internal/membership"
	"txstore/internal/transport"
)

// ErrUnknownReplica is returned for sends to replicas that are not
// registered or are disconnected.
var ErrUnknownReplica = errors.New("local: unknown replica")

// Hub connects in-process replicas.
type Hub struct {
	view   membership.View
	logger *zap.Logger

	// order serialises multicasts into one total order.
	order sync.Mutex

	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	hookMu    sync.RWMutex
	duplicate bool
	dropVote  func(to string, v transport.Vote) bool
}

// NewHub creates a hub routing by the groups of view.
func NewHub(view membership.View, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		view:      view,
		logger:    logger,
		endpoints: make(map[string]*Endpoint),
	}
}

// Register attaches a replica and starts its delivery goroutine.
func (h *Hub) Register(replica string, handler transport.Handler, reads transport.ReadHandler) *Endpoint {
	ep := &Endpoint{
		hub:     h,
		id:      replica,
		handler: handler,
		reads:   reads,
		box:     newMailbox(),
	}
	h.mu.Lock()
	if old, ok := h.endpoints[replica]; ok {
		old.box.close()
	}
	h.endpoints[replica] = ep
	h.mu.Unlock()

	go ep.run()
	return ep
}

// Disconnect detaches a replica, simulating a crash. Pending deliveries
// are discarded.
func (h *Hub) Disconnect(replica string) {
	h.mu.Lock()
	ep, ok := h.endpoints[replica]
	delete(h.endpoints, replica)
	h.mu.Unlock()
	if ok {
		ep.box.close()
	}
}

// DuplicateDeliveries makes every multicast deliver each request twice.
func (h *Hub) DuplicateDeliveries(on bool) {
	h.hookMu.Lock()
	h.duplicate = on
	h.hookMu.Unlock()
}

// DropVotes installs a filter; votes for which fn returns true are lost.
func (h *Hub) DropVotes(fn func(to string, v transport.Vote) bool) {
	h.hookMu.Lock()
	h.dropVote = fn
	h.hookMu.Unlock()
}

// Close stops every delivery goroutine.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ep := range h.endpoints {
		ep.box.close()
		delete(h.endpoints, id)
	}
}

func (h *Hub) endpoint(replica string) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ep, ok := h.endpoints[replica]
	return ep, ok
}

func (h *Hub) multicast(req transport.Request) {
	h.hookMu.RLock()
	copies := 1
	if h.duplicate {
		copies = 2
	}
	h.hookMu.RUnlock()

	h.order.Lock()
	defer h.order.Unlock()
	for _, replica := range membership.Replicas(h.view, req.Groups) {
		ep, ok := h.endpoint(replica)
		if !ok {
			continue
		}
		for i := 0; i < copies; i++ {
			ep.box.push(transport.Request{
				Record: req.Record.Clone(),
				Groups: append([]string(nil), req.Groups...),
				Voters: append([]string(nil), req.Voters...),
			})
		}
	}
}

// Endpoint is one replica's view of the hub. It implements Multicaster,
// VoteSender and Reader.
type Endpoint struct {
	hub     *Hub
	id      string
	handler transport.Handler
	reads   transport.ReadHandler
	box     *mailbox
}

// Multicast implements transport.Multicaster.
func (e *Endpoint) Multicast(ctx context.Context, req transport.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(req.Groups) == 0 {
		return errors.New("local: multicast without destination groups")
	}
	e.hub.multicast(req)
	return nil
}

// SendVote implements transport.VoteSender.
func (e *Endpoint) SendVote(ctx context.Context, replica string, v transport.Vote) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.hookMu.RLock()
	drop := e.hub.dropVote
	e.hub.hookMu.RUnlock()
	if drop != nil && drop(replica, v) {
		e.hub.logger.Debug("vote dropped", zap.String("to", replica), zap.Stringer("txn", v.Handler))
		return nil
	}

	target, ok := e.hub.endpoint(replica)
	if !ok {
		return errors.Wrap(ErrUnknownReplica, replica)
	}
	target.handler.HandleVote(v)
	return nil
}

// RemoteRead implements transport.Reader.
func (e *Endpoint) RemoteRead(ctx context.Context, replica string, req transport.ReadRequest) (transport.ReadReply, error) {
	target, ok := e.hub.endpoint(replica)
	if !ok || target.reads == nil {
		return transport.ReadReply{}, errors.Wrap(ErrUnknownReplica, replica)
	}
	return target.reads.ServeRead(ctx, req)
}

func (e *Endpoint) run() {
	for {
		req, ok := e.box.pop()
		if !ok {
			return
		}
		e.handler.Deliver(req)
	}
}

// mailbox is an unbounded FIFO queue so multicasts never block on a slow
// replica while holding the order lock.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []transport.Request
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(req transport.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, req)
	m.cond.Signal()
}

func (m *mailbox) pop() (transport.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return transport.Request{}, false
	}
	req := m.queue[0]
	m.queue[0] = transport.Request{}
	m.queue = m.queue[1:]
	return req, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue = nil
	m.cond.Broadcast()
}

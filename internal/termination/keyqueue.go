package termination

import (
	"sync"

	"github.com/google/uuid"
)

// keyQueue orders certification of transactions writing the same key by
// delivery order. A transaction may certify once it heads the queue of
// every key it writes locally.
type keyQueue struct {
	mu     sync.Mutex
	queues map[string][]*ticket
	byTxn  map[uuid.UUID]*ticket
}

type ticket struct {
	handler uuid.UUID
	keys    []string
	waiting int
	ready   chan struct{}
}

func newKeyQueue() *keyQueue {
	return &keyQueue{
		queues: make(map[string][]*ticket),
		byTxn:  make(map[uuid.UUID]*ticket),
	}
}

// enqueue appends handler to the queue of every key. The returned channel
// is closed once handler heads all of them.
func (q *keyQueue) enqueue(handler uuid.UUID, keys []string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &ticket{handler: handler, keys: keys, ready: make(chan struct{})}
	q.byTxn[handler] = t
	for _, k := range keys {
		q.queues[k] = append(q.queues[k], t)
		if len(q.queues[k]) > 1 {
			t.waiting++
		}
	}
	if t.waiting == 0 {
		close(t.ready)
	}
	return t.ready
}

// release removes handler from every queue it is in, wherever it stands.
func (q *keyQueue) release(handler uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byTxn[handler]
	if !ok {
		return
	}
	delete(q.byTxn, handler)
	for _, k := range t.keys {
		queue := q.queues[k]
		for i, other := range queue {
			if other != t {
				continue
			}
			queue = append(queue[:i], queue[i+1:]...)
			if i == 0 && len(queue) > 0 {
				next := queue[0]
				next.waiting--
				if next.waiting == 0 {
					close(next.ready)
				}
			}
			break
		}
		if len(queue) == 0 {
			delete(q.queues, k)
		} else {
			q.queues[k] = queue
		}
	}
}

// len returns the number of queued transactions.
func (q *keyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byTxn)
}

package termination

import (
	"container/list"

	"github.com/google/uuid"
)

// terminatedSet remembers the most recent terminated handlers, evicting
// the oldest past capacity. Not safe for concurrent use.
type terminatedSet struct {
	capacity int
	order    *list.List
	index    map[uuid.UUID]*list.Element
}

func newTerminatedSet(capacity int) *terminatedSet {
	return &terminatedSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[uuid.UUID]*list.Element),
	}
}

func (s *terminatedSet) add(h uuid.UUID) {
	if _, ok := s.index[h]; ok {
		return
	}
	s.index[h] = s.order.PushBack(h)
	for s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(uuid.UUID))
	}
}

func (s *terminatedSet) contains(h uuid.UUID) bool {
	_, ok := s.index[h]
	return ok
}

func (s *terminatedSet) len() int {
	return s.order.Len()
}
